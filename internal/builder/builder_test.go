package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"udfhost/internal/allowlist"
	"udfhost/internal/codegen"
	"udfhost/internal/config"
	"udfhost/internal/errs"
	"udfhost/internal/target"
)

func testBuilder(t *testing.T, allow allowlist.List) *Builder {
	t.Helper()
	cfg := &config.Config{
		WorkDir: t.TempDir(),
		// A PATH with no toolchain: any attempt to spawn would fail loudly
		// with an exec error rather than a policy error.
		PathOverride: t.TempDir(),
	}
	return New(zap.NewNop(), cfg, allow, filepath.Join(cfg.WorkDir, "support"))
}

func linuxTarget() target.Target {
	return target.Target{Triple: "x86_64-unknown-linux-gnu", GOOS: "linux", GOARCH: "amd64"}
}

func TestBuildRejectsDisallowedDependencyBeforeSpawn(t *testing.T) {
	b := testBuilder(t, allowlist.List{})
	unit := &codegen.Unit{
		Name:   "fn1_42",
		Source: []byte("package main\n"),
		Deps:   []codegen.Dependency{{Path: "github.com/evil/dep", Version: "v0.0.1"}},
	}

	crateDir := filepath.Join(t.TempDir(), "crate")
	_, _, err := b.Build(context.Background(), unit, linuxTarget(), crateDir)
	require.Error(t, err)

	var pe *errs.PolicyError
	assert.True(t, errors.As(err, &pe), "expected a policy error, got %v", err)

	// The crate directory was never materialized: the gate fired before any
	// on-disk or process work.
	_, statErr := os.Stat(crateDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuildToolchainFailureCarriesSource(t *testing.T) {
	b := testBuilder(t, allowlist.List{})
	unit := &codegen.Unit{
		Name:   "fn1_42",
		Source: []byte("package main\nfunc main() {}\n"),
		Lints:  []string{"unsafe_code"},
	}

	crateDir := filepath.Join(t.TempDir(), "crate")
	_, _, err := b.Build(context.Background(), unit, linuxTarget(), crateDir)
	require.Error(t, err)

	var te *errs.ToolchainError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Source, "package main", "generated source travels with the failure")

	// Failure keeps the crate directory for diagnosis.
	assert.DirExists(t, crateDir)
	assert.FileExists(t, filepath.Join(crateDir, "main.go"))
	assert.FileExists(t, filepath.Join(crateDir, "go.mod"))
}

func TestManifest(t *testing.T) {
	b := testBuilder(t, allowlist.List{})
	unit := &codegen.Unit{
		Name: "fn1_42_3",
		Deps: []codegen.Dependency{{Path: "github.com/google/uuid", Version: "v1.6.0"}},
	}

	m := string(b.manifest(unit))
	assert.Contains(t, m, "module fn1_42_3\n")
	assert.Contains(t, m, "require udfhost.local/support v0.0.0")
	assert.Contains(t, m, "github.com/google/uuid v1.6.0")
	assert.Contains(t, m, "replace udfhost.local/support => ")
}

func TestArtifactExt(t *testing.T) {
	assert.Equal(t, ".wasm", artifactExt(target.Wasm))
	assert.Equal(t, ".so", artifactExt(linuxTarget()))
	assert.Equal(t, ".dylib", artifactExt(target.Target{GOOS: "darwin"}))
}

func TestBuildEnv(t *testing.T) {
	cfg := &config.Config{
		WorkDir:      t.TempDir(),
		PathOverride: "/opt/toolchain/bin",
		TargetOverrides: map[string]config.TargetOverride{
			"aarch64-unknown-linux-gnu": {Linker: "aarch64-linux-gnu-gcc", BindingsPath: "/opt/bindings"},
		},
	}
	b := New(zap.NewNop(), cfg, allowlist.List{}, "/tmp/support")

	env := b.buildEnv(target.Target{Triple: "aarch64-unknown-linux-gnu", GOOS: "linux", GOARCH: "arm64"})
	assert.Contains(t, env, "GOOS=linux")
	assert.Contains(t, env, "GOARCH=arm64")
	assert.Contains(t, env, "CGO_ENABLED=1")
	assert.Contains(t, env, "PATH=/opt/toolchain/bin")
	assert.Contains(t, env, "CC=aarch64-linux-gnu-gcc")
	assert.Contains(t, env, "UDFHOST_BINDINGS_PATH=/opt/bindings")

	env = b.buildEnv(target.Wasm)
	assert.Contains(t, env, "CGO_ENABLED=0")
}
