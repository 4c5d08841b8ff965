// Package builder invokes the external Go toolchain to compile generated
// units, once per requested target, each build in its own isolated
// directory. The dependency allow-list is enforced before any process is
// spawned; combined toolchain output is captured regardless of outcome.
package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"udfhost/internal/allowlist"
	"udfhost/internal/codegen"
	"udfhost/internal/config"
	"udfhost/internal/errs"
	"udfhost/internal/lint"
	"udfhost/internal/target"
)

// Builder orchestrates toolchain invocations. It is safe for concurrent use
// across distinct build directories; same-function serialization is the
// dispatcher's responsibility.
type Builder struct {
	log        *zap.Logger
	cfg        *config.Config
	allow      allowlist.List
	supportDir string
}

func New(log *zap.Logger, cfg *config.Config, allow allowlist.List, supportDir string) *Builder {
	return &Builder{log: log, cfg: cfg, allow: allow, supportDir: supportDir}
}

// Build compiles one unit for one target inside crateDir. On success it
// returns the final artifact path and the captured toolchain output; the
// crate directory is removed. On failure the crate directory is kept for
// diagnosis and the error carries the output with the generated source
// appended.
func (b *Builder) Build(ctx context.Context, unit *codegen.Unit, tgt target.Target, crateDir string) (string, string, error) {
	// Policy gate: no toolchain process is spawned for a unit declaring a
	// dependency outside the allow-list.
	for _, dep := range unit.Deps {
		if err := b.allow.Check(dep.Path, dep.Version); err != nil {
			return "", "", err
		}
	}

	if err := b.materialize(unit, crateDir); err != nil {
		return "", "", err
	}

	outDir := filepath.Join(crateDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", err
	}
	tmpOut := filepath.Join(outDir, unit.Name+artifactExt(tgt))

	cmd := exec.CommandContext(ctx, b.toolchain(), "build", "-buildmode=c-shared", "-o", tmpOut, ".")
	cmd.Dir = crateDir
	cmd.Env = b.buildEnv(tgt)

	b.log.Debug("invoking toolchain",
		zap.String("unit", unit.Name),
		zap.String("target", tgt.Triple),
		zap.String("dir", crateDir))

	rawOut, runErr := cmd.CombinedOutput()
	output := string(rawOut)
	if runErr != nil {
		return "", output, &errs.ToolchainError{
			Output: output,
			Source: string(unit.Source),
			Err:    runErr,
		}
	}

	final, err := b.install(unit, tgt, tmpOut)
	if err != nil {
		return "", output, err
	}

	// The generated unit has served its purpose; only failures keep it.
	if err := os.RemoveAll(crateDir); err != nil {
		b.log.Warn("could not clean crate dir", zap.String("dir", crateDir), zap.Error(err))
	}
	return final, output, nil
}

// install renames the built artifact into its deterministic final location,
// derived from (target, unit name), and records provenance beside it. The
// rename happens only after the build fully succeeded, so no partial
// artifact is ever visible under the final name.
func (b *Builder) install(unit *codegen.Unit, tgt target.Target, tmpOut string) (string, error) {
	if _, err := os.Stat(tmpOut); err != nil {
		return "", &errs.LoadError{Reason: "toolchain reported success but produced no artifact", Err: err}
	}

	finalDir := filepath.Join(b.cfg.WorkDir, "artifacts", tgt.Triple)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return "", err
	}
	final := filepath.Join(finalDir, filepath.Base(tmpOut))
	if err := os.Rename(tmpOut, final); err != nil {
		return "", fmt.Errorf("installing artifact: %w", err)
	}

	prov := &lint.Provenance{Unit: unit.Name, Entry: unit.EntrySymbol, Lints: unit.Lints}
	if err := prov.Write(final); err != nil {
		return "", fmt.Errorf("recording artifact provenance: %w", err)
	}
	return final, nil
}

// materialize writes the build manifest and the generated source into the
// crate directory.
func (b *Builder) materialize(unit *codegen.Unit, crateDir string) error {
	if err := os.MkdirAll(crateDir, 0o755); err != nil {
		return fmt.Errorf("creating crate dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(crateDir, "go.mod"), b.manifest(unit), 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(crateDir, "main.go"), unit.Source, 0o644); err != nil {
		return fmt.Errorf("writing generated source: %w", err)
	}
	return nil
}

// manifest renders the unit's go.mod: the unit name, the fixed support
// dependency and the allow-listed user dependencies.
func (b *Builder) manifest(unit *codegen.Unit) []byte {
	var m strings.Builder
	fmt.Fprintf(&m, "module %s\n\ngo 1.24\n\n", unit.Name)
	fmt.Fprintf(&m, "require %s v0.0.0\n", codegen.SupportModule)
	if len(unit.Deps) > 0 {
		m.WriteString("\nrequire (\n")
		for _, dep := range unit.Deps {
			fmt.Fprintf(&m, "\t%s %s\n", dep.Path, dep.Version)
		}
		m.WriteString(")\n")
	}
	fmt.Fprintf(&m, "\nreplace %s => %s\n", codegen.SupportModule, b.supportDir)
	return []byte(m.String())
}

func (b *Builder) buildEnv(tgt target.Target) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"GOOS="+tgt.GOOS,
		"GOARCH="+tgt.GOARCH,
		"GOFLAGS=-mod=mod",
	)
	if tgt.GOOS == "wasip1" {
		env = append(env, "CGO_ENABLED=0")
	} else {
		env = append(env, "CGO_ENABLED=1")
	}
	if b.cfg.PathOverride != "" {
		env = append(env, "PATH="+b.cfg.PathOverride)
	}
	if linker, ok := b.cfg.LinkerFor(tgt.Triple); ok {
		env = append(env, "CC="+linker)
	}
	if bindings, ok := b.cfg.BindingsFor(tgt.Triple); ok {
		env = append(env, "UDFHOST_BINDINGS_PATH="+bindings)
	}
	return env
}

// toolchain resolves the go binary. When a PATH override is configured it
// is authoritative: the binary is taken from there or the spawn fails with
// the path that was searched.
func (b *Builder) toolchain() string {
	if b.cfg.PathOverride == "" {
		return "go"
	}
	dirs := filepath.SplitList(b.cfg.PathOverride)
	for _, dir := range dirs {
		candidate := filepath.Join(dir, "go")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return filepath.Join(dirs[0], "go")
}

func artifactExt(tgt target.Target) string {
	switch tgt.GOOS {
	case "wasip1":
		return ".wasm"
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}
