package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// TargetOverride carries per-target toolchain settings. Absence of an
// override is a valid outcome, not an error.
type TargetOverride struct {
	Linker       string `yaml:"linker"`
	BindingsPath string `yaml:"bindings_path"`
}

type Config struct {
	// WorkDir is the scratch directory where function crates are
	// provisioned, built and staged. Must be set before the engine starts.
	WorkDir string `yaml:"work_dir"`

	// PathOverride replaces $PATH when invoking the toolchain, for hosts
	// where the build tools are not on the service's default path.
	PathOverride string `yaml:"path_override"`

	LogLevel string `yaml:"log_level"`

	// AllowedDependencies is the path of a TOML table of module path to
	// allowed version spec. Empty means no third-party dependency is
	// permitted in user functions.
	AllowedDependencies string `yaml:"allowed_dependencies"`

	// CompilationTargets is a comma-separated list of cross-compilation
	// targets, bare architectures or full tuples.
	CompilationTargets string `yaml:"compilation_targets"`

	CompileLints  string `yaml:"compile_lints"`
	RequiredLints string `yaml:"required_lints"`

	// Backend selects the execution strategy: "native" or "wasm".
	Backend string `yaml:"backend"`

	// SymbolGenerations forces generation-suffixed unit names on platforms
	// where the dynamic loader caches resolution by file identity. It is
	// enabled automatically on darwin/amd64.
	SymbolGenerations bool `yaml:"symbol_generations"`

	TargetOverrides map[string]TargetOverride `yaml:"target_overrides"`
}

const (
	BackendNative = "native"
	BackendWasm   = "wasm"
)

// Load reads the YAML config file, then applies .env and environment
// variable overrides on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{Backend: BackendNative, LogLevel: "info"}
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Backend != BackendNative && cfg.Backend != BackendWasm {
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("UDFHOST_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("UDFHOST_PATH_OVERRIDE"); v != "" {
		cfg.PathOverride = v
	}
	if v := os.Getenv("UDFHOST_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("UDFHOST_ALLOWED_DEPENDENCIES"); v != "" {
		cfg.AllowedDependencies = v
	}
	if v := os.Getenv("UDFHOST_COMPILATION_TARGETS"); v != "" {
		cfg.CompilationTargets = v
	}
	if v := os.Getenv("UDFHOST_BACKEND"); v != "" {
		cfg.Backend = v
	}
}

// LinkerFor returns the configured linker override for a target tuple.
func (c *Config) LinkerFor(triple string) (string, bool) {
	ov, ok := c.TargetOverrides[triple]
	if !ok || ov.Linker == "" {
		return "", false
	}
	return ov.Linker, true
}

// BindingsFor returns the configured type-binding path override for a target
// tuple.
func (c *Config) BindingsFor(triple string) (string, bool) {
	ov, ok := c.TargetOverrides[triple]
	if !ok || ov.BindingsPath == "" {
		return "", false
	}
	return ov.BindingsPath, true
}

// ZapLevel maps the configured verbosity onto a zap level, defaulting to
// info for unknown values.
func (c *Config) ZapLevel() zapcore.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
