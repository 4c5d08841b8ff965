// Package target resolves the compilation targets a function is built for.
// The host target is always built and is the only one ever loaded for
// execution; configured cross targets produce artifacts for other machines
// and are never selected locally.
package target

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"
)

// EnvOverride names the environment variable that, when set, replaces host
// target detection entirely.
const EnvOverride = "UDFHOST_TARGET"

// Target is an architecture-vendor-OS-environment tuple plus the GOOS/GOARCH
// pair the toolchain needs to produce it.
type Target struct {
	Triple string
	GOOS   string
	GOARCH string
}

func (t Target) String() string { return t.Triple }

// Wasm is the fixed target used by the sandbox backend.
var Wasm = Target{Triple: "wasm32-wasip1", GOOS: "wasip1", GOARCH: "wasm"}

var archToGoarch = map[string]string{
	"x86_64":  "amd64",
	"aarch64": "arm64",
}

var goarchToArch = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
}

var osNames = map[string]string{
	"linux":   "linux",
	"darwin":  "darwin",
	"windows": "windows",
	"freebsd": "freebsd",
}

// hostCache memoizes the first successful host resolution for the process
// lifetime. Failures are not cached and may be retried.
var hostCache = struct {
	mu sync.Mutex
	t  *Target
}{}

// Host returns the target tuple matching the running process. An explicit
// environment override wins over platform detection.
func Host(override string) (Target, error) {
	hostCache.mu.Lock()
	defer hostCache.mu.Unlock()
	if hostCache.t != nil {
		return *hostCache.t, nil
	}
	t, err := resolveHost(override)
	if err != nil {
		return Target{}, err
	}
	hostCache.t = &t
	return t, nil
}

func resolveHost(override string) (Target, error) {
	if override != "" {
		return ParseTriple(override)
	}
	arch, ok := goarchToArch[runtime.GOARCH]
	if !ok {
		return Target{}, fmt.Errorf("unsupported host architecture %s", runtime.GOARCH)
	}
	osName, ok := osNames[runtime.GOOS]
	if !ok {
		return Target{}, fmt.Errorf("unsupported host platform %s", runtime.GOOS)
	}
	return Target{
		Triple: joinTuple(arch, vendorFor(runtime.GOOS), osName, envFor(runtime.GOOS)),
		GOOS:   runtime.GOOS,
		GOARCH: runtime.GOARCH,
	}, nil
}

func vendorFor(goos string) string {
	switch goos {
	case "darwin":
		return "apple"
	case "windows":
		return "pc"
	default:
		return "unknown"
	}
}

func envFor(goos string) string {
	if goos == "linux" {
		return "gnu"
	}
	return ""
}

func joinTuple(parts ...string) string {
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p != "" {
			b.WriteByte('-')
			b.WriteString(p)
		}
	}
	return b.String()
}

// ParseTriple validates a target tuple string and derives the toolchain
// GOOS/GOARCH pair from it.
func ParseTriple(s string) (Target, error) {
	if !utf8.ValidString(s) {
		return Target{}, fmt.Errorf("non-UTF-8 target tuple specifiers are invalid: %q", s)
	}
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return Target{}, fmt.Errorf("unrecognized target tuple %q", s)
	}
	goarch, ok := archToGoarch[parts[0]]
	if !ok {
		return Target{}, fmt.Errorf("unsupported target architecture %q", parts[0])
	}
	var goos string
	for _, p := range parts[1:] {
		if _, ok := osNames[p]; ok {
			goos = p
			break
		}
	}
	if goos == "" {
		return Target{}, fmt.Errorf("unrecognized operating system in target tuple %q", s)
	}
	return Target{Triple: s, GOOS: goos, GOARCH: goarch}, nil
}

// Configured parses the comma-separated cross-compilation target list,
// excluding any entry matching the host architecture and deduplicating the
// rest. Entries may be bare architectures (which inherit the host OS tuple)
// or full tuples.
func Configured(list string, host Target) ([]Target, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []Target
	for _, raw := range strings.Split(list, ",") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		t, err := parseConfigured(s, host)
		if err != nil {
			return nil, err
		}
		if t.GOARCH == host.GOARCH && t.GOOS == host.GOOS {
			continue
		}
		if seen[t.Triple] {
			continue
		}
		seen[t.Triple] = true
		out = append(out, t)
	}
	return out, nil
}

func parseConfigured(s string, host Target) (Target, error) {
	if goarch, ok := archToGoarch[s]; ok {
		arch := s
		return Target{
			Triple: joinTuple(arch, vendorFor(host.GOOS), host.GOOS, envFor(host.GOOS)),
			GOOS:   host.GOOS,
			GOARCH: goarch,
		}, nil
	}
	return ParseTriple(s)
}
