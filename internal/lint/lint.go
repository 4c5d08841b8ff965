// Package lint implements the security-lint policy applied to user
// functions: the deny set enforced while compiling every generated unit, and
// the required set that must be recorded in a unit before the loader will
// trust its artifact.
package lint

import (
	"sort"
	"strings"

	"udfhost/internal/errs"
)

// Baseline is the non-negotiable member of the required set. Loading is
// structurally refused when it is missing, no matter how the configuration
// was changed.
const Baseline = "unsafe_code"

// builtin is the default lint set applied both at compile time and required
// at load time when the configuration does not specify its own lists.
var builtin = []string{
	"unsafe_code",
	"compiler_directives",
	"process_exec",
	"network_access",
}

// Set is an unordered collection of lint names.
type Set map[string]struct{}

// ParseSet parses a comma-separated lint list, falling back to the builtin
// set when the list is empty.
func ParseSet(csv string) Set {
	s := make(Set)
	if strings.TrimSpace(csv) == "" {
		for _, n := range builtin {
			s[n] = struct{}{}
		}
		return s
	}
	for _, raw := range strings.Split(csv, ",") {
		if n := strings.TrimSpace(raw); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

func (s Set) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Slice returns the lint names in deterministic order, for emission into
// generated source and provenance records.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// VerifyBaseline refuses any set that does not cover the non-negotiable
// baseline. The loader calls this independently of configuration.
func (s Set) VerifyBaseline() error {
	if !s.Contains(Baseline) {
		return errs.Policyf("required lint set %v does not include %q", s.Slice(), Baseline)
	}
	return nil
}
