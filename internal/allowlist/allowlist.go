// Package allowlist gates the third-party dependencies a user function may
// declare. The list is a TOML table of module path to allowed version spec;
// membership is checked before the toolchain is ever invoked.
package allowlist

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"udfhost/internal/errs"
)

// List maps a module path to its allowed version. The version spec "*"
// permits any version of the module.
type List map[string]string

// Load reads the allow-list file. An empty path yields an empty list, under
// which every declared dependency is rejected.
func Load(path string) (List, error) {
	if path == "" {
		return List{}, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dependency allow-list %s: %w", path, err)
	}
	var raw map[string]string
	if err := toml.Unmarshal(contents, &raw); err != nil {
		return nil, fmt.Errorf("parsing dependency allow-list %s: %w", path, err)
	}
	return List(raw), nil
}

// Check validates one declared dependency against the list.
func (l List) Check(name, version string) error {
	allowed, ok := l[name]
	if !ok {
		return errs.Policyf("dependency %s is not allow-listed", name)
	}
	if allowed != "*" && allowed != version {
		return errs.Policyf("dependency %s version %s is not allow-listed (allowed: %s)", name, version, allowed)
	}
	return nil
}
