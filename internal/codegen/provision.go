package codegen

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

//go:embed guestsupport
var guestFS embed.FS

// ProvisionSupport materializes the embedded support module under the work
// directory so generated manifests can reference it with a local replace
// directive. It returns the provisioned module path. Called once at engine
// init; rewriting on every start keeps the on-disk copy in sync with the
// binary.
func ProvisionSupport(workDir string) (string, error) {
	dir := filepath.Join(workDir, "support")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating support module dir: %w", err)
	}

	err := fs.WalkDir(guestFS, "guestsupport", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		contents, err := guestFS.ReadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), ".tmpl")
		return os.WriteFile(filepath.Join(dir, name), contents, 0o644)
	})
	if err != nil {
		return "", fmt.Errorf("provisioning support module: %w", err)
	}
	return dir, nil
}
