//go:build darwin || freebsd

package loader

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/ebitengine/purego"

	"udfhost/internal/errs"
)

func libExt() string {
	if runtime.GOOS == "darwin" {
		return ".dylib"
	}
	return ".so"
}

// openLibrary stages the shared object in a short-lived file under the work
// directory, loads it, then unlinks it immediately. The loader keeps the
// mapping alive after the unlink, so nothing on disk outlives the call.
func openLibrary(so []byte, name, workDir string) (backing, uintptr, error) {
	dir := filepath.Join(workDir, "stage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, &errs.LoadError{Reason: "creating staging dir", Err: err}
	}
	f, err := os.CreateTemp(dir, name+"-*"+libExt())
	if err != nil {
		return nil, 0, &errs.LoadError{Reason: "staging artifact", Err: err}
	}
	path := f.Name()
	_, werr := f.Write(so)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		if werr == nil {
			werr = cerr
		}
		return nil, 0, &errs.LoadError{Reason: "writing staged artifact", Err: werr}
	}

	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	os.Remove(path)
	if err != nil {
		return nil, 0, &errs.LoadError{Reason: "artifact is not a loadable image", Err: err}
	}
	return noBacking{}, handle, nil
}
