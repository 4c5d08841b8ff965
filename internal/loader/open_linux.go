//go:build linux

package loader

import (
	"fmt"
	"os"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"udfhost/internal/errs"
)

// openLibrary writes the shared object into a sealed, exact-sized anonymous
// memory file and loads it through its /proc/self/fd path. The descriptor
// is retained for the lifetime of the library: once closed, the kernel may
// hand the number to a later memfd, and a loader keyed on that path would
// silently resolve the wrong artifact.
func openLibrary(so []byte, name, workDir string) (backing, uintptr, error) {
	fd, err := unix.MemfdCreate("udf-"+name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, 0, &errs.LoadError{Reason: "creating anonymous file", Err: err}
	}
	f := os.NewFile(uintptr(fd), "udf-"+name)

	fail := func(reason string, err error) (backing, uintptr, error) {
		f.Close()
		return nil, 0, &errs.LoadError{Reason: reason, Err: err}
	}

	// Fix the size to exactly the image, then forbid resizing or further
	// seal changes. Plain writes within the fixed size remain possible.
	if err := f.Truncate(int64(len(so))); err != nil {
		return fail("sizing anonymous file", err)
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		return fail("sealing anonymous file size", err)
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SEAL); err != nil {
		return fail("sealing anonymous file seals", err)
	}
	if _, err := f.WriteAt(so, 0); err != nil {
		return fail("writing artifact image", err)
	}

	path := fmt.Sprintf("/proc/self/fd/%d", int(f.Fd()))
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return fail("artifact is not a loadable image", err)
	}
	return fdBacking{f: f}, handle, nil
}

type fdBacking struct {
	f *os.File
}

func (b fdBacking) Release() error { return b.f.Close() }
