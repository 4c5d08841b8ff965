//go:build linux || darwin || freebsd

// Package loader materializes built shared objects into the process and
// dispatches direct native calls through the resolved entry symbol. All
// unsafe FFI and raw-memory traffic of the native backend is confined here:
// every cross-boundary pointer is paired with an explicit length, and every
// buffer has a stated owner.
package loader

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"udfhost/internal/catalog"
	"udfhost/internal/codegen"
	"udfhost/internal/errs"
	"udfhost/internal/lint"
	"udfhost/internal/types"
	"udfhost/internal/wire"
)

// maxPacked caps how large a length prefix the host will believe when
// reading a guest-produced buffer.
const maxPacked = 1 << 30

// backing is whatever keeps the loaded image's bytes reachable. It must not
// be released before the library is unloaded.
type backing interface {
	Release() error
}

type noBacking struct{}

func (noBacking) Release() error { return nil }

// Loaded is a resident, callable artifact. At most one per function key is
// live at a time; the dispatcher closes the old one before installing a
// replacement.
type Loaded struct {
	log        *zap.Logger
	key        catalog.FuncKey
	version    uint64
	symbolName string
	handle     uintptr
	entry      uintptr
	free       uintptr
	holder     backing
	params     []types.Kind
	ret        types.Kind
	closed     bool
}

// Open verifies the artifact's provenance, loads the shared object and
// resolves the entry symbol.
func Open(log *zap.Logger, def *catalog.FunctionDefinition, unit *codegen.Unit, artifactPath, workDir string) (*Loaded, error) {
	if _, err := lint.ReadProvenance(artifactPath); err != nil {
		return nil, err
	}

	so, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, &errs.LoadError{Reason: "reading artifact", Err: err}
	}

	holder, handle, err := openLibrary(so, unit.Name, workDir)
	if err != nil {
		return nil, err
	}

	entry, err := purego.Dlsym(handle, unit.EntrySymbol)
	if err != nil || entry == 0 {
		purego.Dlclose(handle)
		holder.Release()
		return nil, &errs.LoadError{
			Reason: fmt.Sprintf("artifact does not export expected symbol %q", unit.EntrySymbol),
			Err:    err,
		}
	}

	var free uintptr
	if unit.FreeSymbol != "" {
		free, err = purego.Dlsym(handle, unit.FreeSymbol)
		if err != nil {
			purego.Dlclose(handle)
			holder.Release()
			return nil, &errs.LoadError{
				Reason: fmt.Sprintf("artifact does not export free symbol %q", unit.FreeSymbol),
				Err:    err,
			}
		}
	}

	params := make([]types.Kind, len(def.Params))
	for i, p := range def.Params {
		params[i] = p.Type
	}

	log.Debug("loaded artifact",
		zap.Stringer("fn", def.Key),
		zap.String("symbol", unit.EntrySymbol))

	return &Loaded{
		log:        log,
		key:        def.Key,
		version:    def.Version,
		symbolName: unit.EntrySymbol,
		handle:     handle,
		entry:      entry,
		free:       free,
		holder:     holder,
		params:     params,
		ret:        def.Return,
	}, nil
}

func (l *Loaded) Version() uint64    { return l.version }
func (l *Loaded) SymbolName() string { return l.symbolName }

// Invoke calls the entry symbol. Primitive arguments travel as machine
// words; encoded arguments travel as pointers into host-owned buffers that
// stay alive for the duration of the call. Encoded returns are copied out
// of artifact-owned memory, which is then released through the artifact's
// free export.
func (l *Loaded) Invoke(args []types.Value) (types.Value, error) {
	if l.closed {
		return types.Value{}, &errs.RuntimeError{Err: fmt.Errorf("%s invoked after close", l.key)}
	}
	if len(args) != len(l.params) {
		return types.Value{}, &errs.RuntimeError{
			Err: fmt.Errorf("%s expects %d arguments, got %d", l.key, len(l.params), len(args)),
		}
	}

	words := make([]uintptr, len(args))
	// Argument buffers are owned by the host; they must stay reachable
	// until the call returns.
	buffers := make([][]byte, 0, len(args))
	for i, arg := range args {
		if arg.Kind != l.params[i] {
			return types.Value{}, &errs.RuntimeError{
				Err: fmt.Errorf("%s argument %d: have %s, want %s", l.key, i, arg.Kind, l.params[i]),
			}
		}
		if arg.Null {
			return types.Value{}, &errs.RuntimeError{
				Err: fmt.Errorf("%s argument %d is null; null arguments require a strict function", l.key, i),
			}
		}
		word, buf, err := wordFor(arg)
		if err != nil {
			return types.Value{}, err
		}
		words[i] = word
		if buf != nil {
			buffers = append(buffers, buf)
		}
	}

	r1, _, _ := purego.SyscallN(l.entry, words...)
	runtime.KeepAlive(buffers)

	return l.result(r1)
}

func (l *Loaded) result(r1 uintptr) (types.Value, error) {
	switch {
	case l.ret == types.Int64:
		return types.Int64Value(int64(r1)), nil
	case l.ret == types.Int32:
		return types.Int32Value(int32(uint32(r1))), nil
	default:
		packed, err := readPacked(r1)
		if l.free != 0 && r1 != 0 {
			// The artifact allocated the return buffer; hand it back now
			// that the bytes are copied out.
			purego.SyscallN(l.free, r1)
		}
		if err != nil {
			return types.Value{}, err
		}
		v, err := wire.Decode(l.ret, packed)
		if err != nil {
			return types.Value{}, &errs.RuntimeError{Err: err}
		}
		return types.Value{Kind: l.ret, V: v}, nil
	}
}

// wordFor converts one argument into its call word. For encoded kinds the
// returned buffer is the host-owned backing store the word points into.
func wordFor(arg types.Value) (uintptr, []byte, error) {
	switch arg.Kind {
	case types.Int64:
		v, ok := arg.V.(int64)
		if !ok {
			return 0, nil, &errs.RuntimeError{Err: fmt.Errorf("int64 argument carries %T", arg.V)}
		}
		return uintptr(uint64(v)), nil, nil
	case types.Int32:
		v, ok := arg.V.(int32)
		if !ok {
			return 0, nil, &errs.RuntimeError{Err: fmt.Errorf("int32 argument carries %T", arg.V)}
		}
		return uintptr(uint64(uint32(v))), nil, nil
	}
	buf, err := wire.Encode(arg.Kind, arg.V)
	if err != nil {
		return 0, nil, &errs.RuntimeError{Err: err}
	}
	return uintptr(unsafe.Pointer(&buf[0])), buf, nil
}

// readPacked copies a length-prefixed buffer out of artifact memory. The
// artifact owns the memory at p; the returned slice is host-owned.
func readPacked(p uintptr) ([]byte, error) {
	if p == 0 {
		return nil, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("artifact returned a nil buffer")}
	}
	length, err := wire.PayloadLen(artifactBytes(p, wire.PrefixSize))
	if err != nil {
		return nil, &errs.RuntimeError{Err: err}
	}
	if length > maxPacked {
		return nil, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("implausible return length %d", length)}
	}
	out := make([]byte, wire.PrefixSize+length)
	copy(out, artifactBytes(p, wire.PrefixSize+length))
	return out, nil
}

// artifactBytes views n bytes of artifact-owned memory at p. The address is
// a raw word the artifact produced, never derived from a Go pointer, so it
// is rehydrated through a pointer-sized copy rather than a direct uintptr
// conversion.
func artifactBytes(p uintptr, n uint64) []byte {
	return unsafe.Slice((*byte)(*(*unsafe.Pointer)(unsafe.Pointer(&p))), n)
}

// Close unloads the library deterministically; no code from the artifact
// can run afterwards. The backing file resource is released only here,
// never earlier.
func (l *Loaded) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if err := purego.Dlclose(l.handle); err != nil {
		return fmt.Errorf("closing library for %s: %w", l.key, err)
	}
	return l.holder.Release()
}
