// Package sandbox runs built wasm artifacts under wazero. Compilation is
// cached per function version; every invocation gets a fresh instance, so
// no guest state survives between calls and a trap can never poison the
// next invocation.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
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

// Runtime owns the wazero runtime and the compiled-module cache. Safe for
// concurrent use.
type Runtime struct {
	log *zap.Logger
	rt  wazero.Runtime

	mu    sync.Mutex
	cache map[catalog.FuncKey]*Module
}

func NewRuntime(ctx context.Context, log *zap.Logger) *Runtime {
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	return &Runtime{
		log:   log,
		rt:    rt,
		cache: make(map[catalog.FuncKey]*Module),
	}
}

// Module is a compiled wasm artifact for one function version. Instances
// are created per call; the compiled form is shared.
type Module struct {
	rt         *Runtime
	key        catalog.FuncKey
	version    uint64
	symbolName string
	params     []types.Kind
	ret        types.Kind
	compiled   wazero.CompiledModule
	closed     bool
}

// Load verifies provenance, compiles the wasm artifact and caches the
// result under the function's key, replacing any prior version.
func (r *Runtime) Load(ctx context.Context, def *catalog.FunctionDefinition, unit *codegen.Unit, artifactPath string) (*Module, error) {
	if _, err := lint.ReadProvenance(artifactPath); err != nil {
		return nil, err
	}

	wasm, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, &errs.LoadError{Reason: "reading artifact", Err: err}
	}

	compiled, err := r.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, &errs.LoadError{Reason: "artifact is not a compilable module", Err: err}
	}

	params := make([]types.Kind, len(def.Params))
	for i, p := range def.Params {
		params[i] = p.Type
	}

	m := &Module{
		rt:         r,
		key:        def.Key,
		version:    def.Version,
		symbolName: unit.EntrySymbol,
		params:     params,
		ret:        def.Return,
		compiled:   compiled,
	}

	// Only the cache pointer moves here. The superseded module may still be
	// serving in-flight calls; its owner closes it after those drain, and
	// Module.Close skips the eviction once it is no longer current.
	r.mu.Lock()
	r.cache[def.Key] = m
	r.mu.Unlock()

	r.log.Debug("compiled wasm artifact",
		zap.Stringer("fn", def.Key),
		zap.Uint64("version", def.Version))
	return m, nil
}

// Cached returns the resident compiled module for a key, if any.
func (r *Runtime) Cached(key catalog.FuncKey) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.cache[key]
	return m, ok
}

// Invalidate evicts a key's compiled module.
func (r *Runtime) Invalidate(ctx context.Context, key catalog.FuncKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache[key]; ok {
		m.compiled.Close(ctx)
		m.closed = true
		delete(r.cache, key)
	}
}

// Close tears down the cache and the underlying runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	for key, m := range r.cache {
		m.compiled.Close(ctx)
		m.closed = true
		delete(r.cache, key)
	}
	r.mu.Unlock()
	return r.rt.Close(ctx)
}

func (m *Module) Version() uint64    { return m.version }
func (m *Module) SymbolName() string { return m.symbolName }

// Close drops the compiled module. The runtime cache entry, if this module
// still occupies it, is evicted as well.
func (m *Module) Close() error {
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if cur, ok := m.rt.cache[m.key]; ok && cur == m {
		delete(m.rt.cache, m.key)
	}
	return m.compiled.Close(context.Background())
}

// Invoke instantiates the module, marshals the arguments into guest memory,
// calls the entry export and reads the result back out. The instance is
// torn down before returning.
func (m *Module) Invoke(args []types.Value) (types.Value, error) {
	if m.closed {
		return types.Value{}, &errs.RuntimeError{Err: fmt.Errorf("%s invoked after close", m.key)}
	}
	if len(args) != len(m.params) {
		return types.Value{}, &errs.RuntimeError{
			Err: fmt.Errorf("%s expects %d arguments, got %d", m.key, len(m.params), len(args)),
		}
	}

	ctx := context.Background()
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: concurrent instances never collide
		WithStartFunctions("_initialize")
	inst, err := m.rt.rt.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return types.Value{}, &errs.RuntimeError{
			Corrupted: true,
			Err:       fmt.Errorf("instantiating %s: %w", m.key, err),
		}
	}
	defer inst.Close(ctx)

	entry := inst.ExportedFunction(codegen.EntryName)
	alloc := inst.ExportedFunction(codegen.AllocName)
	if entry == nil || alloc == nil {
		return types.Value{}, &errs.RuntimeError{
			Corrupted: true,
			Err:       fmt.Errorf("%s instance lacks required exports", m.key),
		}
	}

	words := make([]uint64, len(args))
	for i, arg := range args {
		if arg.Kind != m.params[i] {
			return types.Value{}, &errs.RuntimeError{
				Err: fmt.Errorf("%s argument %d: have %s, want %s", m.key, i, arg.Kind, m.params[i]),
			}
		}
		if arg.Null {
			return types.Value{}, &errs.RuntimeError{
				Err: fmt.Errorf("%s argument %d is null; null arguments require a strict function", m.key, i),
			}
		}
		word, err := m.wordFor(ctx, inst.Memory(), alloc, arg)
		if err != nil {
			return types.Value{}, err
		}
		words[i] = word
	}

	res, err := entry.Call(ctx, words...)
	if err != nil {
		return types.Value{}, &errs.RuntimeError{Err: fmt.Errorf("%s trapped: %w", m.key, err)}
	}
	if len(res) != 1 {
		return types.Value{}, &errs.RuntimeError{
			Corrupted: true,
			Err:       fmt.Errorf("%s entry returned %d results", m.key, len(res)),
		}
	}
	return m.result(inst.Memory(), res[0])
}

// wordFor converts one argument into its call word. Encoded kinds are
// copied into guest memory obtained from the guest allocator; the instance
// is discarded after the call, so the host never frees them.
func (m *Module) wordFor(ctx context.Context, mem api.Memory, alloc api.Function, arg types.Value) (uint64, error) {
	switch arg.Kind {
	case types.Int64:
		v, ok := arg.V.(int64)
		if !ok {
			return 0, &errs.RuntimeError{Err: fmt.Errorf("int64 argument carries %T", arg.V)}
		}
		return uint64(v), nil
	case types.Int32:
		v, ok := arg.V.(int32)
		if !ok {
			return 0, &errs.RuntimeError{Err: fmt.Errorf("int32 argument carries %T", arg.V)}
		}
		return uint64(uint32(v)), nil
	}
	packed, err := wire.Encode(arg.Kind, arg.V)
	if err != nil {
		return 0, &errs.RuntimeError{Err: err}
	}
	return writePacked(ctx, mem, alloc, packed)
}

func (m *Module) result(mem api.Memory, word uint64) (types.Value, error) {
	switch m.ret {
	case types.Int64:
		return types.Int64Value(int64(word)), nil
	case types.Int32:
		return types.Int32Value(int32(uint32(word))), nil
	}
	packed, err := readPacked(mem, uint32(word))
	if err != nil {
		return types.Value{}, err
	}
	v, err := wire.Decode(m.ret, packed)
	if err != nil {
		return types.Value{}, &errs.RuntimeError{Err: err}
	}
	return types.Value{Kind: m.ret, V: v}, nil
}

// writePacked places a packed buffer into guest memory via the guest
// allocator and returns the guest pointer.
func writePacked(ctx context.Context, mem api.Memory, alloc api.Function, packed []byte) (uint64, error) {
	res, err := alloc.Call(ctx, uint64(len(packed)), 8)
	if err != nil {
		return 0, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("guest allocator trapped: %w", err)}
	}
	if len(res) != 1 || res[0] == 0 {
		return 0, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("guest allocator returned no memory")}
	}
	ptr := uint32(res[0])
	if !mem.Write(ptr, packed) {
		return 0, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("guest pointer %#x out of bounds for %d bytes", ptr, len(packed))}
	}
	return uint64(ptr), nil
}

// readPacked copies a length-prefixed buffer out of guest memory.
func readPacked(mem api.Memory, ptr uint32) ([]byte, error) {
	if ptr == 0 {
		return nil, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("guest returned a nil buffer")}
	}
	prefix, ok := mem.Read(ptr, wire.PrefixSize)
	if !ok {
		return nil, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("guest return pointer %#x out of bounds", ptr)}
	}
	length, err := wire.PayloadLen(prefix)
	if err != nil {
		return nil, &errs.RuntimeError{Err: err}
	}
	if length > maxPacked {
		return nil, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("implausible return length %d", length)}
	}
	packed, ok := mem.Read(ptr, wire.PrefixSize+uint32(length))
	if !ok {
		return nil, &errs.RuntimeError{Corrupted: true, Err: fmt.Errorf("guest return buffer %#x+%d out of bounds", ptr, length)}
	}
	out := make([]byte, len(packed))
	copy(out, packed)
	return out, nil
}
