// Package engine is the dispatcher: it owns the cache of resident function
// versions and serializes rebuilds so every call runs exactly the version
// the catalog currently defines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"udfhost/internal/allowlist"
	"udfhost/internal/builder"
	"udfhost/internal/catalog"
	"udfhost/internal/config"
	"udfhost/internal/errs"
	"udfhost/internal/lint"
	"udfhost/internal/types"
)

// entry guards one function's resident callable. Invocations hold the read
// lock; replacement takes the write lock, so in-flight calls through the
// old version drain before it is closed.
type entry struct {
	mu     sync.RWMutex
	c      Callable
	strict bool
	ret    types.Kind
}

func (e *entry) version() (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.c == nil {
		return 0, false
	}
	return e.c.Version(), true
}

// Engine dispatches invocations. Safe for concurrent use; all collaborators
// are injected, nothing is process-global.
type Engine struct {
	log  *zap.Logger
	cfg  *config.Config
	cat  catalog.Catalog
	pipe Pipeline

	sf      singleflight.Group
	mu      sync.Mutex
	entries map[catalog.FuncKey]*entry
	closed  bool
}

// New assembles an engine for the configured backend. supportDir is where
// the guest support module has been provisioned.
func New(ctx context.Context, log *zap.Logger, cfg *config.Config, cat catalog.Catalog, allow allowlist.List, supportDir string) (*Engine, error) {
	scanner := lint.NewScanner()
	compile := lint.ParseSet(cfg.CompileLints)
	required := lint.ParseSet(cfg.RequiredLints)
	if err := required.VerifyBaseline(); err != nil {
		return nil, err
	}

	base := pipelineBase{
		log:           log,
		cfg:           cfg,
		builder:       builder.New(log, cfg, allow, supportDir),
		scanner:       scanner,
		compileLints:  compile,
		requiredLints: required,
	}

	var pipe Pipeline
	switch cfg.Backend {
	case config.BackendWasm:
		pipe = newWasmPipeline(ctx, base)
	default:
		np, err := newNativePipeline(base)
		if err != nil {
			return nil, err
		}
		pipe = np
	}

	return NewWithPipeline(log, cfg, cat, pipe), nil
}

// NewWithPipeline wires an engine around an explicit pipeline.
func NewWithPipeline(log *zap.Logger, cfg *config.Config, cat catalog.Catalog, pipe Pipeline) *Engine {
	return &Engine{
		log:     log,
		cfg:     cfg,
		cat:     cat,
		pipe:    pipe,
		entries: make(map[catalog.FuncKey]*entry),
	}
}

// Invoke runs the current version of a function. A stale or missing cache
// entry triggers a rebuild first; concurrent callers of the same function
// share one rebuild.
func (e *Engine) Invoke(ctx context.Context, key catalog.FuncKey, args []types.Value) (types.Value, error) {
	ver, err := e.cat.CurrentVersion(ctx, key)
	if err != nil {
		return types.Value{}, err
	}

	ent, err := e.entryFor(ctx, key, ver)
	if err != nil {
		return types.Value{}, err
	}

	ent.mu.RLock()
	if ent.c == nil {
		ent.mu.RUnlock()
		return types.Value{}, &errs.RuntimeError{Err: fmt.Errorf("%s was unloaded", key)}
	}
	if ent.strict {
		for _, arg := range args {
			if arg.Null {
				// Strict functions never see null; user code never runs.
				ret := ent.ret
				ent.mu.RUnlock()
				return types.NullValue(ret), nil
			}
		}
	}
	v, err := ent.c.Invoke(args)
	ent.mu.RUnlock()

	var re *errs.RuntimeError
	if errors.As(err, &re) && re.Corrupted {
		// The resident artifact can no longer be trusted; evict so the next
		// call rebuilds from the catalog.
		e.log.Warn("evicting corrupted function", zap.Stringer("fn", key), zap.Error(err))
		e.Unload(key)
	}
	return v, err
}

// Warm ensures the current version of a function is compiled and resident
// without invoking it.
func (e *Engine) Warm(ctx context.Context, key catalog.FuncKey) error {
	ver, err := e.cat.CurrentVersion(ctx, key)
	if err != nil {
		return err
	}
	_, err = e.entryFor(ctx, key, ver)
	return err
}

// entryFor returns the entry holding the wanted version, compiling and
// installing it if the cache misses or holds a stale version.
func (e *Engine) entryFor(ctx context.Context, key catalog.FuncKey, want uint64) (*entry, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine is closed")
	}
	ent, ok := e.entries[key]
	e.mu.Unlock()
	if ok {
		if ver, live := ent.version(); live && ver == want {
			return ent, nil
		}
	}

	v, err, _ := e.sf.Do(key.String(), func() (any, error) {
		// A concurrent flight may have installed the wanted version already.
		e.mu.Lock()
		ent, ok := e.entries[key]
		e.mu.Unlock()
		if ok {
			if ver, live := ent.version(); live && ver == want {
				return ent, nil
			}
		}

		def, err := e.cat.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		c, err := e.pipe.Compile(ctx, def)
		if err != nil {
			return nil, err
		}
		e.log.Info("installed function",
			zap.Stringer("fn", key),
			zap.Uint64("version", c.Version()),
			zap.String("symbol", c.SymbolName()))
		return e.install(key, c, def)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// install publishes a freshly compiled callable, closing the one it
// replaces only after in-flight calls have drained. A compile that finishes
// after Close has torn the cache down must not leak its callable.
func (e *Engine) install(key catalog.FuncKey, c Callable, def *catalog.FunctionDefinition) (*entry, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if err := c.Close(); err != nil {
			e.log.Warn("closing orphaned function", zap.Stringer("fn", key), zap.Error(err))
		}
		return nil, fmt.Errorf("engine is closed")
	}
	ent, ok := e.entries[key]
	if !ok {
		ent = &entry{}
		e.entries[key] = ent
	}
	e.mu.Unlock()

	ent.mu.Lock()
	old := ent.c
	ent.c = c
	ent.strict = def.Strict
	ent.ret = def.Return
	ent.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			e.log.Warn("closing replaced function", zap.Stringer("fn", key), zap.Error(err))
		}
	}
	return ent, nil
}

// Unload evicts a function from the cache. Calling it for a function that
// is not resident is a no-op.
func (e *Engine) Unload(key catalog.FuncKey) {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if ok {
		delete(e.entries, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	ent.mu.Lock()
	c := ent.c
	ent.c = nil
	ent.mu.Unlock()

	if c != nil {
		if err := c.Close(); err != nil {
			e.log.Warn("closing unloaded function", zap.Stringer("fn", key), zap.Error(err))
		}
	}
}

// Close tears down every resident function and the backend.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	entries := e.entries
	e.entries = make(map[catalog.FuncKey]*entry)
	e.mu.Unlock()

	var firstErr error
	for key, ent := range entries {
		ent.mu.Lock()
		c := ent.c
		ent.c = nil
		ent.mu.Unlock()
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", key, err)
		}
	}

	if wp, ok := e.pipe.(*wasmPipeline); ok {
		if err := wp.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
