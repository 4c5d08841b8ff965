package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"udfhost/internal/catalog"
	"udfhost/internal/config"
	"udfhost/internal/errs"
	"udfhost/internal/types"
)

type fakeCallable struct {
	version uint64
	symbol  string
	invoke  func(args []types.Value) (types.Value, error)

	invoked int32
	closed  int32
}

func (c *fakeCallable) Version() uint64    { return c.version }
func (c *fakeCallable) SymbolName() string { return c.symbol }

func (c *fakeCallable) Invoke(args []types.Value) (types.Value, error) {
	atomic.AddInt32(&c.invoked, 1)
	return c.invoke(args)
}

func (c *fakeCallable) Close() error {
	atomic.AddInt32(&c.closed, 1)
	return nil
}

type fakePipeline struct {
	mu       sync.Mutex
	compiles int32
	gate     chan struct{}
	make     func(def *catalog.FunctionDefinition) (Callable, error)
	built    []*fakeCallable
}

func (p *fakePipeline) Compile(ctx context.Context, def *catalog.FunctionDefinition) (Callable, error) {
	atomic.AddInt32(&p.compiles, 1)
	if p.gate != nil {
		<-p.gate
	}
	c, err := p.make(def)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.built = append(p.built, c.(*fakeCallable))
	p.mu.Unlock()
	return c, nil
}

type fakeCatalog struct {
	mu   sync.Mutex
	defs map[catalog.FuncKey]*catalog.FunctionDefinition
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{defs: make(map[catalog.FuncKey]*catalog.FunctionDefinition)}
}

func (c *fakeCatalog) put(def *catalog.FunctionDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Key] = def
}

func (c *fakeCatalog) Lookup(ctx context.Context, key catalog.FuncKey) (*catalog.FunctionDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[key]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (c *fakeCatalog) CurrentVersion(ctx context.Context, key catalog.FuncKey) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[key]
	if !ok {
		return 0, catalog.ErrNotFound
	}
	return def.Version, nil
}

func addDef(cat *fakeCatalog, key catalog.FuncKey, version uint64, strict bool) *catalog.FunctionDefinition {
	def := &catalog.FunctionDefinition{
		Key: key,
		Params: []catalog.Param{
			{Type: types.Int64, Name: "a"},
			{Type: types.Int64, Name: "b"},
		},
		Return:  types.Int64,
		Strict:  strict,
		Source:  "return a + b",
		Version: version,
	}
	cat.put(def)
	return def
}

// summing builds a callable that adds its two int64 arguments.
func summing(version uint64) func(*catalog.FunctionDefinition) (Callable, error) {
	return func(def *catalog.FunctionDefinition) (Callable, error) {
		return &fakeCallable{
			version: version,
			symbol:  fmt.Sprintf("%s_entry", def.Key),
			invoke: func(args []types.Value) (types.Value, error) {
				return types.Int64Value(args[0].V.(int64) + args[1].V.(int64)), nil
			},
		}, nil
	}
}

func testEngine(cat catalog.Catalog, pipe Pipeline) *Engine {
	return NewWithPipeline(zap.NewNop(), &config.Config{Backend: config.BackendNative}, cat, pipe)
}

func TestInvokeCompilesOnceAndCaches(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 7, false)
	pipe := &fakePipeline{make: summing(7)}
	e := testEngine(cat, pipe)

	v, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(2), types.Int64Value(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.V)

	_, err = e.Invoke(context.Background(), key, []types.Value{types.Int64Value(10), types.Int64Value(1)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pipe.compiles), "second call must hit the cache")
}

func TestInvokeUnknownFunction(t *testing.T) {
	e := testEngine(newFakeCatalog(), &fakePipeline{make: summing(1)})
	_, err := e.Invoke(context.Background(), catalog.FuncKey{DB: 1, Fn: 99}, nil)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRedefinitionNeverRunsOldCode(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, false)

	pipe := &fakePipeline{}
	pipe.make = func(def *catalog.FunctionDefinition) (Callable, error) {
		version := def.Version
		return &fakeCallable{
			version: version,
			invoke: func(args []types.Value) (types.Value, error) {
				if version == 1 {
					return types.Int64Value(-1), nil
				}
				return types.Int64Value(args[0].V.(int64) * args[1].V.(int64)), nil
			},
		}, nil
	}
	e := testEngine(cat, pipe)

	v, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(2), types.Int64Value(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v.V)

	// Redefine: the very next call observes the new version, and the old
	// callable is closed after replacement.
	addDef(cat, key, 2, false)
	v, err = e.Invoke(context.Background(), key, []types.Value{types.Int64Value(2), types.Int64Value(3)})
	require.NoError(t, err)
	assert.Equal(t, int64(6), v.V)

	assert.Equal(t, int32(2), atomic.LoadInt32(&pipe.compiles))
	assert.Equal(t, int32(1), atomic.LoadInt32(&pipe.built[0].closed), "replaced callable must be closed")
}

func TestStrictNullShortCircuit(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, true)
	pipe := &fakePipeline{make: summing(1)}
	e := testEngine(cat, pipe)

	v, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(2), types.NullValue(types.Int64)})
	require.NoError(t, err)
	assert.True(t, v.Null)
	assert.Equal(t, types.Int64, v.Kind)

	// The artifact was compiled (resident) but its code never ran.
	require.Len(t, pipe.built, 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&pipe.built[0].invoked))
}

func TestCorruptedInvocationEvicts(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, false)

	corrupt := true
	pipe := &fakePipeline{}
	pipe.make = func(def *catalog.FunctionDefinition) (Callable, error) {
		return &fakeCallable{
			version: def.Version,
			invoke: func(args []types.Value) (types.Value, error) {
				if corrupt {
					return types.Value{}, &errs.RuntimeError{Corrupted: true, Err: errors.New("bad image")}
				}
				return types.Int64Value(0), nil
			},
		}, nil
	}
	e := testEngine(cat, pipe)

	_, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(1), types.Int64Value(2)})
	require.Error(t, err)

	// Eviction: the next call recompiles rather than reusing the entry.
	corrupt = false
	_, err = e.Invoke(context.Background(), key, []types.Value{types.Int64Value(1), types.Int64Value(2)})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pipe.compiles))
}

func TestPlainRuntimeErrorKeepsEntryResident(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, false)

	pipe := &fakePipeline{}
	pipe.make = func(def *catalog.FunctionDefinition) (Callable, error) {
		return &fakeCallable{
			version: def.Version,
			invoke: func(args []types.Value) (types.Value, error) {
				return types.Value{}, &errs.RuntimeError{Err: errors.New("guest failure")}
			},
		}, nil
	}
	e := testEngine(cat, pipe)

	for i := 0; i < 3; i++ {
		_, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(1), types.Int64Value(2)})
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&pipe.compiles), "per-call failures must not evict")
}

func TestConcurrentCallersShareOneCompile(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, false)

	gate := make(chan struct{})
	pipe := &fakePipeline{gate: gate, make: summing(1)}
	e := testEngine(cat, pipe)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(int64(i)), types.Int64Value(1)})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v.V.(int64)
		}(i)
	}
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.Equal(t, int64(i)+1, results[i])
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&pipe.compiles), int32(callers))
	assert.Len(t, pipe.built, int(atomic.LoadInt32(&pipe.compiles)))
}

func TestUnloadIsIdempotent(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, false)
	pipe := &fakePipeline{make: summing(1)}
	e := testEngine(cat, pipe)

	require.NoError(t, e.Warm(context.Background(), key))
	require.Len(t, pipe.built, 1)

	e.Unload(key)
	e.Unload(key)
	e.Unload(catalog.FuncKey{DB: 9, Fn: 9})

	assert.Equal(t, int32(1), atomic.LoadInt32(&pipe.built[0].closed))
}

func TestCompileFinishingAfterCloseIsClosedNotInstalled(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, false)

	gate := make(chan struct{})
	pipe := &fakePipeline{gate: gate, make: summing(1)}
	e := testEngine(cat, pipe)

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(2), types.Int64Value(3)})
		done <- err
	}()

	// Wait for the compile to be in flight, then tear the engine down while
	// it is still blocked.
	for atomic.LoadInt32(&pipe.compiles) == 0 {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, e.Close(context.Background()))
	close(gate)

	require.Error(t, <-done)
	require.Len(t, pipe.built, 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pipe.built[0].closed), "late compile must be closed, not leaked")
}

func TestCloseTearsDownAndRejectsFurtherWork(t *testing.T) {
	key := catalog.FuncKey{DB: 1, Fn: 42}
	cat := newFakeCatalog()
	addDef(cat, key, 1, false)
	pipe := &fakePipeline{make: summing(1)}
	e := testEngine(cat, pipe)

	require.NoError(t, e.Warm(context.Background(), key))
	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&pipe.built[0].closed))

	_, err := e.Invoke(context.Background(), key, []types.Value{types.Int64Value(1), types.Int64Value(2)})
	require.Error(t, err)

	require.NoError(t, e.Close(context.Background()))
}
