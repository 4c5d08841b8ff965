package loader

import (
	"runtime"
	"sync"

	"udfhost/internal/catalog"
)

// Generations tracks the per-function reload counter used to disambiguate
// unit and symbol names. Some dynamic loaders cache symbol resolution by
// on-disk file identity rather than content; reusing a name across reloads
// there resolves the stale library. Every rebuild takes the next number.
type Generations struct {
	mu sync.Mutex
	m  map[catalog.FuncKey]uint64
}

func NewGenerations() *Generations {
	return &Generations{m: make(map[catalog.FuncKey]uint64)}
}

// Next returns the generation to build under and advances the counter.
func (g *Generations) Next(key catalog.FuncKey) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.m[key]
	g.m[key] = n + 1
	return n
}

// UseGenerations reports whether unit names must carry the generation
// suffix. The identity-caching behavior has been observed on darwin/amd64;
// configuration can force it elsewhere. This is platform policy, not a
// universal rule.
func UseGenerations(forced bool) bool {
	return forced || (runtime.GOOS == "darwin" && runtime.GOARCH == "amd64")
}
