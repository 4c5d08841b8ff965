// Package catalog is the read side of the function-definition store. The
// pipeline consumes it as a lookup service: definitions are immutable once
// read and re-read only on cache miss or version mismatch.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"udfhost/internal/types"
)

// ErrNotFound is returned when no definition exists for a key.
var ErrNotFound = errors.New("function not found")

// FuncKey identifies a function: owning database id plus function id.
type FuncKey struct {
	DB int64
	Fn int64
}

func (k FuncKey) String() string {
	return fmt.Sprintf("fn%d_%d", k.DB, k.Fn)
}

// Param is one ordered parameter of a definition.
type Param struct {
	Type types.Kind `json:"type"`
	Name string     `json:"name,omitempty"`
}

// FunctionDefinition is a stored user function. Version is an opaque token
// that changes whenever the definition changes; the dispatcher compares it
// against CurrentVersion to detect staleness.
type FunctionDefinition struct {
	Key          FuncKey
	Name         string
	Params       []Param
	Return       types.Kind
	Strict       bool
	SetReturning bool
	Source       string
	Version      uint64
}

// Catalog is the collaborator interface the pipeline depends on.
type Catalog interface {
	Lookup(ctx context.Context, key FuncKey) (*FunctionDefinition, error)
	CurrentVersion(ctx context.Context, key FuncKey) (uint64, error)
}

// Store extends Catalog with the write operations the CLI surface needs.
type Store interface {
	Catalog
	Define(ctx context.Context, def *FunctionDefinition) (uint64, error)
	Drop(ctx context.Context, key FuncKey) error
	List(ctx context.Context) ([]*FunctionDefinition, error)
	Close() error
}

// versionOf derives the version token from everything that affects compiled
// behavior: signature, flags and source text.
func versionOf(def *FunctionDefinition) uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "%d/%d/%s/%s/%v/%v\n", def.Key.DB, def.Key.Fn, def.Name, def.Return, def.Strict, def.SetReturning)
	for _, p := range def.Params {
		fmt.Fprintf(h, "%s:%s\n", p.Type, p.Name)
	}
	h.WriteString(def.Source)
	return h.Sum64()
}
