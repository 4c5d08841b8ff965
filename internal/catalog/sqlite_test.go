package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udfhost/internal/types"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	c, err := NewSQLiteCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func addDef() *FunctionDefinition {
	return &FunctionDefinition{
		Key:  FuncKey{DB: 1, Fn: 42},
		Name: "add",
		Params: []Param{
			{Type: types.Int64, Name: "a"},
			{Type: types.Int64, Name: "b"},
		},
		Return: types.Int64,
		Strict: true,
		Source: "return a + b",
	}
}

func TestDefineLookup(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	version, err := c.Define(ctx, addDef())
	require.NoError(t, err)
	require.NotZero(t, version)

	def, err := c.Lookup(ctx, FuncKey{DB: 1, Fn: 42})
	require.NoError(t, err)
	assert.Equal(t, "add", def.Name)
	assert.Equal(t, types.Int64, def.Return)
	assert.True(t, def.Strict)
	require.Len(t, def.Params, 2)
	assert.Equal(t, "a", def.Params[0].Name)
	assert.Equal(t, types.Int64, def.Params[1].Type)
	assert.Equal(t, version, def.Version)

	cur, err := c.CurrentVersion(ctx, def.Key)
	require.NoError(t, err)
	assert.Equal(t, version, cur)
}

func TestRedefineChangesVersion(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	def := addDef()
	v1, err := c.Define(ctx, def)
	require.NoError(t, err)

	def.Source = "return a - b"
	v2, err := c.Define(ctx, def)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2, "source change must produce a new version token")

	cur, err := c.CurrentVersion(ctx, def.Key)
	require.NoError(t, err)
	assert.Equal(t, v2, cur)
}

func TestLookupNotFound(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Lookup(ctx, FuncKey{DB: 9, Fn: 9})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = c.CurrentVersion(ctx, FuncKey{DB: 9, Fn: 9})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDropAndList(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Define(ctx, addDef())
	require.NoError(t, err)

	upper := &FunctionDefinition{
		Key:    FuncKey{DB: 1, Fn: 43},
		Name:   "upper",
		Params: []Param{{Type: types.Text, Name: "s"}},
		Return: types.Text,
		Source: "return strings.ToUpper(s)",
	}
	_, err = c.Define(ctx, upper)
	require.NoError(t, err)

	defs, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	require.NoError(t, c.Drop(ctx, FuncKey{DB: 1, Fn: 42}))
	defs, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "upper", defs[0].Name)
}
