//go:build !(linux || darwin || freebsd)

// Package loader materializes built shared objects into the process. On
// platforms without a dlopen strategy the native backend is unavailable and
// every operation reports so; the wasm backend remains usable everywhere.
package loader

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"udfhost/internal/catalog"
	"udfhost/internal/codegen"
	"udfhost/internal/errs"
	"udfhost/internal/types"
)

type Loaded struct{}

func Open(log *zap.Logger, def *catalog.FunctionDefinition, unit *codegen.Unit, artifactPath, workDir string) (*Loaded, error) {
	return nil, &errs.LoadError{
		Reason: fmt.Sprintf("native backend is not supported on %s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (l *Loaded) Version() uint64    { return 0 }
func (l *Loaded) SymbolName() string { return "" }

func (l *Loaded) Invoke(args []types.Value) (types.Value, error) {
	return types.Value{}, &errs.RuntimeError{Err: fmt.Errorf("native backend is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)}
}

func (l *Loaded) Close() error { return nil }
