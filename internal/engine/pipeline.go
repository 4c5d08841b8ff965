package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"udfhost/internal/builder"
	"udfhost/internal/catalog"
	"udfhost/internal/codegen"
	"udfhost/internal/config"
	"udfhost/internal/lint"
	"udfhost/internal/loader"
	"udfhost/internal/sandbox"
	"udfhost/internal/target"
	"udfhost/internal/types"
)

// Callable is a resident executable function version, produced by a
// Pipeline and owned by the engine's cache.
type Callable interface {
	Version() uint64
	SymbolName() string
	Invoke(args []types.Value) (types.Value, error)
	Close() error
}

// Pipeline turns a definition into a Callable: generate, lint, build, load.
type Pipeline interface {
	Compile(ctx context.Context, def *catalog.FunctionDefinition) (Callable, error)
}

// pipelineBase carries what both backends share.
type pipelineBase struct {
	log           *zap.Logger
	cfg           *config.Config
	builder       *builder.Builder
	scanner       *lint.Scanner
	compileLints  lint.Set
	requiredLints lint.Set
}

func (p *pipelineBase) generate(def *catalog.FunctionDefinition, flavor codegen.Flavor, gen uint64, useGen bool) (*codegen.Unit, error) {
	return codegen.Generate(def, codegen.Options{
		Flavor:         flavor,
		CompileLints:   p.compileLints,
		RequiredLints:  p.requiredLints,
		Scanner:        p.scanner,
		Generation:     gen,
		UseGenerations: useGen,
	})
}

// crateDir allocates a unique build directory so concurrent builds of
// distinct functions never collide.
func (p *pipelineBase) crateDir(unit *codegen.Unit) string {
	return filepath.Join(p.cfg.WorkDir, "build", unit.Name+"-"+uuid.NewString())
}

// nativePipeline compiles shared objects for the host and loads them in
// process. Configured cross targets are built and retained as artifacts for
// other machines; they are never loaded locally.
type nativePipeline struct {
	pipelineBase
	gens  *loader.Generations
	host  target.Target
	cross []target.Target
}

func newNativePipeline(base pipelineBase) (*nativePipeline, error) {
	host, err := target.Host(os.Getenv(target.EnvOverride))
	if err != nil {
		return nil, err
	}
	cross, err := target.Configured(base.cfg.CompilationTargets, host)
	if err != nil {
		return nil, err
	}
	return &nativePipeline{
		pipelineBase: base,
		gens:         loader.NewGenerations(),
		host:         host,
		cross:        cross,
	}, nil
}

func (p *nativePipeline) Compile(ctx context.Context, def *catalog.FunctionDefinition) (Callable, error) {
	useGen := loader.UseGenerations(p.cfg.SymbolGenerations)
	var gen uint64
	if useGen {
		gen = p.gens.Next(def.Key)
	}

	unit, err := p.generate(def, codegen.Native, gen, useGen)
	if err != nil {
		return nil, err
	}

	artifact, _, err := p.builder.Build(ctx, unit, p.host, p.crateDir(unit))
	if err != nil {
		return nil, err
	}

	// Cross artifacts land next to the host one, each under its own target
	// directory. A cross failure fails the definition as a whole.
	for _, tgt := range p.cross {
		if _, _, err := p.builder.Build(ctx, unit, tgt, p.crateDir(unit)); err != nil {
			return nil, err
		}
	}

	return loader.Open(p.log, def, unit, artifact, p.cfg.WorkDir)
}

// wasmPipeline compiles wasip1 modules and hands them to the sandbox
// runtime. Cross targets do not apply: the module is the portable artifact.
type wasmPipeline struct {
	pipelineBase
	runtime *sandbox.Runtime
}

func newWasmPipeline(ctx context.Context, base pipelineBase) *wasmPipeline {
	return &wasmPipeline{
		pipelineBase: base,
		runtime:      sandbox.NewRuntime(ctx, base.log),
	}
}

func (p *wasmPipeline) Compile(ctx context.Context, def *catalog.FunctionDefinition) (Callable, error) {
	unit, err := p.generate(def, codegen.Wasm, 0, false)
	if err != nil {
		return nil, err
	}

	artifact, _, err := p.builder.Build(ctx, unit, target.Wasm, p.crateDir(unit))
	if err != nil {
		return nil, err
	}

	return p.runtime.Load(ctx, def, unit, artifact)
}

func (p *wasmPipeline) close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
