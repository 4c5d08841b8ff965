// Package codegen turns a stored function definition into a compilable
// wrapper unit: a typed user wrapper plus a single externally callable entry
// point whose signature is restricted to fixed-width integers and
// pointer-sized handles to length-prefixed encodings.
package codegen

import (
	"fmt"
	"strings"

	"udfhost/internal/catalog"
	"udfhost/internal/errs"
	"udfhost/internal/lint"
)

// SupportModule is the fixed internal support dependency every generated
// unit requires. It is provisioned into the work dir at engine init and
// wired into the generated manifest through a local replace directive.
const SupportModule = "udfhost.local/support"

// Flavor selects the execution backend a unit is generated for.
type Flavor int

const (
	// Native units export a cgo entry symbol and are built as a shared
	// object for direct in-process invocation.
	Native Flavor = iota
	// Wasm units export a fixed "entry" plus the allocator pair and are
	// built as a wasip1 module for the sandbox backend.
	Wasm
)

// EntryName is the exported entry point of wasm units.
const EntryName = "entry"

// AllocName and DeallocName are the wasm allocator exports the host uses to
// place encoded arguments into guest linear memory.
const (
	AllocName   = "guest_alloc"
	DeallocName = "guest_dealloc"
)

// Dependency is one allow-list-checked entry of the unit's build manifest.
type Dependency struct {
	Path    string
	Version string
}

// Unit is a generated compilation unit. It is owned by the build step:
// written to disk, compiled, then discarded (kept only on failure, for
// diagnostics).
type Unit struct {
	Name        string
	EntrySymbol string
	FreeSymbol  string
	Flavor      Flavor
	Source      []byte
	Deps        []Dependency
	// Lints records the deny directives emitted into the unit; the loader
	// later verifies this provenance covers the baseline.
	Lints []string
}

// Options configures generation.
type Options struct {
	Flavor         Flavor
	CompileLints   lint.Set
	RequiredLints  lint.Set
	Scanner        *lint.Scanner
	Generation     uint64
	UseGenerations bool
}

// UnitName derives the crate-style unit name for a function, optionally
// suffixed with the reload generation on platforms whose dynamic loader
// caches symbol resolution by file identity.
func UnitName(key catalog.FuncKey, gen uint64, useGen bool) string {
	name := key.String()
	if useGen {
		name = fmt.Sprintf("%s_%d", name, gen)
	}
	return name
}

// Generate produces the wrapper unit for a definition.
func Generate(def *catalog.FunctionDefinition, opts Options) (*Unit, error) {
	src, err := splitSource(def.Source)
	if err != nil {
		return nil, err
	}

	if err := rejectLintOverrides(def.Source, opts.RequiredLints); err != nil {
		return nil, err
	}

	name := UnitName(def.Key, opts.Generation, opts.UseGenerations)
	unit := &Unit{
		Name:   name,
		Flavor: opts.Flavor,
		Deps:   src.deps,
		Lints:  opts.RequiredLints.Slice(),
	}

	wrapper, err := wrapperFunc(name, def, src.code)
	if err != nil {
		return nil, err
	}

	// The scanner sees exactly the user-controlled portion: imports plus
	// the wrapper. The trusted entry scaffolding is excluded because it
	// legitimately uses the constructs the lints deny.
	if opts.Scanner != nil {
		scanSrc := renderScanUnit(src.imports, wrapper)
		if err := opts.Scanner.Check([]byte(scanSrc), opts.CompileLints); err != nil {
			return nil, err
		}
	}

	switch opts.Flavor {
	case Native:
		unit.EntrySymbol = name + "_entry"
		unit.FreeSymbol = name + "_free"
		unit.Source, err = renderNative(name, def, src.imports, wrapper, unit)
	case Wasm:
		unit.EntrySymbol = EntryName
		unit.Source, err = renderWasm(name, def, src.imports, wrapper, unit)
	default:
		err = fmt.Errorf("unknown unit flavor %d", opts.Flavor)
	}
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// rejectLintOverrides refuses source text that carries a directive disabling
// a required lint. This is caught here, at generation time, not later at
// load time.
func rejectLintOverrides(source string, required lint.Set) error {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(trimmed, "//udf:allow")
		if !ok {
			continue
		}
		for _, name := range strings.Fields(strings.ReplaceAll(rest, ",", " ")) {
			if required.Contains(name) {
				return errs.Policyf("source disables required lint %q", name)
			}
		}
	}
	return nil
}

// paramName returns the declared name or a positional fallback.
func paramName(p catalog.Param, idx int) string {
	if p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("arg%d", idx)
}

// wrapperFunc renders the typed user wrapper. Unsupported semantic types
// are a fatal mapping error.
func wrapperFunc(name string, def *catalog.FunctionDefinition, body string) (string, error) {
	var params []string
	for i, p := range def.Params {
		goType, err := p.Type.GoType()
		if err != nil {
			return "", errs.Policyf("parameter %d of %s: %v", i, def.Key, err)
		}
		params = append(params, paramName(p, i)+" "+goType)
	}
	retType, err := def.Return.GoType()
	if err != nil {
		return "", errs.Policyf("return of %s: %v", def.Key, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "func %s(%s) %s {\n", name, strings.Join(params, ", "), retType)
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString("\t" + line + "\n")
	}
	b.WriteString("}\n")
	return b.String(), nil
}

// entryCall renders the argument transformations of the entry body: pass
// primitives through unchanged, decode everything else from its handle.
func entryCall(name string, def *catalog.FunctionDefinition, flavor Flavor) (args []string, needSupport bool) {
	for i, p := range def.Params {
		ident := paramName(p, i)
		if p.Type.Primitive() {
			args = append(args, ident)
			continue
		}
		needSupport = true
		goType, _ := p.Type.GoType()
		if flavor == Wasm {
			ident = fmt.Sprintf("uintptr(%s)", ident)
		}
		args = append(args, fmt.Sprintf("udf.Decode[%s](%s)", goType, ident))
	}
	return args, needSupport
}

// entryParams renders the entry point's own parameter list: primitives keep
// their machine type, everything else becomes a pointer-sized handle.
func entryParams(def *catalog.FunctionDefinition, flavor Flavor) []string {
	handle := "uintptr"
	if flavor == Wasm {
		handle = "uint64"
	}
	var out []string
	for i, p := range def.Params {
		t := handle
		if p.Type.Primitive() {
			t, _ = p.Type.GoType()
		}
		out = append(out, paramName(p, i)+" "+t)
	}
	return out
}

func lintHeader(lints []string) string {
	var b strings.Builder
	for _, name := range lints {
		fmt.Fprintf(&b, "//udf:deny %s\n", name)
	}
	return b.String()
}

func importBlock(imports []string, withSupport bool) string {
	if len(imports) == 0 && !withSupport {
		return ""
	}
	var b strings.Builder
	b.WriteString("import (\n")
	for _, imp := range imports {
		fmt.Fprintf(&b, "\t%q\n", imp)
	}
	if withSupport {
		if len(imports) > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "\tudf %q\n", SupportModule)
	}
	b.WriteString(")\n")
	return b.String()
}

func renderScanUnit(imports []string, wrapper string) string {
	var b strings.Builder
	b.WriteString("package scan\n\n")
	if block := importBlock(imports, false); block != "" {
		b.WriteString(block + "\n")
	}
	b.WriteString(wrapper)
	return b.String()
}

func renderNative(name string, def *catalog.FunctionDefinition, imports []string, wrapper string, unit *Unit) ([]byte, error) {
	callArgs, decodeSupport := entryCall(name, def, Native)
	encodedRet := !def.Return.Primitive()
	needSupport := decodeSupport || encodedRet

	retType := "uintptr"
	retExpr := "udf.Encode(retval)"
	if !encodedRet {
		retType, _ = def.Return.GoType()
		retExpr = "retval"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// Code generated by udfhost for %s. DO NOT EDIT.\n\n", def.Key)
	b.WriteString(lintHeader(unit.Lints))
	b.WriteString("\npackage main\n\n")
	b.WriteString("import \"C\"\n\n")
	if block := importBlock(imports, needSupport); block != "" {
		b.WriteString(block + "\n")
	}
	b.WriteString(wrapper)
	b.WriteString("\n")

	fmt.Fprintf(&b, "//export %s\n", unit.EntrySymbol)
	fmt.Fprintf(&b, "func %s(%s) %s {\n", unit.EntrySymbol, strings.Join(entryParams(def, Native), ", "), retType)
	fmt.Fprintf(&b, "\tretval := %s(%s)\n", name, strings.Join(callArgs, ", "))
	fmt.Fprintf(&b, "\treturn %s\n", retExpr)
	b.WriteString("}\n\n")

	if encodedRet {
		fmt.Fprintf(&b, "//export %s\n", unit.FreeSymbol)
		fmt.Fprintf(&b, "func %s(p uintptr) {\n\tudf.Release(p)\n}\n\n", unit.FreeSymbol)
	} else {
		unit.FreeSymbol = ""
	}

	b.WriteString("func main() {}\n")
	return []byte(b.String()), nil
}

func renderWasm(name string, def *catalog.FunctionDefinition, imports []string, wrapper string, unit *Unit) ([]byte, error) {
	callArgs, _ := entryCall(name, def, Wasm)
	encodedRet := !def.Return.Primitive()

	retType := "uint64"
	retExpr := "uint64(udf.Encode(retval))"
	if !encodedRet {
		retType, _ = def.Return.GoType()
		retExpr = "retval"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// Code generated by udfhost for %s. DO NOT EDIT.\n\n", def.Key)
	b.WriteString(lintHeader(unit.Lints))
	b.WriteString("\npackage main\n\n")
	// The support import is unconditional: the allocator exports live there.
	if block := importBlock(imports, true); block != "" {
		b.WriteString(block + "\n")
	}
	b.WriteString(wrapper)
	b.WriteString("\n")

	fmt.Fprintf(&b, "//go:wasmexport %s\n", EntryName)
	fmt.Fprintf(&b, "func %s(%s) %s {\n", EntryName, strings.Join(entryParams(def, Wasm), ", "), retType)
	fmt.Fprintf(&b, "\tretval := %s(%s)\n", name, strings.Join(callArgs, ", "))
	fmt.Fprintf(&b, "\treturn %s\n", retExpr)
	b.WriteString("}\n\n")

	fmt.Fprintf(&b, "//go:wasmexport %s\n", AllocName)
	b.WriteString("func guestAlloc(size uint64, align uint64) uint64 {\n\treturn uint64(udf.Alloc(size, align))\n}\n\n")
	fmt.Fprintf(&b, "//go:wasmexport %s\n", DeallocName)
	b.WriteString("func guestDealloc(ptr uint64, size uint64, align uint64) {\n\tudf.Dealloc(uintptr(ptr), size, align)\n}\n\n")

	b.WriteString("func main() {}\n")
	return []byte(b.String()), nil
}
