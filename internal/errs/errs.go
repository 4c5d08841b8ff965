// Package errs defines the error taxonomy shared across the pipeline.
//
// The four families map to how a failure is treated: policy violations and
// toolchain failures are fatal to the request and never retried, load
// failures poison nothing but the failed entry, and runtime failures are
// fatal to the single invocation only.
package errs

import "fmt"

// PolicyError reports a disallowed dependency, a disallowed lint override or
// an unsupported semantic type. It is raised before any external process is
// spawned.
type PolicyError struct {
	Detail string
}

func (e *PolicyError) Error() string {
	return "policy violation: " + e.Detail
}

func Policyf(format string, args ...any) *PolicyError {
	return &PolicyError{Detail: fmt.Sprintf(format, args...)}
}

// ToolchainError reports an external build failure. Output is the combined
// stdout/stderr of the toolchain; Source carries the generated compilation
// unit so the failure can be diagnosed without re-running the build.
type ToolchainError struct {
	Output string
	Source string
	Err    error
}

func (e *ToolchainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("toolchain failure: %v\n%s", e.Err, e.Output)
	}
	return "toolchain failure:\n" + e.Output
}

func (e *ToolchainError) Unwrap() error { return e.Err }

// LoadError reports that a built artifact could not be materialized into the
// process: bad image, missing entry symbol, or a conflicting identity.
type LoadError struct {
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load failure: %s: %v", e.Reason, e.Err)
	}
	return "load failure: " + e.Reason
}

func (e *LoadError) Unwrap() error { return e.Err }

// RuntimeError reports a failed invocation. Corrupted marks failures that
// indicate the cached module state itself is bad; the dispatcher evicts the
// entry when it sees one.
type RuntimeError struct {
	Corrupted bool
	Err       error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime failure: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
