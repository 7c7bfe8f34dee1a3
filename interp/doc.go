// Package interp is a pure Go interpreter for the WebAssembly subset
// accepted by package wasm.
//
// Compile decodes every function body once, resolves structured control
// flow to jump targets, checks indices and builds the initial memory image
// and function table. The resulting Module is immutable and shared by all
// instances created from it:
//
//	cm, err := interp.Compile(m, resolver, interp.Config{})
//	inst, err := cm.Instantiate(ctx)
//	results, err := inst.Call(ctx, "identity", ptr, n)
//
// # Execution Model
//
// An Instance is a stack machine: a single []uint64 value stack holding
// operands and locals, a label stack for structured control flow and an
// explicit frame stack. Guest calls never recurse on the Go stack, so the
// call depth limit is the only bound on guest recursion.
//
// Values are stored as raw bits: i32 and f32 zero-extended, i64 and f64 as
// is. Float results are rounded to their type before they are stored.
//
// # Traps
//
// Every trap is an *errors.Error with Phase trap, annotated with the
// function and the byte offset of the faulting instruction. Any panic
// raised while executing is recovered at the call boundary and reported
// the same way; an instance that trapped must not be reused.
//
// Execution cannot be interrupted. Callers that need deadlines must run
// calls on a separate goroutine.
package interp
