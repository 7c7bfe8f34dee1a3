// Package macro is the call surface a macro facade uses to run a
// precompiled module.
//
// A Macro wraps one embedded blob. Blobs are registered with a Registry
// without being parsed; the first expansion parses, validates and
// compiles the module exactly once, and every later expansion on any
// goroutine reuses that outcome, a failure included.
//
//	var lib = macro.New(wasmBlob)
//
//	func DeriveSerialize(ctx context.Context, item tokens.Stream) (tokens.Stream, error) {
//		return lib.Derive(ctx, "derive_serialize", item, "serde")
//	}
//
// Every error an expansion returns is a *tokens.Diagnostic. Guest
// diagnostics keep their own span; other failures (traps, missing
// exports, malformed output) are located at the invocation input, and
// the underlying *errors.Error stays reachable through Unwrap.
//
// A Library names the macros of one module and checks them all up front
// with Verify.
package macro
