// Package errors provides structured error types for watt.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). Module parse errors carry the offending section and byte offset;
// traps carry the function and instruction they were raised in as a Path.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseParse, errors.KindMalformedModule).
//		Section("code").
//		Offset(0x1a4).
//		Detail("function body size mismatch").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnknownEntryPoint(watt.Derive, "derive_serialize")
//	err := errors.Trap(errors.KindExplicitAbort, "guest aborted: %s", msg)
//
// All errors implement the standard error interface and support errors.Is/As.
// A target with only a Kind set matches errors of that kind in any phase:
//
//	if errors.IsKind(err, errors.KindMemoryOutOfBounds) { ... }
package errors
