// Package watt runs precompiled token-transforming macros inside an embedded
// WebAssembly interpreter.
//
// A macro library ships as a single WebAssembly module blob embedded in the
// facade that exposes it. Each macro invocation encodes its input token
// streams, calls a named export of the module in a fresh sandboxed instance,
// and decodes the module's output back into a token stream or a diagnostic.
//
// # Architecture Overview
//
//	watt/              Root package with Memory, Allocator and entry Kind
//	├── macro/         Facade: compute-once module cache, Macro, Library
//	├── dispatch/      Entry point resolution and calling convention
//	├── tokens/        Token streams, lexer, wire encoding, diagnostics
//	├── engine/        Execution backends (builtin interpreter, wazero)
//	├── interp/        Pure Go stack-machine bytecode interpreter
//	├── host/          Host function table exposed to guest modules
//	├── memory/        Bounds-checked linear memory
//	├── wasm/          Binary module parser, validator and encoder
//	├── wat/           Text format compiler used for fixtures and tooling
//	├── manifest/      TOML/YAML macro library manifests
//	├── errors/        Structured error types
//	├── cmd/watt/      Command line inspector and expander
//	└── examples/      Example facade with a hand-written guest
//
// # Quick Start
//
//	//go:embed serde_derive.wasm
//	var wasm []byte
//
//	var serde = macro.New(wasm)
//
//	out, err := serde.Derive(ctx, "derive_serialize", item)
//	if err != nil {
//	    // err is a *tokens.Diagnostic
//	}
//
// # Thread Safety
//
// Macros, libraries and registries are safe for concurrent use. Every call
// runs in its own instance; nothing a guest does during one call is visible
// to another. Parsing and compiling a blob happens exactly once per process.
//
// # Guest Contract
//
// Guests export one function per entry point. Each input buffer is passed as
// an (i32 pointer, i32 length) pair and the output buffer is returned the
// same way, or packed into a single i64 as length<<32 | pointer. Guests may
// import the functions listed in package host from the "watt" module and
// nothing else.
package watt
