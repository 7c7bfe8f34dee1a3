// Package wasm parses, validates and encodes WebAssembly binary modules.
//
// The supported surface is the one macro guests are compiled to: the MVP
// instruction set plus sign extension, non-trapping float-to-int
// conversions, multi-value block types and the bulk memory operations on
// a single memory. SIMD, threads, GC, exception handling, tail calls,
// reference-typed values, memory64 and multi-memory modules are rejected
// with an error wrapping ErrUnsupported.
//
// # Parsing
//
//	m, err := wasm.ParseModule(data)
//	if err != nil {
//	    // err is a malformed_module *errors.Error with section and offset
//	}
//
// ParseModule never panics, whatever the input. Vector lengths are
// checked against the remaining bytes before anything is allocated.
//
// # Validation
//
// Validate checks index spaces, limits, exports and segments:
//
//	m, err := wasm.ParseModuleValidate(data, wasm.WithMemoryCeiling(256))
//
// Function bodies are checked by the interpreter when it compiles them.
//
// # Encoding
//
// Encode produces the binary form of a Module. The text format compiler
// in package wat builds Modules in memory and encodes them this way:
//
//	bin := m.Encode()
//
// # Instructions
//
// DecodeInstructions turns a function body into a slice of Instruction
// values with typed immediates; EncodeInstructions is its inverse.
// OpcodeName and LookupOpcode map between opcodes and text mnemonics.
package wasm
