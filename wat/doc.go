// Package wat compiles the WebAssembly text format into binary modules.
//
// It covers the subset of the text format that watt guests can use, and
// exists so tests, examples and the watt command can build guest modules
// from readable source:
//
//	bin, err := wat.Compile(`(module
//		(memory (export "memory") 1)
//		(func (export "identity") (param i32 i32) (result i32 i32)
//			local.get 0
//			local.get 1))`)
//
// Supported:
//   - Type, import, func, table, memory, global, export, start, elem and
//     data fields, including inline import and export abbreviations
//   - Named and numeric indices for every index space, with forward
//     references to functions and globals
//   - Flat and folded instructions with named labels
//   - Block types with multiple params and results
//   - Memory arguments with offset= and align=
//   - Integer literals in decimal and hex, float literals including hex
//     floats, inf, nan and nan:0x payloads
//   - String escapes \t \n \r \" \' \\ \hh and \u{...}
//   - Line (;;) and nested block (; ;) comments
//
// Function names given with $identifiers are emitted into the name
// section, so traps raised by the interpreter report them.
package wat
