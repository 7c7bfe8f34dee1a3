// Package dispatch maps (kind, name) pairs to guest exports and runs them.
//
// An entry point receives each input buffer as an i32 pointer/length pair
// and returns its output either as two i32 values (pointer, length) or as
// one i64 packed as length<<32 | pointer:
//
//	function-style  (ptr, len)                     -> (ptr, len) | i64
//	attribute       (args_ptr, args_len, ptr, len) -> (ptr, len) | i64
//	derive          (ptr, len [, attrs_ptr, attrs_len]) -> (ptr, len) | i64
//
// Inputs are placed through the guest's watt_alloc(size, align) export
// when it has one, and through the host scratch allocator otherwise.
// Resolution results are cached per (kind, name), failures included.
package dispatch
