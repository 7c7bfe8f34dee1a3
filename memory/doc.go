// Package memory implements bounds-checked linear memory for guest
// instances.
//
// A Memory is a growable byte array measured in 64 KiB pages. Every access
// is checked against the current size. The interpreter uses the fast
// accessors, which report failure with a boolean; host code uses the
// error-returning accessors of the watt.Memory interface, which fail with a
// memory_out_of_bounds *errors.Error.
//
// A Memory belongs to exactly one instance and is not safe for concurrent
// use.
package memory
