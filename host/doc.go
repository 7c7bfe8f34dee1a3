// Package host defines the functions a guest module may import.
//
// The table is closed: every import must name module "watt" and one of
// the functions below. Anything else fails compilation with a
// missing_import error.
//
//	grow    (i32 pages) -> i32       grow memory, old page count or -1
//	abort   (i32 ptr, i32 len)       trap with the UTF-8 message at ptr
//	scratch (i32 size) -> i32        host-managed scratch bytes or -1
//
// Host functions see the calling instance's memory and the per-instance
// Session. The Session travels in the context passed to the call, so the
// builtin interpreter and the wazero backend share these implementations.
package host
