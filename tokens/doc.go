// Package tokens defines the token tree exchanged with macro guests, its
// binary wire form, and a lexer for Rust-like source text.
//
// A Stream is a sequence of Token values. Groups nest up to MaxDepth
// levels. Every token carries a Span so diagnostics raised by a guest can
// point back at the caller's source.
//
// # Wire format
//
// Buffers start with a one-byte tag: TagStream for a token stream,
// TagDiagnostic for a guest error. All integers are unsigned LEB128 and
// must fit in 32 bits.
//
//	stream     = count token*
//	token      = kind span payload
//	span       = source lo_line lo_col hi_line hi_col
//	ident      = flags(0|1 raw) len utf8
//	punct      = char spacing(0 alone|1 joint)
//	literal    = len utf8
//	group      = delimiter(0..3) body_len stream
//	diagnostic = len utf8 has_span(0|1) [span]
//
// Kinds are 1 group, 2 ident, 3 punct, 4 literal. Decode rejects trailing
// bytes, over-deep nesting and any length that runs past its enclosing
// group, reporting errors of kind malformed_output with the byte offset.
package tokens
