package wasm

import (
	"errors"
)

// LEB128 helpers over byte slices. The module parser uses its own
// position-tracking reader; these are for callers that build or scan small
// buffers, such as the token wire format.

// ErrOverflow is returned when a LEB128 value exceeds the maximum bit width.
var ErrOverflow = errors.New("leb128: overflow")

// ErrTruncated is returned when a LEB128 value runs past the end of input.
var ErrTruncated = errors.New("leb128: truncated")

// AppendULEB128 appends the unsigned LEB128 encoding of v to dst.
func AppendULEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// AppendSLEB128 appends the signed LEB128 encoding of v to dst.
func AppendSLEB128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

// DecodeULEB128 decodes an unsigned value of at most bits bits from the
// start of b. It returns the value and the number of bytes consumed.
func DecodeULEB128(b []byte, bits uint) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, c := range b {
		if shift >= bits {
			return 0, 0, ErrOverflow
		}
		v := uint64(c & 0x7f)
		if bits < 64 && shift+7 > bits && v>>(bits-shift) != 0 {
			return 0, 0, ErrOverflow
		}
		if bits == 64 && shift == 63 && v > 1 {
			return 0, 0, ErrOverflow
		}
		result |= v << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

// ULEB128Len returns the encoded size of v in bytes.
func ULEB128Len(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
