package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

func errEOF(what string) error {
	return fmt.Errorf("unexpected end of input, expected %s", what)
}

func describe(n *node) string {
	switch {
	case n.list:
		if h := n.head(); h != "" {
			return "(" + h + " ...)"
		}
		return "list"
	case n.isString():
		return "string"
	}
	return strconv.Quote(n.tok.Value)
}

func isDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}

func clean(s string) (string, error) {
	if strings.Contains(s, "__") || strings.HasPrefix(s, "_") || strings.HasSuffix(s, "_") {
		return "", fmt.Errorf("misplaced underscore")
	}
	return strings.ReplaceAll(s, "_", ""), nil
}

func parseU32(s string) (uint32, error) {
	v, err := parseUint(s, 32)
	return uint32(v), err
}

func parseUint(s string, bits int) (uint64, error) {
	if !isDigit(s) {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	c, err := clean(s)
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(c, "0x") {
		return strconv.ParseUint(c[2:], 16, bits)
	}
	return strconv.ParseUint(c, 10, bits)
}

// parseInt accepts the union of the signed and unsigned ranges of the
// given width and returns the two's complement bit pattern.
func parseInt(n *node, bits int) (uint64, error) {
	if !n.isAtom() {
		return 0, n.errorf("expected integer")
	}
	s := n.tok.Value
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	v, err := parseUint(s, bits)
	if err != nil {
		return 0, n.errorf("invalid i%d literal %q", bits, n.tok.Value)
	}
	if neg {
		if v > 1<<(bits-1) {
			return 0, n.errorf("i%d literal %q out of range", bits, n.tok.Value)
		}
		v = -v
	}
	if bits == 32 {
		v &= math.MaxUint32
	}
	return v, nil
}

func parseI32(n *node) (int32, error) {
	v, err := parseInt(n, 32)
	return int32(uint32(v)), err
}

func parseI64(n *node) (int64, error) {
	v, err := parseInt(n, 64)
	return int64(v), err
}

// parseFloatBits handles inf, nan, nan:0x payloads, hex floats and
// decimal literals, returning the IEEE bit pattern at the given width.
func parseFloatBits(n *node, bits int) (uint64, error) {
	if !n.isAtom() {
		return 0, n.errorf("expected float")
	}
	s := n.tok.Value
	var sign uint64
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = 1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	expBits, mantBits := 8, 23
	if bits == 64 {
		expBits, mantBits = 11, 52
	}
	signBit := sign << (bits - 1)
	expMask := uint64(1)<<expBits - 1
	switch {
	case s == "inf":
		return signBit | expMask<<mantBits, nil
	case s == "nan":
		return signBit | expMask<<mantBits | 1<<(mantBits-1), nil
	case strings.HasPrefix(s, "nan:0x"):
		payload, err := parseUint(s[4:], 64)
		if err != nil || payload == 0 || payload >= 1<<mantBits {
			return 0, n.errorf("invalid nan payload %q", n.tok.Value)
		}
		return signBit | expMask<<mantBits | payload, nil
	}
	c, err := clean(s)
	if err != nil || !isDigit(c) {
		return 0, n.errorf("invalid f%d literal %q", bits, n.tok.Value)
	}
	if strings.HasPrefix(c, "0x") && !strings.ContainsAny(c, "pP") {
		c += "p0"
	}
	f, err := strconv.ParseFloat(c, bits)
	if err != nil {
		return 0, n.errorf("invalid f%d literal %q", bits, n.tok.Value)
	}
	if bits == 32 {
		return uint64(math.Float32bits(float32(f))) | signBit, nil
	}
	return math.Float64bits(f) | signBit, nil
}

func parseF32(n *node) (uint32, error) {
	v, err := parseFloatBits(n, 32)
	return uint32(v), err
}

func parseF64(n *node) (uint64, error) {
	return parseFloatBits(n, 64)
}
