package tokens

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode"
	"unicode/utf8"

	"github.com/wippyai/watt/errors"
)

// Buffer tags.
const (
	TagStream     byte = 0x00
	TagDiagnostic byte = 0x01
)

// MaxDepth bounds group nesting in decoded streams.
const MaxDepth = 256

// minTokenSize is the smallest encoding of a token: kind, five one-byte
// span fields and a two-byte payload.
const minTokenSize = 8

// PunctChars lists the characters a Punct token may hold.
const PunctChars = "=<>!~+-*/%^&|@.,;:#$?'"

var punctSet = func() (set [256]bool) {
	for i := 0; i < len(PunctChars); i++ {
		set[PunctChars[i]] = true
	}
	return set
}()

// IsPunct reports whether c is a valid Punct character.
func IsPunct(c byte) bool { return punctSet[c] }

// Encode serializes a stream into a tagged buffer.
func Encode(s Stream) []byte {
	buf := make([]byte, 0, 16+8*s.Len())
	buf = append(buf, TagStream)
	return appendStream(buf, s)
}

// EncodeDiagnostic serializes a guest-reported error. Guests produce the
// same layout to fail an expansion.
func EncodeDiagnostic(d *Diagnostic) []byte {
	buf := []byte{TagDiagnostic}
	buf = appendString(buf, d.Message)
	if d.Span == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendSpan(buf, *d.Span)
}

// EncodeIdents encodes a list of identifiers as a stream, the form in
// which derive helper attribute names are passed to guests.
func EncodeIdents(names []string, span Span) []byte {
	s := make(Stream, len(names))
	for i, n := range names {
		s[i] = NewIdent(n, span)
	}
	return Encode(s)
}

func appendStream(buf []byte, s Stream) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	for _, t := range s {
		buf = appendToken(buf, t)
	}
	return buf
}

func appendToken(buf []byte, t Token) []byte {
	buf = append(buf, byte(t.Kind))
	buf = appendSpan(buf, t.Span)
	switch t.Kind {
	case Ident:
		var flags byte
		if t.Raw {
			flags = 1
		}
		buf = append(buf, flags)
		buf = appendString(buf, t.Text)
	case Punct:
		buf = append(buf, t.Punct, byte(t.Spacing))
	case Literal:
		buf = appendString(buf, t.Text)
	case Group:
		buf = append(buf, byte(t.Delimiter))
		body := appendStream(nil, t.Stream)
		buf = binary.AppendUvarint(buf, uint64(len(body)))
		buf = append(buf, body...)
	}
	return buf
}

func appendSpan(buf []byte, s Span) []byte {
	buf = binary.AppendUvarint(buf, uint64(s.Source))
	buf = binary.AppendUvarint(buf, uint64(s.LoLine))
	buf = binary.AppendUvarint(buf, uint64(s.LoCol))
	buf = binary.AppendUvarint(buf, uint64(s.HiLine))
	return binary.AppendUvarint(buf, uint64(s.HiCol))
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// Decode parses a stream-tagged buffer. Any structural problem, including
// a diagnostic tag, is reported as malformed_output.
func Decode(b []byte) (Stream, error) {
	if len(b) == 0 {
		return nil, errors.MalformedOutput(0, "empty buffer", nil)
	}
	if b[0] != TagStream {
		return nil, errors.MalformedOutput(0, fmt.Sprintf("expected stream tag, got 0x%02x", b[0]), nil)
	}
	d := &decoder{buf: b, pos: 1}
	s, err := d.stream(0, len(b))
	if err != nil {
		return nil, err
	}
	if d.pos != len(b) {
		return nil, d.fail("%d trailing bytes", len(b)-d.pos)
	}
	return s, nil
}

// DecodeResult parses a guest result buffer. A diagnostic-tagged buffer
// yields its *Diagnostic as the error.
func DecodeResult(b []byte) (Stream, error) {
	if len(b) > 0 && b[0] == TagDiagnostic {
		d := &decoder{buf: b, pos: 1}
		diag, err := d.diagnostic()
		if err != nil {
			return nil, err
		}
		return nil, diag
	}
	return Decode(b)
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) fail(format string, args ...any) error {
	return errors.MalformedOutput(d.pos, fmt.Sprintf(format, args...), nil)
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, d.fail("unexpected end of buffer")
	}
	c := d.buf[d.pos]
	d.pos++
	return c, nil
}

func (d *decoder) u32() (uint32, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		if n == 0 {
			return 0, d.fail("unexpected end of buffer")
		}
		return 0, d.fail("integer overflow")
	}
	if v > math.MaxUint32 {
		return 0, d.fail("integer %d exceeds 32 bits", v)
	}
	d.pos += n
	return uint32(v), nil
}

// remaining returns the bytes left before end, zero once a nested read
// has overrun it.
func (d *decoder) remaining(end int) int {
	if d.pos >= end {
		return 0
	}
	return end - d.pos
}

// length reads a byte count and checks it against the input left before
// end.
func (d *decoder) length(end int) (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if left := d.remaining(end); uint64(n) > uint64(left) {
		return 0, d.fail("length %d exceeds remaining %d bytes", n, left)
	}
	return int(n), nil
}

func (d *decoder) str(end int) (string, error) {
	n, err := d.length(end)
	if err != nil {
		return "", err
	}
	b := d.buf[d.pos : d.pos+n]
	if !utf8.Valid(b) {
		return "", d.fail("invalid UTF-8 in string")
	}
	d.pos += n
	return string(b), nil
}

func (d *decoder) span() (Span, error) {
	var s Span
	for _, f := range []*uint32{&s.Source, &s.LoLine, &s.LoCol, &s.HiLine, &s.HiCol} {
		v, err := d.u32()
		if err != nil {
			return s, err
		}
		*f = v
	}
	return s, nil
}

func (d *decoder) stream(depth, end int) (Stream, error) {
	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	if left := d.remaining(end); uint64(count)*minTokenSize > uint64(left) {
		return nil, d.fail("%d tokens cannot fit in %d bytes", count, left)
	}
	if count == 0 {
		return Stream{}, nil
	}
	s := make(Stream, 0, count)
	for i := uint32(0); i < count; i++ {
		t, err := d.token(depth, end)
		if err != nil {
			return nil, err
		}
		s = append(s, t)
	}
	return s, nil
}

func (d *decoder) token(depth, end int) (Token, error) {
	start := d.pos
	k, err := d.byte()
	if err != nil {
		return Token{}, err
	}
	t := Token{Kind: Kind(k)}
	if t.Span, err = d.span(); err != nil {
		return t, err
	}
	switch t.Kind {
	case Ident:
		flags, err := d.byte()
		if err != nil {
			return t, err
		}
		if flags > 1 {
			return t, d.fail("unknown identifier flags 0x%02x", flags)
		}
		t.Raw = flags == 1
		if t.Text, err = d.str(end); err != nil {
			return t, err
		}
		if !ValidIdent(t.Text, t.Raw) {
			return t, d.fail("invalid identifier %q", t.Text)
		}
	case Punct:
		if t.Punct, err = d.byte(); err != nil {
			return t, err
		}
		if !IsPunct(t.Punct) {
			return t, d.fail("invalid punctuation 0x%02x", t.Punct)
		}
		sp, err := d.byte()
		if err != nil {
			return t, err
		}
		if Spacing(sp) > Joint {
			return t, d.fail("invalid spacing %d", sp)
		}
		t.Spacing = Spacing(sp)
	case Literal:
		if t.Text, err = d.str(end); err != nil {
			return t, err
		}
		if t.Text == "" {
			return t, d.fail("empty literal")
		}
	case Group:
		if depth >= MaxDepth {
			return t, d.fail("groups nested deeper than %d", MaxDepth)
		}
		delim, err := d.byte()
		if err != nil {
			return t, err
		}
		if Delimiter(delim) > None {
			return t, d.fail("invalid delimiter %d", delim)
		}
		t.Delimiter = Delimiter(delim)
		n, err := d.length(end)
		if err != nil {
			return t, err
		}
		bodyEnd := d.pos + n
		if t.Stream, err = d.stream(depth+1, bodyEnd); err != nil {
			return t, err
		}
		if d.pos != bodyEnd {
			return t, d.fail("group body declares %d bytes, stream used %d", n, n-(bodyEnd-d.pos))
		}
	default:
		d.pos = start
		return t, d.fail("unknown token kind %d", k)
	}
	return t, nil
}

func (d *decoder) diagnostic() (*Diagnostic, error) {
	msg, err := d.str(len(d.buf))
	if err != nil {
		return nil, err
	}
	diag := &Diagnostic{Message: msg}
	has, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch has {
	case 0:
	case 1:
		sp, err := d.span()
		if err != nil {
			return nil, err
		}
		diag.Span = &sp
	default:
		return nil, d.fail("invalid span flag %d", has)
	}
	if d.pos != len(d.buf) {
		return nil, d.fail("%d trailing bytes", len(d.buf)-d.pos)
	}
	return diag, nil
}

// ValidIdent reports whether name is a well-formed identifier. Raw
// identifiers exclude the keywords that cannot be raw.
func ValidIdent(name string, raw bool) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	if raw {
		switch name {
		case "_", "crate", "self", "super", "Self":
			return false
		}
	}
	return true
}
