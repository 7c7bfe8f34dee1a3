package tokens

import (
	"fmt"
)

// Kind identifies the variant of a Token.
type Kind uint8

const (
	Group Kind = iota + 1
	Ident
	Punct
	Literal
)

var kindNames = map[Kind]string{
	Group:   "group",
	Ident:   "ident",
	Punct:   "punct",
	Literal: "literal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("invalid token kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for v, s := range kindNames {
		if s == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown token kind %q", b)
}

// Delimiter is the bracket pair enclosing a Group.
type Delimiter uint8

const (
	Parenthesis Delimiter = iota
	Brace
	Bracket
	// None is an invisible delimiter, as produced by macro variable
	// substitution.
	None
)

var delimiterNames = [...]string{"parenthesis", "brace", "bracket", "none"}

func (d Delimiter) String() string {
	if int(d) < len(delimiterNames) {
		return delimiterNames[d]
	}
	return fmt.Sprintf("delimiter(%d)", uint8(d))
}

// Open and Close return the bracket characters, or zero for None.
func (d Delimiter) Open() byte  { return "({[\x00"[d&3] }
func (d Delimiter) Close() byte { return ")}]\x00"[d&3] }

func (d Delimiter) MarshalText() ([]byte, error) {
	if int(d) >= len(delimiterNames) {
		return nil, fmt.Errorf("invalid delimiter %d", uint8(d))
	}
	return []byte(delimiterNames[d]), nil
}

func (d *Delimiter) UnmarshalText(b []byte) error {
	for i, s := range delimiterNames {
		if s == string(b) {
			*d = Delimiter(i)
			return nil
		}
	}
	return fmt.Errorf("unknown delimiter %q", b)
}

// Spacing tells whether a Punct is immediately followed by another Punct,
// forming a multi-character operator such as += or ::.
type Spacing uint8

const (
	Alone Spacing = iota
	Joint
)

func (s Spacing) String() string {
	if s == Joint {
		return "joint"
	}
	return "alone"
}

func (s Spacing) MarshalText() ([]byte, error) {
	if s > Joint {
		return nil, fmt.Errorf("invalid spacing %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Spacing) UnmarshalText(b []byte) error {
	switch string(b) {
	case "alone":
		*s = Alone
	case "joint":
		*s = Joint
	default:
		return fmt.Errorf("unknown spacing %q", b)
	}
	return nil
}

// Span locates a token in source. Lines and columns start at 1; the high
// position is the one just past the token's last character.
type Span struct {
	Source uint32 `json:"source" cbor:"1,keyasint"`
	LoLine uint32 `json:"lo_line" cbor:"2,keyasint"`
	LoCol  uint32 `json:"lo_col" cbor:"3,keyasint"`
	HiLine uint32 `json:"hi_line" cbor:"4,keyasint"`
	HiCol  uint32 `json:"hi_col" cbor:"5,keyasint"`
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d", s.LoLine, s.LoCol)
}

// IsZero reports whether the span carries no position.
func (s Span) IsZero() bool {
	return s == Span{}
}

// Join returns the smallest span covering both s and o. They must belong
// to the same source.
func (s Span) Join(o Span) Span {
	if s.IsZero() {
		return o
	}
	if o.IsZero() {
		return s
	}
	out := s
	if o.LoLine < s.LoLine || o.LoLine == s.LoLine && o.LoCol < s.LoCol {
		out.LoLine, out.LoCol = o.LoLine, o.LoCol
	}
	if o.HiLine > s.HiLine || o.HiLine == s.HiLine && o.HiCol > s.HiCol {
		out.HiLine, out.HiCol = o.HiLine, o.HiCol
	}
	return out
}

// Token is one lexical token. Which fields are meaningful depends on Kind:
// Group uses Delimiter and Stream, Ident uses Text and Raw, Punct uses
// Punct and Spacing, Literal uses Text (the verbatim source form, e.g.
// "\"a\\n\"" or 1u8).
type Token struct {
	Stream    Stream    `json:"stream,omitempty" cbor:"7,keyasint,omitempty"`
	Text      string    `json:"text,omitempty" cbor:"3,keyasint,omitempty"`
	Span      Span      `json:"span" cbor:"2,keyasint"`
	Kind      Kind      `json:"kind" cbor:"1,keyasint"`
	Delimiter Delimiter `json:"delimiter,omitempty" cbor:"6,keyasint,omitempty"`
	Spacing   Spacing   `json:"spacing,omitempty" cbor:"5,keyasint,omitempty"`
	Punct     byte      `json:"punct,omitempty" cbor:"4,keyasint,omitempty"`
	Raw       bool      `json:"raw,omitempty" cbor:"8,keyasint,omitempty"`
}

// Stream is an ordered sequence of tokens.
type Stream []Token

func NewIdent(name string, span Span) Token {
	return Token{Kind: Ident, Text: name, Span: span}
}

func NewRawIdent(name string, span Span) Token {
	return Token{Kind: Ident, Text: name, Raw: true, Span: span}
}

func NewPunct(ch byte, spacing Spacing, span Span) Token {
	return Token{Kind: Punct, Punct: ch, Spacing: spacing, Span: span}
}

func NewLiteral(text string, span Span) Token {
	return Token{Kind: Literal, Text: text, Span: span}
}

func NewGroup(delim Delimiter, inner Stream, span Span) Token {
	return Token{Kind: Group, Delimiter: delim, Stream: inner, Span: span}
}

// Equal reports whether two tokens are identical, spans included.
func (t Token) Equal(o Token) bool {
	if t.Kind != o.Kind || t.Span != o.Span {
		return false
	}
	switch t.Kind {
	case Group:
		return t.Delimiter == o.Delimiter && t.Stream.Equal(o.Stream)
	case Ident:
		return t.Text == o.Text && t.Raw == o.Raw
	case Punct:
		return t.Punct == o.Punct && t.Spacing == o.Spacing
	case Literal:
		return t.Text == o.Text
	}
	return false
}

// Equal reports whether two streams hold identical tokens. A nil stream
// equals an empty one.
func (s Stream) Equal(o Stream) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !s[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Span covers the stream from its first to its last token.
func (s Stream) Span() Span {
	var out Span
	for _, t := range s {
		out = out.Join(t.Span)
	}
	return out
}

// Len counts tokens recursively, groups included.
func (s Stream) Len() int {
	n := 0
	for _, t := range s {
		n++
		if t.Kind == Group {
			n += t.Stream.Len()
		}
	}
	return n
}
