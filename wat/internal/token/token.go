package token

import "fmt"

type Type int

const (
	LParen Type = iota
	RParen
	Atom
	String
)

func (t Type) String() string {
	switch t {
	case LParen:
		return "'('"
	case RParen:
		return "')'"
	case Atom:
		return "atom"
	case String:
		return "string"
	}
	return "unknown"
}

// Token is a lexical token. String tokens hold the decoded bytes of the
// literal in Value.
type Token struct {
	Value string
	Type  Type
	Line  int
	Col   int
}

func (t Token) Pos() string {
	return fmt.Sprintf("%d:%d", t.Line, t.Col)
}

type scanner struct {
	src  string
	pos  int
	line int
	col  int
}

func (s *scanner) peek(off int) byte {
	if s.pos+off < len(s.src) {
		return s.src[s.pos+off]
	}
	return 0
}

func (s *scanner) advance() byte {
	c := s.src[s.pos]
	s.pos++
	if c == '\n' {
		s.line++
		s.col = 1
	} else {
		s.col++
	}
	return c
}

// Tokenize splits WAT source into tokens, dropping whitespace and
// comments.
func Tokenize(src string) ([]Token, error) {
	s := &scanner{src: src, line: 1, col: 1}
	var toks []Token
	for s.pos < len(s.src) {
		c := s.peek(0)
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			s.advance()
		case c == ';' && s.peek(1) == ';':
			for s.pos < len(s.src) && s.peek(0) != '\n' {
				s.advance()
			}
		case c == '(' && s.peek(1) == ';':
			if err := s.blockComment(); err != nil {
				return nil, err
			}
		case c == '(':
			toks = append(toks, Token{Type: LParen, Value: "(", Line: s.line, Col: s.col})
			s.advance()
		case c == ')':
			toks = append(toks, Token{Type: RParen, Value: ")", Line: s.line, Col: s.col})
			s.advance()
		case c == '"':
			t, err := s.str()
			if err != nil {
				return nil, err
			}
			toks = append(toks, t)
		default:
			line, col, start := s.line, s.col, s.pos
			for s.pos < len(s.src) && !isDelim(s.peek(0)) {
				s.advance()
			}
			toks = append(toks, Token{Type: Atom, Value: s.src[start:s.pos], Line: line, Col: col})
		}
	}
	return toks, nil
}

func isDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '(', ')', '"', ';':
		return true
	}
	return false
}

func (s *scanner) blockComment() error {
	line, col := s.line, s.col
	depth := 0
	for s.pos < len(s.src) {
		switch {
		case s.peek(0) == '(' && s.peek(1) == ';':
			depth++
			s.advance()
			s.advance()
		case s.peek(0) == ';' && s.peek(1) == ')':
			depth--
			s.advance()
			s.advance()
			if depth == 0 {
				return nil
			}
		default:
			s.advance()
		}
	}
	return fmt.Errorf("%d:%d: unterminated block comment", line, col)
}

func (s *scanner) str() (Token, error) {
	line, col := s.line, s.col
	s.advance()
	var buf []byte
	for {
		if s.pos >= len(s.src) {
			return Token{}, fmt.Errorf("%d:%d: unterminated string", line, col)
		}
		c := s.advance()
		switch c {
		case '"':
			return Token{Type: String, Value: string(buf), Line: line, Col: col}, nil
		case '\n':
			return Token{}, fmt.Errorf("%d:%d: newline in string", line, col)
		case '\\':
			b, err := s.escape(buf)
			if err != nil {
				return Token{}, fmt.Errorf("%d:%d: %w", s.line, s.col, err)
			}
			buf = b
		default:
			buf = append(buf, c)
		}
	}
}

func (s *scanner) escape(buf []byte) ([]byte, error) {
	if s.pos >= len(s.src) {
		return nil, fmt.Errorf("unterminated escape")
	}
	c := s.advance()
	switch c {
	case 't':
		return append(buf, '\t'), nil
	case 'n':
		return append(buf, '\n'), nil
	case 'r':
		return append(buf, '\r'), nil
	case '"', '\'', '\\':
		return append(buf, c), nil
	case 'u':
		if s.peek(0) != '{' {
			return nil, fmt.Errorf("malformed unicode escape")
		}
		s.advance()
		var r rune
		digits := 0
		for s.pos < len(s.src) && s.peek(0) != '}' {
			d, ok := hexVal(s.advance())
			if !ok || digits >= 6 {
				return nil, fmt.Errorf("malformed unicode escape")
			}
			r = r<<4 | rune(d)
			digits++
		}
		if s.pos >= len(s.src) || digits == 0 || r > 0x10FFFF || (r >= 0xD800 && r < 0xE000) {
			return nil, fmt.Errorf("malformed unicode escape")
		}
		s.advance()
		return append(buf, string(r)...), nil
	}
	hi, ok := hexVal(c)
	if !ok || s.pos >= len(s.src) {
		return nil, fmt.Errorf("unknown escape \\%c", c)
	}
	lo, ok := hexVal(s.advance())
	if !ok {
		return nil, fmt.Errorf("malformed hex escape")
	}
	return append(buf, hi<<4|lo), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
