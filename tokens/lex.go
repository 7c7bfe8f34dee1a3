package tokens

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Parse lexes Rust-like source into a token stream. Spans use source id 0.
func Parse(src string) (Stream, error) {
	return ParseSource(src, 0)
}

// ParseSource lexes src, tagging every span with the given source id.
// Errors are *Diagnostic values pointing at the offending text.
func ParseSource(src string, source uint32) (Stream, error) {
	l := &lexer{src: src, source: source, line: 1, col: 1}
	s, err := l.stream()
	if err != nil {
		return nil, err
	}
	return s, nil
}

type lexer struct {
	src    string
	pos    int
	line   uint32
	col    uint32
	source uint32
}

type openGroup struct {
	tokens Stream
	lo     Span
	delim  Delimiter
}

func (l *lexer) peek(off int) rune {
	p := l.pos
	for i := 0; i < off && p < len(l.src); i++ {
		_, n := utf8.DecodeRuneInString(l.src[p:])
		p += n
	}
	if p >= len(l.src) {
		return -1
	}
	r, _ := utf8.DecodeRuneInString(l.src[p:])
	return r
}

func (l *lexer) advance() rune {
	r, n := utf8.DecodeRuneInString(l.src[l.pos:])
	l.pos += n
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) here() Span {
	return Span{Source: l.source, LoLine: l.line, LoCol: l.col, HiLine: l.line, HiCol: l.col}
}

func (l *lexer) close(s Span) Span {
	s.HiLine, s.HiCol = l.line, l.col
	return s
}

func (l *lexer) errorf(at Span, format string, args ...any) error {
	return Errorf(&at, format, args...)
}

func delimFor(r rune) (Delimiter, bool) {
	switch r {
	case '(', ')':
		return Parenthesis, true
	case '{', '}':
		return Brace, true
	case '[', ']':
		return Bracket, true
	}
	return 0, false
}

// stream lexes until the end of input, tracking open groups on an
// explicit stack.
func (l *lexer) stream() (Stream, error) {
	stack := []*openGroup{{}}
	for {
		if err := l.skipTrivia(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		if l.pos >= len(l.src) {
			if len(stack) > 1 {
				return nil, l.errorf(top.lo, "unclosed delimiter %q", string(top.delim.Open()))
			}
			return top.tokens, nil
		}
		r := l.peek(0)
		switch r {
		case '(', '{', '[':
			if len(stack) > MaxDepth {
				return nil, l.errorf(l.here(), "groups nested deeper than %d", MaxDepth)
			}
			d, _ := delimFor(r)
			g := &openGroup{lo: l.here(), delim: d}
			l.advance()
			stack = append(stack, g)
			continue
		case ')', '}', ']':
			at := l.here()
			d, _ := delimFor(r)
			if len(stack) == 1 {
				return nil, l.errorf(at, "unexpected closing delimiter %q", string(r))
			}
			if top.delim != d {
				return nil, l.errorf(at, "mismatched closing delimiter %q, expected %q", string(r), string(top.delim.Close()))
			}
			l.advance()
			stack = stack[:len(stack)-1]
			parent := stack[len(stack)-1]
			if top.tokens == nil {
				top.tokens = Stream{}
			}
			parent.tokens = append(parent.tokens, NewGroup(d, top.tokens, l.close(top.lo)))
			continue
		}
		toks, err := l.token()
		if err != nil {
			return nil, err
		}
		top.tokens = append(top.tokens, toks...)
	}
}

func (l *lexer) skipTrivia() error {
	for l.pos < len(l.src) {
		r := l.peek(0)
		switch {
		case unicode.IsSpace(r):
			l.advance()
		case r == '/' && l.peek(1) == '/':
			for l.pos < len(l.src) && l.peek(0) != '\n' {
				l.advance()
			}
		case r == '/' && l.peek(1) == '*':
			at := l.here()
			l.advance()
			l.advance()
			depth := 1
			for depth > 0 {
				if l.pos >= len(l.src) {
					return l.errorf(at, "unterminated block comment")
				}
				switch {
				case l.peek(0) == '/' && l.peek(1) == '*':
					l.advance()
					l.advance()
					depth++
				case l.peek(0) == '*' && l.peek(1) == '/':
					l.advance()
					l.advance()
					depth--
				default:
					l.advance()
				}
			}
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentContinue(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// token lexes one non-group token. A lifetime yields two tokens.
func (l *lexer) token() ([]Token, error) {
	at := l.here()
	start := l.pos
	r := l.peek(0)
	switch {
	case r == '"':
		if err := l.quoted('"'); err != nil {
			return nil, err
		}
		return l.literal(at, start)
	case r == '\'':
		return l.quote(at, start)
	case isDigit(r):
		l.number()
		return l.literal(at, start)
	case isIdentStart(r):
		return l.word(at, start)
	case r < utf8.RuneSelf && IsPunct(byte(r)):
		l.advance()
		spacing := Alone
		if n := l.peek(0); n >= 0 && n < utf8.RuneSelf && IsPunct(byte(n)) {
			spacing = Joint
		}
		return []Token{NewPunct(byte(r), spacing, l.close(at))}, nil
	}
	return nil, l.errorf(at, "unexpected character %q", r)
}

func (l *lexer) literal(at Span, start int) ([]Token, error) {
	l.suffix()
	return []Token{NewLiteral(l.src[start:l.pos], l.close(at))}, nil
}

// suffix consumes a literal suffix such as u8 or _f32.
func (l *lexer) suffix() {
	if isIdentStart(l.peek(0)) {
		for isIdentContinue(l.peek(0)) {
			l.advance()
		}
	}
}

// word lexes identifiers, raw identifiers and prefixed string literals.
func (l *lexer) word(at Span, start int) ([]Token, error) {
	r0, r1, r2 := l.peek(0), l.peek(1), l.peek(2)
	switch {
	case r0 == 'r' && r1 == '#' && isIdentStart(r2):
		l.advance()
		l.advance()
		for isIdentContinue(l.peek(0)) {
			l.advance()
		}
		name := l.src[start+2 : l.pos]
		if !ValidIdent(name, true) {
			return nil, l.errorf(l.close(at), "%q cannot be a raw identifier", name)
		}
		return []Token{NewRawIdent(name, l.close(at))}, nil
	case r0 == 'r' && (r1 == '"' || r1 == '#'):
		l.advance()
		if err := l.rawString(at); err != nil {
			return nil, err
		}
		return l.literal(at, start)
	case (r0 == 'b' || r0 == 'c') && r1 == 'r' && (r2 == '"' || r2 == '#'):
		l.advance()
		l.advance()
		if err := l.rawString(at); err != nil {
			return nil, err
		}
		return l.literal(at, start)
	case (r0 == 'b' || r0 == 'c') && r1 == '"':
		l.advance()
		if err := l.quoted('"'); err != nil {
			return nil, err
		}
		return l.literal(at, start)
	case r0 == 'b' && r1 == '\'':
		l.advance()
		if err := l.quoted('\''); err != nil {
			return nil, err
		}
		return l.literal(at, start)
	}
	for isIdentContinue(l.peek(0)) {
		l.advance()
	}
	return []Token{NewIdent(l.src[start:l.pos], l.close(at))}, nil
}

// quoted consumes a "..." or '...' literal with backslash escapes.
func (l *lexer) quoted(q rune) error {
	at := l.here()
	l.advance()
	for {
		if l.pos >= len(l.src) {
			return l.errorf(at, "unterminated literal")
		}
		switch l.advance() {
		case '\\':
			if l.pos >= len(l.src) {
				return l.errorf(at, "unterminated literal")
			}
			l.advance()
		case q:
			return nil
		}
	}
}

// rawString consumes #*"..."#* after the r prefix.
func (l *lexer) rawString(at Span) error {
	hashes := 0
	for l.peek(0) == '#' {
		l.advance()
		hashes++
	}
	if l.peek(0) != '"' {
		return l.errorf(at, "malformed raw string")
	}
	l.advance()
	closing := "\"" + strings.Repeat("#", hashes)
	for l.pos < len(l.src) {
		if strings.HasPrefix(l.src[l.pos:], closing) {
			for range closing {
				l.advance()
			}
			return nil
		}
		l.advance()
	}
	return l.errorf(at, "unterminated raw string")
}

// quote distinguishes character literals from lifetimes.
func (l *lexer) quote(at Span, start int) ([]Token, error) {
	r1, r2 := l.peek(1), l.peek(2)
	if r1 == '\\' || (r1 >= 0 && r2 == '\'') {
		if err := l.quoted('\''); err != nil {
			return nil, err
		}
		return l.literal(at, start)
	}
	if !isIdentStart(r1) {
		return nil, l.errorf(at, "unexpected character '\\''")
	}
	l.advance()
	tick := NewPunct('\'', Joint, l.close(at))
	nameAt := l.here()
	nameStart := l.pos
	for isIdentContinue(l.peek(0)) {
		l.advance()
	}
	return []Token{tick, NewIdent(l.src[nameStart:l.pos], l.close(nameAt))}, nil
}

// number consumes integer and float literals up to their suffix. 1..2
// stays a range and 1.foo a field access.
func (l *lexer) number() {
	if l.peek(0) == '0' {
		switch l.peek(1) {
		case 'x', 'o', 'b':
			l.advance()
			l.advance()
			for isHexDigit(l.peek(0)) || l.peek(0) == '_' {
				l.advance()
			}
			return
		}
	}
	l.digits()
	if l.peek(0) == '.' && isDigit(l.peek(1)) {
		l.advance()
		l.digits()
	}
	if r := l.peek(0); r == 'e' || r == 'E' {
		n := 1
		if s := l.peek(1); s == '+' || s == '-' {
			n = 2
		}
		if isDigit(l.peek(n)) {
			for ; n > 0; n-- {
				l.advance()
			}
			l.digits()
		}
	}
}

func (l *lexer) digits() {
	for isDigit(l.peek(0)) || l.peek(0) == '_' {
		l.advance()
	}
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isHexDigit(r rune) bool {
	return isDigit(r) || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F'
}
