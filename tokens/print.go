package tokens

import "strings"

// String prints the stream as source text. Tokens are separated by single
// spaces except after joint punctuation, so Parse(s.String()) yields the
// same tokens with new spans.
func (s Stream) String() string {
	var b strings.Builder
	writeStream(&b, s)
	return b.String()
}

func (t Token) String() string {
	var b strings.Builder
	writeToken(&b, t)
	return b.String()
}

func writeStream(b *strings.Builder, s Stream) {
	for i, t := range s {
		if i > 0 && (s[i-1].Kind != Punct || s[i-1].Spacing != Joint) {
			b.WriteByte(' ')
		}
		writeToken(b, t)
	}
}

func writeToken(b *strings.Builder, t Token) {
	switch t.Kind {
	case Ident:
		if t.Raw {
			b.WriteString("r#")
		}
		b.WriteString(t.Text)
	case Punct:
		b.WriteByte(t.Punct)
	case Literal:
		b.WriteString(t.Text)
	case Group:
		if t.Delimiter == None {
			writeStream(b, t.Stream)
			return
		}
		b.WriteByte(t.Delimiter.Open())
		writeStream(b, t.Stream)
		b.WriteByte(t.Delimiter.Close())
	}
}
