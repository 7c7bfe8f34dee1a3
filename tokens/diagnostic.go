package tokens

import (
	stderrors "errors"
	"fmt"
	"strconv"
)

// Diagnostic is a compile error attributed to a source span. It is the
// only error type macro callers see.
type Diagnostic struct {
	Cause   error  `json:"-" cbor:"-"`
	Span    *Span  `json:"span,omitempty" cbor:"2,keyasint,omitempty"`
	Message string `json:"message" cbor:"1,keyasint"`
}

// Errorf builds a diagnostic at span.
func Errorf(span *Span, format string, args ...any) *Diagnostic {
	return &Diagnostic{Message: fmt.Sprintf(format, args...), Span: span}
}

func (d *Diagnostic) Error() string {
	if d.Span != nil {
		return d.Span.String() + ": " + d.Message
	}
	return d.Message
}

func (d *Diagnostic) Unwrap() error {
	return d.Cause
}

// WithFallbackSpan returns d, or a copy of it located at span when d has
// no span of its own.
func (d *Diagnostic) WithFallbackSpan(span Span) *Diagnostic {
	if d.Span != nil {
		return d
	}
	cp := *d
	cp.Span = &span
	return &cp
}

// AsDiagnostic returns the first *Diagnostic in err's chain.
func AsDiagnostic(err error) (*Diagnostic, bool) {
	var d *Diagnostic
	if stderrors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// CompileError renders the diagnostic as the token stream
// compile_error!("message"); with every token at the diagnostic's span.
func (d *Diagnostic) CompileError() Stream {
	var span Span
	if d.Span != nil {
		span = *d.Span
	}
	return Stream{
		NewIdent("compile_error", span),
		NewPunct('!', Alone, span),
		NewGroup(Parenthesis, Stream{NewLiteral(strconv.Quote(d.Message), span)}, span),
		NewPunct(';', Alone, span),
	}
}
