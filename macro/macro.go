package macro

import (
	"context"
	stderrors "errors"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/dispatch"
	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/tokens"
)

// Macro is the call surface over one embedded module.
type Macro struct {
	slot *Slot
}

type options struct {
	registry *Registry
}

// Option configures New.
type Option func(*options)

// WithRegistry registers the blob with r instead of the default registry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// New registers blob without parsing it. The module is parsed on the
// first expansion.
func New(blob []byte, opts ...Option) *Macro {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}
	return &Macro{slot: o.registry.Slot(blob)}
}

// Slot returns the registry slot holding the module.
func (m *Macro) Slot() *Slot {
	return m.slot
}

// Resolve loads the module and resolves an entry point.
func (m *Macro) Resolve(ctx context.Context, kind watt.Kind, entry string) (*dispatch.Entry, error) {
	d, err := m.slot.Load(ctx)
	if err != nil {
		return nil, err
	}
	return d.Resolve(kind, entry)
}

// FunctionStyle expands a function-like macro: entry receives input.
func (m *Macro) FunctionStyle(ctx context.Context, entry string, input tokens.Stream) (tokens.Stream, error) {
	return m.expand(ctx, watt.FunctionStyle, entry, input.Span(), tokens.Encode(input))
}

// Attribute expands an attribute macro: entry receives the attribute
// arguments and the annotated item.
func (m *Macro) Attribute(ctx context.Context, entry string, args, item tokens.Stream) (tokens.Stream, error) {
	return m.expand(ctx, watt.Attribute, entry, item.Span(), tokens.Encode(args), tokens.Encode(item))
}

// Derive expands a derive macro. attrs names the helper attributes the
// derive declares; entries taking a second buffer receive them as a
// stream of identifiers.
func (m *Macro) Derive(ctx context.Context, entry string, item tokens.Stream, attrs ...string) (tokens.Stream, error) {
	span := item.Span()
	if len(attrs) == 0 {
		return m.expand(ctx, watt.Derive, entry, span, tokens.Encode(item))
	}
	return m.expand(ctx, watt.Derive, entry, span, tokens.Encode(item), tokens.EncodeIdents(attrs, span))
}

func (m *Macro) expand(ctx context.Context, kind watt.Kind, entry string, span tokens.Span, inputs ...[]byte) (tokens.Stream, error) {
	d, err := m.slot.Load(ctx)
	if err != nil {
		return nil, diagnose(err, span)
	}
	out, err := d.Dispatch(ctx, kind, entry, inputs...)
	if err != nil {
		return nil, diagnose(err, span)
	}
	s, err := tokens.DecodeResult(out)
	if err != nil {
		return nil, diagnose(err, span)
	}
	return s, nil
}

// diagnose turns any failure into a single diagnostic located at the
// guest's span when it gave one, else at the invocation input.
func diagnose(err error, span tokens.Span) *tokens.Diagnostic {
	d, ok := tokens.AsDiagnostic(err)
	if !ok {
		d = &tokens.Diagnostic{Message: message(err), Cause: err}
	}
	if span.IsZero() {
		return d
	}
	return d.WithFallbackSpan(span)
}

func message(err error) string {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return err.Error()
	}
	detail := e.Detail
	if detail == "" {
		detail = err.Error()
	}
	switch e.Kind {
	case errors.KindMalformedModule:
		return "proc macro module is malformed: " + e.Error()
	case errors.KindMissingImport:
		return "proc macro module needs an unavailable host function: " + detail
	case errors.KindUnknownEntryPoint:
		return "proc macro is out of date with its module: " + detail
	case errors.KindSignatureMismatch:
		return "proc macro entry point has the wrong signature: " + e.Error()
	case errors.KindMalformedOutput:
		return "proc macro returned malformed tokens: " + detail
	case errors.KindAllocation:
		return "proc macro input does not fit in guest memory: " + detail
	}
	return "proc macro failed: " + detail
}
