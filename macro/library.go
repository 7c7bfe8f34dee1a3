package macro

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/tokens"
)

// Descriptor declares one macro a library provides.
type Descriptor struct {
	// Name is the macro's public name, e.g. Serialize.
	Name string `json:"name" toml:"name" yaml:"name"`
	// Entry is the guest export implementing it. Empty means Name.
	Entry string    `json:"entry,omitempty" toml:"entry,omitempty" yaml:"entry,omitempty"`
	Kind  watt.Kind `json:"kind" toml:"kind" yaml:"kind"`
	// Attributes lists the helper attributes of a derive.
	Attributes []string `json:"attributes,omitempty" toml:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// EntryName returns the export the descriptor forwards to.
func (d Descriptor) EntryName() string {
	if d.Entry != "" {
		return d.Entry
	}
	return d.Name
}

// Library is a named set of macros sharing one module.
type Library struct {
	macro *Macro
	byKey map[string]int
	Name  string
	descs []Descriptor
}

// NewLibrary creates a library over m. Macro names must be unique.
func NewLibrary(name string, m *Macro, descs ...Descriptor) (*Library, error) {
	l := &Library{Name: name, macro: m, byKey: make(map[string]int, len(descs))}
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("library %s: macro without a name", name)
		}
		if d.Kind < watt.FunctionStyle || d.Kind > watt.Derive {
			return nil, fmt.Errorf("library %s: macro %s has invalid kind %s", name, d.Name, d.Kind)
		}
		if len(d.Attributes) > 0 && d.Kind != watt.Derive {
			return nil, fmt.Errorf("library %s: only derives declare helper attributes, %s is %s", name, d.Name, d.Kind)
		}
		for _, a := range d.Attributes {
			if !tokens.ValidIdent(a, false) {
				return nil, fmt.Errorf("library %s: macro %s: invalid helper attribute %q", name, d.Name, a)
			}
		}
		if _, dup := l.byKey[d.Name]; dup {
			return nil, fmt.Errorf("library %s: duplicate macro %s", name, d.Name)
		}
		l.byKey[d.Name] = len(l.descs)
		l.descs = append(l.descs, d)
	}
	return l, nil
}

// Macro returns the module call surface.
func (l *Library) Macro() *Macro {
	return l.macro
}

// Descriptors returns the macros in declaration order.
func (l *Library) Descriptors() []Descriptor {
	return append([]Descriptor(nil), l.descs...)
}

// Lookup returns the descriptor of a macro.
func (l *Library) Lookup(name string) (Descriptor, bool) {
	i, ok := l.byKey[name]
	if !ok {
		return Descriptor{}, false
	}
	return l.descs[i], true
}

// Expand invokes a macro by its public name. Function-like macros and
// derives take one input, attribute macros two (arguments, item).
func (l *Library) Expand(ctx context.Context, name string, inputs ...tokens.Stream) (tokens.Stream, error) {
	var span tokens.Span
	if len(inputs) > 0 {
		span = inputs[len(inputs)-1].Span()
	}
	d, ok := l.Lookup(name)
	if !ok {
		return nil, diagnose(fmt.Errorf("library %s has no macro %s", l.Name, name), span)
	}
	want := 1
	if d.Kind == watt.Attribute {
		want = 2
	}
	if len(inputs) != want {
		return nil, diagnose(fmt.Errorf("%s macro %s takes %d inputs, got %d", d.Kind, name, want, len(inputs)), span)
	}
	switch d.Kind {
	case watt.Attribute:
		return l.macro.Attribute(ctx, d.EntryName(), inputs[0], inputs[1])
	case watt.Derive:
		return l.macro.Derive(ctx, d.EntryName(), inputs[0], d.Attributes...)
	default:
		return l.macro.FunctionStyle(ctx, d.EntryName(), inputs[0])
	}
}

// Verify loads the module and resolves every declared entry point,
// reporting all failures together.
func (l *Library) Verify(ctx context.Context) error {
	if _, err := l.macro.slot.Load(ctx); err != nil {
		return fmt.Errorf("library %s: %w", l.Name, err)
	}
	var result *multierror.Error
	for _, d := range l.descs {
		if _, err := l.macro.Resolve(ctx, d.Kind, d.EntryName()); err != nil {
			result = multierror.Append(result, fmt.Errorf("macro %s: %w", d.Name, err))
		}
	}
	return result.ErrorOrNil()
}
