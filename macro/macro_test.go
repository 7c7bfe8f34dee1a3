package macro_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/macro"
	"github.com/wippyai/watt/tokens"
	"github.com/wippyai/watt/wat"
)

var guestSpan = tokens.Span{Source: 0, LoLine: 9, LoCol: 3, HiLine: 9, HiCol: 8}

// watBytes renders b as a text-format string literal body.
func watBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, "\\%02x", c)
	}
	return sb.String()
}

var guestBlob = func() []byte {
	withSpan := tokens.EncodeDiagnostic(&tokens.Diagnostic{Message: "expected a struct", Span: &guestSpan})
	noSpan := tokens.EncodeDiagnostic(&tokens.Diagnostic{Message: "unsupported input"})
	return wat.MustCompile(fmt.Sprintf(`(module
  (import "watt" "abort" (func $abort (param i32 i32)))
  (memory (export "memory") 1)
  (data (i32.const 0) "boom")
  (data (i32.const 64) "%s")
  (data (i32.const 512) "%s")
  (data (i32.const 1024) "\00\05x")
  (func (export "ident") (param i32 i32) (result i32 i32)
    (local.get 0) (local.get 1))
  (func (export "item") (param i32 i32 i32 i32) (result i32 i32)
    (local.get 2) (local.get 3))
  (func (export "derive_attrs") (param i32 i32 i32 i32) (result i32 i32)
    (local.get 2) (local.get 3))
  (func (export "reject") (param i32 i32) (result i32 i32)
    (i32.const 64) (i32.const %d))
  (func (export "reject_no_span") (param i32 i32) (result i32 i32)
    (i32.const 512) (i32.const %d))
  (func (export "garbage") (param i32 i32) (result i32 i32)
    (i32.const 1024) (i32.const 3))
  (func (export "oob") (param i32 i32) (result i32 i32)
    (i32.store (i32.const -1) (i32.const 0))
    (local.get 0) (local.get 1))
  (func (export "panic") (param i32 i32) (result i32 i32)
    (call $abort (i32.const 0) (i32.const 4))
    (local.get 0) (local.get 1))
)`, watBytes(withSpan), watBytes(noSpan), len(withSpan), len(noSpan)))
}()

func parse(t *testing.T, src string) tokens.Stream {
	t.Helper()
	s, err := tokens.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFunctionStyle(t *testing.T) {
	m := macro.New(guestBlob, macro.WithRegistry(macro.NewRegistry()))
	in := parse(t, "html! { <div class=\"x\">{ name }</div> }")
	out, err := m.FunctionStyle(context.Background(), "ident", in)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(in) {
		t.Errorf("got %v", out)
	}
	if m.Slot().State() != macro.Parsed || m.Slot().Module() == nil {
		t.Errorf("state = %s", m.Slot().State())
	}
}

func TestAttributeAndDerive(t *testing.T) {
	ctx := context.Background()
	m := macro.New(guestBlob, macro.WithRegistry(macro.NewRegistry()))
	item := parse(t, "pub struct Point { x: i32 }")

	out, err := m.Attribute(ctx, "item", parse(t, "level = \"debug\""), item)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(item) {
		t.Errorf("attribute: got %v", out)
	}

	out, err = m.Derive(ctx, "derive_attrs", item, "serde", "rename")
	if err != nil {
		t.Fatal(err)
	}
	if out.String() != "serde rename" {
		t.Errorf("derive attrs: got %q", out.String())
	}
	if out[0].Span != item.Span() {
		t.Errorf("attribute span = %v, want item span", out[0].Span)
	}

	out, err = m.Derive(ctx, "derive_attrs", item)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("derive without attrs: got %v", out)
	}
}

func TestDiagnostics(t *testing.T) {
	ctx := context.Background()
	m := macro.New(guestBlob, macro.WithRegistry(macro.NewRegistry()))
	in := parse(t, "\n  bad input")
	inSpan := in.Span()

	tests := []struct {
		name  string
		entry string
		span  tokens.Span
		cause errors.Kind
		msg   string
	}{
		{name: "guest_span", entry: "reject", span: guestSpan, msg: "expected a struct"},
		{name: "fallback_span", entry: "reject_no_span", span: inSpan, msg: "unsupported input"},
		{name: "unknown_entry", entry: "derive_debug", span: inSpan, cause: errors.KindUnknownEntryPoint},
		{name: "malformed_output", entry: "garbage", span: inSpan, cause: errors.KindMalformedOutput},
		{name: "trap", entry: "oob", span: inSpan, cause: errors.KindMemoryOutOfBounds},
		{name: "abort", entry: "panic", span: inSpan, cause: errors.KindExplicitAbort, msg: "proc macro panic panicked: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.FunctionStyle(ctx, tt.entry, in)
			d, ok := err.(*tokens.Diagnostic)
			if !ok {
				t.Fatalf("got %T %v, want *tokens.Diagnostic", err, err)
			}
			if d.Span == nil || *d.Span != tt.span {
				t.Errorf("span = %v, want %v", d.Span, tt.span)
			}
			if tt.cause != "" && !errors.IsKind(err, tt.cause) {
				t.Errorf("cause = %v, want %s", d.Cause, tt.cause)
			}
			if tt.msg != "" && d.Message != tt.msg {
				t.Errorf("message = %q, want %q", d.Message, tt.msg)
			}
		})
	}

	out, err := m.FunctionStyle(ctx, "ident", in)
	if err != nil || !out.Equal(in) {
		t.Errorf("call after failures: %v", err)
	}
}

func TestComputeOnce(t *testing.T) {
	reg := macro.NewRegistry()
	in := parse(t, "a + b")
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			m := macro.New(guestBlob, macro.WithRegistry(reg))
			out, err := m.FunctionStyle(context.Background(), "ident", in)
			if err != nil {
				return err
			}
			if !out.Equal(in) {
				return fmt.Errorf("goroutine %d: wrong output", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	slot := reg.Slot(guestBlob)
	if slot.Parses() != 1 {
		t.Errorf("parsed %d times", slot.Parses())
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d slots", reg.Len())
	}
}

func TestFailureCached(t *testing.T) {
	reg := macro.NewRegistry()
	blob := []byte("\x00asm\x01\x00\x00\x00\x01\x05")
	m := macro.New(blob, macro.WithRegistry(reg))
	if m.Slot().State() != macro.Unparsed {
		t.Fatalf("state before first use = %s", m.Slot().State())
	}

	in := parse(t, "x")
	var causes []error
	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := m.FunctionStyle(context.Background(), "ident", in)
			d, ok := tokens.AsDiagnostic(err)
			if !ok {
				return fmt.Errorf("got %v", err)
			}
			mu.Lock()
			causes = append(causes, d.Cause)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, c := range causes {
		if c != causes[0] || !errors.IsKind(c, errors.KindMalformedModule) {
			t.Fatalf("cause %v differs from first failure %v", c, causes[0])
		}
	}
	if m.Slot().State() != macro.Failed || m.Slot().Parses() != 1 {
		t.Errorf("state = %s, parses = %d", m.Slot().State(), m.Slot().Parses())
	}
	if m.Slot().Module() != nil {
		t.Error("failed slot exposes a module")
	}
}

func TestPreload(t *testing.T) {
	reg := macro.NewRegistry()
	err := reg.Preload(context.Background(), guestBlob, []byte("junk"), wat.MustCompile(`(module (import "env" "f" (func)))`))
	merr, ok := err.(*multierror.Error)
	if !ok {
		t.Fatalf("got %T %v", err, err)
	}
	if len(merr.Errors) != 2 {
		t.Fatalf("got %d errors: %v", len(merr.Errors), err)
	}
	if !errors.IsKind(merr.Errors[0], errors.KindMalformedModule) || !errors.IsKind(merr.Errors[1], errors.KindMissingImport) {
		t.Errorf("errors = %v", merr.Errors)
	}
	if reg.Len() != 3 || reg.Slot(guestBlob).State() != macro.Parsed {
		t.Errorf("len = %d, state = %s", reg.Len(), reg.Slot(guestBlob).State())
	}
}

func TestLibrary(t *testing.T) {
	ctx := context.Background()
	m := macro.New(guestBlob, macro.WithRegistry(macro.NewRegistry()))
	lib, err := macro.NewLibrary("demo", m,
		macro.Descriptor{Name: "echo", Entry: "ident", Kind: watt.FunctionStyle},
		macro.Descriptor{Name: "instrument", Entry: "item", Kind: watt.Attribute},
		macro.Descriptor{Name: "Helpers", Entry: "derive_attrs", Kind: watt.Derive, Attributes: []string{"helper"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := lib.Verify(ctx); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	item := parse(t, "fn f() {}")
	out, err := lib.Expand(ctx, "instrument", parse(t, "skip(x)"), item)
	if err != nil || !out.Equal(item) {
		t.Errorf("instrument: %v, %v", out, err)
	}
	out, err = lib.Expand(ctx, "Helpers", item)
	if err != nil || out.String() != "helper" {
		t.Errorf("Helpers: %v, %v", out, err)
	}
	if _, err := lib.Expand(ctx, "missing", item); err == nil {
		t.Error("unknown macro expanded")
	}
	if _, err := lib.Expand(ctx, "instrument", item); err == nil {
		t.Error("attribute expanded with one input")
	}
	if d, ok := lib.Lookup("echo"); !ok || d.EntryName() != "ident" {
		t.Errorf("Lookup = %+v, %v", d, ok)
	}
}

func TestLibraryVerifyAggregates(t *testing.T) {
	m := macro.New(guestBlob, macro.WithRegistry(macro.NewRegistry()))
	lib, err := macro.NewLibrary("stale", m,
		macro.Descriptor{Name: "ident", Kind: watt.FunctionStyle},
		macro.Descriptor{Name: "Serialize", Entry: "derive_serialize", Kind: watt.Derive},
		macro.Descriptor{Name: "route", Entry: "ident", Kind: watt.Attribute},
	)
	if err != nil {
		t.Fatal(err)
	}
	err = lib.Verify(context.Background())
	merr, ok := err.(*multierror.Error)
	if !ok || len(merr.Errors) != 2 {
		t.Fatalf("got %v", err)
	}
	if !errors.IsKind(merr.Errors[0], errors.KindUnknownEntryPoint) {
		t.Errorf("first error = %v", merr.Errors[0])
	}
	if !errors.IsKind(merr.Errors[1], errors.KindSignatureMismatch) {
		t.Errorf("second error = %v", merr.Errors[1])
	}
}

func TestNewLibraryRejects(t *testing.T) {
	m := macro.New(guestBlob, macro.WithRegistry(macro.NewRegistry()))
	tests := map[string][]macro.Descriptor{
		"no_name":       {{Kind: watt.FunctionStyle}},
		"bad_kind":      {{Name: "x"}},
		"duplicate":     {{Name: "x", Kind: watt.FunctionStyle}, {Name: "x", Kind: watt.Derive}},
		"attrs_on_fn":   {{Name: "x", Kind: watt.FunctionStyle, Attributes: []string{"a"}}},
		"bad_attribute": {{Name: "X", Kind: watt.Derive, Attributes: []string{"not valid"}}},
	}
	for name, descs := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := macro.NewLibrary("bad", m, descs...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestExpandDetached(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := macro.ExpandDetached(ctx, func(context.Context) (tokens.Stream, error) {
		<-release
		return nil, nil
	})
	if err != context.DeadlineExceeded {
		t.Errorf("got %v, want deadline exceeded", err)
	}

	m := macro.New(guestBlob, macro.WithRegistry(macro.NewRegistry()))
	in := parse(t, "x")
	out, err := macro.ExpandDetached(context.Background(), func(ctx context.Context) (tokens.Stream, error) {
		return m.FunctionStyle(ctx, "ident", in)
	})
	if err != nil || !out.Equal(in) {
		t.Errorf("got %v, %v", out, err)
	}
}
