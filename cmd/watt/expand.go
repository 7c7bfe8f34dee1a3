package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/macro"
	"github.com/wippyai/watt/tokens"
)

// exitError ends the process with code after its output was already
// written.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func runExpand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("expand", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	var (
		macroName = fs.String("macro", "", "Macro to expand, by its manifest name")
		input     = fs.String("input", "", "Input tokens (item for attributes and derives); @file reads a file")
		attrArgs  = fs.String("args", "", "Attribute arguments; @file reads a file")
		format    = fs.String("format", "text", "Output format: text, json or cbor")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *macroName == "" {
		return fmt.Errorf("usage: watt expand -macro Name -input 'tokens'")
	}
	switch *format {
	case "text", "json", "cbor":
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	if _, err := setupLogging(common.verbose); err != nil {
		return err
	}

	b, err := openManifest(ctx, common.manifest, common.backend)
	if err != nil {
		return err
	}
	defer b.Close(ctx)

	inputs, err := macroInputs(b.Lookup, *macroName, *input, *attrArgs)
	if err != nil {
		return err
	}
	out, err := b.Expand(ctx, *macroName, inputs...)
	w := newOutput(os.Stdout)
	if err != nil {
		d, ok := tokens.AsDiagnostic(err)
		if !ok {
			return err
		}
		if werr := w.diagnostic(*format, d, common.verbose); werr != nil {
			return werr
		}
		return exitError{code: 1}
	}
	return w.stream(*format, out)
}

// macroInputs lexes the inputs a macro of the named kind takes. The
// item gets source id 1 and attribute arguments source id 2.
func macroInputs(lookup func(string) (macro.Descriptor, bool), name, input, attrArgs string) ([]tokens.Stream, error) {
	d, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("manifest has no macro %s", name)
	}
	item, err := parseInput(input, 1)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if d.Kind != watt.Attribute {
		if attrArgs != "" {
			return nil, fmt.Errorf("%s macro %s takes no -args", d.Kind, name)
		}
		return []tokens.Stream{item}, nil
	}
	args, err := parseInput(attrArgs, 2)
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}
	return []tokens.Stream{args, item}, nil
}

type output struct {
	w     io.Writer
	tty   bool
	width int
}

func newOutput(f *os.File) *output {
	o := &output{w: f}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		o.tty = true
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			o.width = w
		}
	}
	return o
}

// jsonResult is the json shape of an expansion outcome.
type jsonResult struct {
	Tokens     tokens.Stream      `json:"tokens,omitempty"`
	Diagnostic *tokens.Diagnostic `json:"diagnostic,omitempty"`
}

func (o *output) stream(format string, s tokens.Stream) error {
	switch format {
	case "json":
		if s == nil {
			s = tokens.Stream{}
		}
		return o.json(jsonResult{Tokens: s})
	case "cbor":
		data, err := tokens.MarshalCBOR(s)
		if err != nil {
			return err
		}
		return o.binary(data)
	}
	return o.text(s.String())
}

func (o *output) diagnostic(format string, d *tokens.Diagnostic, verbose bool) error {
	switch format {
	case "json":
		return o.json(jsonResult{Diagnostic: d})
	case "cbor":
		data, err := tokens.MarshalDiagnosticCBOR(d)
		if err != nil {
			return err
		}
		return o.binary(data)
	}
	msg := "error: " + d.Error()
	if o.tty {
		msg = errorStyle.Render(msg)
	}
	if err := o.text(msg); err != nil {
		return err
	}
	if verbose && d.Cause != nil {
		return o.text("  caused by: " + d.Cause.Error())
	}
	return o.text("  " + d.CompileError().String())
}

func (o *output) text(s string) error {
	if o.tty && o.width > 0 {
		s = lipgloss.NewStyle().Width(o.width).Render(s)
	}
	_, err := fmt.Fprintln(o.w, s)
	return err
}

func (o *output) json(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// binary writes raw bytes, or a hex dump when writing to a terminal.
func (o *output) binary(data []byte) error {
	if o.tty {
		_, err := io.WriteString(o.w, hex.Dump(data))
		return err
	}
	_, err := o.w.Write(data)
	return err
}
