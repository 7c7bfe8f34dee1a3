package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/wippyai/watt/wasm"
	"github.com/wippyai/watt/wat"
)

func runCompile(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	watFile := fs.String("wat", "", "Text-format module to compile")
	outFile := fs.String("o", "", "Output path (default: input with .wasm extension)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *watFile == "" && fs.NArg() == 1 {
		*watFile = fs.Arg(0)
	}
	if *watFile == "" {
		return fmt.Errorf("usage: watt compile -wat file.wat [-o file.wasm]")
	}
	src, err := os.ReadFile(*watFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	bin, err := wat.Compile(string(src))
	if err != nil {
		return err
	}
	if _, err := wasm.ParseModuleValidate(bin); err != nil {
		return fmt.Errorf("compiled module does not validate: %w", err)
	}
	out := *outFile
	if out == "" {
		out = strings.TrimSuffix(*watFile, ".wat") + ".wasm"
	}
	if err := os.WriteFile(out, bin, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", out, len(bin))
	return nil
}
