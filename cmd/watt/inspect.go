package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/dispatch"
	"github.com/wippyai/watt/host"
	"github.com/wippyai/watt/wasm"
)

var allKinds = []watt.Kind{watt.FunctionStyle, watt.Attribute, watt.Derive}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	wasmFile := fs.String("wasm", "", "Path to module (.wasm or .wat)")
	verbose := fs.Bool("v", false, "Also list internal functions and sections")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *wasmFile == "" && fs.NArg() == 1 {
		*wasmFile = fs.Arg(0)
	}
	if *wasmFile == "" {
		return fmt.Errorf("usage: watt inspect <file.wasm|file.wat>")
	}
	data, err := readModule(*wasmFile)
	if err != nil {
		return err
	}
	m, err := wasm.ParseModuleValidate(data)
	if err != nil {
		return err
	}
	inspect(os.Stdout, *wasmFile, len(data), m, *verbose)
	return nil
}

func inspect(w io.Writer, name string, size int, m *wasm.Module, verbose bool) {
	fmt.Fprintf(w, "Module: %s (%d bytes)\n", name, size)
	if mem := m.Memory(); mem != nil {
		limit := "unbounded"
		if mem.Limits.Max != nil {
			limit = fmt.Sprintf("%d pages", *mem.Limits.Max)
		}
		fmt.Fprintf(w, "Memory: %d pages initial, %s max\n", mem.Limits.Min, limit)
	} else {
		fmt.Fprintln(w, "Memory: none (entry points cannot exchange buffers)")
	}
	fmt.Fprintf(w, "Functions: %d (%d imported)\n", m.NumFuncs(), m.NumImportedFuncs())

	fmt.Fprintf(w, "\nImports:\n")
	if len(m.Imports) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, imp := range m.Imports {
		status := "ok"
		if imp.Desc.Kind != wasm.KindFunc {
			status = "unsupported import kind"
		} else if int(imp.Desc.TypeIdx) < len(m.Types) {
			if _, err := host.Resolve(imp.Module, imp.Name, m.Types[imp.Desc.TypeIdx]); err != nil {
				status = err.Error()
			}
		}
		fmt.Fprintf(w, "  %s.%s  %s\n", imp.Module, imp.Name, status)
	}

	d := dispatch.New(m, nil)
	fmt.Fprintf(w, "\nExports:\n")
	exports := append([]wasm.Export(nil), m.Exports...)
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })
	for _, exp := range exports {
		if exp.Kind != wasm.KindFunc {
			if verbose {
				fmt.Fprintf(w, "  %s  (%s)\n", exp.Name, exportKindName(exp.Kind))
			}
			continue
		}
		sig := "?"
		if ft := m.GetFuncType(exp.Idx); ft != nil {
			sig = ft.String()
		}
		var fits []string
		for _, k := range allKinds {
			if e, err := d.Resolve(k, exp.Name); err == nil {
				label := k.String()
				if e.Packed {
					label += " (packed)"
				}
				fits = append(fits, label)
			}
		}
		entry := "not an entry point"
		if len(fits) > 0 {
			entry = strings.Join(fits, ", ")
		}
		if exp.Name == dispatch.AllocExport {
			entry = "guest allocator"
		}
		fmt.Fprintf(w, "  %s %s\n      %s\n", exp.Name, sig, entry)
	}

	if verbose {
		fmt.Fprintf(w, "\nSections:\n")
		for _, s := range m.Sections() {
			fmt.Fprintf(w, "  %-8s offset 0x%06x size %d\n", s.Name, s.Offset, s.Size)
		}
	}
}

func exportKindName(k byte) string {
	switch k {
	case wasm.KindTable:
		return "table"
	case wasm.KindMemory:
		return "memory"
	case wasm.KindGlobal:
		return "global"
	}
	return "func"
}
