package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wippyai/watt/manifest"
	"github.com/wippyai/watt/tokens"
	"github.com/wippyai/watt/wat"
)

// openManifest loads the manifest at path, or the nearest one above the
// working directory, and opens its library.
func openManifest(ctx context.Context, path, backend string) (*manifest.Bundle, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	if path != "" {
		m, err = manifest.Load(path)
	} else {
		m, err = manifest.FindAndLoad(".")
		if err == nil && m == nil {
			err = fmt.Errorf("no %s found; pass -manifest", strings.Join(manifest.FileNames, " or "))
		}
	}
	if err != nil {
		return nil, err
	}
	return m.Open(ctx, backend)
}

// readModule reads a module binary, compiling .wat sources.
func readModule(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if filepath.Ext(path) == ".wat" {
		return wat.Compile(string(data))
	}
	return data, nil
}

// parseInput lexes inline source, or the named file when src starts
// with @. Each input gets its own source id so spans stay distinct.
func parseInput(src string, source uint32) (tokens.Stream, error) {
	if name, ok := strings.CutPrefix(src, "@"); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		src = string(data)
	}
	return tokens.ParseSource(src, source)
}
