package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/wippyai/watt/dispatch"
	"github.com/wippyai/watt/engine"
	"github.com/wippyai/watt/macro"
)

type command struct {
	run   func(ctx context.Context, args []string) error
	name  string
	usage string
}

var commands = []command{
	{name: "inspect", run: runInspect, usage: "inspect [-v] <file.wasm|file.wat>"},
	{name: "expand", run: runExpand, usage: "expand [-manifest watt.toml] -macro Name -input 'tokens' [-args 'tokens'] [-format text|json|cbor] [-backend interp|wazero]"},
	{name: "compile", run: runCompile, usage: "compile -wat file.wat [-o file.wasm]"},
	{name: "bench", run: runBench, usage: "bench [-manifest watt.toml] -macro Name -input 'tokens' [-n 1000] [-c 8]"},
	{name: "interactive", run: runInteractive, usage: "interactive [-manifest watt.toml]   (also: watt -i)"},
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: watt <command> [flags]")
	fmt.Fprintln(os.Stderr)
	for _, c := range commands {
		fmt.Fprintln(os.Stderr, "  watt "+c.usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name, args := os.Args[1], os.Args[2:]
	if name == "-i" {
		name = "interactive"
	}
	if name == "-h" || name == "-help" || name == "help" {
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, args); err != nil {
			var exit exitError
			if errors.As(err, &exit) {
				os.Exit(exit.code)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}

// commonFlags are shared by every command that opens a manifest.
type commonFlags struct {
	manifest string
	backend  string
	verbose  bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.manifest, "manifest", "", "Path to watt.toml or watt.yaml (default: search upward from the working directory)")
	fs.StringVar(&c.backend, "backend", "", "Execution backend: interp or wazero (default: from the manifest)")
	fs.BoolVar(&c.verbose, "v", false, "Log engine activity to stderr")
}

// setupLogging installs a development logger on the runtime packages
// when verbose is set.
func setupLogging(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	engine.SetLogger(l.Named("engine"))
	dispatch.SetLogger(l.Named("dispatch"))
	macro.SetLogger(l.Named("macro"))
	return l, nil
}
