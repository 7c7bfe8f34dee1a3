package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/watt/tokens"
)

type benchResult struct {
	latencies []time.Duration
	total     time.Duration
	failures  int64
}

func runBench(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	var (
		macroName   = fs.String("macro", "", "Macro to expand, by its manifest name")
		input       = fs.String("input", "", "Input tokens; @file reads a file")
		attrArgs    = fs.String("args", "", "Attribute arguments; @file reads a file")
		n           = fs.Int("n", 1000, "Number of expansions")
		concurrency = fs.Int("c", 8, "Concurrent workers")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *macroName == "" || *n <= 0 || *concurrency <= 0 {
		return fmt.Errorf("usage: watt bench -macro Name -input 'tokens' [-n N] [-c C]")
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
	// the first expansion pays for parsing and compiling
	coldStart := time.Now()
	if _, err := b.Expand(ctx, *macroName, inputs...); err != nil {
		if _, ok := tokens.AsDiagnostic(err); !ok {
			return err
		}
	}
	cold := time.Since(coldStart)

	res, err := bench(ctx, *n, *concurrency, func(ctx context.Context) error {
		_, err := b.Expand(ctx, *macroName, inputs...)
		return err
	})
	if err != nil {
		return err
	}
	report(os.Stdout, b.Registry.Engine().Name(), cold, *concurrency, res)
	return nil
}

// bench runs fn n times on c workers. Failing calls are counted, not
// fatal; only context cancellation stops the run.
func bench(ctx context.Context, n, c int, fn func(context.Context) error) (*benchResult, error) {
	res := &benchResult{latencies: make([]time.Duration, n)}
	var next atomic.Int64
	var failures atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c)
	start := time.Now()
	for w := 0; w < c; w++ {
		g.Go(func() error {
			for {
				i := next.Add(1) - 1
				if i >= int64(n) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				t := time.Now()
				if err := fn(gctx); err != nil {
					failures.Add(1)
				}
				res.latencies[i] = time.Since(t)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.total = time.Since(start)
	res.failures = failures.Load()
	return res, nil
}

func report(w io.Writer, backend string, cold time.Duration, c int, res *benchResult) {
	lat := slices.Clone(res.latencies)
	slices.Sort(lat)
	var sum time.Duration
	for _, d := range lat {
		sum += d
	}
	pct := func(p float64) time.Duration {
		return lat[int(p*float64(len(lat)-1))]
	}
	fmt.Fprintf(w, "Backend:     %s\n", backend)
	fmt.Fprintf(w, "First call:  %v (parse, compile, expand)\n", cold)
	fmt.Fprintf(w, "Expansions:  %d on %d workers, %d failed\n", len(lat), c, res.failures)
	fmt.Fprintf(w, "Total:       %v (%.0f/s)\n", res.total, float64(len(lat))/res.total.Seconds())
	fmt.Fprintf(w, "Latency:     min %v  avg %v  p50 %v  p99 %v  max %v\n",
		lat[0], sum/time.Duration(len(lat)), pct(0.5), pct(0.99), lat[len(lat)-1])
}
