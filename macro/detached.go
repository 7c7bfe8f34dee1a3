package macro

import (
	"context"

	"github.com/wippyai/watt/tokens"
)

// ExpandDetached runs fn on its own goroutine and waits for it or for
// ctx. When ctx ends first it returns ctx.Err() and abandons fn, which
// runs to completion since the interpreter cannot be interrupted. fn
// receives a context without ctx's cancellation.
func ExpandDetached(ctx context.Context, fn func(context.Context) (tokens.Stream, error)) (tokens.Stream, error) {
	type result struct {
		s   tokens.Stream
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := fn(context.WithoutCancel(ctx))
		done <- result{s: s, err: err}
	}()
	select {
	case r := <-done:
		return r.s, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
