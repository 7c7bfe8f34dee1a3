package interp

import "github.com/wippyai/watt/memory"

// Defaults applied to zero Config fields.
const (
	DefaultMaxStackHeight     = 1 << 20
	DefaultMaxCallDepth       = 4096
	DefaultMemoryCeilingPages = 16384 // 1 GiB
)

// Config bounds the resources an instance may use.
type Config struct {
	// MaxStackHeight is the value stack size limit, in values.
	MaxStackHeight int
	// MaxCallDepth limits nested guest calls.
	MaxCallDepth int
	// MemoryCeilingPages caps linear memory regardless of the module's
	// declared maximum.
	MemoryCeilingPages uint32
	// PoolInstances lets Acquire recycle instances released after a
	// successful call.
	PoolInstances bool
}

func (c Config) withDefaults() Config {
	if c.MaxStackHeight <= 0 {
		c.MaxStackHeight = DefaultMaxStackHeight
	}
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	switch {
	case c.MemoryCeilingPages == 0:
		c.MemoryCeilingPages = DefaultMemoryCeilingPages
	case c.MemoryCeilingPages > memory.MaxPages:
		c.MemoryCeilingPages = memory.MaxPages
	}
	return c
}
