package host

import (
	"context"
	"sync"
)

type sessionKey struct{}

// Session is the host state of one guest instance.
type Session struct {
	scratch  *Scratch
	abortMsg string
	mu       sync.Mutex
	aborted  bool
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{}
}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session carried by ctx, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// Scratch returns the session's scratch allocator over mem, creating it
// on first use.
func (s *Session) Scratch(mem Memory) *Scratch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scratch == nil {
		s.scratch = NewScratch(mem)
	}
	return s.scratch
}

// Aborted reports whether the guest called abort, and with what message.
func (s *Session) Aborted() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortMsg, s.aborted
}

func (s *Session) recordAbort(msg string) {
	s.mu.Lock()
	s.abortMsg, s.aborted = msg, true
	s.mu.Unlock()
}

// Reset clears the session for reuse with a reset instance.
func (s *Session) Reset() {
	s.mu.Lock()
	s.scratch = nil
	s.abortMsg, s.aborted = "", false
	s.mu.Unlock()
}
