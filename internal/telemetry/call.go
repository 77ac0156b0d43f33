package telemetry

import (
	"context"
	"sync"
)

// Call collects facts about one in-flight tool call that only deeper
// layers know: whether the cache answered it and how the delegated command
// exited.
type Call struct {
	mu       sync.Mutex
	cacheHit *bool
	exitCode *int
}

type callKey struct{}

// WithCall attaches a fresh Call to ctx.
func WithCall(ctx context.Context) (context.Context, *Call) {
	c := &Call{}
	return context.WithValue(ctx, callKey{}, c), c
}

// NoteCache records a cache lookup outcome on the call in ctx, if any.
func NoteCache(ctx context.Context, hit bool) {
	if c, ok := ctx.Value(callKey{}).(*Call); ok {
		c.mu.Lock()
		c.cacheHit = &hit
		c.mu.Unlock()
	}
}

// NoteExit records the delegated command's exit code on the call in ctx.
func NoteExit(ctx context.Context, code int) {
	if c, ok := ctx.Value(callKey{}).(*Call); ok {
		c.mu.Lock()
		c.exitCode = &code
		c.mu.Unlock()
	}
}

// CacheHit returns the recorded cache outcome, or nil when no lookup ran.
func (c *Call) CacheHit() *bool {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheHit
}

// ExitCode returns the recorded exit code, or nil when nothing was delegated.
func (c *Call) ExitCode() *int {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}
