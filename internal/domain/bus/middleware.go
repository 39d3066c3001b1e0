package bus

import (
	"context"
	"errors"
	"sort"
)

// Phase orders middleware groups. Pre runs before main, main before post.
type Phase int

const (
	PhasePre Phase = iota + 1
	PhaseMain
	PhasePost
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhaseMain:
		return "main"
	case PhasePost:
		return "post"
	default:
		return "unknown"
	}
}

// DefaultPriority is used when no priority is given. Lower runs first.
const DefaultPriority = 100

// Context is the mutable view of a publish shared along the middleware chain.
// Handlers receive the payload as left by the last middleware.
type Context struct {
	From    string
	Topic   string
	Payload interface{}
}

// Next continues the chain. Not calling it stops the publish: downstream
// middleware and all handlers are skipped.
type Next func(ctx context.Context) error

// Middleware intercepts publishes.
type Middleware func(ctx context.Context, mc *Context, next Next) error

// MiddlewareOption configures a middleware registration.
type MiddlewareOption func(*middlewareEntry)

type middlewareEntry struct {
	fn           Middleware
	name         string
	priority     int
	phase        Phase
	topicPattern string
	pluginName   string
	isolated     bool
}

// WithName names the middleware in error reports.
func WithName(name string) MiddlewareOption {
	return func(e *middlewareEntry) { e.name = name }
}

// WithPriority orders the middleware inside its phase.
func WithPriority(p int) MiddlewareOption {
	return func(e *middlewareEntry) { e.priority = p }
}

// WithPhase places the middleware in a phase.
func WithPhase(p Phase) MiddlewareOption {
	return func(e *middlewareEntry) { e.phase = p }
}

// WithTopicPattern restricts the middleware to matching topics.
func WithTopicPattern(pattern string) MiddlewareOption {
	return func(e *middlewareEntry) { e.topicPattern = pattern }
}

// WithPluginName records the plugin owning the middleware.
func WithPluginName(name string) MiddlewareOption {
	return func(e *middlewareEntry) { e.pluginName = name }
}

// WithIsolated makes failures of this middleware non-fatal: the failure is
// reported to the error hooks and the chain continues.
func WithIsolated(isolated bool) MiddlewareOption {
	return func(e *middlewareEntry) { e.isolated = isolated }
}

// Use registers a middleware. Middleware run ordered by phase, then
// priority, then registration order.
func (b *Bus) Use(fn Middleware, opts ...MiddlewareOption) error {
	if fn == nil {
		return ErrNilMiddleware
	}
	entry := &middlewareEntry{fn: fn, priority: DefaultPriority, phase: PhaseMain}
	for _, opt := range opts {
		opt(entry)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, entry)
	sort.SliceStable(b.middlewares, func(i, j int) bool {
		a, c := b.middlewares[i], b.middlewares[j]
		if a.phase != c.phase {
			return a.phase < c.phase
		}
		return a.priority < c.priority
	})
	return nil
}

// RemoveMiddleware drops every middleware owned by pluginName and returns
// how many were removed.
func (b *Bus) RemoveMiddleware(pluginName string) int {
	if pluginName == "" {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.middlewares[:0]
	removed := 0
	for _, m := range b.middlewares {
		if m.pluginName == pluginName {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(b.middlewares); i++ {
		b.middlewares[i] = nil
	}
	b.middlewares = kept
	return removed
}

// resolveMiddleware returns the middleware applying to t in execution order.
func (b *Bus) resolveMiddleware(t string) []*middlewareEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*middlewareEntry, 0, len(b.middlewares))
	for _, m := range b.middlewares {
		if m.topicPattern == "" || b.matcher.Match(m.topicPattern, t) {
			out = append(out, m)
		}
	}
	return out
}

// runChain executes mids in order and calls final at the end of the chain.
func (b *Bus) runChain(ctx context.Context, mids []*middlewareEntry, mc *Context, final func(ctx context.Context)) error {
	var run func(ctx context.Context, i int) error
	run = func(ctx context.Context, i int) error {
		if i == len(mids) {
			final(ctx)
			return nil
		}

		m := mids[i]
		called := false
		var downstream error
		next := func(ctx context.Context) error {
			if called {
				return nil
			}
			called = true
			downstream = run(ctx, i+1)
			return downstream
		}

		err := invokeMiddleware(ctx, m, mc, next)
		if err == nil {
			return nil
		}
		if downstream != nil && errors.Is(err, downstream) {
			return err
		}

		failure := &MiddlewareError{Name: m.name, Err: err}
		if !m.isolated {
			return failure
		}
		b.emit(ctx, EventError, mc.Topic, mc.Payload, failure)
		if !called {
			return next(ctx)
		}
		return nil
	}
	return run(ctx, 0)
}

func invokeMiddleware(ctx context.Context, m *middlewareEntry, mc *Context, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return m.fn(ctx, mc, next)
}
