package bus

import (
	"context"
)

// HookEvent identifies a point in the publish lifecycle.
type HookEvent string

const (
	// EventBeforeDispatch fires before the middleware chain runs.
	EventBeforeDispatch HookEvent = "beforeDispatch"
	// EventAfterDispatch fires after the chain and handlers completed.
	EventAfterDispatch HookEvent = "afterDispatch"
	// EventError fires for middleware and handler failures.
	EventError HookEvent = "onError"
)

// HookFunc observes publish lifecycle events. err is nil except for EventError.
type HookFunc func(ctx context.Context, topic string, payload interface{}, err error)

// On registers a hook. Hook panics are swallowed.
func (b *Bus) On(event HookEvent, fn HookFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[event] = append(b.hooks[event], fn)
}

func (b *Bus) emit(ctx context.Context, event HookEvent, t string, payload interface{}, err error) {
	b.mu.RLock()
	fns := make([]HookFunc, len(b.hooks[event]))
	copy(fns, b.hooks[event])
	b.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() { _ = recover() }()
			fn(ctx, t, payload, err)
		}()
	}
}
