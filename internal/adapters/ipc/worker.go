package ipc

import (
	"sync"
)

// Worker is the host's handle over one isolated execution context.
type Worker interface {
	// Post sends an envelope into the isolated context.
	Post(env Envelope) error
	// On registers a handler for envelopes emitted by the context.
	// Every registered handler receives every envelope.
	On(handler func(Envelope))
	// Terminate stops the context. Repeated calls are no-ops.
	Terminate() error
}

// Endpoint is a Worker that also reports when its transport has closed.
type Endpoint interface {
	Worker
	Done() <-chan struct{}
}

// Handlers is a concurrency-safe fan-out list of envelope handlers.
// Envelopes dispatched before the first handler is added are held and
// delivered to that handler in order, so a transport may start reading
// before its consumer subscribes.
type Handlers struct {
	deliver sync.Mutex

	mu      sync.RWMutex
	fns     []func(Envelope)
	backlog []Envelope
}

// Add appends a handler.
func (h *Handlers) Add(fn func(Envelope)) {
	if fn == nil {
		return
	}

	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mu.Lock()
	h.fns = append(h.fns, fn)
	held := h.backlog
	h.backlog = nil
	h.mu.Unlock()

	for _, env := range held {
		fn(env)
	}
}

// Dispatch delivers env to every handler in registration order.
func (h *Handlers) Dispatch(env Envelope) {
	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mu.Lock()
	if len(h.fns) == 0 {
		h.backlog = append(h.backlog, env)
		h.mu.Unlock()
		return
	}
	fns := make([]func(Envelope), len(h.fns))
	copy(fns, h.fns)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
}

// closer closes a done channel and runs a stop function at most once.
type closer struct {
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
	stop     func() error
	stopErr  error
}

func newCloser(stop func() error) *closer {
	return &closer{done: make(chan struct{}), stop: stop}
}

func (c *closer) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *closer) terminate() error {
	c.stopOnce.Do(func() {
		c.markDone()
		if c.stop != nil {
			c.stopErr = c.stop()
		}
	})
	return c.stopErr
}

func (c *closer) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
