// Package bus implements the host message bus: topic subscriptions with
// wildcard patterns, a phased middleware pipeline in front of publish, and
// first-responder-wins request/response.
package bus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/domain/topic"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// DefaultRequestTimeout applies when Request is called without a timeout.
const DefaultRequestTimeout = 5 * time.Second

// Message is delivered to handlers.
type Message struct {
	// From is the publishing plugin, empty for the host.
	From  string
	Topic string
	// Payload is the published value after middleware ran.
	Payload interface{}
	// Reply answers a request. It is nil during publish. Only the first
	// answer across all responders is used.
	Reply func(v interface{})
}

// Handler receives messages for a subscription. During a request a non-nil
// value returned with a nil error answers the request. Returning nil, nil
// leaves the answer to Reply, so a responder with nothing to return must
// still call Reply to end the request before its timeout:
//
//	func(ctx context.Context, msg *bus.Message) (interface{}, error) {
//		if msg.Reply != nil {
//			msg.Reply(nil)
//		}
//		return nil, nil
//	}
type Handler func(ctx context.Context, msg *Message) (interface{}, error)

// hostActor labels metrics for messages the host sends itself.
const hostActor = "host"

func actorLabel(name string) string {
	if name == "" {
		return hostActor
	}
	return name
}

type subscriber struct {
	id      uint64
	plugin  string
	handler Handler
}

type subscriptionEntry struct {
	pattern string
	subs    []*subscriber
}

type boundHandler struct {
	plugin  string
	handler Handler
}

// Bus is a process-wide publish/subscribe and request/response hub.
type Bus struct {
	mu          sync.RWMutex
	entries     []*subscriptionEntry
	index       map[string]*subscriptionEntry
	middlewares []*middlewareEntry
	hooks       map[HookEvent][]HookFunc
	nextID      atomic.Uint64

	matcher        *topic.Matcher
	authorizer     capability.Authorizer
	logger         ports.Logger
	metrics        ports.BusMetrics
	requestTimeout time.Duration
}

// Option configures a Bus.
type Option func(*busConfig)

type busConfig struct {
	wildcards      bool
	authorizer     capability.Authorizer
	logger         ports.Logger
	metrics        ports.BusMetrics
	requestTimeout time.Duration
}

// WithAuthorizer consults a for subscribe, publish and request. Without one
// every action is allowed.
func WithAuthorizer(a capability.Authorizer) Option {
	return func(c *busConfig) { c.authorizer = a }
}

// WithWildcards toggles wildcard topic patterns (default true).
func WithWildcards(enabled bool) Option {
	return func(c *busConfig) { c.wildcards = enabled }
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(c *busConfig) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.BusMetrics) Option {
	return func(c *busConfig) { c.metrics = m }
}

// WithRequestTimeout sets the timeout used when Request gets none.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *busConfig) { c.requestTimeout = d }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	cfg := busConfig{
		wildcards:      true,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = ports.NopMetrics{}
	}
	if cfg.requestTimeout <= 0 {
		cfg.requestTimeout = DefaultRequestTimeout
	}

	return &Bus{
		index:          make(map[string]*subscriptionEntry),
		hooks:          make(map[HookEvent][]HookFunc),
		matcher:        topic.NewMatcher(cfg.wildcards),
		authorizer:     cfg.authorizer,
		logger:         logging.OrNop(cfg.logger),
		metrics:        cfg.metrics,
		requestTimeout: cfg.requestTimeout,
	}
}

// Matches reports whether t matches pattern under this bus's matching mode.
func (b *Bus) Matches(pattern, t string) bool {
	return b.matcher.Match(pattern, t)
}

// Subscribe registers handler for pattern on behalf of pluginName. A plugin
// has at most one handler per pattern; subscribing again replaces the
// handler and keeps its position. The returned function removes this
// subscription and is safe to call more than once.
func (b *Bus) Subscribe(ctx context.Context, pluginName, pattern string, handler Handler) (func(), error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if err := b.authorize(ctx, pluginName, capability.ActionSubscribe, pattern); err != nil {
		return nil, err
	}

	sub := &subscriber{id: b.nextID.Add(1), plugin: pluginName, handler: handler}

	b.mu.Lock()
	entry, ok := b.index[pattern]
	if !ok {
		entry = &subscriptionEntry{pattern: pattern}
		b.index[pattern] = entry
		b.entries = append(b.entries, entry)
	}
	replaced := false
	for i, s := range entry.subs {
		if s.plugin == pluginName {
			entry.subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		entry.subs = append(entry.subs, sub)
	}
	b.mu.Unlock()

	return func() { b.unsubscribe(pattern, sub.id) }, nil
}

func (b *Bus) unsubscribe(pattern string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.index[pattern]
	if !ok {
		return
	}
	for i, s := range entry.subs {
		if s.id == id {
			entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
			break
		}
	}
	if len(entry.subs) > 0 {
		return
	}

	delete(b.index, pattern)
	for i, e := range b.entries {
		if e == entry {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
}

// Unsubscribe removes every subscription held by pluginName.
func (b *Bus) Unsubscribe(pluginName string) {
	type ref struct {
		pattern string
		id      uint64
	}

	b.mu.RLock()
	var refs []ref
	for _, e := range b.entries {
		for _, s := range e.subs {
			if s.plugin == pluginName {
				refs = append(refs, ref{e.pattern, s.id})
			}
		}
	}
	b.mu.RUnlock()

	for _, r := range refs {
		b.unsubscribe(r.pattern, r.id)
	}
}

// ListSubscribers returns subscriber plugin names per pattern, in
// registration order. The result is a copy for diagnostics.
func (b *Bus) ListSubscribers() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]string, len(b.entries))
	for _, e := range b.entries {
		names := make([]string, 0, len(e.subs))
		for _, s := range e.subs {
			names = append(names, s.plugin)
		}
		out[e.pattern] = names
	}
	return out
}

// Patterns returns the subscribed patterns sorted for display.
func (b *Bus) Patterns() []string {
	subs := b.ListSubscribers()
	out := make([]string, 0, len(subs))
	for p := range subs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// snapshot returns the handlers matching t in subscription order.
func (b *Bus) snapshot(t string) []boundHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []boundHandler
	for _, e := range b.entries {
		if !b.matcher.Match(e.pattern, t) {
			continue
		}
		for _, s := range e.subs {
			out = append(out, boundHandler{plugin: s.plugin, handler: s.handler})
		}
	}
	return out
}

func (b *Bus) authorize(ctx context.Context, actor string, action capability.Action, t string) error {
	if b.authorizer == nil {
		return nil
	}
	ok, err := b.authorizer.Authorize(ctx, actor, action, t)
	if err != nil {
		return err
	}
	if !ok {
		return denied(string(action), t, actor)
	}
	return nil
}

// call runs a handler with panic recovery.
func call(ctx context.Context, h Handler, msg *Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ctx, msg)
}
