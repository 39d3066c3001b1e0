package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// Request outcomes recorded in metrics.
const (
	outcomeOK           = "ok"
	outcomeNoResponders = "no_responders"
	outcomeTimeout      = "timeout"
	outcomeCanceled     = "canceled"
)

// RequestOption configures a single Request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	action capability.Action
}

// AuthorizeAs checks the request against action instead of publish. The
// bridge passes capability.ActionRPC for plugin requests, so a plugin's rpc
// rules govern its requests.
func AuthorizeAs(action capability.Action) RequestOption {
	return func(c *requestConfig) { c.action = action }
}

// Request offers payload to every handler matching t and returns the first
// answer. Each handler answers by returning a non-nil value or by calling
// msg.Reply. Later answers and handler failures are discarded. With no
// matching handler Request fails at once with ErrNoResponders. A timeout of
// zero uses the bus default. Middleware does not run for requests, and a
// request is authorized as a publish unless AuthorizeAs says otherwise.
func (b *Bus) Request(ctx context.Context, from, t string, payload interface{}, timeout time.Duration, opts ...RequestOption) (interface{}, error) {
	cfg := requestConfig{action: capability.ActionPublish}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := b.authorize(ctx, from, cfg.action, t); err != nil {
		return nil, err
	}

	actor := actorLabel(from)
	handlers := b.snapshot(t)
	if len(handlers) == 0 {
		b.metrics.IncRequests(actor, outcomeNoResponders)
		return nil, fmt.Errorf("%w for topic %q", ErrNoResponders, t)
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	answer := make(chan interface{}, 1)
	var settled atomic.Bool
	settle := func(v interface{}) {
		if settled.CompareAndSwap(false, true) {
			answer <- v
		}
	}

	for _, h := range handlers {
		go func(h boundHandler) {
			msg := &Message{From: from, Topic: t, Payload: payload, Reply: settle}
			v, err := call(hctx, h.handler, msg)
			if err != nil {
				b.logger.Debug(hctx, "responder failed", ports.F("plugin", h.plugin), ports.F("topic", t), ports.Err(err))
				return
			}
			if v != nil {
				settle(v)
			}
		}(h)
	}

	select {
	case v := <-answer:
		b.metrics.IncRequests(actor, outcomeOK)
		return v, nil
	case <-timer.C:
		b.metrics.IncRequests(actor, outcomeTimeout)
		return nil, fmt.Errorf("%w after %s waiting on %q", ErrTimeout, timeout, t)
	case <-ctx.Done():
		b.metrics.IncRequests(actor, outcomeCanceled)
		return nil, ctx.Err()
	}
}
