package bus

import (
	"context"

	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// Publish delivers payload to every handler whose pattern matches t, after
// the middleware chain. Handlers run one after another in subscription
// order over a snapshot taken when Publish starts. Handler and middleware
// failures are reported to the error hooks and never returned; Publish
// fails only when authorization fails.
func (b *Bus) Publish(ctx context.Context, from, t string, payload interface{}) error {
	if err := b.authorize(ctx, from, capability.ActionPublish, t); err != nil {
		return err
	}

	mids := b.resolveMiddleware(t)
	handlers := b.snapshot(t)
	mc := &Context{From: from, Topic: t, Payload: payload}

	b.metrics.IncPublished(actorLabel(from))
	b.emit(ctx, EventBeforeDispatch, t, payload, nil)

	err := b.runChain(ctx, mids, mc, func(ctx context.Context) {
		b.dispatch(ctx, mc, handlers)
	})
	if err != nil {
		b.logger.Debug(ctx, "publish aborted by middleware", ports.F("topic", t), ports.Err(err))
		b.emit(ctx, EventError, t, mc.Payload, err)
		return nil
	}

	b.emit(ctx, EventAfterDispatch, t, mc.Payload, nil)
	return nil
}

func (b *Bus) dispatch(ctx context.Context, mc *Context, handlers []boundHandler) {
	for _, h := range handlers {
		msg := &Message{From: mc.From, Topic: mc.Topic, Payload: mc.Payload}
		if _, err := call(ctx, h.handler, msg); err != nil {
			herr := &HandlerError{Plugin: h.plugin, Topic: mc.Topic, Err: err}
			b.metrics.IncHandlerErrors(actorLabel(h.plugin))
			b.logger.Debug(ctx, "subscriber failed", ports.F("plugin", h.plugin), ports.F("topic", mc.Topic), ports.Err(err))
			b.emit(ctx, EventError, mc.Topic, mc.Payload, herr)
		}
	}
}
