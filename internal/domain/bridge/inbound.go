package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
	"github.com/felixgeelhaar/plughost/internal/domain/bus"
	"github.com/felixgeelhaar/plughost/internal/domain/capability"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

// handle dispatches one envelope received from pluginName's worker.
// Authorization runs on the reader; accepted publishes and requests reach
// the bus through in, in the order the plugin sent them. Unrecognized
// envelopes are ignored.
func (b *Bridge) handle(ctx context.Context, pluginName string, w ipc.Worker, in *inbox, env ipc.Envelope) {
	switch env.Type {
	case ipc.TypePublish:
		b.handlePublish(ctx, pluginName, w, in, env)
	case ipc.TypeRequest:
		b.handleRequest(ctx, pluginName, w, in, env)
	case ipc.TypeResponse:
		if env.RPCID != "" {
			b.settle(env)
		}
	}
}

func (b *Bridge) handlePublish(ctx context.Context, pluginName string, w ipc.Worker, in *inbox, env ipc.Envelope) {
	if !b.allowed(ctx, false, pluginName, env.Topic) {
		if env.RPCID != "" {
			b.reply(ctx, pluginName, w, ipc.RPCFailure(ipc.TypeRPCResponse, env.RPCID, msgPublishDenied))
		}
		return
	}

	payload := decodePayload(env.Payload)
	in.push(func() {
		if err := b.bus.Publish(ctx, pluginName, env.Topic, payload); err != nil {
			b.logger.Error(ctx, "publish from plugin failed",
				ports.F("plugin", pluginName), ports.F("topic", env.Topic), ports.Err(err))
		}
	})
}

// handleRequest starts the bus request from the inbox so it follows the
// plugin's earlier publishes, then waits for the answer off the inbox.
func (b *Bridge) handleRequest(ctx context.Context, pluginName string, w ipc.Worker, in *inbox, env ipc.Envelope) {
	if !b.allowed(ctx, true, pluginName, env.Topic) {
		b.reply(ctx, pluginName, w, ipc.RPCFailure(ipc.TypeRPCResponse, env.RPCID, msgRPCDenied))
		return
	}

	timeout := b.timeout
	if env.TimeoutMs > 0 {
		timeout = time.Duration(env.TimeoutMs) * time.Millisecond
	}
	payload := decodePayload(env.Payload)

	in.push(func() {
		go b.relayRequest(ctx, pluginName, w, env, payload, timeout)
	})
}

// relayRequest runs a plugin request the verifier cleared as rpc. The bus
// authorizes it as rpc too, so a plugin's rpc rules apply on both sides.
func (b *Bridge) relayRequest(ctx context.Context, pluginName string, w ipc.Worker, env ipc.Envelope, payload interface{}, timeout time.Duration) {
	result, err := b.bus.Request(ctx, pluginName, env.Topic, payload, timeout, bus.AuthorizeAs(capability.ActionRPC))
	if err != nil {
		b.reply(ctx, pluginName, w, ipc.RPCFailure(ipc.TypeRPCResponse, env.RPCID, err.Error()))
		return
	}
	raw, err := ipc.RawJSON(result)
	if err != nil {
		b.reply(ctx, pluginName, w, ipc.RPCFailure(ipc.TypeRPCResponse, env.RPCID, err.Error()))
		return
	}
	b.reply(ctx, pluginName, w, ipc.RPCResult(ipc.TypeRPCResponse, env.RPCID, raw))
}

// allowed asks the verifier about a publish, or a request when rpc is set.
// Verifier errors count as denial. Without a verifier everything is allowed.
func (b *Bridge) allowed(ctx context.Context, rpc bool, pluginName, topic string) bool {
	if b.verifier == nil {
		return true
	}
	check := b.verifier.VerifyPublish
	if rpc {
		check = b.verifier.VerifyRPC
	}
	ok, err := check(ctx, pluginName, topic)
	if err != nil {
		b.logger.Warn(ctx, "capability check failed",
			ports.F("plugin", pluginName), ports.F("topic", topic), ports.Err(err))
		return false
	}
	return ok
}

func (b *Bridge) reply(ctx context.Context, pluginName string, w ipc.Worker, env ipc.Envelope) {
	if err := w.Post(env); err != nil {
		b.logger.Debug(ctx, "reply to plugin dropped", ports.F("plugin", pluginName), ports.Err(err))
	}
}

// decodePayload turns a wire payload into a plain value for bus handlers.
// Payloads that fail to decode are passed through raw.
func decodePayload(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	return v
}
