// Package ipc defines the messages exchanged between the host and isolated
// plugin contexts, the Worker handle over one isolated context, and the
// transports that carry envelopes across the isolation boundary.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a typed envelope. Lifecycle requests and responses
// carry no type and are recognized by their correlation ids instead.
type MessageType string

const (
	// TypePublish is sent by a plugin to publish on the bus.
	TypePublish MessageType = "bus:publish"
	// TypeRequest is sent by a plugin to issue a bus request.
	TypeRequest MessageType = "bus:request"
	// TypeResponse is sent by a plugin to answer a host-initiated invoke.
	TypeResponse MessageType = "bus:response"
	// TypeRPCInvoke is sent by the host to invoke a topic on one plugin.
	TypeRPCInvoke MessageType = "bus:rpc:invoke"
	// TypeRPCResponse is sent by the host to settle a plugin's publish or request.
	TypeRPCResponse MessageType = "bus:rpc:response"
	// TypeHostLog is an unsolicited log line from a plugin.
	TypeHostLog MessageType = "hostLog"
	// TypeEmitEvent is an unsolicited diagnostic event from a plugin.
	TypeEmitEvent MessageType = "emitEvent"
)

// Lifecycle actions understood by the guest runtime.
const (
	ActionInstall      = "install"
	ActionOnLoad       = "onLoad"
	ActionOnReady      = "onReady"
	ActionOnActivate   = "onActivate"
	ActionOnDeactivate = "onDeactivate"
	ActionOnUnload     = "onUnload"
	ActionHealthCheck  = "healthCheck"
)

// ErrClosed is returned when posting to a terminated worker.
var ErrClosed = errors.New("worker closed")

// Envelope is the single wire shape for every cross-boundary message.
// Only the fields relevant to a given message are populated.
type Envelope struct {
	Type MessageType `json:"type,omitempty"`

	RequestID  uint64 `json:"requestId,omitempty"`
	ResponseID uint64 `json:"responseId,omitempty"`
	Action     string `json:"action,omitempty"`

	RPCID     string `json:"rpcId,omitempty"`
	Topic     string `json:"topic,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Name    string `json:"name,omitempty"`
}

// IsLifecycleRequest reports whether e is a host-to-plugin lifecycle call.
func (e Envelope) IsLifecycleRequest() bool {
	return e.Type == "" && e.RequestID != 0
}

// IsLifecycleResponse reports whether e answers a lifecycle call.
func (e Envelope) IsLifecycleResponse() bool {
	return e.Type == "" && e.ResponseID != 0
}

// Err returns the carried failure, or nil when the envelope reports success.
// fallback is used when the envelope failed without a message.
func (e Envelope) Err(fallback string) error {
	if e.OK {
		return nil
	}
	if e.Error != "" {
		return errors.New(e.Error)
	}
	return errors.New(fallback)
}

// RawJSON marshals v into a raw JSON value. A nil v yields nil.
func RawJSON(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// NewMessage creates a typed envelope with the given payload.
func NewMessage(msgType MessageType, payload interface{}) (Envelope, error) {
	raw, err := RawJSON(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// LifecycleRequest builds a lifecycle call envelope.
func LifecycleRequest(id uint64, action string, payload json.RawMessage) Envelope {
	return Envelope{RequestID: id, Action: action, Payload: payload}
}

// LifecycleResponse builds the answer to lifecycle call id. A non-nil err
// produces a failed response.
func LifecycleResponse(id uint64, result json.RawMessage, err error) Envelope {
	if err != nil {
		return Envelope{ResponseID: id, Error: err.Error()}
	}
	return Envelope{ResponseID: id, OK: true, Result: result}
}

// RPCResult builds a successful envelope of the given type tagged with rpcID.
func RPCResult(msgType MessageType, rpcID string, result json.RawMessage) Envelope {
	return Envelope{Type: msgType, RPCID: rpcID, OK: true, Result: result}
}

// RPCFailure builds a failed envelope of the given type tagged with rpcID.
func RPCFailure(msgType MessageType, rpcID string, message string) Envelope {
	return Envelope{Type: msgType, RPCID: rpcID, Error: message}
}
