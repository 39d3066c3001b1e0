package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
)

// Host holds the capability APIs granted to a plugin. A field is nil when
// the capability was not granted.
type Host struct {
	Logger  *LoggerAPI
	Storage Storage
	Network *NetworkAPI
	Bus     *BusAPI

	// Extra holds an empty API for granted capabilities without a provider.
	// The grant was authorized by the host, so it is not an error here.
	Extra map[string]map[string]interface{}

	granted []string
}

// Granted returns the names of the capabilities the host received, in
// grant order.
func (h *Host) Granted() []string {
	return append([]string(nil), h.granted...)
}

// Has reports whether capability name was granted.
func (h *Host) Has(name string) bool {
	for _, g := range h.granted {
		if g == name {
			return true
		}
	}
	return false
}

// Log levels accepted by LoggerAPI.
const (
	LevelLog   = "log"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LoggerAPI forwards plugin log lines to the host as hostLog messages.
type LoggerAPI struct {
	post func(ipc.Envelope) error
}

// NewLoggerAPI creates a LoggerAPI that sends through post.
func NewLoggerAPI(post func(ipc.Envelope) error) *LoggerAPI {
	return &LoggerAPI{post: post}
}

// Log writes a plain line.
func (l *LoggerAPI) Log(msg string) { l.write(LevelLog, msg) }

// Info writes an informational line.
func (l *LoggerAPI) Info(msg string) { l.write(LevelInfo, msg) }

// Warn writes a warning.
func (l *LoggerAPI) Warn(msg string) { l.write(LevelWarn, msg) }

// Error writes an error line.
func (l *LoggerAPI) Error(msg string) { l.write(LevelError, msg) }

// Logf writes a formatted line at level.
func (l *LoggerAPI) Logf(level, format string, args ...interface{}) {
	l.write(level, fmt.Sprintf(format, args...))
}

func (l *LoggerAPI) write(level, msg string) {
	_ = l.post(ipc.Envelope{Type: ipc.TypeHostLog, Level: level, Message: msg})
}

// ErrRequestTimeout indicates the host did not answer a bus request in time.
var ErrRequestTimeout = errors.New("bus request timeout")

// BusAPI publishes on the host bus and issues requests through the bridge.
type BusAPI struct {
	post    func(ipc.Envelope) error
	timeout time.Duration

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan ipc.Envelope
}

// NewBusAPI creates a BusAPI that sends through post. Responses must be fed
// back by the runtime that owns post.
func NewBusAPI(post func(ipc.Envelope) error, timeout time.Duration) *BusAPI {
	return &BusAPI{post: post, timeout: timeout, pending: make(map[string]chan ipc.Envelope)}
}

// Publish sends payload on topic. Delivery is fire-and-forget.
func (b *BusAPI) Publish(topic string, payload interface{}) error {
	raw, err := ipc.RawJSON(payload)
	if err != nil {
		return err
	}
	return b.post(ipc.Envelope{Type: ipc.TypePublish, Topic: topic, Payload: raw})
}

// Request asks the bus for a single answer on topic. A timeout of zero uses
// the runtime default.
func (b *BusAPI) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	raw, err := ipc.RawJSON(payload)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	id := fmt.Sprintf("guest_%d", b.nextID.Add(1))
	ch := make(chan ipc.Envelope, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	env := ipc.Envelope{Type: ipc.TypeRequest, RPCID: id, Topic: topic, Payload: raw, TimeoutMs: timeout.Milliseconds()}
	if err := b.post(env); err != nil {
		return nil, err
	}

	// The host applies the same timeout to the bus request; allow slack for
	// its answer to cross the boundary.
	timer := time.NewTimer(timeout + time.Second)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if err := resp.Err("bus request failed"); err != nil {
			return nil, err
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit sends a diagnostic event to the host.
func (b *BusAPI) Emit(name string, payload interface{}) error {
	raw, err := ipc.RawJSON(payload)
	if err != nil {
		return err
	}
	return b.post(ipc.Envelope{Type: ipc.TypeEmitEvent, Name: name, Payload: raw})
}

// settle completes a pending request. Unknown ids are dropped.
func (b *BusAPI) settle(env ipc.Envelope) {
	b.mu.Lock()
	ch, ok := b.pending[env.RPCID]
	delete(b.pending, env.RPCID)
	b.mu.Unlock()

	if ok {
		ch <- env
	}
}
