package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/felixgeelhaar/plughost/pkg/guest"
)

// EchoModuleID is the native module served for the entry "native:echo".
const EchoModuleID = "echo"

// DefaultNatives returns the native modules compiled into the host and
// worker binaries.
func DefaultNatives() *guest.NativeRegistry {
	r := guest.NewNativeRegistry()
	r.Register(EchoModuleID, func() guest.Module { return &echoModule{} })
	return r
}

// echoModule answers every invocation with its payload. It counts
// activations in storage and announces them on the bus when those
// capabilities are granted.
type echoModule struct {
	host *guest.Host
}

func (m *echoModule) AttachHost(h *guest.Host) error {
	m.host = h
	return nil
}

func (m *echoModule) OnLoad(context.Context) error {
	if m.host.Logger != nil {
		m.host.Logger.Info("echo loaded with " + strconv.Itoa(len(m.host.Granted())) + " capabilities")
	}
	return nil
}

func (m *echoModule) OnActivate(ctx context.Context) error {
	count := 1
	if m.host.Storage != nil {
		if v, ok, err := m.host.Storage.Get(ctx, "activations"); err == nil && ok {
			switch n := v.(type) {
			case int:
				count = n + 1
			case float64:
				count = int(n) + 1
			}
		}
		if _, err := m.host.Storage.Set(ctx, "activations", count); err != nil {
			return fmt.Errorf("record activation: %w", err)
		}
	}
	if m.host.Bus != nil {
		return m.host.Bus.Publish("echo.activated", map[string]int{"activations": count})
	}
	return nil
}

func (m *echoModule) Invoke(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}

func (m *echoModule) HealthCheck(context.Context) (bool, error) {
	return true, nil
}
