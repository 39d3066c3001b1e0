package wasm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/felixgeelhaar/plughost/pkg/guest"
)

// Host function status codes. Non-negative results carry a length.
const (
	StatusOK       int32 = 0
	StatusDenied   int32 = -1
	StatusNotFound int32 = -2
	StatusFailed   int32 = -3
	StatusMemory   int32 = -4
)

// hostFuncs implements the host module against one plugin's granted APIs.
type hostFuncs struct {
	host *guest.Host
}

func (f *hostFuncs) register(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(HostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) int32 {
			level, ok1 := readString(m, levelPtr, levelLen)
			msg, ok2 := readString(m, msgPtr, msgLen)
			if !ok1 || !ok2 {
				return StatusMemory
			}
			return f.log(level, msg)
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, outPtr, outCap uint32) int32 {
			key, ok := readString(m, keyPtr, keyLen)
			if !ok {
				return StatusMemory
			}
			data, status := f.storageGet(ctx, key)
			if status != StatusOK {
				return status
			}
			return writeBytes(m, outPtr, outCap, data)
		}).
		Export("storage_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
			key, ok1 := readString(m, keyPtr, keyLen)
			val, ok2 := readBytes(m, valPtr, valLen)
			if !ok1 || !ok2 {
				return StatusMemory
			}
			return f.storageSet(ctx, key, val)
		}).
		Export("storage_set")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, topicPtr, topicLen, payloadPtr, payloadLen uint32) int32 {
			topic, ok1 := readString(m, topicPtr, topicLen)
			payload, ok2 := readBytes(m, payloadPtr, payloadLen)
			if !ok1 || !ok2 {
				return StatusMemory
			}
			return f.busPublish(topic, payload)
		}).
		Export("bus_publish")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, urlPtr, urlLen, outPtr, outCap uint32) int32 {
			rawURL, ok := readString(m, urlPtr, urlLen)
			if !ok {
				return StatusMemory
			}
			data, status := f.netFetch(ctx, rawURL)
			if status != StatusOK {
				return status
			}
			return writeBytes(m, outPtr, outCap, data)
		}).
		Export("net_fetch")

	_, err := builder.Instantiate(ctx)
	return err
}

func (f *hostFuncs) log(level, msg string) int32 {
	if f.host.Logger == nil {
		return StatusDenied
	}
	switch level {
	case guest.LevelInfo:
		f.host.Logger.Info(msg)
	case guest.LevelWarn:
		f.host.Logger.Warn(msg)
	case guest.LevelError:
		f.host.Logger.Error(msg)
	default:
		f.host.Logger.Log(msg)
	}
	return StatusOK
}

// storageGet returns the JSON encoding of the stored value.
func (f *hostFuncs) storageGet(ctx context.Context, key string) ([]byte, int32) {
	if f.host.Storage == nil {
		return nil, StatusDenied
	}
	v, ok, err := f.host.Storage.Get(ctx, key)
	if err != nil {
		return nil, StatusFailed
	}
	if !ok {
		return nil, StatusNotFound
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, StatusFailed
	}
	return data, StatusOK
}

// storageSet stores val as JSON when it parses, and as a string otherwise.
func (f *hostFuncs) storageSet(ctx context.Context, key string, val []byte) int32 {
	if f.host.Storage == nil {
		return StatusDenied
	}
	var v interface{}
	if err := json.Unmarshal(val, &v); err != nil {
		v = string(val)
	}
	if _, err := f.host.Storage.Set(ctx, key, v); err != nil {
		return StatusFailed
	}
	return StatusOK
}

func (f *hostFuncs) busPublish(topic string, payload []byte) int32 {
	if f.host.Bus == nil {
		return StatusDenied
	}
	var raw json.RawMessage
	if len(payload) > 0 {
		if !json.Valid(payload) {
			return StatusFailed
		}
		raw = json.RawMessage(payload)
	}
	if err := f.host.Bus.Publish(topic, raw); err != nil {
		return StatusFailed
	}
	return StatusOK
}

// netFetch returns the response encoded as {"status":..,"body":..}.
func (f *hostFuncs) netFetch(ctx context.Context, rawURL string) ([]byte, int32) {
	if f.host.Network == nil {
		return nil, StatusDenied
	}
	resp, err := f.host.Network.Fetch(ctx, rawURL, guest.FetchOptions{})
	if err != nil {
		if errors.Is(err, guest.ErrHostNotPermitted) {
			return nil, StatusDenied
		}
		return nil, StatusFailed
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, StatusFailed
	}
	return data, StatusOK
}

func readBytes(m api.Module, ptr, length uint32) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	mem := m.Memory()
	if mem == nil {
		return nil, false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	// Read returns a view of guest memory; copy before it can change.
	return append([]byte(nil), data...), true
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	data, ok := readBytes(m, ptr, length)
	return string(data), ok
}

// writeBytes copies data into guest memory and returns the full length of
// data. Output longer than outCap is truncated; the guest compares the
// result with its buffer size.
func writeBytes(m api.Module, ptr, outCap uint32, data []byte) int32 {
	n := uint32(len(data))
	if n > outCap {
		n = outCap
	}
	if n > 0 {
		mem := m.Memory()
		if mem == nil || !mem.Write(ptr, data[:n]) {
			return StatusMemory
		}
	}
	return int32(len(data))
}
