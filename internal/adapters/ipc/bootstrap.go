package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBootstrapMissing indicates an isolated context was started without a plugin.
var ErrBootstrapMissing = errors.New("plugin bootstrap not provided")

// Grant is the wire form of a granted capability.
type Grant struct {
	Name    string                 `json:"name"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Bootstrap is handed to an isolated context when it is spawned. The plugin
// bytes travel base64-encoded in the JSON form.
type Bootstrap struct {
	Name   string  `json:"name"`
	Plugin []byte  `json:"plugin"`
	Grants []Grant `json:"grants"`
}

// Encode serializes the bootstrap payload.
func (b Bootstrap) Encode() ([]byte, error) {
	if b.Grants == nil {
		b.Grants = []Grant{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bootstrap: %w", err)
	}
	return data, nil
}

// DecodeBootstrap parses a payload produced by Bootstrap.Encode.
func DecodeBootstrap(data []byte) (*Bootstrap, error) {
	if len(data) == 0 {
		return nil, ErrBootstrapMissing
	}
	var b Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bootstrap: %w", err)
	}
	if len(b.Plugin) == 0 {
		return nil, ErrBootstrapMissing
	}
	return &b, nil
}
