package ipc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_WireShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "lifecycle request",
			env:  LifecycleRequest(7, ActionInstall, json.RawMessage(`{"x":1}`)),
			want: `{"requestId":7,"action":"install","payload":{"x":1}}`,
		},
		{
			name: "lifecycle success",
			env:  LifecycleResponse(7, json.RawMessage(`true`), nil),
			want: `{"responseId":7,"ok":true,"result":true}`,
		},
		{
			name: "lifecycle failure",
			env:  LifecycleResponse(8, nil, errors.New("boom")),
			want: `{"responseId":8,"error":"boom"}`,
		},
		{
			name: "rpc denied without id",
			env:  RPCFailure(TypeRPCResponse, "", "rpc denied"),
			want: `{"type":"bus:rpc:response","error":"rpc denied"}`,
		},
		{
			name: "invoke",
			env: Envelope{
				Type: TypeRPCInvoke, RPCID: "rpc_1_1", Topic: "calc.add",
				Payload: json.RawMessage(`[1,2]`), TimeoutMs: 50,
			},
			want: `{"type":"bus:rpc:invoke","rpcId":"rpc_1_1","topic":"calc.add","timeoutMs":50,"payload":[1,2]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := json.Marshal(tt.env)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestEnvelope_Classification(t *testing.T) {
	t.Parallel()

	assert.True(t, LifecycleRequest(1, ActionOnLoad, nil).IsLifecycleRequest())
	assert.False(t, LifecycleRequest(1, ActionOnLoad, nil).IsLifecycleResponse())
	assert.True(t, LifecycleResponse(1, nil, nil).IsLifecycleResponse())

	typed := Envelope{Type: TypeHostLog, RequestID: 3}
	assert.False(t, typed.IsLifecycleRequest())
}

func TestEnvelope_Err(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Envelope{OK: true}.Err("x"))
	assert.EqualError(t, Envelope{Error: "denied"}.Err("x"), "denied")
	assert.EqualError(t, Envelope{}.Err("worker error"), "worker error")
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	t.Run("with payload", func(t *testing.T) {
		t.Parallel()

		env, err := NewMessage(TypePublish, map[string]int{"n": 1})
		require.NoError(t, err)
		assert.Equal(t, TypePublish, env.Type)
		assert.JSONEq(t, `{"n":1}`, string(env.Payload))
	})

	t.Run("without payload", func(t *testing.T) {
		t.Parallel()

		env, err := NewMessage(TypeEmitEvent, nil)
		require.NoError(t, err)
		assert.Nil(t, env.Payload)
	})

	t.Run("unencodable payload", func(t *testing.T) {
		t.Parallel()

		_, err := NewMessage(TypePublish, make(chan int))
		require.Error(t, err)
	})
}

func TestBootstrap(t *testing.T) {
	t.Parallel()

	b := Bootstrap{
		Name:   "demo",
		Plugin: []byte("plugin-bytes"),
		Grants: []Grant{{Name: "network", Context: map[string]interface{}{"allowedHosts": []interface{}{"example.com"}}}},
	}
	data, err := b.Encode()
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "cGx1Z2luLWJ5dGVz", raw["plugin"])

	decoded, err := DecodeBootstrap(data)
	require.NoError(t, err)
	assert.Equal(t, b, *decoded)

	_, err = DecodeBootstrap(nil)
	assert.ErrorIs(t, err, ErrBootstrapMissing)

	_, err = DecodeBootstrap([]byte(`{"name":"x","grants":[]}`))
	assert.ErrorIs(t, err, ErrBootstrapMissing)

	_, err = DecodeBootstrap([]byte(`not json`))
	assert.Error(t, err)
}
