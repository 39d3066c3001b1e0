package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

func TestManifest_YAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    Manifest
		want string
	}{
		{
			name: "defaults to native entry",
			m:    Manifest{Name: "echo"},
			want: "name: echo\nentry: native:echo\n",
		},
		{
			name: "all fields",
			m:    Manifest{Name: "calc", Version: "1.2.0", Entry: "calc.wasm", Capabilities: []string{"logger", "bus"}},
			want: "name: calc\nversion: 1.2.0\nentry: calc.wasm\ncapabilities: [logger, bus]\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.m.YAML())
		})
	}
}

func TestWriteManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := WriteManifest(t, dir, Manifest{Name: "echo", Version: "1.0.0"})
	assert.Equal(t, filepath.Join(dir, "echo", manifest.FileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "version: 1.0.0")
}
