// Package testutil provides test helpers shared by plughost packages.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

// WriteTempFile writes content to rel below dir, creating parent
// directories. It returns the full path.
func WriteTempFile(t testing.TB, dir, rel, content string) string {
	t.Helper()

	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755), "failed to create parent of %s", rel)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file: %s", rel)
	return path
}

// WriteManifest writes m to its manifest file below <dir>/<name>.
func WriteManifest(t testing.TB, dir string, m Manifest) string {
	t.Helper()
	return WriteTempFile(t, dir, filepath.Join(m.Name, manifest.FileName), m.YAML())
}

// Manifest is the subset of manifest fields tests write to disk.
type Manifest struct {
	Name         string
	Version      string
	Entry        string
	Capabilities []string
}

// YAML renders m as a plugin.yaml document. An empty entry defaults to the
// native module of the same name.
func (m Manifest) YAML() string {
	var b strings.Builder
	b.WriteString("name: " + m.Name + "\n")
	if m.Version != "" {
		b.WriteString("version: " + m.Version + "\n")
	}
	entry := m.Entry
	if entry == "" {
		entry = "native:" + m.Name
	}
	b.WriteString("entry: " + entry + "\n")
	if len(m.Capabilities) > 0 {
		b.WriteString("capabilities: [" + strings.Join(m.Capabilities, ", ") + "]\n")
	}
	return b.String()
}
