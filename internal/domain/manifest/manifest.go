// Package manifest describes plugin manifests: parsing from YAML or JSON,
// schema validation, and integrity digests over plugin bytes.
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// FileName is the manifest file looked up inside a plugin directory.
const FileName = "plugin.yaml"

// Manifest errors.
var (
	ErrManifestNotFound = errors.New("plugin manifest not found")
	ErrManifestInvalid  = errors.New("plugin manifest invalid")
)

//go:embed schema.json
var schemaJSON []byte

const schemaID = "inmemory://plughost/manifest.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Manifest describes one plugin version.
type Manifest struct {
	Name         string   `yaml:"name" json:"name"`
	Version      string   `yaml:"version,omitempty" json:"version,omitempty"`
	Entry        string   `yaml:"entry" json:"entry"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Integrity    string   `yaml:"integrity,omitempty" json:"integrity,omitempty"`
}

// Validate checks the fields the host depends on.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: manifest is nil", ErrManifestInvalid)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrManifestInvalid)
	}
	if m.Entry == "" {
		return fmt.Errorf("%w: missing entry", ErrManifestInvalid)
	}
	if m.Integrity != "" {
		if _, ok := ParseIntegrity(m.Integrity); !ok {
			return fmt.Errorf("%w: integrity must have the form sha256-<digest>", ErrManifestInvalid)
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	if m.Capabilities != nil {
		c.Capabilities = append([]string(nil), m.Capabilities...)
	}
	return &c
}

// Parse decodes a YAML or JSON manifest and validates it against the
// manifest schema.
func Parse(data []byte) (*Manifest, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads and parses a manifest file. A relative local entry is
// resolved against the directory holding the manifest.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Entry = ResolveEntry(filepath.Dir(path), m.Entry)
	return m, nil
}

// LoadDir loads every <dir>/<name>/plugin.yaml below dir, sorted by
// directory name. A missing dir yields no manifests.
func LoadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var out []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), FileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ResolveEntry resolves a relative filesystem entry against base. URLs and
// absolute paths are returned unchanged.
func ResolveEntry(base, entry string) string {
	if entry == "" || filepath.IsAbs(entry) {
		return entry
	}
	if u, err := url.Parse(entry); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return entry
	}
	return filepath.Join(base, entry)
}

func validateDocument(doc interface{}) error {
	schema, err := manifestSchema()
	if err != nil {
		return err
	}
	normalized, err := normalize(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("%w: %s", ErrManifestInvalid, strings.TrimSpace(err.Error()))
	}
	return nil
}

func manifestSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaID, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaID)
	})
	return compiled, compileErr
}

// normalize round-trips a YAML document through JSON so the validator sees
// only JSON value types.
func normalize(doc interface{}) (interface{}, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
