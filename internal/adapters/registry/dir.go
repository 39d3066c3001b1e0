package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

// Dir reads manifests from <root>/<name>/plugin.yaml.
type Dir struct {
	root string
}

// NewDir creates a directory registry rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// GetManifest loads the manifest for name. A missing manifest yields nil
// without error.
func (d *Dir) GetManifest(_ context.Context, name string) (*manifest.Manifest, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid plugin name %q", name)
	}
	mf, err := manifest.LoadFile(filepath.Join(d.root, name, manifest.FileName))
	if err != nil {
		if errors.Is(err, manifest.ErrManifestNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return mf, nil
}
