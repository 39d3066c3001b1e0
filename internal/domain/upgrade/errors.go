package upgrade

import "errors"

// Upgrade errors.
var (
	ErrNoShadow         = errors.New("no shadow candidate")
	ErrManifestNotFound = errors.New("no manifest in registry")
	ErrNoEntry          = errors.New("candidate manifest has no entry")
	ErrBringUp          = errors.New("shadow bring-up failed")
)
