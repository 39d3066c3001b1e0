package sandbox

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/plughost/internal/domain/manifest"
)

// Sandbox errors.
var (
	ErrLifecycleTimeout  = errors.New("lifecycle call timed out")
	ErrIntegrityMismatch = manifest.ErrIntegrityMismatch
	ErrNoEntry           = errors.New("manifest has no entry")
	ErrTerminated        = errors.New("sandbox terminated")
	ErrFetchFailed       = errors.New("failed to fetch plugin")
	ErrPluginTooLarge    = fmt.Errorf("%w: plugin too large", ErrFetchFailed)
)

// LifecycleError is a failure reported by the plugin for one lifecycle call.
type LifecycleError struct {
	Action  string
	Message string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

// IsLifecycleError reports whether err carries a plugin-reported failure.
func IsLifecycleError(err error) bool {
	var le *LifecycleError
	return errors.As(err, &le)
}
