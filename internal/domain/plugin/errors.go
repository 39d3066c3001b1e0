package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic error handling.
var (
	// ErrEmptyPluginName indicates a plugin name was empty.
	ErrEmptyPluginName = errors.New("plugin name cannot be empty")
	// ErrNilController indicates a registration without a controller.
	ErrNilController = errors.New("controller cannot be nil")
	// ErrPluginNotFound indicates no record exists for a name.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrSwapInProgress indicates a concurrent replacement of the same plugin.
	ErrSwapInProgress = errors.New("replacement already in progress")
	// ErrUnloadFailed indicates the retiring controller failed to unload.
	ErrUnloadFailed = errors.New("failed to unload previous plugin")
	// ErrInvalidTransition indicates a lifecycle event not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Swap stages reported by SwapError.
const (
	StageActivate = "activate"
	StageUnload   = "unload"
	StagePanic    = "panic"
)

// SwapError describes a failed replacement. The previous controller was
// reactivated (best effort) before the error was returned.
type SwapError struct {
	Name  string
	Stage string
	Err   error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("replacing plugin %q failed at %s: %v", e.Name, e.Stage, e.Err)
}

func (e *SwapError) Unwrap() error {
	return e.Err
}

// IsSwapError returns true if the error is a failed replacement.
func IsSwapError(err error) bool {
	var swapErr *SwapError
	return errors.As(err, &swapErr)
}

// TransitionError reports an event rejected by the record lifecycle.
type TransitionError struct {
	Name  string
	State State
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plugin %q cannot handle %s in state %s", e.Name, e.Event, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
