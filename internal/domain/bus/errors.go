package bus

import (
	"errors"
	"fmt"
)

// Bus errors.
var (
	// ErrAuthorizationDenied indicates the authorizer rejected an action.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrNoResponders indicates a request matched no subscribers.
	ErrNoResponders = errors.New("no responders")
	// ErrTimeout indicates no responder settled a request in time.
	ErrTimeout = errors.New("timeout")
	// ErrNilHandler indicates a subscription without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")
	// ErrNilMiddleware indicates a registration without a middleware function.
	ErrNilMiddleware = errors.New("middleware cannot be nil")
)

// HandlerError reports a subscriber failure during publish.
type HandlerError struct {
	Plugin string
	Topic  string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed on %q: %v", e.Plugin, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// MiddlewareError reports a middleware failure during publish.
type MiddlewareError struct {
	Name string
	Err  error
}

func (e *MiddlewareError) Error() string {
	name := e.Name
	if name == "" {
		name = "anonymous"
	}
	return fmt.Sprintf("middleware %q failed: %v", name, e.Err)
}

func (e *MiddlewareError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking handler, middleware or hook.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func denied(action, topic, actor string) error {
	if actor == "" {
		actor = hostActor
	}
	return fmt.Errorf("%w: %s to %q denied for %s", ErrAuthorizationDenied, action, topic, actor)
}
