package capability

import (
	"context"
)

// Action is a kind of bus access.
type Action string

// Bus actions subject to authorization.
const (
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
	ActionRPC       Action = "rpc"
)

// Authorizer decides whether a plugin may perform action on topic. The host
// itself acts with an empty plugin name.
type Authorizer interface {
	Authorize(ctx context.Context, pluginName string, action Action, topic string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, pluginName string, action Action, topic string) (bool, error)

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, pluginName string, action Action, topic string) (bool, error) {
	return f(ctx, pluginName, action, topic)
}

// AllowAll authorizes every action. Deployments that need least privilege
// should configure a TopicPolicy instead.
type AllowAll struct{}

// Authorize always returns true.
func (AllowAll) Authorize(context.Context, string, Action, string) (bool, error) {
	return true, nil
}

// Authorize delegates to the configured authorizer.
func (m *Manager) Authorize(ctx context.Context, pluginName string, action Action, topic string) (bool, error) {
	return m.authorizer.Authorize(ctx, pluginName, action, topic)
}

// VerifyPublish reports whether pluginName may publish on topic.
func (m *Manager) VerifyPublish(ctx context.Context, pluginName, topic string) (bool, error) {
	return m.Authorize(ctx, pluginName, ActionPublish, topic)
}

// VerifyRPC reports whether pluginName may issue requests on topic.
func (m *Manager) VerifyRPC(ctx context.Context, pluginName, topic string) (bool, error) {
	return m.Authorize(ctx, pluginName, ActionRPC, topic)
}

// VerifySubscribe reports whether pluginName may subscribe to topic.
func (m *Manager) VerifySubscribe(ctx context.Context, pluginName, topic string) (bool, error) {
	return m.Authorize(ctx, pluginName, ActionSubscribe, topic)
}

var (
	_ Authorizer = AllowAll{}
	_ Authorizer = (*Manager)(nil)
)
