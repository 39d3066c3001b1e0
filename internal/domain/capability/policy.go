package capability

import (
	"context"

	"github.com/felixgeelhaar/plughost/internal/domain/topic"
)

// Rules lists allowed and denied topic patterns for one action.
type Rules struct {
	Allow []string
	Deny  []string
}

// permits applies deny-wins evaluation.
func (r Rules) permits(t string) bool {
	if topic.MatchAny(r.Deny, t) {
		return false
	}
	return topic.MatchAny(r.Allow, t)
}

// TopicPolicy authorizes bus actions from per-plugin topic rules. Deny rules
// win over allow rules. Plugins without rules fall back to the default
// decision. The host (empty plugin name) is always authorized. A built
// policy is immutable and safe for concurrent use.
type TopicPolicy struct {
	rules        map[string]map[Action]Rules
	defaultAllow bool
}

// TopicPolicyBuilder builds a TopicPolicy.
type TopicPolicyBuilder struct {
	policy *TopicPolicy
}

// NewTopicPolicyBuilder creates a builder whose default decision is allow.
func NewTopicPolicyBuilder() *TopicPolicyBuilder {
	return &TopicPolicyBuilder{
		policy: &TopicPolicy{
			rules:        make(map[string]map[Action]Rules),
			defaultAllow: true,
		},
	}
}

// DenyByDefault makes plugins without rules unauthorized.
func (b *TopicPolicyBuilder) DenyByDefault() *TopicPolicyBuilder {
	b.policy.defaultAllow = false
	return b
}

// Allow adds allowed patterns for a plugin and action.
func (b *TopicPolicyBuilder) Allow(pluginName string, action Action, patterns ...string) *TopicPolicyBuilder {
	r := b.entry(pluginName, action)
	r.Allow = append(r.Allow, patterns...)
	b.policy.rules[pluginName][action] = r
	return b
}

// Deny adds denied patterns for a plugin and action.
func (b *TopicPolicyBuilder) Deny(pluginName string, action Action, patterns ...string) *TopicPolicyBuilder {
	r := b.entry(pluginName, action)
	r.Deny = append(r.Deny, patterns...)
	b.policy.rules[pluginName][action] = r
	return b
}

func (b *TopicPolicyBuilder) entry(pluginName string, action Action) Rules {
	actions, ok := b.policy.rules[pluginName]
	if !ok {
		actions = make(map[Action]Rules)
		b.policy.rules[pluginName] = actions
	}
	return actions[action]
}

// Build returns the policy.
func (b *TopicPolicyBuilder) Build() *TopicPolicy {
	return b.policy
}

// Authorize implements Authorizer. A plugin with rules for some actions but
// not for action is denied that action.
func (p *TopicPolicy) Authorize(_ context.Context, pluginName string, action Action, t string) (bool, error) {
	if pluginName == "" {
		return true, nil
	}

	actions, ok := p.rules[pluginName]
	if !ok {
		return p.defaultAllow, nil
	}
	return actions[action].permits(t), nil
}

var _ Authorizer = (*TopicPolicy)(nil)
