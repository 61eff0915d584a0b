package engine

import (
	"context"

	"github.com/lazypower/rankd/internal/usage"
)

type agentKey struct{}

// WithAgent returns a context carrying the caller's agent identity, which
// is what a :current agent term resolves to.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey{}, agent)
}

// AgentFromContext returns the agent set by WithAgent, or usage.Global.
func AgentFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(agentKey{}).(string); ok && a != "" {
		return a
	}
	return usage.Global
}
