package executor

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Router fans an action out to every registered gateway. Each gateway acts
// only on its own protocol, so at most one normally does work; the first
// non-nil result wins and all errors are joined.
type Router struct {
	gateways []engine.TaskExecutor
}

var _ engine.TaskExecutor = (*Router)(nil)

// NewRouter creates a router over the given gateways.
func NewRouter(gateways ...engine.TaskExecutor) *Router {
	return &Router{gateways: gateways}
}

// ExecuteAction dispatches through every gateway.
func (r *Router) ExecuteAction(ctx context.Context, node *engine.Node, action engine.ActionDefinition, params map[string]interface{}) (interface{}, error) {
	var (
		result interface{}
		errs   []error
	)
	for _, g := range r.gateways {
		res, err := g.ExecuteAction(ctx, node, action, params)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if result == nil && res != nil {
			result = res
		}
	}
	return result, errors.Join(errs...)
}

// GetState returns the first non-nil state.
func (r *Router) GetState(ctx context.Context, node *engine.Node, state engine.StateDefinition) interface{} {
	for _, g := range r.gateways {
		if v := g.GetState(ctx, node, state); v != nil {
			return v
		}
	}
	return nil
}

// KubernetesGateway accepts K8S actions without a cluster client. Dispatch
// is logged and reported as a no-op so K8S task types can be declared and
// exercised before an operator integration exists.
type KubernetesGateway struct {
	logger zerolog.Logger
}

var _ engine.TaskExecutor = (*KubernetesGateway)(nil)

// NewKubernetesGateway creates the K8S no-op gateway.
func NewKubernetesGateway(logger zerolog.Logger) *KubernetesGateway {
	return &KubernetesGateway{logger: logger.With().Str("component", "k8s-gateway").Logger()}
}

// ExecuteAction logs K8S actions and returns nil.
func (g *KubernetesGateway) ExecuteAction(_ context.Context, node *engine.Node, action engine.ActionDefinition, _ map[string]interface{}) (interface{}, error) {
	if action.Protocol != engine.ProtocolK8S {
		return nil, nil
	}
	g.logger.Debug().
		Str("node_id", node.ID).
		Str("action", action.Name).
		Interface("resource", action.ProtocolConfig).
		Msg("K8S dispatch is not supported, skipping")
	return nil, nil
}

// GetState always returns nil.
func (g *KubernetesGateway) GetState(context.Context, *engine.Node, engine.StateDefinition) interface{} {
	return nil
}
