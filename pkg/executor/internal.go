package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// HandlerFunc handles an in-process action.
type HandlerFunc func(ctx context.Context, node *engine.Node, params map[string]interface{}) (interface{}, error)

// StateFunc reads an in-process state.
type StateFunc func(ctx context.Context, node *engine.Node) interface{}

// InternalGateway dispatches INTERNAL actions (and actions without a
// protocol) to registered in-process handlers. Handlers are keyed by the
// action endpoint, or "taskType/action" when the endpoint is empty.
type InternalGateway struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	states   map[string]StateFunc
	logger   zerolog.Logger
}

var _ engine.TaskExecutor = (*InternalGateway)(nil)

// NewInternalGateway creates an empty handler registry.
func NewInternalGateway(logger zerolog.Logger) *InternalGateway {
	return &InternalGateway{
		handlers: make(map[string]HandlerFunc),
		states:   make(map[string]StateFunc),
		logger:   logger.With().Str("component", "internal-gateway").Logger(),
	}
}

// Handle registers an action handler under key.
func (g *InternalGateway) Handle(key string, fn HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[key] = fn
}

// HandleState registers a state reader under key.
func (g *InternalGateway) HandleState(key string, fn StateFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[key] = fn
}

// HandlerKey returns the registry key of an action or state.
func HandlerKey(taskType, name, endpoint string) string {
	if endpoint != "" {
		return endpoint
	}
	return taskType + "/" + name
}

// ExecuteAction runs the registered handler. Actions without a handler are
// logged and treated as a no-op.
func (g *InternalGateway) ExecuteAction(ctx context.Context, node *engine.Node, action engine.ActionDefinition, params map[string]interface{}) (interface{}, error) {
	if action.Protocol != engine.ProtocolInternal && action.Protocol != "" {
		return nil, nil
	}

	key := HandlerKey(node.TaskConfig.TaskType, action.Name, action.Endpoint)
	g.mu.RLock()
	fn, ok := g.handlers[key]
	g.mu.RUnlock()
	if !ok {
		g.logger.Debug().
			Str("node_id", node.ID).
			Str("handler", key).
			Msg("No internal handler registered")
		return nil, nil
	}

	result, err := fn(ctx, node, params)
	if err != nil {
		return nil, fmt.Errorf("internal handler %s: %w", key, err)
	}
	return result, nil
}

// GetState runs the registered state reader.
func (g *InternalGateway) GetState(ctx context.Context, node *engine.Node, state engine.StateDefinition) interface{} {
	if state.Protocol != engine.ProtocolInternal && state.Protocol != "" {
		return nil
	}
	g.mu.RLock()
	fn, ok := g.states[HandlerKey(node.TaskConfig.TaskType, state.Name, state.Endpoint)]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return fn(ctx, node)
}

// Emitter publishes events back into the control plane.
type Emitter interface {
	Emit(ctx context.Context, event engine.Event) error
}

// RegisterApprovalHandlers installs the approval task handlers: start
// requests approval, approve and reject resolve it. Each emits the
// corresponding events from the node.
func RegisterApprovalHandlers(g *InternalGateway, taskType string, emitter Emitter) {
	emit := func(ctx context.Context, node *engine.Node, params map[string]interface{}, types ...string) error {
		for _, t := range types {
			opts := []engine.EventOption{engine.WithPayload(params)}
			if node.PipelineID != "" {
				opts = append(opts, engine.WithPipelineID(node.PipelineID))
			}
			if err := emitter.Emit(ctx, engine.NewEvent(t, engine.NodeSource(node.PipelineID, node.ID), opts...)); err != nil {
				return err
			}
		}
		return nil
	}

	g.Handle(HandlerKey(taskType, engine.ActionStart, ""), func(ctx context.Context, node *engine.Node, params map[string]interface{}) (interface{}, error) {
		return "approval_requested", emit(ctx, node, params, engine.EventStarted, "approval_requested")
	})
	g.Handle(HandlerKey(taskType, "approve", ""), func(ctx context.Context, node *engine.Node, params map[string]interface{}) (interface{}, error) {
		return "approved", emit(ctx, node, params, "approved", engine.EventSucceeded)
	})
	g.Handle(HandlerKey(taskType, "reject", ""), func(ctx context.Context, node *engine.Node, params map[string]interface{}) (interface{}, error) {
		return "rejected", emit(ctx, node, params, "rejected", engine.EventFailed)
	})
}
