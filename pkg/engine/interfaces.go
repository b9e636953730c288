package engine

import (
	"context"
	"time"
)

// NodeRepository is the durable store of node state.
type NodeRepository interface {
	// FindByID returns the node or an error wrapping ErrNodeNotFound.
	FindByID(ctx context.Context, nodeID string) (*Node, error)

	// FindAllActiveNodes returns a consistent snapshot of the active nodes.
	FindAllActiveNodes(ctx context.Context) ([]*Node, error)

	// Save inserts or replaces a node.
	Save(ctx context.Context, node *Node) error
}

// NodeUpdater is implemented by repositories that can run a per-node
// read-modify-write atomically. The engine prefers it over Save when
// recording event-driven state changes.
type NodeUpdater interface {
	UpdateNode(ctx context.Context, nodeID string, fn func(*Node) error) (*Node, error)
}

// SchemaRegistry resolves task types to their capability schema.
type SchemaRegistry interface {
	Get(taskType string) (*TaskSchema, bool)
}

// TaskExecutor is the gateway through which actions are invoked and states
// are queried on remote task runtimes. Implementations act only on the
// protocols they support and treat others as a no-op.
type TaskExecutor interface {
	// ExecuteAction dispatches an action. Failures are returned to the caller.
	ExecuteAction(ctx context.Context, node *Node, action ActionDefinition, params map[string]interface{}) (interface{}, error)

	// GetState queries a state. Failures are swallowed and yield nil.
	GetState(ctx context.Context, node *Node, state StateDefinition) interface{}
}

// ExpressionEvaluator evaluates expressions against a read-only variable map.
type ExpressionEvaluator interface {
	// EvaluateCondition evaluates a boolean expression.
	EvaluateCondition(expr string, vars map[string]interface{}) (bool, error)

	// EvaluateValue evaluates an expression to an arbitrary value.
	EvaluateValue(expr string, vars map[string]interface{}) (interface{}, error)
}

// ActionRequest is the input to action admission.
type ActionRequest struct {
	Node   *Node
	Action ActionDefinition
	Params map[string]interface{}
	Schema *TaskSchema
}

// ActionAuthorizer admits or denies an action before it reaches the executor.
type ActionAuthorizer interface {
	Authorize(ctx context.Context, req ActionRequest) error
}

// Hooks receive alertWhen and skipWhen signals. Neither dispatches an action.
type Hooks interface {
	Alert(ctx context.Context, node *Node, event Event)
	Skip(ctx context.Context, node *Node, event Event)
}

// EventHandler processes a single event.
type EventHandler interface {
	OnEvent(ctx context.Context, event Event) error
}

// EventMatcher decides whether an event is of interest.
type EventMatcher interface {
	Matches(event Event) bool
}

// MetricsRecorder receives control-plane measurements.
type MetricsRecorder interface {
	RecordEventReceived(eventType string)
	RecordEventFailed(eventType string)
	RecordNodeEvaluation(outcome string)
	RecordActionDispatch(taskType, action, outcome string, duration time.Duration)
	RecordExpressionError(kind string)
	RecordStateUpdate(outcome string)
	RecordHook(kind string)
	SetActiveNodes(count int)
}

type noopMetrics struct{}

func (noopMetrics) RecordEventReceived(string)                                {}
func (noopMetrics) RecordEventFailed(string)                                  {}
func (noopMetrics) RecordNodeEvaluation(string)                               {}
func (noopMetrics) RecordActionDispatch(string, string, string, time.Duration) {}
func (noopMetrics) RecordExpressionError(string)                              {}
func (noopMetrics) RecordStateUpdate(string)                                  {}
func (noopMetrics) RecordHook(string)                                         {}
func (noopMetrics) SetActiveNodes(int)                                        {}
