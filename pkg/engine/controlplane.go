package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Node evaluation outcomes reported to the metrics recorder.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomePanic  = "panic"
	OutcomeDenied = "denied"
)

// EvalResult is the outcome of evaluating one expression. A false condition
// and a failed one both mean "do not act" but are reported differently.
type EvalResult struct {
	Field string
	Expr  string
	Value bool
	Err   error
}

// ControlPlane reacts to events by updating node state, evaluating control
// policies and start conditions, and dispatching actions.
type ControlPlane struct {
	nodes      NodeRepository
	schemas    SchemaRegistry
	executor   TaskExecutor
	evaluator  ExpressionEvaluator
	authorizer ActionAuthorizer
	hooks      Hooks
	metrics    MetricsRecorder
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// Option configures optional control-plane collaborators.
type Option func(*ControlPlane)

// WithAuthorizer installs an action admission check.
func WithAuthorizer(a ActionAuthorizer) Option {
	return func(cp *ControlPlane) { cp.authorizer = a }
}

// WithHooks installs alert and skip hooks.
func WithHooks(h Hooks) Option {
	return func(cp *ControlPlane) { cp.hooks = h }
}

// WithMetrics installs a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(cp *ControlPlane) {
		if m != nil {
			cp.metrics = m
		}
	}
}

// WithTracer sets the tracer used for control-plane spans.
func WithTracer(t trace.Tracer) Option {
	return func(cp *ControlPlane) {
		if t != nil {
			cp.tracer = t
		}
	}
}

// NewControlPlane creates a control plane over the given collaborators.
func NewControlPlane(
	nodes NodeRepository,
	schemas SchemaRegistry,
	executor TaskExecutor,
	evaluator ExpressionEvaluator,
	logger zerolog.Logger,
	opts ...Option,
) *ControlPlane {
	cp := &ControlPlane{
		nodes:     nodes,
		schemas:   schemas,
		executor:  executor,
		evaluator: evaluator,
		metrics:   noopMetrics{},
		tracer:    otel.Tracer("github.com/openfroyo/flowplane/pkg/engine"),
		logger:    logger.With().Str("component", "control-plane").Logger(),
	}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// OnEvent processes one event across all active nodes. It returns an error
// only when the active-node snapshot cannot be fetched.
func (cp *ControlPlane) OnEvent(ctx context.Context, event Event) error {
	ctx, span := cp.tracer.Start(ctx, "controlplane.on_event", trace.WithAttributes(
		attribute.String("event.id", event.ID()),
		attribute.String("event.type", event.Type()),
		attribute.String("event.source", event.Source()),
	))
	defer span.End()

	cp.logger.Info().
		Str("event_id", event.ID()).
		Str("type", event.Type()).
		Str("source", event.Source()).
		Str("pipeline_id", event.PipelineID()).
		Msg("Event received")
	cp.metrics.RecordEventReceived(event.Type())

	active, err := cp.nodes.FindAllActiveNodes(ctx)
	if err != nil {
		cp.metrics.RecordEventFailed(event.Type())
		err = NewTransientError("failed to fetch active nodes", err).
			WithCode(ErrCodeRepository).
			WithOperation("on_event").
			WithDetail("event_id", event.ID())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	cp.metrics.SetActiveNodes(len(active))

	cp.updateNodeState(ctx, event, active)

	for _, node := range active {
		cp.evaluateNode(ctx, node, event, active)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// updateNodeState applies the event to every node it originated from before
// any policy reads node state. Persistence failures are isolated per node and
// evaluation continues with the in-memory state.
func (cp *ControlPlane) updateNodeState(ctx context.Context, event Event, active []*Node) {
	for i, node := range active {
		if node == nil || !event.IsFromNode(node.ID) {
			continue
		}

		node.ApplyEvent(event)

		var err error
		if updater, ok := cp.nodes.(NodeUpdater); ok {
			var updated *Node
			updated, err = updater.UpdateNode(ctx, node.ID, func(n *Node) error {
				n.ApplyEvent(event)
				return nil
			})
			if err == nil && updated != nil {
				active[i] = updated
			}
		} else {
			err = cp.nodes.Save(ctx, node)
		}

		if err != nil {
			cp.metrics.RecordStateUpdate(OutcomeError)
			cp.logger.Error().Err(err).
				Str("node_id", node.ID).
				Str("status", event.Type()).
				Msg("Failed to persist node state")
			continue
		}

		cp.metrics.RecordStateUpdate(OutcomeOK)
		cp.logger.Info().
			Str("node_id", node.ID).
			Str("status", event.Type()).
			Msg("Node state updated")
	}
}

// evaluateNode runs policy and start evaluation for one node. Any failure,
// including a panic, stays inside this node.
func (cp *ControlPlane) evaluateNode(ctx context.Context, node *Node, event Event, active []*Node) {
	if node == nil {
		return
	}
	outcome := OutcomeOK
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanic
			cp.logger.Error().
				Str("node_id", node.ID).
				Interface("panic", r).
				Msg("Node evaluation panicked")
		}
		cp.metrics.RecordNodeEvaluation(outcome)
	}()

	vars := BuildContext(node, event, active)

	policyErr := cp.evaluatePolicy(ctx, node, event, vars)
	startErr := cp.evaluateStart(ctx, node, vars)

	if err := errors.Join(policyErr, startErr); err != nil {
		outcome = OutcomeError
		cp.logger.Error().Err(err).
			Str("node_id", node.ID).
			Str("event_id", event.ID()).
			Msg("Node evaluation failed")
	}
}

// EvaluateNodePolicy evaluates a single node's control policy against the
// current active-node snapshot.
func (cp *ControlPlane) EvaluateNodePolicy(ctx context.Context, node *Node, event Event) error {
	active, err := cp.nodes.FindAllActiveNodes(ctx)
	if err != nil {
		return NewTransientError("failed to fetch active nodes", err).
			WithCode(ErrCodeRepository).
			WithOperation("evaluate_node_policy").
			WithResource(node.ID)
	}
	return cp.evaluatePolicy(ctx, node, event, BuildContext(node, event, active))
}

// evaluatePolicy evaluates stop, restart and retry, then alert and skip,
// then each custom rule in declaration order. Nothing short-circuits.
func (cp *ControlPlane) evaluatePolicy(ctx context.Context, node *Node, event Event, vars map[string]interface{}) error {
	policy := node.ControlPolicy
	if policy == nil {
		return nil
	}

	var errs []error
	standard := []struct {
		field  string
		expr   string
		action string
	}{
		{"stopWhen", policy.StopWhen, ActionStop},
		{"restartWhen", policy.RestartWhen, ActionRestart},
		{"retryWhen", policy.RetryWhen, ActionRetry},
	}
	for _, s := range standard {
		if !cp.condition(node, s.field, s.expr, vars) {
			continue
		}
		if err := cp.dispatch(ctx, node, s.action, map[string]interface{}{}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.field, err))
		}
	}

	if cp.condition(node, "alertWhen", policy.AlertWhen, vars) {
		cp.metrics.RecordHook("alert")
		cp.logger.Warn().
			Str("node_id", node.ID).
			Str("event_id", event.ID()).
			Msg("Alert condition met")
		if cp.hooks != nil {
			cp.hooks.Alert(ctx, node, event)
		}
	}

	if cp.condition(node, "skipWhen", policy.SkipWhen, vars) {
		cp.metrics.RecordHook("skip")
		if err := cp.markSkipped(ctx, node); err != nil {
			errs = append(errs, fmt.Errorf("skipWhen: %w", err))
		}
		if cp.hooks != nil {
			cp.hooks.Skip(ctx, node, event)
		}
	}

	for i, rule := range policy.CustomRules {
		field := fmt.Sprintf("customRules[%d]", i)
		if rule.Name != "" {
			field = fmt.Sprintf("customRules[%s]", rule.Name)
		}
		if !cp.condition(node, field, rule.Condition, vars) {
			continue
		}
		params := cp.resolveParams(node, field+".actionParams", rule.ActionParams, vars)
		if err := cp.dispatch(ctx, node, rule.Action, params); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	return errors.Join(errs...)
}

// evaluateStart dispatches "start" when startWhen holds, unless the node is
// already running or succeeded.
func (cp *ControlPlane) evaluateStart(ctx context.Context, node *Node, vars map[string]interface{}) error {
	if node.IsRunning() || node.IsSucceeded() {
		return nil
	}
	if strings.TrimSpace(node.StartWhen) == "" {
		return nil
	}
	if !cp.condition(node, "startWhen", node.StartWhen, vars) {
		return nil
	}
	params := cp.resolveParams(node, "startPayload", node.StartPayload, vars)
	if err := cp.dispatch(ctx, node, ActionStart, params); err != nil {
		return fmt.Errorf("startWhen: %w", err)
	}
	return nil
}

func (cp *ControlPlane) markSkipped(ctx context.Context, node *Node) error {
	node.Status = StatusSkipped
	if updater, ok := cp.nodes.(NodeUpdater); ok {
		_, err := updater.UpdateNode(ctx, node.ID, func(n *Node) error {
			n.Status = StatusSkipped
			return nil
		})
		return err
	}
	return cp.nodes.Save(ctx, node)
}

// condition collapses an evaluation result to a decision, logging failures.
func (cp *ControlPlane) condition(node *Node, field, expr string, vars map[string]interface{}) bool {
	res := cp.EvaluateCondition(field, expr, vars)
	if res.Err != nil {
		cp.metrics.RecordExpressionError("condition")
		cp.logger.Warn().Err(res.Err).
			Str("node_id", node.ID).
			Str("field", field).
			Str("expr", expr).
			Msg("Expression evaluation failed, treating condition as false")
	}
	return res.Value
}

// EvaluateCondition evaluates a condition expression. Blank expressions are
// false without error.
func (cp *ControlPlane) EvaluateCondition(field, expr string, vars map[string]interface{}) EvalResult {
	res := EvalResult{Field: field, Expr: expr}
	if strings.TrimSpace(expr) == "" {
		return res
	}
	ok, err := cp.evaluator.EvaluateCondition(expr, vars)
	if err != nil {
		res.Err = NewPermanentError("expression evaluation failed", err).
			WithCode(ErrCodeExpression).
			WithDetail("field", field)
		return res
	}
	res.Value = ok
	return res
}

// resolveParams evaluates each entry of a parameter map. Failed entries are
// logged and left out of the result.
func (cp *ControlPlane) resolveParams(node *Node, field string, exprs map[string]string, vars map[string]interface{}) map[string]interface{} {
	params := make(map[string]interface{}, len(exprs))
	for name, expr := range exprs {
		value, err := cp.evaluator.EvaluateValue(expr, vars)
		if err != nil {
			cp.metrics.RecordExpressionError("param")
			cp.logger.Warn().Err(err).
				Str("node_id", node.ID).
				Str("field", field).
				Str("param", name).
				Str("expr", expr).
				Msg("Failed to resolve parameter, skipping")
			continue
		}
		params[name] = value
	}
	return params
}

// dispatch executes an action chosen by evaluation. Actions the schema does
// not declare were already logged by ExecuteAction and are a no-op here.
func (cp *ControlPlane) dispatch(ctx context.Context, node *Node, actionName string, params map[string]interface{}) error {
	_, err := cp.ExecuteAction(ctx, node, actionName, params)
	switch ErrorCode(err) {
	case ErrCodeUnknownTaskType, ErrCodeUnknownAction:
		return nil
	}
	return err
}

// ExecuteAction validates an action against the node's task schema and
// dispatches it through the executor. Unknown task types and actions are
// logged and returned as permanent errors without reaching the executor.
func (cp *ControlPlane) ExecuteAction(ctx context.Context, node *Node, actionName string, params map[string]interface{}) (interface{}, error) {
	taskType := node.TaskConfig.TaskType
	ctx, span := cp.tracer.Start(ctx, "controlplane.execute_action", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("task.type", taskType),
		attribute.String("action", actionName),
	))
	defer span.End()

	fail := func(outcome string, err error) (interface{}, error) {
		cp.metrics.RecordActionDispatch(taskType, actionName, outcome, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	schema, ok := cp.schemas.Get(taskType)
	if !ok {
		cp.logger.Error().
			Str("node_id", node.ID).
			Str("task_type", taskType).
			Str("action", actionName).
			Msg("Unknown task type")
		return fail(OutcomeError, NewPermanentError("unknown task type", nil).
			WithCode(ErrCodeUnknownTaskType).
			WithResource(node.ID).
			WithOperation(actionName).
			WithDetail("task_type", taskType))
	}

	action, ok := schema.Action(actionName)
	if !ok {
		cp.logger.Error().
			Str("node_id", node.ID).
			Str("task_type", taskType).
			Str("action", actionName).
			Msg("Action not supported by task type")
		return fail(OutcomeError, NewPermanentError("unknown action", nil).
			WithCode(ErrCodeUnknownAction).
			WithResource(node.ID).
			WithOperation(actionName).
			WithDetail("task_type", taskType))
	}

	if cp.authorizer != nil {
		req := ActionRequest{Node: node, Action: action, Params: params, Schema: schema}
		if err := cp.authorizer.Authorize(ctx, req); err != nil {
			cp.logger.Warn().Err(err).
				Str("node_id", node.ID).
				Str("action", actionName).
				Msg("Action denied")
			return fail(OutcomeDenied, err)
		}
	}

	cp.logger.Info().
		Str("node_id", node.ID).
		Str("task_type", taskType).
		Str("action", actionName).
		Str("protocol", string(action.Protocol)).
		Interface("params", params).
		Msg("Triggering action")

	start := time.Now()
	result, err := cp.executor.ExecuteAction(ctx, node, action, params)
	duration := time.Since(start)
	if err != nil {
		cp.metrics.RecordActionDispatch(taskType, actionName, OutcomeError, duration)
		cp.logger.Error().Err(err).
			Str("node_id", node.ID).
			Str("action", actionName).
			Dur("duration", duration).
			Msg("Executor failed to dispatch action")
		err = NewTransientError("executor failed", err).
			WithCode(ErrCodeExecutorFailed).
			WithResource(node.ID).
			WithOperation(actionName)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	cp.metrics.RecordActionDispatch(taskType, actionName, OutcomeOK, duration)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// QueryState reads a schema-declared state through the executor. Unknown
// task types or states yield nil.
func (cp *ControlPlane) QueryState(ctx context.Context, node *Node, stateName string) interface{} {
	schema, ok := cp.schemas.Get(node.TaskConfig.TaskType)
	if !ok {
		cp.logger.Error().
			Str("node_id", node.ID).
			Str("task_type", node.TaskConfig.TaskType).
			Msg("Unknown task type")
		return nil
	}
	state, ok := schema.State(stateName)
	if !ok {
		cp.logger.Debug().
			Str("node_id", node.ID).
			Str("state", stateName).
			Msg("State not declared by task type")
		return nil
	}
	return cp.executor.GetState(ctx, node, state)
}
