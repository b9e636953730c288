package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/stores"
)

// DispatchSink stores dispatch audit records.
type DispatchSink interface {
	RecordDispatch(ctx context.Context, rec *stores.DispatchRecord) error
}

// Audited wraps a gateway and records every dispatched action. Audit
// failures are logged and never fail the dispatch.
type Audited struct {
	next   engine.TaskExecutor
	sink   DispatchSink
	logger zerolog.Logger
}

var _ engine.TaskExecutor = (*Audited)(nil)

// NewAudited wraps next.
func NewAudited(next engine.TaskExecutor, sink DispatchSink, logger zerolog.Logger) *Audited {
	return &Audited{
		next:   next,
		sink:   sink,
		logger: logger.With().Str("component", "dispatch-audit").Logger(),
	}
}

// ExecuteAction dispatches through the wrapped gateway and records the outcome.
func (a *Audited) ExecuteAction(ctx context.Context, node *engine.Node, action engine.ActionDefinition, params map[string]interface{}) (interface{}, error) {
	start := time.Now()
	result, err := a.next.ExecuteAction(ctx, node, action, params)

	rec := &stores.DispatchRecord{
		NodeID:     node.ID,
		PipelineID: node.PipelineID,
		TaskType:   node.TaskConfig.TaskType,
		Action:     action.Name,
		Protocol:   string(action.Protocol),
		Params:     params,
		Outcome:    stores.DispatchOK,
		Duration:   time.Since(start),
	}
	if err != nil {
		rec.Outcome = stores.DispatchFailed
		rec.Error = err.Error()
	}
	if serr := a.sink.RecordDispatch(ctx, rec); serr != nil {
		a.logger.Warn().Err(serr).
			Str("node_id", node.ID).
			Str("action", action.Name).
			Msg("Failed to record dispatch")
	}
	return result, err
}

// GetState delegates to the wrapped gateway.
func (a *Audited) GetState(ctx context.Context, node *engine.Node, state engine.StateDefinition) interface{} {
	return a.next.GetState(ctx, node, state)
}
