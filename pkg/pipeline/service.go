package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/registry"
	"github.com/openfroyo/flowplane/pkg/telemetry"
)

var validate = validator.New()

// NodeStore is the node persistence the service needs.
type NodeStore interface {
	engine.NodeRepository
	ListNodes(ctx context.Context, pipelineID string) ([]*engine.Node, error)
	DeleteNode(ctx context.Context, nodeID string) error
}

// ActionExecutor dispatches a manual action. *engine.ControlPlane
// implements it.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, node *engine.Node, actionName string, params map[string]interface{}) (interface{}, error)
}

// Service is the pipeline submission front end: it parses and validates
// pipeline documents, persists their nodes and forwards events and manual
// actions to the control plane.
type Service struct {
	parser   *Parser
	store    NodeStore
	schemas  engine.SchemaRegistry
	handler  engine.EventHandler
	actions  ActionExecutor
	resolver TaskDefinitionResolver
	configs  *registry.ConfigValidator
	notifier *telemetry.EventPublisher
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithResolver sets the catalog used for taskDefinitionRef nodes.
func WithResolver(r TaskDefinitionResolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithNotifier publishes submission notifications.
func WithNotifier(p *telemetry.EventPublisher) Option {
	return func(s *Service) { s.notifier = p }
}

// NewService creates a submission service. handler receives triggered
// events and actions receives manual actions; either may be nil when the
// caller only submits or validates.
func NewService(store NodeStore, schemas engine.SchemaRegistry, handler engine.EventHandler, actions ActionExecutor, logger zerolog.Logger, opts ...Option) (*Service, error) {
	parser, err := NewParser()
	if err != nil {
		return nil, err
	}
	s := &Service{
		parser:  parser,
		store:   store,
		schemas: schemas,
		handler: handler,
		actions: actions,
		configs: registry.NewConfigValidator(),
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Parser returns the document parser.
func (s *Service) Parser() *Parser {
	return s.parser
}

// SubmitFile parses a pipeline file and submits it.
func (s *Service) SubmitFile(ctx context.Context, path string) (*engine.Pipeline, error) {
	p, err := s.parser.ParseFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse pipeline", err).WithCode(engine.ErrCodeValidation)
	}
	return s.Submit(ctx, p)
}

// Submit validates a pipeline and saves its nodes. Template references
// are resolved and every node is stamped with the pipeline id. Nothing is
// saved when any node fails validation. Nodes already known keep their
// runtime state; nodes of an earlier submission that are no longer
// declared are deactivated.
func (s *Service) Submit(ctx context.Context, p *engine.Pipeline) (*engine.Pipeline, error) {
	op := telemetry.StartOperation(ctx, "pipeline.submit", telemetry.AttrPipelineID.String(p.ID))
	resolved, _, err := s.validate(op.Ctx, p)
	if err != nil {
		op.End(err)
		return nil, err
	}

	for _, n := range resolved.Nodes {
		existing, err := s.store.FindByID(op.Ctx, n.ID)
		switch {
		case err == nil && existing.PipelineID != "" && existing.PipelineID != resolved.ID:
			err = engine.NewConflictError(fmt.Sprintf("node id %q already belongs to pipeline %s", n.ID, existing.PipelineID), nil).
				WithResource(n.ID)
			op.End(err)
			return nil, err
		case err != nil && !errors.Is(err, engine.ErrNodeNotFound):
			err = engine.NewTransientError("failed to look up node", err).
				WithCode(engine.ErrCodeRepository).
				WithResource(n.ID)
			op.End(err)
			return nil, err
		case err == nil:
			n.Status = existing.Status
			n.Outputs = existing.Outputs
			n.UpdatedAt = existing.UpdatedAt
		}
	}

	for _, n := range resolved.Nodes {
		if err := s.store.Save(op.Ctx, n); err != nil {
			err = engine.NewTransientError("failed to save node", err).
				WithCode(engine.ErrCodeRepository).
				WithResource(n.ID)
			op.End(err)
			return nil, err
		}
	}

	if err := s.pruneRemoved(op.Ctx, resolved); err != nil {
		op.End(err)
		return nil, err
	}

	s.logger.Info().
		Str("pipeline_id", resolved.ID).
		Int("nodes", len(resolved.Nodes)).
		Msg("Pipeline submitted")
	s.notify(telemetry.NotificationPipelineSubmitted, resolved.ID, fmt.Sprintf("pipeline %s submitted with %d nodes", resolved.ID, len(resolved.Nodes)))
	op.End(nil)
	return resolved, nil
}

// pruneRemoved deactivates nodes of an earlier submission that the new
// document no longer declares.
func (s *Service) pruneRemoved(ctx context.Context, p *engine.Pipeline) error {
	current, err := s.store.ListNodes(ctx, p.ID)
	if err != nil {
		return engine.NewTransientError("failed to list pipeline nodes", err).
			WithCode(engine.ErrCodeRepository)
	}
	for _, n := range current {
		if _, ok := p.Node(n.ID); ok {
			continue
		}
		if err := s.store.DeleteNode(ctx, n.ID); err != nil {
			return engine.NewTransientError("failed to remove node", err).
				WithCode(engine.ErrCodeRepository).
				WithResource(n.ID)
		}
		s.logger.Info().Str("pipeline_id", p.ID).Str("node_id", n.ID).Msg("Node removed from pipeline")
	}
	return nil
}

// Validate checks a pipeline without saving it and returns its dependency
// graph.
func (s *Service) Validate(ctx context.Context, p *engine.Pipeline) (*engine.DependencyGraph, error) {
	_, graph, err := s.validate(ctx, p)
	return graph, err
}

// ValidateFile parses and validates a pipeline file.
func (s *Service) ValidateFile(ctx context.Context, path string) (*engine.Pipeline, *engine.DependencyGraph, error) {
	p, err := s.parser.ParseFile(path)
	if err != nil {
		return nil, nil, engine.NewPermanentError("failed to parse pipeline", err).WithCode(engine.ErrCodeValidation)
	}
	resolved, graph, err := s.validate(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return resolved, graph, nil
}

func (s *Service) validate(ctx context.Context, p *engine.Pipeline) (*engine.Pipeline, *engine.DependencyGraph, error) {
	resolved := &engine.Pipeline{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Nodes:       make([]*engine.Node, 0, len(p.Nodes)),
	}
	for _, n := range p.Nodes {
		c := n.Clone()
		c.PipelineID = p.ID
		if c.Metadata == nil {
			c.Metadata = make(map[string]interface{})
		}
		c.Metadata["pipelineId"] = p.ID
		resolved.Nodes = append(resolved.Nodes, c)
	}

	if err := resolved.Validate(); err != nil {
		return nil, nil, err
	}

	for _, n := range resolved.Nodes {
		if err := resolveNode(ctx, s.resolver, n); err != nil {
			return nil, nil, err
		}
		if err := s.configs.ValidateNode(s.schemas, n); err != nil {
			return nil, nil, err
		}
		if err := s.validateRules(n); err != nil {
			return nil, nil, err
		}
	}

	graph, err := engine.BuildDependencyGraph(resolved)
	if err != nil {
		return nil, nil, err
	}
	return resolved, graph, nil
}

// validateRules rejects custom rules naming actions the task type lacks.
func (s *Service) validateRules(n *engine.Node) error {
	if n.ControlPolicy == nil {
		return nil
	}
	schema, _ := s.schemas.Get(n.TaskConfig.TaskType)
	for _, rule := range n.ControlPolicy.CustomRules {
		if _, ok := schema.Action(rule.Action); !ok {
			return engine.NewPermanentError(fmt.Sprintf("custom rule %q uses action %q not supported by task type %s", rule.Name, rule.Action, schema.Type), nil).
				WithCode(engine.ErrCodeUnknownAction).
				WithResource(n.ID)
		}
	}
	return nil
}

// Delete removes every node of a pipeline.
func (s *Service) Delete(ctx context.Context, pipelineID string) error {
	nodes, err := s.store.ListNodes(ctx, pipelineID)
	if err != nil {
		return engine.NewTransientError("failed to list nodes", err).WithCode(engine.ErrCodeRepository)
	}
	if len(nodes) == 0 {
		return engine.NewPermanentError(fmt.Sprintf("pipeline %s has no nodes", pipelineID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	for _, n := range nodes {
		if err := s.store.DeleteNode(ctx, n.ID); err != nil {
			return engine.NewTransientError("failed to delete node", err).
				WithCode(engine.ErrCodeRepository).
				WithResource(n.ID)
		}
	}
	s.logger.Info().Str("pipeline_id", pipelineID).Int("nodes", len(nodes)).Msg("Pipeline deleted")
	s.notify(telemetry.NotificationPipelineDeleted, pipelineID, fmt.Sprintf("pipeline %s deleted", pipelineID))
	return nil
}

// Nodes lists the active nodes of a pipeline, or all when pipelineID is
// empty.
func (s *Service) Nodes(ctx context.Context, pipelineID string) ([]*engine.Node, error) {
	return s.store.ListNodes(ctx, pipelineID)
}

// TriggerEvent forwards an externally produced event to the control plane.
func (s *Service) TriggerEvent(ctx context.Context, event engine.Event) error {
	if s.handler == nil {
		return fmt.Errorf("no event handler configured")
	}
	s.logger.Info().
		Str("event_id", event.ID()).
		Str("type", event.Type()).
		Str("source", event.Source()).
		Msg("External event triggered")
	return s.handler.OnEvent(ctx, event)
}

// ExecuteActionByID looks a node up and dispatches a manual action to it.
func (s *Service) ExecuteActionByID(ctx context.Context, nodeID, action string, params map[string]interface{}) (interface{}, error) {
	if s.actions == nil {
		return nil, fmt.Errorf("no action executor configured")
	}
	node, err := s.store.FindByID(ctx, nodeID)
	if err != nil {
		if errors.Is(err, engine.ErrNodeNotFound) {
			s.logger.Warn().Str("node_id", nodeID).Msg("Node not found")
		}
		return nil, err
	}
	return s.actions.ExecuteAction(ctx, node, action, params)
}

func (s *Service) notify(kind, pipelineID, msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(telemetry.Notification{
		Type:       kind,
		PipelineID: pipelineID,
		Message:    msg,
		Level:      telemetry.LevelInfo,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish notification")
	}
}
