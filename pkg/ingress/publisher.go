package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// StreamPublisher is the JetStream publish call.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// CorePublisher is the plain NATS publish call.
type CorePublisher interface {
	Publish(subject string, data []byte) error
}

// Publisher emits events to the stream and notifications to NATS. It
// implements executor.Emitter and engine.Hooks.
type Publisher struct {
	js           StreamPublisher
	nc           CorePublisher
	prefix       string
	notifyPrefix string
	logger       zerolog.Logger
}

// NewPublisher builds a publisher. nc may be nil, in which case alert and
// skip notifications are only logged.
func NewPublisher(cfg Config, js StreamPublisher, nc CorePublisher, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:           js,
		nc:           nc,
		prefix:       cfg.PublishPrefix,
		notifyPrefix: cfg.NotificationPrefix,
		logger:       logger.With().Str("component", "publisher").Logger(),
	}
}

// Emit publishes an event on {prefix}.{pipelineId}.{type}. The event id is
// the JetStream message id, so a retried emit is deduplicated.
func (p *Publisher) Emit(ctx context.Context, event engine.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	subject := EventSubject(p.prefix, event)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID())); err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to publish event %s", event.ID()), err).
			WithCode(engine.ErrCodeInternal).
			WithOperation("publish").
			WithDetail("subject", subject)
	}
	p.logger.Debug().
		Str("subject", subject).
		Str("event_id", event.ID()).
		Msg("Event published")
	return nil
}

// Alert implements engine.Hooks.
func (p *Publisher) Alert(_ context.Context, node *engine.Node, event engine.Event) {
	p.notify("alert", node, event)
}

// Skip implements engine.Hooks.
func (p *Publisher) Skip(_ context.Context, node *engine.Node, event engine.Event) {
	p.notify("skip", node, event)
}

type notification struct {
	Kind       string    `json:"kind"`
	PipelineID string    `json:"pipelineId,omitempty"`
	NodeID     string    `json:"nodeId"`
	Status     string    `json:"status,omitempty"`
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	Time       time.Time `json:"time"`
}

func (p *Publisher) notify(kind string, node *engine.Node, event engine.Event) {
	if p.nc == nil || p.notifyPrefix == "" {
		return
	}
	data, err := json.Marshal(notification{
		Kind:       kind,
		PipelineID: node.PipelineID,
		NodeID:     node.ID,
		Status:     node.Status,
		EventID:    event.ID(),
		EventType:  event.Type(),
		Time:       time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to encode notification")
		return
	}
	subject := p.notifyPrefix + "." + kind
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish notification")
	}
}

// EventSubject returns the subject an event is published on. Tokens are
// sanitised so wildcards and whitespace never reach the subject.
func EventSubject(prefix string, event engine.Event) string {
	pipeline := event.PipelineID()
	if pipeline == "" {
		pipeline = "_"
	}
	return prefix + "." + subjectToken(pipeline) + "." + subjectToken(event.Type())
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '*' || r == '>' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return '_'
		default:
			return r
		}
	}, s)
}
