package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/telemetry"
)

// Message outcomes, also used as metric labels.
const (
	OutcomeAck     = "ack"
	OutcomeNak     = "nak"
	OutcomeTerm    = "term"
	OutcomeIgnored = "ignored"
)

// Message is the part of a JetStream message the consumer acts on.
type Message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
	Term() error
}

// Submitter hands events to the scheduler.
type Submitter interface {
	Submit(ctx context.Context, event engine.Event) <-chan error
}

// EventLog records every accepted event.
type EventLog interface {
	AppendEvent(ctx context.Context, event engine.Event) error
}

// Archiver copies handled events to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, event engine.Event) error
}

// Consumer pulls events from a durable JetStream consumer.
type Consumer struct {
	cfg      Config
	sched    Submitter
	matcher  engine.EventMatcher
	events   EventLog
	archiver Archiver
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithEventLog records accepted events before they are handled.
func WithEventLog(log EventLog) ConsumerOption {
	return func(c *Consumer) { c.events = log }
}

// WithArchiver archives events after they are handled.
func WithArchiver(a Archiver) ConsumerOption {
	return func(c *Consumer) { c.archiver = a }
}

// WithMetrics counts message outcomes.
func WithMetrics(m *telemetry.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithTracer starts a consumer span per message.
func WithTracer(t *telemetry.Tracer) ConsumerOption {
	return func(c *Consumer) { c.tracer = t }
}

// NewConsumer builds a consumer. The source and type globs in cfg filter
// incoming events.
func NewConsumer(cfg Config, sched Submitter, logger zerolog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	matcher, err := engine.NewPatternMatcher(cfg.Sources, cfg.Types)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		cfg:     cfg,
		sched:   sched,
		matcher: matcher,
		logger:  logger.With().Str("component", "ingress").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run creates the durable consumer on stream and processes messages until
// ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, stream jetstream.Stream) error {
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    c.cfg.Durable,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    c.cfg.AckWait,
		MaxDeliver: c.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}

	c.logger.Info().
		Str("durable", c.cfg.Durable).
		Int("batch", c.cfg.fetchBatch()).
		Msg("Event consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Event consumer stopped")
			return nil
		default:
		}

		msgs, err := consumer.Fetch(c.cfg.fetchBatch(), jetstream.FetchMaxWait(c.cfg.fetchWait()))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("Fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		batch := make([]Message, 0, c.cfg.fetchBatch())
		for msg := range msgs.Messages() {
			batch = append(batch, msg)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && ctx.Err() == nil {
			c.logger.Debug().Err(err).Msg("Fetch ended with error")
		}
		c.HandleBatch(ctx, batch)
	}
}

type pending struct {
	msg    Message
	event  engine.Event
	result <-chan error
	end    func(error)
}

// HandleBatch processes messages in order. Events are submitted one by one
// so per-pipeline order is kept, then results are awaited and each message
// is settled.
func (c *Consumer) HandleBatch(ctx context.Context, batch []Message) {
	inflight := make([]pending, 0, len(batch))
	for _, msg := range batch {
		p, ok := c.accept(ctx, msg)
		if ok {
			inflight = append(inflight, p)
		}
	}
	for _, p := range inflight {
		c.settle(ctx, p, <-p.result)
	}
}

// accept decodes and filters a message and submits its event.
func (c *Consumer) accept(ctx context.Context, msg Message) (pending, bool) {
	var event engine.Event
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		c.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("Terminating malformed event")
		c.finish(msg, OutcomeTerm)
		return pending{}, false
	}
	if !c.matcher.Matches(event) {
		c.finish(msg, OutcomeIgnored)
		return pending{}, false
	}
	ctx = telemetry.WithEventContext(ctx, event)

	end := func(error) {}
	if c.tracer != nil {
		spanCtx, span := c.tracer.StartConsumeSpan(ctx, msg.Subject(), event.ID())
		ctx = spanCtx
		end = func(err error) {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
	}

	if c.events != nil {
		if err := c.events.AppendEvent(ctx, event); err != nil {
			c.logger.Warn().Err(err).Str("event_id", event.ID()).Msg("Failed to record event")
		}
	}
	return pending{msg: msg, event: event, result: c.sched.Submit(ctx, event), end: end}, true
}

func (c *Consumer) settle(ctx context.Context, p pending, err error) {
	p.end(err)
	logger := c.logger.With().
		Str("event_id", p.event.ID()).
		Str("event_type", p.event.Type()).
		Logger()

	switch {
	case err == nil:
		c.finish(p.msg, OutcomeAck)
		c.archive(ctx, p.event)
	case engine.IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Msg("Event handling failed, redelivering")
		c.metrics.RecordError(err)
		c.finish(p.msg, OutcomeNak)
	default:
		logger.Error().Err(err).Msg("Event handling failed permanently")
		c.metrics.RecordError(err)
		c.finish(p.msg, OutcomeTerm)
	}
}

func (c *Consumer) finish(msg Message, outcome string) {
	var err error
	switch outcome {
	case OutcomeAck, OutcomeIgnored:
		err = msg.Ack()
	case OutcomeNak:
		err = msg.Nak()
	case OutcomeTerm:
		err = msg.Term()
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("outcome", outcome).Msg("Failed to settle message")
	}
	c.metrics.RecordMessageConsumed(outcome)
}

func (c *Consumer) archive(ctx context.Context, event engine.Event) {
	if c.archiver == nil {
		return
	}
	if err := c.archiver.Archive(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("event_id", event.ID()).Msg("Failed to archive event")
		c.metrics.RecordEventArchived("error")
		return
	}
	c.metrics.RecordEventArchived("ok")
}
