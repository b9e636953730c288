package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Notification is an in-process operational notice, such as an alert
// raised by a node's alertWhen expression. It is not a pipeline event and
// never reaches the control plane.
type Notification struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	PipelineID string                 `json:"pipeline_id,omitempty"`
	NodeID     string                 `json:"node_id,omitempty"`
	EventID    string                 `json:"event_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Notification types.
const (
	NotificationNodeAlert         = "node.alert"
	NotificationNodeSkipped       = "node.skipped"
	NotificationPipelineSubmitted = "pipeline.submitted"
	NotificationPipelineDeleted   = "pipeline.deleted"
	NotificationSchemasReloaded   = "schemas.reloaded"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Subscriber handles a notification.
type Subscriber func(n Notification)

// Filter selects notifications.
type Filter func(n Notification) bool

// EventPublisher fans notifications out to subscribers, asynchronously
// through a bounded buffer when configured.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Notification
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber Subscriber
	filter     Filter
}

// NewEventPublisher creates a new publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{config: cfg, ctx: ctx, cancel: cancel}
	if !cfg.Enabled {
		return ep
	}
	if cfg.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	if cfg.EnableAsync {
		ep.buffer = make(chan Notification, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish delivers n to subscribers. With async delivery it fails rather
// than blocks when the buffer is full.
func (ep *EventPublisher) Publish(n Notification) error {
	if !ep.config.Enabled {
		return nil
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	if ep.buffer == nil {
		ep.deliver(n)
		return nil
	}
	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- n:
		return nil
	default:
		return fmt.Errorf("event buffer full, notification dropped")
	}
}

// Subscribe adds a subscriber. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(subscriber Subscriber, filter Filter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Notification, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, n := range batch {
			ep.deliver(n)
		}
		batch = batch[:0]
	}

	for {
		select {
		case n := <-ep.buffer:
			batch = append(batch, n)
			// Drain whatever is already queued before delivering.
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case more := <-ep.buffer:
					batch = append(batch, more)
					continue
				default:
				}
				break
			}
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case n := <-ep.buffer:
					batch = append(batch, n)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(n Notification) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(n) {
			continue
		}
		entry.subscriber(n)
	}
}

// Shutdown stops the publisher after delivering buffered notifications.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel passes notifications at or above minLevel.
func FilterByLevel(minLevel string) Filter {
	levels := map[string]int{LevelInfo: 0, LevelWarning: 1, LevelError: 2}
	min := levels[minLevel]
	return func(n Notification) bool {
		return levels[n.Level] >= min
	}
}

// FilterByType passes notifications of the given types.
func FilterByType(types ...string) Filter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(n Notification) bool {
		return set[n.Type]
	}
}

// FilterByPipeline passes notifications of one pipeline.
func FilterByPipeline(pipelineID string) Filter {
	return func(n Notification) bool {
		return n.PipelineID == pipelineID
	}
}

// Hooks publishes alert and skip notifications and then forwards to Next.
// It implements engine.Hooks.
type Hooks struct {
	Events *EventPublisher
	Next   engine.Hooks
	Logger *Logger
}

var _ engine.Hooks = (*Hooks)(nil)

// Alert implements engine.Hooks.
func (h *Hooks) Alert(ctx context.Context, node *engine.Node, event engine.Event) {
	h.publish(NotificationNodeAlert, LevelWarning, node, event,
		fmt.Sprintf("alert condition met on node %s (event %s)", node.ID, event.Type()))
	if h.Next != nil {
		h.Next.Alert(ctx, node, event)
	}
}

// Skip implements engine.Hooks.
func (h *Hooks) Skip(ctx context.Context, node *engine.Node, event engine.Event) {
	h.publish(NotificationNodeSkipped, LevelInfo, node, event,
		fmt.Sprintf("node %s skipped (event %s)", node.ID, event.Type()))
	if h.Next != nil {
		h.Next.Skip(ctx, node, event)
	}
}

func (h *Hooks) publish(kind, level string, node *engine.Node, event engine.Event, msg string) {
	if h.Events == nil {
		return
	}
	err := h.Events.Publish(Notification{
		Type:       kind,
		PipelineID: node.PipelineID,
		NodeID:     node.ID,
		EventID:    event.ID(),
		Message:    msg,
		Level:      level,
		Data: map[string]interface{}{
			"event_type":   event.Type(),
			"event_source": event.Source(),
			"node_status":  node.Status,
		},
	})
	if err != nil && h.Logger != nil {
		h.Logger.WithError(err).WithNodeID(node.ID).Warn("Failed to publish notification")
	}
}
