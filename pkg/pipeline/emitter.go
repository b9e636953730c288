package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/executor"
)

// Submitter queues an event for processing. *engine.PartitionedScheduler
// implements it.
type Submitter interface {
	Submit(ctx context.Context, event engine.Event) <-chan error
}

// LocalEmitter feeds events produced by in-process task handlers back into
// the scheduler. Emit never waits for processing: a handler runs on the
// worker that owns its pipeline, and waiting there would deadlock. Events
// are submitted in the order they were emitted.
type LocalEmitter struct {
	sched  Submitter
	logger zerolog.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	queue    []queuedEvent
	pending  int // queued or submitted but not yet processed
	draining bool
}

type queuedEvent struct {
	ctx   context.Context
	event engine.Event
}

var _ executor.Emitter = (*LocalEmitter)(nil)

// NewLocalEmitter creates an emitter that submits to sched.
func NewLocalEmitter(sched Submitter, logger zerolog.Logger) *LocalEmitter {
	e := &LocalEmitter{
		sched:  sched,
		logger: logger.With().Str("component", "local-emitter").Logger(),
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Emit implements executor.Emitter.
func (e *LocalEmitter) Emit(ctx context.Context, event engine.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, queuedEvent{ctx: context.WithoutCancel(ctx), event: event})
	e.pending++
	if !e.draining {
		e.draining = true
		go e.drain()
	}
	return nil
}

// drain submits queued events one at a time; results are awaited on
// their own goroutines.
func (e *LocalEmitter) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = queuedEvent{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		go e.settle(next.event, e.sched.Submit(next.ctx, next.event))
	}
}

func (e *LocalEmitter) settle(event engine.Event, result <-chan error) {
	if err := <-result; err != nil {
		e.logger.Error().
			Err(err).
			Str("event_id", event.ID()).
			Str("type", event.Type()).
			Msg("Emitted event failed")
	}
	e.mu.Lock()
	e.pending--
	if e.pending == 0 {
		e.idle.Broadcast()
	}
	e.mu.Unlock()
}

// Wait blocks until every emitted event, including events emitted while
// handling them, has been processed.
func (e *LocalEmitter) Wait() {
	e.mu.Lock()
	for e.pending > 0 {
		e.idle.Wait()
	}
	e.mu.Unlock()
}
