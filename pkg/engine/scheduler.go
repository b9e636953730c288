package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
)

// PartitionedScheduler processes events concurrently across a fixed set of
// workers. Events are partitioned by pipeline id (falling back to the source
// node id, then the raw source) so that all events of one pipeline are
// handled in arrival order by the same worker. This serializes the per-node
// read-modify-write of the state-update phase without a global lock.
type PartitionedScheduler struct {
	handler EventHandler
	queues  []chan job
	logger  zerolog.Logger

	mu      sync.RWMutex
	wg      sync.WaitGroup
	started bool
	stopped bool
}

type job struct {
	ctx    context.Context
	event  Event
	result chan error
}

// NewPartitionedScheduler creates a scheduler with the given worker count
// and per-worker queue size.
func NewPartitionedScheduler(handler EventHandler, workers, queueSize int, logger zerolog.Logger) *PartitionedScheduler {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	queues := make([]chan job, workers)
	for i := range queues {
		queues[i] = make(chan job, queueSize)
	}
	return &PartitionedScheduler{
		handler: handler,
		queues:  queues,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the workers. They exit when Stop is called.
func (s *PartitionedScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for i, q := range s.queues {
		s.wg.Add(1)
		go s.worker(i, q)
	}
	s.logger.Info().Int("workers", len(s.queues)).Msg("Scheduler started")
}

// Submit enqueues an event and returns a channel that receives the handler
// result. It blocks while the target partition is full.
func (s *PartitionedScheduler) Submit(ctx context.Context, event Event) <-chan error {
	result := make(chan error, 1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		result <- fmt.Errorf("scheduler stopped")
		return result
	}

	q := s.queues[s.partition(event)]
	select {
	case q <- job{ctx: ctx, event: event, result: result}:
	case <-ctx.Done():
		result <- ctx.Err()
	}
	return result
}

// Stop drains the queues and waits for in-flight events to finish.
func (s *PartitionedScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *PartitionedScheduler) worker(id int, q <-chan job) {
	defer s.wg.Done()
	for j := range q {
		if err := j.ctx.Err(); err != nil {
			j.result <- err
			continue
		}
		err := s.handler.OnEvent(j.ctx, j.event)
		if err != nil {
			s.logger.Error().Err(err).
				Int("worker", id).
				Str("event_id", j.event.ID()).
				Msg("Event processing failed")
		}
		j.result <- err
	}
}

// PartitionKey returns the key used to route an event to a worker.
func PartitionKey(event Event) string {
	if id := event.PipelineID(); id != "" {
		return id
	}
	if id, ok := event.SourceNodeID(); ok {
		return id
	}
	return event.Source()
}

func (s *PartitionedScheduler) partition(event Event) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(PartitionKey(event)))
	return int(h.Sum32() % uint32(len(s.queues)))
}
