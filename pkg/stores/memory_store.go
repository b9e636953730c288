package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// MemoryNodeStore is an in-process Store.
type MemoryNodeStore struct {
	mu         sync.RWMutex
	nodes      map[string]*engine.Node
	deleted    map[string]bool
	events     []*EventRecord
	dispatches []*DispatchRecord
}

var _ Store = (*MemoryNodeStore)(nil)

// NewMemoryNodeStore creates a store seeded with the given nodes.
func NewMemoryNodeStore(nodes ...*engine.Node) *MemoryNodeStore {
	s := &MemoryNodeStore{
		nodes:   make(map[string]*engine.Node, len(nodes)),
		deleted: make(map[string]bool),
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n.Clone()
	}
	return s
}

// FindByID returns a copy of the node.
func (s *MemoryNodeStore) FindByID(_ context.Context, nodeID string) (*engine.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, engine.ErrNodeNotFound)
	}
	return n.Clone(), nil
}

// FindAllActiveNodes returns copies of all nodes that are not deleted,
// ordered by pipeline and id.
func (s *MemoryNodeStore) FindAllActiveNodes(ctx context.Context) ([]*engine.Node, error) {
	return s.ListNodes(ctx, "")
}

// ListNodes returns the active nodes of one pipeline, or all of them.
func (s *MemoryNodeStore) ListNodes(_ context.Context, pipelineID string) ([]*engine.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*engine.Node, 0, len(s.nodes))
	for id, n := range s.nodes {
		if s.deleted[id] {
			continue
		}
		if pipelineID != "" && n.PipelineID != pipelineID {
			continue
		}
		out = append(out, n.Clone())
	}
	sortNodes(out)
	return out, nil
}

// Save inserts or replaces a node and revives it if it was deleted.
func (s *MemoryNodeStore) Save(_ context.Context, node *engine.Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[node.ID] = node.Clone()
	delete(s.deleted, node.ID)
	return nil
}

// UpdateNode applies fn to the stored node under the store lock.
func (s *MemoryNodeStore) UpdateNode(_ context.Context, nodeID string, fn func(*engine.Node) error) (*engine.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.nodes[nodeID]
	if !ok || s.deleted[nodeID] {
		return nil, fmt.Errorf("node %s: %w", nodeID, engine.ErrNodeNotFound)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	s.nodes[nodeID] = next
	return next.Clone(), nil
}

// DeleteNode soft-deletes a node.
func (s *MemoryNodeStore) DeleteNode(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[nodeID]; !ok {
		return fmt.Errorf("node %s: %w", nodeID, engine.ErrNodeNotFound)
	}
	s.deleted[nodeID] = true
	return nil
}

// AppendEvent records an event in the log.
func (s *MemoryNodeStore) AppendEvent(_ context.Context, event engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := eventRecord(event)
	rec.ID = int64(len(s.events) + 1)
	s.events = append(s.events, rec)
	return nil
}

// ListEvents returns logged events matching the filter, oldest first.
func (s *MemoryNodeStore) ListEvents(_ context.Context, filter EventFilter) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EventRecord
	skipped := 0
	for _, rec := range s.events {
		if filter.PipelineID != "" && rec.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Source != "" && rec.Source != filter.Source {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		c := *rec
		out = append(out, &c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// RecordDispatch appends an audit entry.
func (s *MemoryNodeStore) RecordDispatch(_ context.Context, rec *DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *rec
	c.ID = int64(len(s.dispatches) + 1)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.dispatches = append(s.dispatches, &c)
	rec.ID = c.ID
	return nil
}

// ListDispatches returns the audit entries of a node, newest first.
func (s *MemoryNodeStore) ListDispatches(_ context.Context, nodeID string, limit int) ([]*DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DispatchRecord
	for i := len(s.dispatches) - 1; i >= 0; i-- {
		rec := s.dispatches[i]
		if nodeID != "" && rec.NodeID != nodeID {
			continue
		}
		c := *rec
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryNodeStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryNodeStore) Close() error { return nil }

func sortNodes(nodes []*engine.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].PipelineID != nodes[j].PipelineID {
			return nodes[i].PipelineID < nodes[j].PipelineID
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func eventRecord(event engine.Event) *EventRecord {
	return &EventRecord{
		EventID:       event.ID(),
		Type:          event.Type(),
		Source:        event.Source(),
		PipelineID:    event.PipelineID(),
		ExecutionID:   event.ExecutionID(),
		CorrelationID: event.CorrelationID(),
		Payload:       event.Payload(),
		OccurredAt:    event.Time(),
		ReceivedAt:    time.Now().UTC(),
	}
}
