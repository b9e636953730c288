package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Registry is an in-memory SchemaRegistry. Reads take a snapshot under a
// read lock; reloads swap the whole map.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*engine.TaskSchema
	logger  zerolog.Logger
}

var _ engine.SchemaRegistry = (*Registry)(nil)

// New creates a registry holding the given schemas.
func New(logger zerolog.Logger, schemas ...*engine.TaskSchema) (*Registry, error) {
	r := &Registry{
		schemas: make(map[string]*engine.TaskSchema, len(schemas)),
		logger:  logger.With().Str("component", "schema-registry").Logger(),
	}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewWithBuiltins creates a registry preloaded with the built-in task types.
func NewWithBuiltins(logger zerolog.Logger) *Registry {
	r, err := New(logger, BuiltinSchemas()...)
	if err != nil {
		// built-in schemas are static and unique
		panic(err)
	}
	return r
}

// Get returns the schema of a task type. Soft-deleted schemas are hidden.
func (r *Registry) Get(taskType string) (*engine.TaskSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[taskType]
	if !ok || s.Deleted {
		return nil, false
	}
	return s, true
}

// List returns the visible schemas ordered by type.
func (r *Registry) List() []*engine.TaskSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*engine.TaskSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		if !s.Deleted {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Register adds a schema. Registering a type twice is an error.
func (r *Registry) Register(schema *engine.TaskSchema) error {
	if schema == nil {
		return fmt.Errorf("schema is nil")
	}
	if err := schema.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[schema.Type]; exists {
		return fmt.Errorf("task type %s is already registered", schema.Type)
	}
	r.schemas[schema.Type] = schema
	r.logger.Debug().
		Str("task_type", schema.Type).
		Int("actions", len(schema.Actions)).
		Int("states", len(schema.States)).
		Msg("Task schema registered")
	return nil
}

// Delete soft-deletes a task type.
func (r *Registry) Delete(taskType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.schemas[taskType]
	if !ok {
		return fmt.Errorf("task type %s is not registered", taskType)
	}
	c := *s
	c.Deleted = true
	r.schemas[taskType] = &c
	return nil
}

// Replace swaps the registry contents for the given schemas. Types present
// in keep but absent from schemas are carried over, so file reloads never
// drop the built-in types.
func (r *Registry) Replace(schemas []*engine.TaskSchema, keep ...*engine.TaskSchema) error {
	next := make(map[string]*engine.TaskSchema, len(schemas)+len(keep))
	for _, s := range keep {
		next[s.Type] = s
	}
	seen := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Type] {
			return fmt.Errorf("task type %s is defined more than once", s.Type)
		}
		seen[s.Type] = true
		next[s.Type] = s
	}

	r.mu.Lock()
	r.schemas = next
	r.mu.Unlock()

	r.logger.Info().Int("count", len(next)).Msg("Task schemas replaced")
	return nil
}
