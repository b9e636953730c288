package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// TaskDefinition is a versioned task template from a catalog.
type TaskDefinition struct {
	Namespace string                 `yaml:"namespace" validate:"required"`
	Name      string                 `yaml:"name" validate:"required"`
	Version   string                 `yaml:"version" validate:"required"`
	TaskType  string                 `yaml:"taskType" validate:"required"`
	Config    map[string]interface{} `yaml:"config,omitempty"`
}

// Ref returns the definition's catalog reference.
func (d TaskDefinition) Ref() engine.TaskDefinitionRef {
	return engine.TaskDefinitionRef{Namespace: d.Namespace, Name: d.Name, Version: d.Version}
}

// TaskDefinitionResolver looks up task templates referenced by nodes.
type TaskDefinitionResolver interface {
	Resolve(ctx context.Context, ref engine.TaskDefinitionRef) (*TaskDefinition, error)
}

// StaticCatalog is an in-memory TaskDefinitionResolver.
type StaticCatalog struct {
	mu   sync.RWMutex
	defs map[engine.TaskDefinitionRef]TaskDefinition
}

var _ TaskDefinitionResolver = (*StaticCatalog)(nil)

// NewStaticCatalog creates a catalog holding defs.
func NewStaticCatalog(defs ...TaskDefinition) *StaticCatalog {
	c := &StaticCatalog{defs: make(map[engine.TaskDefinitionRef]TaskDefinition, len(defs))}
	for _, d := range defs {
		c.defs[d.Ref()] = d
	}
	return c
}

// LoadCatalogFile reads a YAML list of task definitions.
func LoadCatalogFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	var file struct {
		Definitions []TaskDefinition `yaml:"definitions" validate:"dive"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return NewStaticCatalog(file.Definitions...), nil
}

// Add registers or replaces a definition.
func (c *StaticCatalog) Add(def TaskDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Ref()] = def
}

// Resolve implements TaskDefinitionResolver.
func (c *StaticCatalog) Resolve(_ context.Context, ref engine.TaskDefinitionRef) (*TaskDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[ref]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("task definition %s not found", ref), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return &def, nil
}

// resolveNode fills in the task type of a node that references a template.
// Node config keys override template config keys.
func resolveNode(ctx context.Context, resolver TaskDefinitionResolver, node *engine.Node) error {
	refText := node.TaskConfig.TaskDefinitionRef
	if refText == "" || node.TaskConfig.TaskType != "" {
		return nil
	}
	if resolver == nil {
		return engine.NewPermanentError("node references a task definition but no catalog is configured", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(node.ID)
	}
	ref, err := engine.ParseTaskDefinitionRef(refText)
	if err != nil {
		return engine.NewPermanentError("invalid task definition reference", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(node.ID)
	}
	def, err := resolver.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("node %s: %w", node.ID, err)
	}

	merged := make(map[string]interface{}, len(def.Config)+len(node.TaskConfig.Config))
	for k, v := range def.Config {
		merged[k] = v
	}
	for k, v := range node.TaskConfig.Config {
		merged[k] = v
	}
	node.TaskConfig.TaskType = def.TaskType
	node.TaskConfig.Config = merged
	return nil
}
