package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// ConfigValidator checks node task configs against the executionConfigSchema
// of their task type. Schemas are OpenAPI 3 schema objects.
type ConfigValidator struct {
	compiled sync.Map // *engine.TaskSchema -> *openapi3.Schema
}

// NewConfigValidator creates a validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{}
}

// Validate checks config against schema.ExecutionConfigSchema. A task type
// without a config schema accepts any config.
func (v *ConfigValidator) Validate(schema *engine.TaskSchema, config map[string]interface{}) error {
	if schema == nil || len(schema.ExecutionConfigSchema) == 0 {
		return nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}

	if config == nil {
		config = map[string]interface{}{}
	}
	value, err := jsonValue(config)
	if err != nil {
		return fmt.Errorf("task type %s: config is not JSON-encodable: %w", schema.Type, err)
	}
	if err := compiled.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return fmt.Errorf("task type %s: invalid config: %w", schema.Type, err)
	}
	return nil
}

// ValidateNode resolves the node's task type and validates its config.
func (v *ConfigValidator) ValidateNode(schemas engine.SchemaRegistry, node *engine.Node) error {
	schema, ok := schemas.Get(node.TaskConfig.TaskType)
	if !ok {
		return engine.NewPermanentError("unknown task type", nil).
			WithCode(engine.ErrCodeUnknownTaskType).
			WithResource(node.ID).
			WithDetail("task_type", node.TaskConfig.TaskType)
	}
	if err := v.Validate(schema, node.TaskConfig.Config); err != nil {
		return engine.NewPermanentError("invalid task config", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(node.ID)
	}
	return nil
}

func (v *ConfigValidator) compile(schema *engine.TaskSchema) (*openapi3.Schema, error) {
	if cached, ok := v.compiled.Load(schema); ok {
		return cached.(*openapi3.Schema), nil
	}

	raw, err := json.Marshal(schema.ExecutionConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("task type %s: invalid config schema: %w", schema.Type, err)
	}
	compiled := openapi3.NewSchema()
	if err := compiled.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("task type %s: invalid config schema: %w", schema.Type, err)
	}

	v.compiled.Store(schema, compiled)
	return compiled, nil
}

// jsonValue converts v to the plain JSON types the schema visitor expects.
func jsonValue(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
