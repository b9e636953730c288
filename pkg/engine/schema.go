package engine

import (
	"fmt"
	"strings"
)

// Standard action names.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionRetry   = "retry"
	ActionPause   = "pause"
	ActionResume  = "resume"
)

// Standard event names.
const (
	EventStarted   = "started"
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
	EventStopped   = "stopped"
	EventPaused    = "paused"
	EventResumed   = "resumed"
)

// Standard state names.
const (
	StateStatus     = "status"
	StateProgress   = "progress"
	StateMetrics    = "metrics"
	StateCheckpoint = "checkpoint"
)

// AccessProtocol is the wire mechanism used to reach an action or state.
type AccessProtocol string

const (
	ProtocolHTTP     AccessProtocol = "HTTP"
	ProtocolGRPC     AccessProtocol = "GRPC"
	ProtocolInternal AccessProtocol = "INTERNAL"
	ProtocolK8S      AccessProtocol = "K8S"
)

// ParseAccessProtocol parses a protocol name case-insensitively.
func ParseAccessProtocol(s string) (AccessProtocol, error) {
	switch p := AccessProtocol(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProtocolHTTP, ProtocolGRPC, ProtocolInternal, ProtocolK8S:
		return p, nil
	default:
		return "", fmt.Errorf("unknown access protocol %q", s)
	}
}

// Valid reports whether p is one of the known protocols.
func (p AccessProtocol) Valid() bool {
	_, err := ParseAccessProtocol(string(p))
	return err == nil
}

// ActionDefinition is a single invokable behavior of a task type.
type ActionDefinition struct {
	Name           string                 `json:"name" yaml:"name" validate:"required"`
	Description    string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Protocol       AccessProtocol         `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Endpoint       string                 `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ProtocolConfig map[string]interface{} `json:"protocolConfig,omitempty" yaml:"protocolConfig,omitempty"`
}

// EventDefinition documents an event a task type emits.
type EventDefinition struct {
	Name          string                 `json:"name" yaml:"name" validate:"required"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	PayloadSchema map[string]interface{} `json:"payloadSchema,omitempty" yaml:"payloadSchema,omitempty"`
}

// StateDefinition is a single queryable value of a task type.
type StateDefinition struct {
	Name           string                 `json:"name" yaml:"name" validate:"required"`
	Description    string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Type           string                 `json:"type,omitempty" yaml:"type,omitempty"`
	Protocol       AccessProtocol         `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Endpoint       string                 `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ProtocolConfig map[string]interface{} `json:"protocolConfig,omitempty" yaml:"protocolConfig,omitempty"`
	ValueSchema    map[string]interface{} `json:"valueSchema,omitempty" yaml:"valueSchema,omitempty"`
	PossibleValues []string               `json:"possibleValues,omitempty" yaml:"possibleValues,omitempty"`
	Terminal       bool                   `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// ExecutorConfig carries per-task-type executor defaults.
type ExecutorConfig struct {
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"`
}

// TaskSchema is the capability contract of a task type.
// Instances are shared and must not be mutated after registration.
type TaskSchema struct {
	Type                  string                      `json:"type" yaml:"type" validate:"required"`
	Description           string                      `json:"description,omitempty" yaml:"description,omitempty"`
	Actions               map[string]ActionDefinition `json:"actions" yaml:"actions"`
	Events                []EventDefinition           `json:"events,omitempty" yaml:"events,omitempty" validate:"dive"`
	States                map[string]StateDefinition  `json:"states,omitempty" yaml:"states,omitempty"`
	Executor              ExecutorConfig              `json:"executor,omitempty" yaml:"executor,omitempty"`
	ExecutionConfigSchema map[string]interface{}      `json:"executionConfigSchema,omitempty" yaml:"executionConfigSchema,omitempty"`
	Deleted               bool                        `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	CreatedBy             string                      `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
}

// NewTaskSchema builds a schema from action and state lists, rejecting
// duplicate names.
func NewTaskSchema(taskType string, actions []ActionDefinition, states []StateDefinition) (*TaskSchema, error) {
	s := &TaskSchema{
		Type:    taskType,
		Actions: make(map[string]ActionDefinition, len(actions)),
		States:  make(map[string]StateDefinition, len(states)),
	}
	for _, a := range actions {
		if _, dup := s.Actions[a.Name]; dup {
			return nil, fmt.Errorf("task type %s: duplicate action %q", taskType, a.Name)
		}
		s.Actions[a.Name] = a
	}
	for _, st := range states {
		if _, dup := s.States[st.Name]; dup {
			return nil, fmt.Errorf("task type %s: duplicate state %q", taskType, st.Name)
		}
		s.States[st.Name] = st
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Action looks up an action definition by name.
func (s *TaskSchema) Action(name string) (ActionDefinition, bool) {
	a, ok := s.Actions[name]
	return a, ok
}

// State looks up a state definition by name.
func (s *TaskSchema) State(name string) (StateDefinition, bool) {
	st, ok := s.States[name]
	return st, ok
}

// HasEvent reports whether the schema declares an event name.
func (s *TaskSchema) HasEvent(name string) bool {
	for _, e := range s.Events {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Validate checks that map keys agree with definition names and that
// protocols are known.
func (s *TaskSchema) Validate() error {
	if err := validate.Struct(s); err != nil {
		return NewPermanentError("invalid task schema", err).WithCode(ErrCodeValidation)
	}
	for key, a := range s.Actions {
		if a.Name != key {
			return fmt.Errorf("task type %s: action key %q does not match name %q", s.Type, key, a.Name)
		}
		if a.Protocol != "" && !a.Protocol.Valid() {
			return fmt.Errorf("task type %s: action %s: unknown protocol %q", s.Type, key, a.Protocol)
		}
	}
	for key, st := range s.States {
		if st.Name != key {
			return fmt.Errorf("task type %s: state key %q does not match name %q", s.Type, key, st.Name)
		}
		if st.Protocol != "" && !st.Protocol.Valid() {
			return fmt.Errorf("task type %s: state %s: unknown protocol %q", s.Type, key, st.Protocol)
		}
	}
	return nil
}
