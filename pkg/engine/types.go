package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// Event is an immutable notification that drives control-plane decisions.
// Construct it with NewEvent; accessors return copies of the mutable parts.
type Event struct {
	id            string
	eventType     string
	source        string
	time          time.Time
	pipelineID    string
	executionID   string
	correlationID string
	payload       map[string]interface{}
	attributes    map[string]string
}

// EventOption configures optional Event fields at construction time.
type EventOption func(*Event)

// WithEventID sets an explicit event id instead of a generated one.
func WithEventID(id string) EventOption {
	return func(e *Event) { e.id = id }
}

// WithTime sets the time the event occurred.
func WithTime(t time.Time) EventOption {
	return func(e *Event) { e.time = t }
}

// WithPipelineID sets the pipeline the event belongs to.
func WithPipelineID(id string) EventOption {
	return func(e *Event) { e.pipelineID = id }
}

// WithExecutionID sets the run or deployment instance of the producer.
func WithExecutionID(id string) EventOption {
	return func(e *Event) { e.executionID = id }
}

// WithCorrelationID sets the cross-execution business correlation id.
func WithCorrelationID(id string) EventOption {
	return func(e *Event) { e.correlationID = id }
}

// WithPayload sets the business payload. The map is copied.
func WithPayload(payload map[string]interface{}) EventOption {
	return func(e *Event) { e.payload = cloneMap(payload) }
}

// WithAttributes sets string metadata such as tracing headers. The map is copied.
func WithAttributes(attrs map[string]string) EventOption {
	return func(e *Event) { e.attributes = cloneStrings(attrs) }
}

// NewEvent builds an event. A uuid id and the current time are assigned
// unless provided through options.
func NewEvent(eventType, source string, opts ...EventOption) Event {
	e := Event{
		eventType: eventType,
		source:    source,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.id == "" {
		e.id = uuid.New().String()
	}
	if e.time.IsZero() {
		e.time = time.Now().UTC()
	}
	return e
}

func (e Event) ID() string            { return e.id }
func (e Event) Type() string          { return e.eventType }
func (e Event) Source() string        { return e.source }
func (e Event) Time() time.Time       { return e.time }
func (e Event) PipelineID() string    { return e.pipelineID }
func (e Event) ExecutionID() string   { return e.executionID }
func (e Event) CorrelationID() string { return e.correlationID }

// Payload returns a copy of the event payload.
func (e Event) Payload() map[string]interface{} { return cloneMap(e.payload) }

// Attributes returns a copy of the event attributes.
func (e Event) Attributes() map[string]string { return cloneStrings(e.attributes) }

// Attribute returns a single attribute value.
func (e Event) Attribute(key string) (string, bool) {
	v, ok := e.attributes[key]
	return v, ok
}

// SourceNodeID returns the node id encoded in the event source, if any.
func (e Event) SourceNodeID() (string, bool) {
	return NodeIDFromSource(e.source)
}

// IsFromNode reports whether the event source ends with /nodes/{nodeID}.
func (e Event) IsFromNode(nodeID string) bool {
	return nodeID != "" && strings.HasSuffix(e.source, "/nodes/"+nodeID)
}

type eventJSON struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	Time          time.Time              `json:"time"`
	PipelineID    string                 `json:"pipelineId,omitempty"`
	ExecutionID   string                 `json:"executionId,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Attributes    map[string]string      `json:"attributes,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:            e.id,
		Type:          e.eventType,
		Source:        e.source,
		Time:          e.time,
		PipelineID:    e.pipelineID,
		ExecutionID:   e.executionID,
		CorrelationID: e.correlationID,
		Payload:       e.payload,
		Attributes:    e.attributes,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Missing id and time are filled in.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		return fmt.Errorf("event type is required")
	}
	*e = NewEvent(raw.Type, raw.Source,
		WithEventID(raw.ID),
		WithTime(raw.Time),
		WithPipelineID(raw.PipelineID),
		WithExecutionID(raw.ExecutionID),
		WithCorrelationID(raw.CorrelationID),
		WithPayload(raw.Payload),
		WithAttributes(raw.Attributes),
	)
	return nil
}

// NodeIDFromSource extracts the node id from a source of the form
// /pipelines/{pipelineId}/nodes/{nodeId}.
func NodeIDFromSource(source string) (string, bool) {
	idx := strings.LastIndex(source, "/nodes/")
	if idx < 0 {
		return "", false
	}
	id := source[idx+len("/nodes/"):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// NodeSource builds the conventional source string for a node.
func NodeSource(pipelineID, nodeID string) string {
	return fmt.Sprintf("/pipelines/%s/nodes/%s", pipelineID, nodeID)
}

// Well-known node statuses with engine-level meaning.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusSkipped   = "skipped"
)

// Pipeline is a named collection of nodes.
type Pipeline struct {
	ID          string  `json:"id" yaml:"id" validate:"required"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []*Node `json:"nodes" yaml:"nodes" validate:"dive,required"`
}

// Validate checks the pipeline and every node it contains.
func (p *Pipeline) Validate() error {
	if err := validate.Struct(p); err != nil {
		return NewPermanentError("invalid pipeline", err).
			WithCode(ErrCodeValidation).
			WithResource(p.ID)
	}
	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if seen[n.ID] {
			return NewPermanentError(fmt.Sprintf("duplicate node id %q", n.ID), nil).
				WithCode(ErrCodeValidation).
				WithResource(p.ID)
		}
		seen[n.ID] = true
		if err := n.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Node returns the node with the given id.
func (p *Pipeline) Node(id string) (*Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// Node is an executable unit of a pipeline: a typed task instance with its
// own config and reactive policy.
type Node struct {
	ID            string                 `json:"id" yaml:"id" validate:"required"`
	PipelineID    string                 `json:"pipelineId,omitempty" yaml:"pipelineId,omitempty"`
	Name          string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	TaskConfig    TaskConfig             `json:"taskConfig" yaml:"taskConfig"`
	ControlPolicy *ControlPolicy         `json:"controlPolicy,omitempty" yaml:"controlPolicy,omitempty"`
	StartWhen     string                 `json:"startWhen,omitempty" yaml:"startWhen,omitempty"`
	StartPayload  map[string]string      `json:"startPayload,omitempty" yaml:"startPayload,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Runtime state, driven by observed events.
	Status    string                 `json:"status,omitempty" yaml:"status,omitempty"`
	Outputs   map[string]interface{} `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// IsRunning reports whether the last observed status is "running" (any case).
func (n *Node) IsRunning() bool {
	return strings.EqualFold(n.Status, StatusRunning)
}

// IsSucceeded reports whether the last observed status is "succeeded" (any case).
func (n *Node) IsSucceeded() bool {
	return strings.EqualFold(n.Status, StatusSucceeded)
}

// ApplyEvent records an event originating from this node: status becomes
// the event type and outputs become the event payload.
func (n *Node) ApplyEvent(e Event) {
	n.Status = e.Type()
	n.Outputs = e.Payload()
	n.UpdatedAt = e.Time()
}

// Validate checks node invariants: id and a task type or template reference.
func (n *Node) Validate() error {
	if err := validate.Struct(n); err != nil {
		return NewPermanentError("invalid node", err).
			WithCode(ErrCodeValidation).
			WithResource(n.ID)
	}
	if ref := n.TaskConfig.TaskDefinitionRef; ref != "" {
		if _, err := ParseTaskDefinitionRef(ref); err != nil {
			return NewPermanentError("invalid task definition reference", err).
				WithCode(ErrCodeValidation).
				WithResource(n.ID)
		}
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.TaskConfig.Config = cloneMap(n.TaskConfig.Config)
	c.StartPayload = cloneStrings(n.StartPayload)
	c.Metadata = cloneMap(n.Metadata)
	c.Outputs = cloneMap(n.Outputs)
	if n.ControlPolicy != nil {
		cp := *n.ControlPolicy
		cp.CustomRules = make([]PolicyRule, len(n.ControlPolicy.CustomRules))
		for i, r := range n.ControlPolicy.CustomRules {
			r.ActionParams = cloneStrings(r.ActionParams)
			cp.CustomRules[i] = r
		}
		c.ControlPolicy = &cp
	}
	return &c
}

// TaskConfig binds a node to a task type and carries executor config.
type TaskConfig struct {
	TaskType          string                 `json:"taskType,omitempty" yaml:"taskType,omitempty" validate:"required_without=TaskDefinitionRef"`
	TaskDefinitionRef string                 `json:"taskDefinitionRef,omitempty" yaml:"taskDefinitionRef,omitempty" validate:"required_without=TaskType"`
	Config            map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// ConfigString returns a non-empty string config value.
func (tc TaskConfig) ConfigString(key string) (string, bool) {
	s, ok := tc.Config[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// TaskDefinitionRef identifies a catalog task template as namespace:name:version.
type TaskDefinitionRef struct {
	Namespace string
	Name      string
	Version   string
}

func (r TaskDefinitionRef) String() string {
	return r.Namespace + ":" + r.Name + ":" + r.Version
}

// ParseTaskDefinitionRef parses a namespace:name:version reference.
func ParseTaskDefinitionRef(ref string) (TaskDefinitionRef, error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 3 {
		return TaskDefinitionRef{}, fmt.Errorf("reference %q must have the form namespace:name:version", ref)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return TaskDefinitionRef{}, fmt.Errorf("reference %q has an empty segment", ref)
		}
	}
	return TaskDefinitionRef{Namespace: parts[0], Name: parts[1], Version: parts[2]}, nil
}

// ControlPolicy holds a node's standard reactive expressions and custom rules.
type ControlPolicy struct {
	StopWhen    string       `json:"stopWhen,omitempty" yaml:"stopWhen,omitempty"`
	RestartWhen string       `json:"restartWhen,omitempty" yaml:"restartWhen,omitempty"`
	RetryWhen   string       `json:"retryWhen,omitempty" yaml:"retryWhen,omitempty"`
	AlertWhen   string       `json:"alertWhen,omitempty" yaml:"alertWhen,omitempty"`
	SkipWhen    string       `json:"skipWhen,omitempty" yaml:"skipWhen,omitempty"`
	CustomRules []PolicyRule `json:"customRules,omitempty" yaml:"customRules,omitempty" validate:"dive"`
}

// PolicyRule maps a condition to a named schema action.
type PolicyRule struct {
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	Condition    string            `json:"condition" yaml:"condition" validate:"required"`
	Action       string            `json:"action" yaml:"action" validate:"required"`
	ActionParams map[string]string `json:"actionParams,omitempty" yaml:"actionParams,omitempty"`
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		return cloneStrings(val)
	default:
		return v
	}
}
