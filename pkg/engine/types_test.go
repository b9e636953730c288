package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEvent_JSONRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvent("succeeded", NodeSource("p1", "a"),
		WithEventID("evt-1"),
		WithTime(ts),
		WithPipelineID("p1"),
		WithCorrelationID("corr"),
		WithPayload(map[string]interface{}{"rows": 3.0}),
		WithAttributes(map[string]string{"traceparent": "00-abc"}),
	)

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.ID() != "evt-1" || got.Type() != "succeeded" || !got.Time().Equal(ts) {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.Payload()["rows"] != 3.0 {
		t.Errorf("payload lost: %v", got.Payload())
	}
	if v, _ := got.Attribute("traceparent"); v != "00-abc" {
		t.Errorf("attributes lost: %v", got.Attributes())
	}
}

func TestEvent_UnmarshalDefaults(t *testing.T) {
	var e Event
	if err := json.Unmarshal([]byte(`{"type":"tick","source":"/cron"}`), &e); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if e.ID() == "" || e.Time().IsZero() {
		t.Errorf("expected generated id and time, got %q %v", e.ID(), e.Time())
	}
	if err := json.Unmarshal([]byte(`{"source":"/cron"}`), &e); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestEvent_PayloadIsCopied(t *testing.T) {
	payload := map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}
	e := NewEvent("x", "/s", WithPayload(payload))

	payload["nested"].(map[string]interface{})["k"] = "changed"
	e.Payload()["added"] = true

	got := e.Payload()
	if got["nested"].(map[string]interface{})["k"] != "v" {
		t.Error("event shares payload with caller")
	}
	if _, ok := got["added"]; ok {
		t.Error("Payload returned the internal map")
	}
}

func TestNodeIDFromSource(t *testing.T) {
	tests := []struct {
		source string
		want   string
		ok     bool
	}{
		{"/pipelines/p1/nodes/node-a", "node-a", true},
		{"/pipelines/p1/nodes/", "", false},
		{"/pipelines/p1/nodes/a/extra", "", false},
		{"/external/webhook", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NodeIDFromSource(tt.source)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NodeIDFromSource(%q) = %q, %v; want %q, %v", tt.source, got, ok, tt.want, tt.ok)
		}
	}
}

func TestEvent_IsFromNode(t *testing.T) {
	e := NewEvent("running", "/pipelines/p1/nodes/node-a")
	if !e.IsFromNode("node-a") {
		t.Error("expected match on node-a")
	}
	if e.IsFromNode("a") || e.IsFromNode("") {
		t.Error("suffix match must cover the whole id segment")
	}
}

func TestNode_ApplyEventAndStatus(t *testing.T) {
	n := &Node{ID: "a"}
	n.ApplyEvent(NewEvent("RUNNING", "/pipelines/p/nodes/a", WithPayload(map[string]interface{}{"pid": 7})))
	if !n.IsRunning() || n.IsSucceeded() {
		t.Errorf("status checks must ignore case, got %q", n.Status)
	}
	if n.Outputs["pid"] != 7 {
		t.Errorf("outputs not replaced: %v", n.Outputs)
	}

	n.ApplyEvent(NewEvent("succeeded", "/pipelines/p/nodes/a"))
	if !n.IsSucceeded() || n.Outputs != nil {
		t.Errorf("expected succeeded with empty outputs, got %q %v", n.Status, n.Outputs)
	}
}

func TestNode_Clone(t *testing.T) {
	n := &Node{
		ID:           "a",
		TaskConfig:   TaskConfig{TaskType: "shell_script", Config: map[string]interface{}{"script": "x"}},
		StartPayload: map[string]string{"p": "1"},
		ControlPolicy: &ControlPolicy{CustomRules: []PolicyRule{
			{Condition: "true", Action: "scale", ActionParams: map[string]string{"replicas": "2"}},
		}},
	}
	c := n.Clone()
	c.TaskConfig.Config["script"] = "y"
	c.StartPayload["p"] = "2"
	c.ControlPolicy.CustomRules[0].ActionParams["replicas"] = "9"
	c.ControlPolicy.StopWhen = "true"

	if n.TaskConfig.Config["script"] != "x" || n.StartPayload["p"] != "1" {
		t.Error("clone shares maps with the original")
	}
	if n.ControlPolicy.CustomRules[0].ActionParams["replicas"] != "2" || n.ControlPolicy.StopWhen != "" {
		t.Error("clone shares the control policy with the original")
	}
	if (*Node)(nil).Clone() != nil {
		t.Error("nil clone must be nil")
	}
}

func TestPipeline_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       *Pipeline
		wantErr bool
	}{
		{"valid", &Pipeline{ID: "p", Nodes: []*Node{{ID: "a", TaskConfig: TaskConfig{TaskType: "t"}}}}, false},
		{"template ref", &Pipeline{ID: "p", Nodes: []*Node{{ID: "a", TaskConfig: TaskConfig{TaskDefinitionRef: "data:etl:v2"}}}}, false},
		{"missing id", &Pipeline{Nodes: []*Node{}}, true},
		{"missing task type", &Pipeline{ID: "p", Nodes: []*Node{{ID: "a"}}}, true},
		{"missing node id", &Pipeline{ID: "p", Nodes: []*Node{{TaskConfig: TaskConfig{TaskType: "t"}}}}, true},
		{"duplicate node", &Pipeline{ID: "p", Nodes: []*Node{
			{ID: "a", TaskConfig: TaskConfig{TaskType: "t"}},
			{ID: "a", TaskConfig: TaskConfig{TaskType: "t"}},
		}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && ErrorCode(err) != ErrCodeValidation {
				t.Errorf("expected validation code, got %q", ErrorCode(err))
			}
		})
	}
}

func TestEngineError_Classes(t *testing.T) {
	cause := errors.New("boom")
	err := NewTransientError("failed", cause).WithCode(ErrCodeRepository).WithResource("a")

	if !errors.Is(err, cause) {
		t.Error("expected the cause to be unwrapped")
	}
	if !IsTransient(err) || !IsRetryable(err) || IsPermanent(err) {
		t.Error("unexpected classification")
	}
	if ErrorCode(err) != ErrCodeRepository {
		t.Errorf("unexpected code %q", ErrorCode(err))
	}
	if ErrorCode(cause) != "" || IsRetryable(cause) {
		t.Error("plain errors carry no class")
	}
}
