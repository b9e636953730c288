package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/stores"
)

func TestRouter_DispatchesByProtocol(t *testing.T) {
	internal := NewInternalGateway(testLogger())
	var called []string
	internal.Handle("approval/approve", func(_ context.Context, node *engine.Node, _ map[string]interface{}) (interface{}, error) {
		called = append(called, node.ID)
		return "approved", nil
	})

	router := NewRouter(
		NewHTTPGateway(HTTPConfig{}, nil, testLogger()),
		NewKubernetesGateway(testLogger()),
		internal,
	)

	node := &engine.Node{ID: "gate", TaskConfig: engine.TaskConfig{TaskType: "approval"}}
	result, err := router.ExecuteAction(context.Background(), node,
		engine.ActionDefinition{Name: "approve", Protocol: engine.ProtocolInternal}, nil)
	if err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if result != "approved" {
		t.Errorf("expected internal result, got %#v", result)
	}
	if len(called) != 1 {
		t.Errorf("expected handler to run once, got %d", len(called))
	}

	result, err = router.ExecuteAction(context.Background(), node,
		engine.ActionDefinition{Name: "start", Protocol: engine.ProtocolK8S}, nil)
	if err != nil || result != nil {
		t.Errorf("expected K8S no-op, got %v, %v", result, err)
	}
}

func TestRouter_JoinsErrors(t *testing.T) {
	failing := NewRecorder()
	failing.FailOn("n", "start", errors.New("runner unavailable"))
	ok := NewRecorder()

	router := NewRouter(failing, ok)
	result, err := router.ExecuteAction(context.Background(), &engine.Node{ID: "n"},
		engine.ActionDefinition{Name: "start"}, nil)
	if err == nil {
		t.Fatal("expected error from failing gateway")
	}
	if result != "OK" {
		t.Errorf("expected result from healthy gateway, got %#v", result)
	}
}

func TestRouter_GetStateFirstNonNil(t *testing.T) {
	empty := NewRecorder()
	filled := NewRecorder()
	filled.SetState("n", "status", "RUNNING")

	router := NewRouter(empty, filled)
	if v := router.GetState(context.Background(), &engine.Node{ID: "n"}, engine.StateDefinition{Name: "status"}); v != "RUNNING" {
		t.Errorf("expected RUNNING, got %#v", v)
	}
}

func TestInternalGateway(t *testing.T) {
	g := NewInternalGateway(testLogger())
	g.Handle("ops/notify", func(_ context.Context, _ *engine.Node, params map[string]interface{}) (interface{}, error) {
		return params["channel"], nil
	})
	g.Handle("ops/fail", func(context.Context, *engine.Node, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	})
	g.HandleState("ops/status", func(context.Context, *engine.Node) interface{} { return "IDLE" })

	ctx := context.Background()
	node := &engine.Node{ID: "n", TaskConfig: engine.TaskConfig{TaskType: "ops"}}

	tests := []struct {
		name    string
		action  engine.ActionDefinition
		want    interface{}
		wantErr bool
	}{
		{"by endpoint", engine.ActionDefinition{Name: "x", Protocol: engine.ProtocolInternal, Endpoint: "ops/notify"}, "#alerts", false},
		{"by task type and name", engine.ActionDefinition{Name: "notify"}, "#alerts", false},
		{"handler error", engine.ActionDefinition{Name: "fail", Protocol: engine.ProtocolInternal}, nil, true},
		{"unregistered", engine.ActionDefinition{Name: "other", Protocol: engine.ProtocolInternal}, nil, false},
		{"other protocol", engine.ActionDefinition{Name: "notify", Protocol: engine.ProtocolHTTP}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.ExecuteAction(ctx, node, tt.action, map[string]interface{}{"channel": "#alerts"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExecuteAction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExecuteAction() = %#v, want %#v", got, tt.want)
			}
		})
	}

	if v := g.GetState(ctx, node, engine.StateDefinition{Name: "status"}); v != "IDLE" {
		t.Errorf("expected IDLE, got %#v", v)
	}
}

type captureEmitter struct {
	mu     sync.Mutex
	events []engine.Event
}

func (c *captureEmitter) Emit(_ context.Context, e engine.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureEmitter) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type()
	}
	return out
}

func TestRegisterApprovalHandlers(t *testing.T) {
	g := NewInternalGateway(testLogger())
	emitter := &captureEmitter{}
	RegisterApprovalHandlers(g, "approval", emitter)

	node := &engine.Node{ID: "gate", PipelineID: "p1", TaskConfig: engine.TaskConfig{TaskType: "approval"}}
	ctx := context.Background()

	for _, action := range []string{"start", "approve"} {
		if _, err := g.ExecuteAction(ctx, node, engine.ActionDefinition{Name: action, Protocol: engine.ProtocolInternal}, nil); err != nil {
			t.Fatalf("%s failed: %v", action, err)
		}
	}

	want := []string{"started", "approval_requested", "approved", "succeeded"}
	got := emitter.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if !emitter.events[0].IsFromNode("gate") || emitter.events[0].PipelineID() != "p1" {
		t.Errorf("events must originate from the node: %s", emitter.events[0].Source())
	}
}

func TestRecorder_SideEffects(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	node := &engine.Node{ID: "flink"}
	status := engine.StateDefinition{Name: engine.StateStatus}

	steps := []struct {
		action string
		params map[string]interface{}
		state  string
		want   interface{}
	}{
		{"start", nil, "status", "RUNNING"},
		{"stop", nil, "status", "STOPPED"},
		{"resume", nil, "status", "RUNNING"},
		{"scale", map[string]interface{}{"replicas": int64(5)}, "parallelism", int64(5)},
		{"approve", nil, "status", "APPROVED"},
		{"reject", nil, "status", "REJECTED"},
	}

	for _, s := range steps {
		if _, err := r.ExecuteAction(ctx, node, engine.ActionDefinition{Name: s.action}, s.params); err != nil {
			t.Fatalf("%s failed: %v", s.action, err)
		}
		if got := r.GetState(ctx, node, engine.StateDefinition{Name: s.state}); got != s.want {
			t.Errorf("after %s: %s = %#v, want %#v", s.action, s.state, got, s.want)
		}
	}

	if h := r.History("flink"); len(h) != len(steps) || h[0] != "start" {
		t.Errorf("unexpected history %v", h)
	}

	r.Reset()
	if r.GetState(ctx, node, status) != nil || len(r.Calls()) != 0 {
		t.Error("Reset must clear states and calls")
	}
}

func TestAudited_RecordsDispatches(t *testing.T) {
	store := stores.NewMemoryNodeStore()
	rec := NewRecorder()
	rec.FailOn("n", "stop", errors.New("timeout"))
	gw := NewAudited(rec, store, testLogger())

	ctx := context.Background()
	node := &engine.Node{ID: "n", PipelineID: "p1", TaskConfig: engine.TaskConfig{TaskType: "shell_script"}}

	if _, err := gw.ExecuteAction(ctx, node, engine.ActionDefinition{Name: "start", Protocol: engine.ProtocolHTTP}, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := gw.ExecuteAction(ctx, node, engine.ActionDefinition{Name: "stop", Protocol: engine.ProtocolHTTP}, nil); err == nil {
		t.Fatal("expected stop to fail")
	}

	got, err := store.ListDispatches(ctx, "n", 0)
	if err != nil {
		t.Fatalf("ListDispatches failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(got))
	}
	if got[0].Action != "stop" || got[0].Outcome != stores.DispatchFailed || got[0].Error != "timeout" {
		t.Errorf("unexpected failed dispatch %+v", got[0])
	}
	if got[1].Outcome != stores.DispatchOK || got[1].Protocol != "HTTP" {
		t.Errorf("unexpected ok dispatch %+v", got[1])
	}
}
