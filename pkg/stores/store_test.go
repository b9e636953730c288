package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"},
		zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// storesUnderTest runs fn against every Store implementation.
func storesUnderTest(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("sql", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryNodeStore()) })
}

func testNode(pipelineID, id string) *engine.Node {
	return &engine.Node{
		ID:         id,
		PipelineID: pipelineID,
		Name:       id,
		TaskConfig: engine.TaskConfig{
			TaskType: "shell_script",
			Config:   map[string]interface{}{"script": "echo hi"},
		},
		StartWhen: "true",
		ControlPolicy: &engine.ControlPolicy{
			StopWhen: "event.type == 'failed'",
			CustomRules: []engine.PolicyRule{
				{Name: "scale", Condition: "true", Action: "scale", ActionParams: map[string]string{"replicas": "3"}},
			},
		},
	}
}

func TestStore_SaveAndFind(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		node := testNode("p1", "a")

		if err := s.Save(ctx, node); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := s.FindByID(ctx, "a")
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.PipelineID != "p1" || got.TaskConfig.TaskType != "shell_script" {
			t.Errorf("unexpected node: %+v", got)
		}
		if got.ControlPolicy == nil || len(got.ControlPolicy.CustomRules) != 1 {
			t.Fatalf("control policy not persisted: %+v", got.ControlPolicy)
		}
		if got.ControlPolicy.CustomRules[0].ActionParams["replicas"] != "3" {
			t.Errorf("action params not persisted")
		}

		got.Status = "mutated"
		again, _ := s.FindByID(ctx, "a")
		if again.Status == "mutated" {
			t.Error("store returned a shared node value")
		}

		_, err = s.FindByID(ctx, "missing")
		if !errors.Is(err, engine.ErrNodeNotFound) {
			t.Errorf("expected ErrNodeNotFound, got %v", err)
		}
	})
}

func TestStore_ActiveNodesExcludeDeleted(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, n := range []*engine.Node{testNode("p1", "b"), testNode("p1", "a"), testNode("p2", "c")} {
			if err := s.Save(ctx, n); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}

		if err := s.DeleteNode(ctx, "b"); err != nil {
			t.Fatalf("DeleteNode failed: %v", err)
		}
		if err := s.DeleteNode(ctx, "missing"); !errors.Is(err, engine.ErrNodeNotFound) {
			t.Errorf("expected ErrNodeNotFound, got %v", err)
		}

		active, err := s.FindAllActiveNodes(ctx)
		if err != nil {
			t.Fatalf("FindAllActiveNodes failed: %v", err)
		}
		if len(active) != 2 || active[0].ID != "a" || active[1].ID != "c" {
			t.Fatalf("unexpected active nodes: %v", nodeIDs(active))
		}

		p2, err := s.ListNodes(ctx, "p2")
		if err != nil {
			t.Fatalf("ListNodes failed: %v", err)
		}
		if len(p2) != 1 || p2[0].ID != "c" {
			t.Errorf("unexpected pipeline nodes: %v", nodeIDs(p2))
		}

		if err := s.Save(ctx, testNode("p1", "b")); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		active, _ = s.FindAllActiveNodes(ctx)
		if len(active) != 3 {
			t.Errorf("expected saved node to be active again, got %v", nodeIDs(active))
		}
	})
}

func TestStore_UpdateNode(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Save(ctx, testNode("p1", "a")); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		event := engine.NewEvent("running", engine.NodeSource("p1", "a"),
			engine.WithPayload(map[string]interface{}{"attempt": 1}))

		updated, err := s.UpdateNode(ctx, "a", func(n *engine.Node) error {
			n.ApplyEvent(event)
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateNode failed: %v", err)
		}
		if !updated.IsRunning() {
			t.Errorf("expected running, got %q", updated.Status)
		}

		stored, _ := s.FindByID(ctx, "a")
		if stored.Status != "running" {
			t.Errorf("status not persisted: %q", stored.Status)
		}
		if _, ok := stored.Outputs["attempt"]; !ok {
			t.Errorf("outputs not persisted: %v", stored.Outputs)
		}

		boom := errors.New("boom")
		_, err = s.UpdateNode(ctx, "a", func(n *engine.Node) error {
			n.Status = "lost"
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}
		stored, _ = s.FindByID(ctx, "a")
		if stored.Status != "running" {
			t.Errorf("failed update leaked: %q", stored.Status)
		}

		_, err = s.UpdateNode(ctx, "missing", func(*engine.Node) error { return nil })
		if !errors.Is(err, engine.ErrNodeNotFound) {
			t.Errorf("expected ErrNodeNotFound, got %v", err)
		}
	})
}

func TestStore_EventLog(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		events := []engine.Event{
			engine.NewEvent("started", "/pipelines/p1/nodes/a", engine.WithPipelineID("p1")),
			engine.NewEvent("succeeded", "/pipelines/p1/nodes/a", engine.WithPipelineID("p1"),
				engine.WithPayload(map[string]interface{}{"rows": 10})),
			engine.NewEvent("started", "/pipelines/p2/nodes/b", engine.WithPipelineID("p2")),
		}
		for _, e := range events {
			if err := s.AppendEvent(ctx, e); err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}
		}

		tests := []struct {
			name   string
			filter EventFilter
			want   []string
		}{
			{"all", EventFilter{}, []string{"started", "succeeded", "started"}},
			{"by pipeline", EventFilter{PipelineID: "p1"}, []string{"started", "succeeded"}},
			{"by type", EventFilter{Type: "started"}, []string{"started", "started"}},
			{"by source", EventFilter{Source: "/pipelines/p2/nodes/b"}, []string{"started"}},
			{"limit and offset", EventFilter{Limit: 1, Offset: 1}, []string{"succeeded"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListEvents(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListEvents failed: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("expected %d events, got %d", len(tt.want), len(got))
				}
				for i, rec := range got {
					if rec.Type != tt.want[i] {
						t.Errorf("event %d: expected %s, got %s", i, tt.want[i], rec.Type)
					}
				}
			})
		}
	})
}

func TestSQLStore_AppendEventIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := engine.NewEvent("started", "/pipelines/p1/nodes/a", engine.WithEventID("evt-1"))
	for i := 0; i < 2; i++ {
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected redelivered event to be ignored, got %d records", len(got))
	}
}

func TestStore_Dispatches(t *testing.T) {
	storesUnderTest(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		recs := []*DispatchRecord{
			{NodeID: "a", TaskType: "shell_script", Action: "start", Protocol: "HTTP", Outcome: DispatchOK, Duration: 15 * time.Millisecond},
			{NodeID: "b", TaskType: "shell_script", Action: "start", Outcome: DispatchOK},
			{NodeID: "a", TaskType: "shell_script", Action: "stop", Outcome: DispatchFailed, Error: "timeout",
				Params: map[string]interface{}{"force": true}},
		}
		for _, r := range recs {
			if err := s.RecordDispatch(ctx, r); err != nil {
				t.Fatalf("RecordDispatch failed: %v", err)
			}
			if r.ID == 0 {
				t.Error("expected dispatch id to be set")
			}
		}

		got, err := s.ListDispatches(ctx, "a", 0)
		if err != nil {
			t.Fatalf("ListDispatches failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 dispatches, got %d", len(got))
		}
		if got[0].Action != "stop" || got[0].Error != "timeout" {
			t.Errorf("expected newest first, got %+v", got[0])
		}
		if got[0].Params["force"] != true {
			t.Errorf("params not persisted: %v", got[0].Params)
		}
		if got[1].Duration != 15*time.Millisecond {
			t.Errorf("duration not persisted: %v", got[1].Duration)
		}

		limited, _ := s.ListDispatches(ctx, "", 1)
		if len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}
	})
}

func TestSQLStore_Rebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{DriverSQLite, "a = ? AND b = ?", "a = ? AND b = ?"},
		{DriverPostgres, "a = ? AND b = ?", "a = $1 AND b = $2"},
		{DriverPostgres, "no placeholders", "no placeholders"},
	}

	for _, tt := range tests {
		s := &SQLStore{cfg: Config{Driver: tt.driver}}
		if got := s.rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%s, %q) = %q, want %q", tt.driver, tt.in, got, tt.want)
		}
	}
}

func TestNewSQLStore_Validation(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	if _, err := NewSQLStore(Config{}, logger); err == nil {
		t.Error("expected error for missing dsn")
	}
	if _, err := NewSQLStore(Config{Driver: "mysql", DSN: "x"}, logger); err == nil {
		t.Error("expected error for unsupported driver")
	}
	s, err := NewSQLStore(Config{DSN: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	if s.cfg.Driver != DriverSQLite || s.cfg.MaxOpenConns != 1 {
		t.Errorf("unexpected defaults: %+v", s.cfg)
	}
}

func nodeIDs(nodes []*engine.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
