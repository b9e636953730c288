package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewWithBuiltins(testLogger())

	tests := []struct {
		taskType string
		actions  []string
		states   []string
	}{
		{TypeShellScript, []string{"start", "stop"}, []string{"status"}},
		{TypeFlinkStreaming, []string{"start", "stop", "restart", "trigger_savepoint", "scale"}, []string{"status", "metrics"}},
		{TypeApproval, []string{"start", "approve", "reject"}, nil},
		{TypeRemoteScript, []string{"start", "stop"}, []string{"status"}},
	}

	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			s, ok := r.Get(tt.taskType)
			if !ok {
				t.Fatalf("built-in %s not registered", tt.taskType)
			}
			for _, a := range tt.actions {
				if _, ok := s.Action(a); !ok {
					t.Errorf("missing action %s", a)
				}
			}
			for _, st := range tt.states {
				if _, ok := s.State(st); !ok {
					t.Errorf("missing state %s", st)
				}
			}
		})
	}

	flink, _ := r.Get(TypeFlinkStreaming)
	if a, _ := flink.Action("start"); a.Protocol != engine.ProtocolK8S {
		t.Errorf("expected flink start over K8S, got %s", a.Protocol)
	}
	if !flink.HasEvent("checkpoint_completed") {
		t.Error("expected checkpoint_completed event")
	}

	if len(r.List()) != 4 {
		t.Errorf("expected 4 schemas, got %d", len(r.List()))
	}
}

func TestRegistry_RegisterAndDelete(t *testing.T) {
	r := NewWithBuiltins(testLogger())

	custom, err := engine.NewTaskSchema("spark_batch",
		[]engine.ActionDefinition{{Name: "start", Protocol: engine.ProtocolHTTP, Endpoint: "/submit"}}, nil)
	if err != nil {
		t.Fatalf("NewTaskSchema failed: %v", err)
	}

	if err := r.Register(custom); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(custom); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	if err := r.Delete("spark_batch"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := r.Get("spark_batch"); ok {
		t.Error("deleted schema must not be visible")
	}
	if custom.Deleted {
		t.Error("Delete must not mutate the registered instance")
	}
	if err := r.Delete("unknown"); err == nil {
		t.Error("expected error deleting unknown type")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewWithBuiltins(testLogger())

	spark, _ := engine.NewTaskSchema("spark_batch", []engine.ActionDefinition{{Name: "start"}}, nil)
	if err := r.Replace([]*engine.TaskSchema{spark}, BuiltinSchemas()...); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if _, ok := r.Get("spark_batch"); !ok {
		t.Error("expected replaced schema")
	}
	if _, ok := r.Get(TypeApproval); !ok {
		t.Error("expected kept built-in")
	}

	if err := r.Replace([]*engine.TaskSchema{spark, spark}); err == nil {
		t.Error("expected duplicate types to be rejected")
	}
	if _, ok := r.Get("spark_batch"); !ok {
		t.Error("failed replace must keep the previous contents")
	}
}

const schemaYAML = `
schemas:
  - type: spark_batch
    description: Spark batch job
    executor:
      baseUrl: http://spark:8080
      authToken: ${SPARK_TOKEN}
    actions:
      - name: start
        protocol: http
        endpoint: /jobs
        protocolConfig:
          method: post
      - name: stop
        protocol: HTTP
        endpoint: /jobs/{executionId}
        protocolConfig:
          method: DELETE
    states:
      - name: status
        protocol: http
        endpoint: /jobs/{executionId}/status
        possibleValues: [RUNNING, DONE]
    events:
      - name: started
      - name: succeeded
---
type: notify
actions:
  - name: start
    protocol: internal
`

func TestParse(t *testing.T) {
	t.Setenv("SPARK_TOKEN", "secret")

	schemas, err := Parse([]byte(schemaYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(schemas) != 2 {
		t.Fatalf("expected 2 schemas, got %d", len(schemas))
	}

	spark := schemas[0]
	if spark.Executor.AuthToken != "secret" || spark.Executor.BaseURL != "http://spark:8080" {
		t.Errorf("unexpected executor config: %+v", spark.Executor)
	}
	stop, ok := spark.Action("stop")
	if !ok || stop.Endpoint != "/jobs/{executionId}" {
		t.Errorf("unexpected stop action: %+v", stop)
	}
	start, _ := spark.Action("start")
	if start.Protocol != engine.ProtocolHTTP {
		t.Errorf("expected normalized protocol, got %q", start.Protocol)
	}
	if !spark.HasEvent("succeeded") {
		t.Error("expected events to be parsed")
	}

	notify := schemas[1]
	if a, _ := notify.Action("start"); a.Protocol != engine.ProtocolInternal {
		t.Errorf("expected INTERNAL, got %q", a.Protocol)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"duplicate action", "type: x\nactions:\n  - name: start\n  - name: start\n", "duplicate action"},
		{"unknown protocol", "type: x\nactions:\n  - name: start\n    protocol: smtp\n", "unknown access protocol"},
		{"missing type", "schemas:\n  - description: nothing\n", "type is required"},
		{"bad yaml", "type: [", "invalid schema document"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "spark.yaml"), []byte(schemaYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	schemas, err := NewLoader(testLogger()).LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(schemas) != 2 {
		t.Errorf("expected 2 schemas, got %d", len(schemas))
	}

	if _, err := NewLoader(testLogger()).LoadFromPaths([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemas.yaml")
	if err := os.WriteFile(path, []byte("type: one\nactions:\n  - name: start\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	loader := NewLoader(testLogger())
	err := loader.Watch(ctx, []string{dir}, func(schemas []*engine.TaskSchema) error {
		if len(schemas) == 1 && schemas[0].Type == "two" {
			reloads.Add(1)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	if err := os.WriteFile(path, []byte("type: two\nactions:\n  - name: start\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if reloads.Load() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected schemas to be reloaded after file change")
}

func TestConfigValidator(t *testing.T) {
	r := NewWithBuiltins(testLogger())
	v := NewConfigValidator()

	tests := []struct {
		name     string
		taskType string
		config   map[string]interface{}
		wantErr  bool
	}{
		{"valid shell script", TypeShellScript, map[string]interface{}{"script": "echo hi", "env": map[string]interface{}{"A": "1"}}, false},
		{"missing script", TypeShellScript, map[string]interface{}{"env": map[string]interface{}{}}, true},
		{"script wrong type", TypeShellScript, map[string]interface{}{"script": 42}, true},
		{"nil config", TypeShellScript, nil, true},
		{"integer parallelism", TypeFlinkStreaming, map[string]interface{}{"jarUri": "s3://jobs/a.jar", "parallelism": 4}, false},
		{"parallelism below minimum", TypeFlinkStreaming, map[string]interface{}{"jarUri": "s3://jobs/a.jar", "parallelism": 0}, true},
		{"no config schema", TypeApproval, nil, false},
		{"unknown task type", "nope", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &engine.Node{ID: "n", TaskConfig: engine.TaskConfig{TaskType: tt.taskType, Config: tt.config}}
			err := v.ValidateNode(r, node)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNode() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
