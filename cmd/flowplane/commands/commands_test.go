package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const etlPipeline = `
id: etl
nodes:
  - id: extract
    type: shell_script
    config:
      script: extract.sh
  - id: load-warehouse
    type: shell_script
    config:
      script: load.sh
    startWhen: extract.status == "succeeded"
    startPayload:
      source: extract.outputs.path
`

type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T, executorURL string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := "store:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "flowplane.db") + "\n" +
		"telemetry:\n  logging:\n    level: error\n  metrics:\n    enabled: false\n"
	if executorURL != "" {
		cfg += "executor:\n  http:\n    baseUrl: " + executorURL + "\n"
	}
	path := filepath.Join(dir, "flowplane.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return &testEnv{dir: dir, config: path}
}

func (e *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateAndSubmit(t *testing.T) {
	env := newTestEnv(t, "")
	file := env.write(t, "etl.yaml", etlPipeline)

	out, err := env.run(t, "validate", file, "--dot", filepath.Join(env.dir, "etl.dot"))
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "level 0: extract") || !strings.Contains(out, "level 1: load-warehouse") {
		t.Errorf("validate output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "etl.dot")); err != nil {
		t.Errorf("DOT file not written: %v", err)
	}

	if _, err := env.run(t, "submit", file); err != nil {
		t.Fatalf("submit error = %v", err)
	}
	out, err = env.run(t, "nodes", "--pipeline", "etl", "--json")
	if err != nil {
		t.Fatalf("nodes error = %v", err)
	}
	var nodes []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &nodes); err != nil {
		t.Fatalf("nodes output is not JSON: %v\n%s", err, out)
	}
	if len(nodes) != 2 {
		t.Errorf("stored %d nodes, want 2", len(nodes))
	}

	bad := env.write(t, "bad.yaml", "id: bad\nnodes:\n  - id: x\n    type: no_such_type\n")
	if _, err := env.run(t, "submit", bad); err == nil {
		t.Error("expected submit to fail for an unknown task type")
	}
}

func TestEmitLocalDispatchesActions(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL)
	if _, err := env.run(t, "submit", env.write(t, "etl.yaml", etlPipeline)); err != nil {
		t.Fatalf("submit error = %v", err)
	}

	_, err := env.run(t, "emit", "--local",
		"--type", "succeeded",
		"--pipeline", "etl",
		"--source", "/pipelines/etl/nodes/extract",
		"--payload", "path=/data/out")
	if err != nil {
		t.Fatalf("emit error = %v", err)
	}

	mu.Lock()
	got := append([]string(nil), paths...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "/start" {
		t.Fatalf("executor calls = %v, want [/start]", got)
	}

	out, err := env.run(t, "events", "--pipeline", "etl", "--type", "succ*", "--json")
	if err != nil {
		t.Fatalf("events error = %v", err)
	}
	if !strings.Contains(out, "/pipelines/etl/nodes/extract") {
		t.Errorf("events output = %q", out)
	}

	out, err = env.run(t, "dispatches", "load-warehouse", "--json")
	if err != nil {
		t.Fatalf("dispatches error = %v", err)
	}
	if !strings.Contains(out, `"action": "start"`) {
		t.Errorf("dispatches output = %q", out)
	}
}

func TestParsePayload(t *testing.T) {
	got, err := parsePayload(map[string]string{
		"rows":   "1200",
		"ok":     "true",
		"path":   "/data/out",
		"nested": "a: b",
		"empty":  "",
	})
	if err != nil {
		t.Fatalf("parsePayload() error = %v", err)
	}
	if got["rows"] != 1200 || got["ok"] != true || got["path"] != "/data/out" {
		t.Errorf("scalars = %v", got)
	}
	if got["nested"] != "a: b" || got["empty"] != "" {
		t.Errorf("fallbacks = %v", got)
	}
}
