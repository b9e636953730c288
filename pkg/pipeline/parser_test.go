package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const batchPipelineYAML = `
id: etl
name: Nightly ETL
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
    controlPolicy:
      retryWhen: '#event.type == "failed" AND #event.source == "/pipelines/etl/nodes/load-warehouse"'
      customRules:
        - name: stop-on-abort
          condition: event.type == "aborted"
          action: stop
`

func TestParseYAML(t *testing.T) {
	p, err := mustParser(t).Parse([]byte(batchPipelineYAML), FormatYAML)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.ID != "etl" || p.Name != "Nightly ETL" {
		t.Errorf("pipeline = %s/%s", p.ID, p.Name)
	}
	if len(p.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(p.Nodes))
	}

	load := p.Nodes[1]
	if load.PipelineID != "etl" {
		t.Errorf("PipelineID = %q, want etl", load.PipelineID)
	}
	if load.TaskConfig.TaskType != "shell_script" {
		t.Errorf("TaskType = %q", load.TaskConfig.TaskType)
	}
	if load.TaskConfig.Config["script"] != "load.sh" {
		t.Errorf("config = %v", load.TaskConfig.Config)
	}
	if load.StartPayload["source"] != "extract.outputs.path" {
		t.Errorf("startPayload = %v", load.StartPayload)
	}
	if load.ControlPolicy == nil || !strings.HasPrefix(load.ControlPolicy.RetryWhen, "#event.type") {
		t.Fatalf("controlPolicy = %+v", load.ControlPolicy)
	}
	rules := load.ControlPolicy.CustomRules
	if len(rules) != 1 || rules[0].Action != "stop" || rules[0].Name != "stop-on-abort" {
		t.Errorf("customRules = %+v", rules)
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"id":"approvals","nodes":[{"id":"gate","type":"approval","metadata":{"owner":"data-team"}}]}`
	p, err := mustParser(t).Parse([]byte(doc), FormatJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(p.Nodes) != 1 || p.Nodes[0].Metadata["owner"] != "data-team" {
		t.Errorf("nodes = %+v", p.Nodes)
	}
}

func TestParseCUE(t *testing.T) {
	doc := `
id: "stream"
nodes: [
	{id: "ingest", type: "flink_streaming", config: {jarUri: "s3://jars/ingest.jar"}},
	{id: "report", taskDefinitionRef: "data:report:v2", startWhen: "ingest.status == \"running\""},
]
`
	p, err := mustParser(t).Parse([]byte(doc), FormatCUE)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Nodes[1].TaskConfig.TaskDefinitionRef != "data:report:v2" {
		t.Errorf("taskDefinitionRef = %q", p.Nodes[1].TaskConfig.TaskDefinitionRef)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "missing id", doc: "nodes: []"},
		{name: "unknown field", doc: "id: p\nowner: me\nnodes: []"},
		{name: "bad node id", doc: "id: p\nnodes:\n  - id: 'has space'\n    type: shell_script"},
		{name: "bad template ref", doc: "id: p\nnodes:\n  - id: a\n    taskDefinitionRef: report"},
		{name: "rule without action", doc: "id: p\nnodes:\n  - id: a\n    type: t\n    controlPolicy:\n      customRules:\n        - condition: 'true'"},
		{name: "non-string payload", doc: "id: p\nnodes:\n  - id: a\n    type: t\n    startPayload:\n      replicas: 5"},
		{name: "malformed yaml", doc: "id: [p"},
		{name: "empty", doc: ""},
	}

	parser := mustParser(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.Parse([]byte(tt.doc), FormatYAML)
			if err == nil {
				t.Fatal("expected an error")
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error %T is not a *ParseError", err)
			}
			if len(perr.Issues) == 0 {
				t.Error("ParseError has no issues")
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etl.yml")
	if err := os.WriteFile(path, []byte(batchPipelineYAML), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p, err := mustParser(t).ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if p.ID != "etl" {
		t.Errorf("ID = %q", p.ID)
	}

	if _, err := mustParser(t).ParseFile(filepath.Join(dir, "etl.toml")); err == nil {
		t.Error("expected an error for an unsupported extension")
	}
}

func TestFormatOf(t *testing.T) {
	tests := map[string]string{
		"a.yaml": FormatYAML,
		"a.YML":  FormatYAML,
		"a.json": FormatJSON,
		"a.cue":  FormatCUE,
	}
	for path, want := range tests {
		got, err := FormatOf(path)
		if err != nil || got != want {
			t.Errorf("FormatOf(%q) = %q, %v; want %q", path, got, err, want)
		}
	}
}

func mustParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}
	return p
}
