package expr

import (
	"strings"
	"testing"
	"time"
)

func testVars() map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{
			"type":   "metrics_update",
			"source": "/pipelines/pipe-1/nodes/flink-stream",
			"payload": map[string]interface{}{
				"lag":  float64(2000),
				"path": "s3://bucket/checkpoints/105",
			},
		},
		"node": map[string]interface{}{
			"id":        "batch-processor",
			"status":    "",
			"running":   false,
			"succeeded": false,
			"outputs":   map[string]interface{}{},
		},
		"sql_node": map[string]interface{}{
			"id":        "sql-node",
			"status":    "succeeded",
			"succeeded": true,
		},
	}
}

func TestStarlarkEvaluator_EvaluateCondition(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)

	tests := []struct {
		name    string
		expr    string
		want    bool
		wantErr bool
	}{
		{
			name: "equality with single quotes",
			expr: "event.type == 'metrics_update'",
			want: true,
		},
		{
			name: "uppercase AND with numeric comparison",
			expr: "event.type=='metrics_update' AND event.payload.lag > 1000",
			want: true,
		},
		{
			name: "double ampersand and hash variables",
			expr: "#event.source == '/pipelines/pipe-1/nodes/flink-stream' && #event.type == 'checkpoint_completed'",
			want: false,
		},
		{
			name: "sibling node by sanitized id",
			expr: "sql_node.succeeded",
			want: true,
		},
		{
			name: "negation with bang",
			expr: "!node.running && node.status != 'running'",
			want: true,
		},
		{
			name: "index access",
			expr: "event.payload['lag'] >= 2000",
			want: true,
		},
		{
			name: "missing attribute reads as None",
			expr: "event.payload.missing == null",
			want: true,
		},
		{
			name: "membership test",
			expr: "'path' in event.payload",
			want: true,
		},
		{
			name: "get with default",
			expr: "event.payload.get('retries', 0) == 0",
			want: true,
		},
		{
			name: "glob builtin",
			expr: "glob('/pipelines/*/nodes/flink-*', event.source)",
			want: true,
		},
		{
			name: "operator inside string literal is untouched",
			expr: "'a && b' == 'a && b'",
			want: true,
		},
		{
			name:    "non boolean result",
			expr:    "event.payload.lag",
			wantErr: true,
		},
		{
			name:    "syntax error",
			expr:    "event.type ==",
			wantErr: true,
		},
		{
			name:    "unknown variable",
			expr:    "undefined_node.succeeded",
			wantErr: true,
		},
		{
			name:    "missing index key",
			expr:    "event.payload['missing'] == 1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.EvaluateCondition(tt.expr, testVars())
			if (err != nil) != tt.wantErr {
				t.Fatalf("EvaluateCondition(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EvaluateCondition(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestStarlarkEvaluator_EvaluateValue(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)

	tests := []struct {
		name  string
		expr  string
		check func(*testing.T, interface{})
	}{
		{
			name: "integer literal",
			expr: "5",
			check: func(t *testing.T, v interface{}) {
				if v != int64(5) {
					t.Errorf("expected int64(5), got %#v", v)
				}
			},
		},
		{
			name: "string from payload",
			expr: "event.payload.path",
			check: func(t *testing.T, v interface{}) {
				if v != "s3://bucket/checkpoints/105" {
					t.Errorf("unexpected path: %#v", v)
				}
			},
		},
		{
			name: "arithmetic on payload",
			expr: "int(event.payload.lag / 100)",
			check: func(t *testing.T, v interface{}) {
				if v != int64(20) {
					t.Errorf("expected 20, got %#v", v)
				}
			},
		},
		{
			name: "dict literal",
			expr: "{'path': event.payload.path, 'replicas': 3}",
			check: func(t *testing.T, v interface{}) {
				m, ok := v.(map[string]interface{})
				if !ok {
					t.Fatalf("expected map, got %T", v)
				}
				if m["replicas"] != int64(3) {
					t.Errorf("expected replicas=3, got %#v", m["replicas"])
				}
			},
		},
		{
			name: "whole object",
			expr: "event.payload",
			check: func(t *testing.T, v interface{}) {
				m, ok := v.(map[string]interface{})
				if !ok {
					t.Fatalf("expected map, got %T", v)
				}
				if m["lag"] != float64(2000) {
					t.Errorf("expected lag=2000, got %#v", m["lag"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.EvaluateValue(tt.expr, testVars())
			if err != nil {
				t.Fatalf("EvaluateValue(%q) failed: %v", tt.expr, err)
			}
			tt.check(t, got)
		})
	}
}

func TestStarlarkEvaluator_StepLimit(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5*time.Second, 1000)

	_, err := evaluator.EvaluateValue("[x for x in range(1000000)]", nil)
	if err == nil {
		t.Fatal("expected step limit error")
	}
	if !strings.Contains(err.Error(), "cancelled") && !strings.Contains(err.Error(), "steps") {
		t.Logf("step limit error: %v", err)
	}
}

func TestStarlarkEvaluator_EmptyExpression(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0, 0)

	if _, err := evaluator.EvaluateValue("   ", nil); err == nil {
		t.Error("expected error for blank expression")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a AND b", "a and b"},
		{"a OR NOT b", "a or not b"},
		{"a&&b", "a and b"},
		{"a||b", "a or b"},
		{"!a", "not a"},
		{"a != b", "a != b"},
		{"#event.type == 'x'", "event.type == 'x'"},
		{"x == true", "x == True"},
		{"x == null", "x == None"},
		{"event.payload.true", "event.payload.true"},
		{"'AND && !' == x", "'AND && !' == x"},
		{"a ==\n  b", "a ==   b"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStarlarkEvaluator_UncommonOutputTypes(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second, 0)
	vars := testVars()
	vars["other"] = map[string]interface{}{
		"id": "other",
		"outputs": map[string]interface{}{
			"rows":    []map[string]interface{}{{"id": 1}, {"id": 2}},
			"shards":  uint32(8),
			"retries": int16(3),
			"headers": map[string][]string{"x-trace": {"abc"}},
			"done":    make(chan struct{}),
		},
	}
	vars["broken"] = func() {}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "unrelated condition", expr: "event.type == 'metrics_update'", want: true},
		{name: "slice of maps", expr: "len(other.outputs.rows) == 2 and other.outputs.rows[1].id == 2", want: true},
		{name: "unsigned and small ints", expr: "other.outputs.shards == 8 and other.outputs.retries == 3", want: true},
		{name: "map of string slices", expr: "other.outputs.headers['x-trace'][0] == 'abc'", want: true},
		{name: "unconvertible field reads as None", expr: "other.outputs.done == None", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.EvaluateCondition(tt.expr, vars)
			if err != nil {
				t.Fatalf("EvaluateCondition(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateCondition(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}

	if _, err := evaluator.EvaluateCondition("broken == None", vars); err == nil {
		t.Error("expected an error for a variable with no Starlark form")
	}
}
