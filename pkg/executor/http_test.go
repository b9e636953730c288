package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/registry"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type capturedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]interface{}
}

func newCaptureServer(t *testing.T, status int, respond string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := capturedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &c.Body)
		}
		captured = append(captured, c)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respond)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func httpNode(baseURL string) *engine.Node {
	return &engine.Node{
		ID:         "script-1",
		PipelineID: "p1",
		TaskConfig: engine.TaskConfig{
			TaskType: registry.TypeShellScript,
			Config:   map[string]interface{}{"baseUrl": baseURL + "/", "script": "echo"},
		},
		Outputs: map[string]interface{}{"executionId": "exec-42"},
	}
}

func TestHTTPGateway_ExecuteAction(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "exec-42")
	gw := NewHTTPGateway(HTTPConfig{}, nil, testLogger())

	action := engine.ActionDefinition{Name: "start", Protocol: engine.ProtocolHTTP, Endpoint: "start"}
	result, err := gw.ExecuteAction(context.Background(), httpNode(srv.URL), action, map[string]interface{}{"env": "prod"})
	if err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if result != "exec-42" {
		t.Errorf("expected response body, got %#v", result)
	}

	if len(*captured) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*captured))
	}
	req := (*captured)[0]
	if req.Method != http.MethodPost || req.Path != "/start" {
		t.Errorf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.Body["env"] != "prod" {
		t.Errorf("params not sent as body: %v", req.Body)
	}
}

func TestHTTPGateway_MethodAndPlaceholders(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusAccepted, "")
	gw := NewHTTPGateway(HTTPConfig{}, nil, testLogger())

	action := engine.ActionDefinition{
		Name:           "scale",
		Protocol:       engine.ProtocolHTTP,
		Endpoint:       "/pipelines/{pipelineId}/jobs/{executionId}/scale",
		ProtocolConfig: map[string]interface{}{"method": "patch"},
	}
	if _, err := gw.ExecuteAction(context.Background(), httpNode(srv.URL), action, nil); err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}

	req := (*captured)[0]
	if req.Method != http.MethodPatch {
		t.Errorf("expected PATCH, got %s", req.Method)
	}
	if req.Path != "/pipelines/p1/jobs/exec-42/scale" {
		t.Errorf("unexpected path %s", req.Path)
	}
}

func TestHTTPGateway_SkipsOtherProtocols(t *testing.T) {
	gw := NewHTTPGateway(HTTPConfig{}, nil, testLogger())
	node := &engine.Node{ID: "n"}

	for _, p := range []engine.AccessProtocol{engine.ProtocolGRPC, engine.ProtocolK8S, engine.ProtocolInternal, ""} {
		result, err := gw.ExecuteAction(context.Background(), node, engine.ActionDefinition{Name: "start", Protocol: p}, nil)
		if err != nil || result != nil {
			t.Errorf("protocol %q: expected no-op, got %v, %v", p, result, err)
		}
	}
}

func TestHTTPGateway_Errors(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusInternalServerError, "boom")
	gw := NewHTTPGateway(HTTPConfig{}, nil, testLogger())
	action := engine.ActionDefinition{Name: "start", Protocol: engine.ProtocolHTTP, Endpoint: "/start"}

	_, err := gw.ExecuteAction(context.Background(), httpNode(srv.URL), action, nil)
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected status error, got %v", err)
	}

	noBase := &engine.Node{ID: "n", TaskConfig: engine.TaskConfig{TaskType: "x"}}
	_, err = gw.ExecuteAction(context.Background(), noBase, action, nil)
	if err == nil || !strings.Contains(err.Error(), "baseUrl") {
		t.Errorf("expected missing base URL error, got %v", err)
	}
}

func TestHTTPGateway_BuildURL(t *testing.T) {
	schemas, err := registry.New(testLogger())
	if err != nil {
		t.Fatal(err)
	}
	withExecutor, _ := engine.NewTaskSchema("remote", []engine.ActionDefinition{{Name: "start"}}, nil)
	withExecutor.Executor = engine.ExecutorConfig{BaseURL: "http://schema-host:1"}
	if err := schemas.Register(withExecutor); err != nil {
		t.Fatal(err)
	}

	gw := NewHTTPGateway(HTTPConfig{BaseURL: "http://default:2"}, schemas, testLogger())

	tests := []struct {
		name     string
		taskType string
		config   map[string]interface{}
		endpoint string
		want     string
	}{
		{"absolute endpoint", "x", nil, "https://elsewhere/run", "https://elsewhere/run"},
		{"base url", "x", map[string]interface{}{"baseUrl": "http://a:1/"}, "/run", "http://a:1/run"},
		{"host fallback", "x", map[string]interface{}{"host": "http://b:1"}, "run", "http://b:1/run"},
		{"blank base url falls back to host", "x", map[string]interface{}{"baseUrl": " ", "host": "http://b:1"}, "/run", "http://b:1/run"},
		{"schema executor", "remote", nil, "/run", "http://schema-host:1/run"},
		{"gateway default", "x", nil, "/run", "http://default:2/run"},
		{"empty endpoint", "x", map[string]interface{}{"baseUrl": "http://a:1"}, "", "http://a:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &engine.Node{ID: "n", TaskConfig: engine.TaskConfig{TaskType: tt.taskType, Config: tt.config}}
			got, err := gw.buildURL(node, tt.endpoint, nil)
			if err != nil {
				t.Fatalf("buildURL failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("buildURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPGateway_AuthToken(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusOK, "")
	schemas := registry.NewWithBuiltins(testLogger())
	gw := NewHTTPGateway(HTTPConfig{AuthToken: "fallback"}, schemas, testLogger())
	action := engine.ActionDefinition{Name: "stop", Protocol: engine.ProtocolHTTP, Endpoint: "/stop"}

	if _, err := gw.ExecuteAction(context.Background(), httpNode(srv.URL), action, nil); err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if got := (*captured)[0].Auth; got != "Bearer fallback" {
		t.Errorf("expected fallback bearer token, got %q", got)
	}
}

func TestHTTPGateway_GetState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = io.WriteString(w, "RUNNING")
		case "/metrics":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"lag": 12}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw := NewHTTPGateway(HTTPConfig{}, nil, testLogger())
	node := httpNode(srv.URL)
	ctx := context.Background()

	if v := gw.GetState(ctx, node, engine.StateDefinition{Name: "status", Protocol: engine.ProtocolHTTP, Endpoint: "/status"}); v != "RUNNING" {
		t.Errorf("expected RUNNING, got %#v", v)
	}

	v := gw.GetState(ctx, node, engine.StateDefinition{Name: "metrics", Protocol: engine.ProtocolHTTP, Endpoint: "/metrics"})
	m, ok := v.(map[string]interface{})
	if !ok || m["lag"] != float64(12) {
		t.Errorf("expected decoded JSON, got %#v", v)
	}

	if v := gw.GetState(ctx, node, engine.StateDefinition{Name: "missing", Protocol: engine.ProtocolHTTP, Endpoint: "/missing"}); v != nil {
		t.Errorf("expected nil on failure, got %#v", v)
	}
	if v := gw.GetState(ctx, &engine.Node{ID: "n"}, engine.StateDefinition{Name: "status", Protocol: engine.ProtocolHTTP}); v != nil {
		t.Errorf("expected nil without base URL, got %#v", v)
	}
}

func TestHTTPGateway_OAuth2(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"issued","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	srv, captured := newCaptureServer(t, http.StatusOK, "")
	gw := NewHTTPGateway(HTTPConfig{
		OAuth2: &OAuth2Config{TokenURL: tokenSrv.URL, ClientID: "flowplane", ClientSecret: "s"},
	}, nil, testLogger())

	action := engine.ActionDefinition{Name: "start", Protocol: engine.ProtocolHTTP, Endpoint: "/start"}
	if _, err := gw.ExecuteAction(context.Background(), httpNode(srv.URL), action, nil); err != nil {
		t.Fatalf("ExecuteAction failed: %v", err)
	}
	if got := (*captured)[0].Auth; got != "Bearer issued" {
		t.Errorf("expected client-credentials token, got %q", got)
	}
}
