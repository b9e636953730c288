package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openfroyo/flowplane/pkg/engine"
)

const maxErrorBody = 512

// HTTPConfig configures the HTTP gateway.
type HTTPConfig struct {
	// Timeout bounds each request.
	Timeout time.Duration `yaml:"timeout"`

	// BaseURL is used when neither the node nor its task type names one.
	BaseURL string `yaml:"baseUrl"`

	// AuthToken is a static bearer token used when the task type has none.
	AuthToken string `yaml:"authToken"`

	// OAuth2 enables client-credentials tokens instead of static tokens.
	OAuth2 *OAuth2Config `yaml:"oauth2,omitempty"`
}

// OAuth2Config holds OAuth2 client-credentials settings.
type OAuth2Config struct {
	TokenURL     string   `yaml:"tokenUrl" validate:"required,url"`
	ClientID     string   `yaml:"clientId" validate:"required"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes"`
}

// HTTPGateway dispatches HTTP actions and queries HTTP states.
type HTTPGateway struct {
	client  *http.Client
	schemas engine.SchemaRegistry
	cfg     HTTPConfig
	logger  zerolog.Logger
}

var _ engine.TaskExecutor = (*HTTPGateway)(nil)

// NewHTTPGateway creates an HTTP gateway. schemas supplies per-task-type
// executor defaults and may be nil.
func NewHTTPGateway(cfg HTTPConfig, schemas engine.SchemaRegistry, logger zerolog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := &http.Client{Timeout: cfg.Timeout}

	client := base
	if cfg.OAuth2 != nil {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}

	return &HTTPGateway{
		client:  client,
		schemas: schemas,
		cfg:     cfg,
		logger:  logger.With().Str("component", "http-gateway").Logger(),
	}
}

// ExecuteAction sends params as a JSON body to the action endpoint and
// returns the response body. Non-HTTP actions are skipped.
func (g *HTTPGateway) ExecuteAction(ctx context.Context, node *engine.Node, action engine.ActionDefinition, params map[string]interface{}) (interface{}, error) {
	if action.Protocol != engine.ProtocolHTTP {
		g.logger.Debug().
			Str("node_id", node.ID).
			Str("action", action.Name).
			Msg("Skipping non-HTTP action")
		return nil, nil
	}

	target, err := g.buildURL(node, action.Endpoint, params)
	if err != nil {
		return nil, err
	}
	method := methodFrom(action.ProtocolConfig, http.MethodPost)

	if params == nil {
		params = map[string]interface{}{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	g.logger.Info().
		Str("node_id", node.ID).
		Str("method", method).
		Str("url", target).
		Msg("Executing HTTP action")

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req, node)

	respBody, err := g.do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP action %s failed for node %s: %w", action.Name, node.ID, err)
	}
	return string(respBody), nil
}

// GetState fetches a state with GET (or the configured method). Any failure
// yields nil. JSON bodies are decoded; other bodies are returned as strings.
func (g *HTTPGateway) GetState(ctx context.Context, node *engine.Node, state engine.StateDefinition) interface{} {
	if state.Protocol != engine.ProtocolHTTP {
		return nil
	}

	target, err := g.buildURL(node, state.Endpoint, nil)
	if err != nil {
		g.logger.Error().Err(err).Str("node_id", node.ID).Str("state", state.Name).Msg("Failed to build state URL")
		return nil
	}
	method := methodFrom(state.ProtocolConfig, http.MethodGet)

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		g.logger.Error().Err(err).Str("node_id", node.ID).Str("state", state.Name).Msg("Failed to build state request")
		return nil
	}
	req.Header.Set("Accept", "application/json")
	g.authorize(req, node)

	body, err := g.do(req)
	if err != nil {
		g.logger.Error().Err(err).
			Str("node_id", node.ID).
			Str("state", state.Name).
			Str("url", target).
			Msg("Failed to get HTTP state")
		return nil
	}

	var value interface{}
	if err := json.Unmarshal(body, &value); err != nil {
		return strings.TrimSpace(string(body))
	}
	return value
}

func (g *HTTPGateway) do(req *http.Request) ([]byte, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(snippet))
	}
	return body, nil
}

// authorize sets a static bearer token unless OAuth2 is configured.
func (g *HTTPGateway) authorize(req *http.Request, node *engine.Node) {
	if g.cfg.OAuth2 != nil {
		return
	}
	token := g.cfg.AuthToken
	if exec, ok := g.executorConfig(node); ok && exec.AuthToken != "" {
		token = exec.AuthToken
	}
	if token == "" {
		return
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
}

func (g *HTTPGateway) executorConfig(node *engine.Node) (engine.ExecutorConfig, bool) {
	if g.schemas == nil {
		return engine.ExecutorConfig{}, false
	}
	s, ok := g.schemas.Get(node.TaskConfig.TaskType)
	if !ok {
		return engine.ExecutorConfig{}, false
	}
	return s.Executor, true
}

// buildURL resolves an endpoint against the node's base URL. Absolute
// endpoints are used as-is. The base URL comes from the node config
// ("baseUrl", then "host"), then the task type executor config, then the
// gateway default.
func (g *HTTPGateway) buildURL(node *engine.Node, endpoint string, params map[string]interface{}) (string, error) {
	endpoint = expandPlaceholders(endpoint, node, params)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}

	base, ok := node.TaskConfig.ConfigString("baseUrl")
	if !ok {
		base, ok = node.TaskConfig.ConfigString("host")
	}
	if !ok {
		if exec, found := g.executorConfig(node); found && exec.BaseURL != "" {
			base, ok = exec.BaseURL, true
		}
	}
	if !ok && g.cfg.BaseURL != "" {
		base, ok = g.cfg.BaseURL, true
	}
	if !ok {
		return "", fmt.Errorf("node config missing 'baseUrl' or 'host' for HTTP task, node %s", node.ID)
	}

	base = strings.TrimSuffix(base, "/")
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint, nil
}

// expandPlaceholders substitutes {executionId}, {nodeId} and {pipelineId}.
// executionId is looked up in params, then node outputs, then metadata.
func expandPlaceholders(endpoint string, node *engine.Node, params map[string]interface{}) string {
	if !strings.Contains(endpoint, "{") {
		return endpoint
	}
	pipelineID := node.PipelineID
	if pipelineID == "" {
		if v, ok := node.Metadata["pipelineId"].(string); ok {
			pipelineID = v
		}
	}
	r := strings.NewReplacer(
		"{nodeId}", url.PathEscape(node.ID),
		"{pipelineId}", url.PathEscape(pipelineID),
		"{executionId}", url.PathEscape(executionID(node, params)),
	)
	return r.Replace(endpoint)
}

func executionID(node *engine.Node, params map[string]interface{}) string {
	for _, m := range []map[string]interface{}{params, node.Outputs, node.Metadata} {
		if v, ok := m["executionId"]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func methodFrom(cfg map[string]interface{}, fallback string) string {
	if m, ok := cfg["method"].(string); ok && strings.TrimSpace(m) != "" {
		return strings.ToUpper(strings.TrimSpace(m))
	}
	return fallback
}
