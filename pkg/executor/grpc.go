package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// GRPCConfig configures the gRPC gateway.
type GRPCConfig struct {
	// Target is the default dial target, e.g. "dns:///runner:9090".
	Target string `yaml:"target"`

	// Timeout bounds each call.
	Timeout time.Duration `yaml:"timeout"`
}

// GRPCGateway invokes unary methods whose request and response are
// google.protobuf.Struct. The action endpoint is the full method name,
// "/pkg.Service/Method".
type GRPCGateway struct {
	cfg     GRPCConfig
	schemas engine.SchemaRegistry
	logger  zerolog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	dial  func(target string) (*grpc.ClientConn, error)
}

var _ engine.TaskExecutor = (*GRPCGateway)(nil)

// NewGRPCGateway creates a gRPC gateway.
func NewGRPCGateway(cfg GRPCConfig, schemas engine.SchemaRegistry, logger zerolog.Logger, opts ...grpc.DialOption) *GRPCGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCGateway{
		cfg:     cfg,
		schemas: schemas,
		logger:  logger.With().Str("component", "grpc-gateway").Logger(),
		conns:   make(map[string]*grpc.ClientConn),
		dial: func(target string) (*grpc.ClientConn, error) {
			return grpc.NewClient(target, opts...)
		},
	}
}

// ExecuteAction invokes the action method with params and returns the
// response as a map. Non-GRPC actions are skipped.
func (g *GRPCGateway) ExecuteAction(ctx context.Context, node *engine.Node, action engine.ActionDefinition, params map[string]interface{}) (interface{}, error) {
	if action.Protocol != engine.ProtocolGRPC {
		return nil, nil
	}
	req, err := structpb.NewStruct(jsonSafe(params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	resp, err := g.invoke(ctx, node, action.Endpoint, action.ProtocolConfig, req)
	if err != nil {
		return nil, fmt.Errorf("gRPC action %s failed for node %s: %w", action.Name, node.ID, err)
	}
	return resp.AsMap(), nil
}

// GetState invokes the state method with the node identity as request.
// Failures yield nil.
func (g *GRPCGateway) GetState(ctx context.Context, node *engine.Node, state engine.StateDefinition) interface{} {
	if state.Protocol != engine.ProtocolGRPC {
		return nil
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"nodeId":     node.ID,
		"pipelineId": node.PipelineID,
		"state":      state.Name,
	})
	if err != nil {
		return nil
	}
	resp, err := g.invoke(ctx, node, state.Endpoint, state.ProtocolConfig, req)
	if err != nil {
		g.logger.Error().Err(err).Str("node_id", node.ID).Str("state", state.Name).Msg("Failed to get gRPC state")
		return nil
	}
	if v, ok := resp.GetFields()["value"]; ok && len(resp.GetFields()) == 1 {
		return v.AsInterface()
	}
	return resp.AsMap()
}

func (g *GRPCGateway) invoke(ctx context.Context, node *engine.Node, method string, protocolConfig map[string]interface{}, req *structpb.Struct) (*structpb.Struct, error) {
	if !strings.HasPrefix(method, "/") || strings.Count(method, "/") != 2 {
		return nil, fmt.Errorf("invalid gRPC method %q, want /pkg.Service/Method", method)
	}

	target := g.target(node, protocolConfig)
	if target == "" {
		return nil, fmt.Errorf("no gRPC target for node %s", node.ID)
	}
	conn, err := g.conn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	if exec, ok := g.executorConfig(node); ok && exec.AuthToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+exec.AuthToken)
	}

	g.logger.Info().
		Str("node_id", node.ID).
		Str("target", target).
		Str("method", method).
		Msg("Invoking gRPC method")

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// target resolves the dial target: protocolConfig "target", node config
// "grpcTarget", task type executor baseUrl, then the gateway default.
func (g *GRPCGateway) target(node *engine.Node, protocolConfig map[string]interface{}) string {
	if t, ok := protocolConfig["target"].(string); ok && t != "" {
		return t
	}
	if t, ok := node.TaskConfig.ConfigString("grpcTarget"); ok {
		return t
	}
	if exec, ok := g.executorConfig(node); ok && exec.BaseURL != "" {
		return exec.BaseURL
	}
	return g.cfg.Target
}

func (g *GRPCGateway) executorConfig(node *engine.Node) (engine.ExecutorConfig, bool) {
	if g.schemas == nil {
		return engine.ExecutorConfig{}, false
	}
	s, ok := g.schemas.Get(node.TaskConfig.TaskType)
	if !ok {
		return engine.ExecutorConfig{}, false
	}
	return s.Executor, true
}

func (g *GRPCGateway) conn(target string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.conns[target]; ok {
		return c, nil
	}
	c, err := g.dial(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	g.conns[target] = c
	return c, nil
}

// Close closes all cached connections.
func (g *GRPCGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for target, c := range g.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.conns, target)
	}
	return firstErr
}

// jsonSafe converts values structpb cannot encode directly (typed maps and
// slices, integers of every width) into their JSON shapes.
func jsonSafe(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = jsonSafeValue(v)
	}
	return out
}

func jsonSafeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return jsonSafe(val)
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = jsonSafeValue(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
