package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Engine evaluates Rego policies before actions are dispatched. It
// implements engine.ActionAuthorizer.
type Engine struct {
	mu       sync.RWMutex
	builtins []Policy
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

var _ engine.ActionAuthorizer = (*Engine)(nil)

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		builtins: GetBuiltinPolicies(),
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Authorize denies the action when any applicable policy reports a blocking
// violation. Policies that fail to evaluate are logged and skipped.
func (e *Engine) Authorize(ctx context.Context, req engine.ActionRequest) error {
	result, err := e.Evaluate(ctx, req)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("node_id", w.NodeID).
			Str("action", w.Action).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	msgs := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return engine.NewPermanentError("action denied by policy", nil).
		WithCode(engine.ErrCodeActionDenied).
		WithResource(req.Node.ID).
		WithOperation(req.Action.Name).
		WithDetail("violations", strings.Join(msgs, "; "))
}

// Evaluate runs every enabled policy that covers the requested action.
func (e *Engine) Evaluate(ctx context.Context, req engine.ActionRequest) (*Result, error) {
	if req.Node == nil {
		return nil, fmt.Errorf("action request has no node")
	}
	start := time.Now()
	input := buildInput(req)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled || !cp.policy.Applies(req.Action.Name) {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("node_id", req.Node.ID).
				Msg("Policy evaluation failed")
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("node_id", req.Node.ID).
		Str("action", req.Action.Name).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Action policy evaluation completed")
	return result, nil
}

func buildInput(req engine.ActionRequest) Input {
	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return Input{
		Node: engine.NodeView(req.Node),
		Action: ActionInput{
			Name:     req.Action.Name,
			Protocol: string(req.Action.Protocol),
			Endpoint: req.Action.Endpoint,
		},
		Params:   params,
		TaskType: req.Node.TaskConfig.TaskType,
		Time:     time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range set {
				violations = append(violations, newViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

func newViolation(p *Policy, result interface{}, input Input) Violation {
	v := Violation{
		Policy:   p.Name,
		Action:   input.Action.Name,
		Severity: p.Severity,
	}
	if id, ok := input.Node["id"].(string); ok {
		v.NodeID = id
	}
	switch d := result.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// packageOf returns the Rego package path, e.g. "flowplane.policies.scale".
func packageOf(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageOf(module))),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled successfully")
	return &compiledPolicy{policy: &p, query: query, compiled: time.Now()}, nil
}

func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for _, p := range e.builtins {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		e.policies[p.Name] = cp
	}
	e.logger.Info().Int("count", len(e.builtins)).Msg("Built-in policies loaded")
	return nil
}

// LoadPolicies loads policy files and adds them to the engine. A policy with
// the name of a loaded one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and adds policies. Nothing is added if any fails.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// ReloadPolicies replaces all non built-in policies with the given set. It
// is the reload callback for Loader.Watch.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(e.builtins)+len(policies))
	for _, p := range append(append([]Policy{}, e.builtins...), policies...) {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		next[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = next
	e.logger.Info().Int("count", len(next)).Msg("Policies reloaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
