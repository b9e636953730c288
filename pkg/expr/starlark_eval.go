package expr

import (
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.starlark.net/starlark"
)

const (
	// DefaultTimeout bounds a single expression evaluation.
	DefaultTimeout = 250 * time.Millisecond

	// DefaultMaxSteps bounds the Starlark execution steps of one evaluation.
	DefaultMaxSteps = 100000
)

// StarlarkEvaluator evaluates pipeline expressions as Starlark expressions.
// Evaluation is sandboxed: no load(), no print output, bounded steps and a
// wall-clock deadline. It is safe for concurrent use.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
	builtins starlark.StringDict

	// normalized expression text keyed by source
	cache sync.Map
}

// NewStarlarkEvaluator creates an evaluator. Zero values select defaults.
func NewStarlarkEvaluator(timeout time.Duration, maxSteps uint64) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: maxSteps,
		builtins: starlark.StringDict{
			"glob": starlark.NewBuiltin("glob", builtinGlob),
		},
	}
}

// EvaluateCondition evaluates expr and requires a boolean result. None is
// treated as false.
func (se *StarlarkEvaluator) EvaluateCondition(expr string, vars map[string]interface{}) (bool, error) {
	v, err := se.eval(expr, vars)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case starlark.Bool:
		return bool(b), nil
	case starlark.NoneType:
		return false, nil
	default:
		return false, fmt.Errorf("condition must evaluate to a boolean, got %s", v.Type())
	}
}

// EvaluateValue evaluates expr and converts the result to a Go value.
func (se *StarlarkEvaluator) EvaluateValue(expr string, vars map[string]interface{}) (interface{}, error) {
	v, err := se.eval(expr, vars)
	if err != nil {
		return nil, err
	}
	return fromStarlarkValue(v)
}

func (se *StarlarkEvaluator) eval(expr string, vars map[string]interface{}) (starlark.Value, error) {
	src := se.normalize(expr)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}

	env := make(starlark.StringDict, len(vars)+len(se.builtins))
	for name, fn := range se.builtins {
		env[name] = fn
	}
	for key, val := range vars {
		// A variable with no Starlark form stays undefined; expressions
		// that reference it fail on their own.
		sv, err := toStarlarkValue(val)
		if err != nil {
			continue
		}
		env[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "flowplane-expr",
		Print: func(_ *starlark.Thread, _ string) {},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not allowed in expressions", module)
		},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	timer := time.AfterFunc(se.timeout, func() {
		thread.Cancel(fmt.Sprintf("expression timeout after %v", se.timeout))
	})
	defer timer.Stop()

	v, err := starlark.Eval(thread, "expr", src, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return v, nil
}

func (se *StarlarkEvaluator) normalize(expr string) string {
	if cached, ok := se.cache.Load(expr); ok {
		return cached.(string)
	}
	src := Normalize(expr)
	se.cache.Store(expr, src)
	return src
}

// builtinGlob implements glob(pattern, value) using path-style globbing.
func builtinGlob(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, value string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "value", &value); err != nil {
		return nil, err
	}
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	return starlark.Bool(ok), nil
}
