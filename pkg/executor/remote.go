package executor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// ScriptRequest is a script to run on a remote host.
type ScriptRequest struct {
	Script      string
	Interpreter string
	Env         map[string]string
}

// ScriptResult is the outcome of a finished script.
type ScriptResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ScriptRunner runs scripts on remote hosts. A non-zero exit code is a
// result, not an error.
type ScriptRunner interface {
	RunScript(ctx context.Context, host string, req ScriptRequest) (ScriptResult, error)
}

// Remote script statuses reported by the status state.
const (
	ScriptIdle      = "IDLE"
	ScriptRunning   = "RUNNING"
	ScriptSucceeded = "SUCCEEDED"
	ScriptFailed    = "FAILED"
	ScriptStopped   = "STOPPED"
)

const maxOutput = 64 << 10

// RemoteScripts runs INTERNAL remote_script actions in the background and
// reports their outcome as node events.
type RemoteScripts struct {
	runner  ScriptRunner
	emitter Emitter
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	status  map[string]string
	wg      sync.WaitGroup
}

// RegisterRemoteScriptHandlers installs start, stop and status handlers for
// taskType. start returns as soon as the script is launched; the node then
// emits started followed by succeeded, failed or stopped.
func RegisterRemoteScriptHandlers(g *InternalGateway, taskType string, runner ScriptRunner, emitter Emitter, logger zerolog.Logger) *RemoteScripts {
	r := &RemoteScripts{
		runner:  runner,
		emitter: emitter,
		logger:  logger.With().Str("component", "remote-scripts").Logger(),
		running: make(map[string]context.CancelFunc),
		status:  make(map[string]string),
	}
	g.Handle(HandlerKey(taskType, engine.ActionStart, ""), r.start)
	g.Handle(HandlerKey(taskType, engine.ActionStop, ""), r.stop)
	g.HandleState(HandlerKey(taskType, engine.StateStatus, ""), func(_ context.Context, node *engine.Node) interface{} {
		return r.Status(node.ID)
	})
	return r
}

// Status returns the last known status of a node's script.
func (r *RemoteScripts) Status(nodeID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.status[nodeID]; ok {
		return s
	}
	return ScriptIdle
}

func (r *RemoteScripts) start(ctx context.Context, node *engine.Node, params map[string]interface{}) (interface{}, error) {
	host, ok := node.TaskConfig.ConfigString("host")
	if !ok {
		return nil, engine.NewPermanentError("remote script needs a host", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(node.ID)
	}
	script, ok := node.TaskConfig.ConfigString("script")
	if !ok {
		return nil, engine.NewPermanentError("remote script needs a script", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(node.ID)
	}
	interpreter, ok := node.TaskConfig.ConfigString("interpreter")
	if !ok {
		interpreter = "/bin/sh"
	}
	req := ScriptRequest{Script: script, Interpreter: interpreter, Env: scriptEnv(node, params)}

	r.mu.Lock()
	if _, busy := r.running[node.ID]; busy {
		r.mu.Unlock()
		return ScriptRunning, nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.running[node.ID] = cancel
	r.status[node.ID] = ScriptRunning
	r.wg.Add(1)
	r.mu.Unlock()

	snapshot := node.Clone()
	if err := r.emit(ctx, snapshot, engine.EventStarted, map[string]interface{}{"host": host}); err != nil {
		r.logger.Warn().Err(err).Str("node_id", node.ID).Msg("Failed to emit started event")
	}
	go r.run(runCtx, cancel, snapshot, host, req)
	return ScriptRunning, nil
}

func (r *RemoteScripts) run(ctx context.Context, cancel context.CancelFunc, node *engine.Node, host string, req ScriptRequest) {
	defer r.wg.Done()
	defer cancel()

	logger := r.logger.With().Str("node_id", node.ID).Str("host", host).Logger()
	logger.Info().Msg("Remote script started")

	res, err := r.runner.RunScript(ctx, host, req)
	stopped := ctx.Err() != nil

	eventType, status := engine.EventSucceeded, ScriptSucceeded
	payload := map[string]interface{}{
		"host":       host,
		"exitCode":   res.ExitCode,
		"stdout":     truncate(res.Stdout),
		"stderr":     truncate(res.Stderr),
		"durationMs": res.Duration.Milliseconds(),
	}
	switch {
	case stopped:
		eventType, status = engine.EventStopped, ScriptStopped
	case err != nil:
		eventType, status = engine.EventFailed, ScriptFailed
		payload["error"] = err.Error()
	case res.ExitCode != 0:
		eventType, status = engine.EventFailed, ScriptFailed
	}

	r.mu.Lock()
	delete(r.running, node.ID)
	r.status[node.ID] = status
	r.mu.Unlock()

	logger.Info().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Str("status", status).
		Err(err).
		Msg("Remote script finished")

	if err := r.emit(context.Background(), node, eventType, payload); err != nil {
		logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to emit script outcome")
	}
}

func (r *RemoteScripts) stop(_ context.Context, node *engine.Node, _ map[string]interface{}) (interface{}, error) {
	r.mu.Lock()
	cancel, ok := r.running[node.ID]
	r.mu.Unlock()
	if !ok {
		return r.Status(node.ID), nil
	}
	cancel()
	return "stopping", nil
}

// Close stops every running script and waits for the outcome events.
func (r *RemoteScripts) Close() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until every running script has finished.
func (r *RemoteScripts) Wait() {
	r.wg.Wait()
}

func (r *RemoteScripts) emit(ctx context.Context, node *engine.Node, eventType string, payload map[string]interface{}) error {
	opts := []engine.EventOption{engine.WithPayload(payload)}
	if node.PipelineID != "" {
		opts = append(opts, engine.WithPipelineID(node.PipelineID))
	}
	return r.emitter.Emit(ctx, engine.NewEvent(eventType, engine.NodeSource(node.PipelineID, node.ID), opts...))
}

var envName = regexp.MustCompile(`[^A-Z0-9_]`)

// scriptEnv exports the node config "env" map and the action parameters,
// the latter as FLOWPLANE_PARAM_<NAME>.
func scriptEnv(node *engine.Node, params map[string]interface{}) map[string]string {
	env := map[string]string{
		"FLOWPLANE_NODE_ID":     node.ID,
		"FLOWPLANE_PIPELINE_ID": node.PipelineID,
	}
	if fixed, ok := node.TaskConfig.Config["env"].(map[string]interface{}); ok {
		for k, v := range fixed {
			env[k] = fmt.Sprint(v)
		}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := "FLOWPLANE_PARAM_" + envName.ReplaceAllString(strings.ToUpper(k), "_")
		env[name] = fmt.Sprint(params[k])
	}
	return env
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
