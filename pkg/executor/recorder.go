package executor

import (
	"context"
	"sync"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Call is one recorded action dispatch.
type Call struct {
	NodeID string
	Action string
	Params map[string]interface{}
}

// Recorder is an in-memory gateway that records every action and simulates
// its effect on node states. It backs tests and dry runs.
type Recorder struct {
	mu      sync.Mutex
	calls   []Call
	states  map[string]map[string]interface{}
	failOn  map[string]error
	results map[string]interface{}
}

var _ engine.TaskExecutor = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		states:  make(map[string]map[string]interface{}),
		failOn:  make(map[string]error),
		results: make(map[string]interface{}),
	}
}

// ExecuteAction records the call and applies its side effect:
// start/restart/resume set status RUNNING, stop/pause set STOPPED, scale
// sets parallelism from the replicas param, approve and reject set
// APPROVED and REJECTED.
func (r *Recorder) ExecuteAction(_ context.Context, node *engine.Node, action engine.ActionDefinition, params map[string]interface{}) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make(map[string]interface{}, len(params))
	for k, v := range params {
		copied[k] = v
	}
	r.calls = append(r.calls, Call{NodeID: node.ID, Action: action.Name, Params: copied})

	if err, ok := r.failOn[callKey(node.ID, action.Name)]; ok {
		return nil, err
	}

	states, ok := r.states[node.ID]
	if !ok {
		states = make(map[string]interface{})
		r.states[node.ID] = states
	}
	switch action.Name {
	case engine.ActionStart, engine.ActionRestart, engine.ActionResume:
		states[engine.StateStatus] = "RUNNING"
	case engine.ActionStop, engine.ActionPause:
		states[engine.StateStatus] = "STOPPED"
	case "scale":
		states["parallelism"] = params["replicas"]
	case "approve":
		states[engine.StateStatus] = "APPROVED"
	case "reject":
		states[engine.StateStatus] = "REJECTED"
	}

	if res, ok := r.results[callKey(node.ID, action.Name)]; ok {
		return res, nil
	}
	return "OK", nil
}

// GetState returns the simulated state value.
func (r *Recorder) GetState(_ context.Context, node *engine.Node, state engine.StateDefinition) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[node.ID][state.Name]
}

// SetState sets a simulated state value.
func (r *Recorder) SetState(nodeID, name string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[nodeID] == nil {
		r.states[nodeID] = make(map[string]interface{})
	}
	r.states[nodeID][name] = value
}

// FailOn makes the given node action fail with err.
func (r *Recorder) FailOn(nodeID, action string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failOn[callKey(nodeID, action)] = err
}

// ReturnOn sets the result returned for a node action.
func (r *Recorder) ReturnOn(nodeID, action string, result interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[callKey(nodeID, action)] = result
}

// History returns the action names dispatched to a node, in order.
func (r *Recorder) History(nodeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if c.NodeID == nodeID {
			out = append(out, c.Action)
		}
	}
	return out
}

// Calls returns all recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Reset clears calls and states.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.states = make(map[string]map[string]interface{})
	r.failOn = make(map[string]error)
	r.results = make(map[string]interface{})
}

func callKey(nodeID, action string) string {
	return nodeID + "\x00" + action
}
