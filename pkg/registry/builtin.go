package registry

import (
	"github.com/openfroyo/flowplane/pkg/engine"
)

// Built-in task types.
const (
	TypeShellScript    = "shell_script"
	TypeFlinkStreaming = "flink_streaming"
	TypeApproval       = "approval"
	TypeRemoteScript   = "remote_script"
)

// BuiltinSchemas returns fresh copies of the built-in task schemas.
func BuiltinSchemas() []*engine.TaskSchema {
	return []*engine.TaskSchema{
		shellScriptSchema(),
		flinkStreamingSchema(),
		approvalSchema(),
		remoteScriptSchema(),
	}
}

func shellScriptSchema() *engine.TaskSchema {
	s := mustSchema(TypeShellScript,
		[]engine.ActionDefinition{
			{Name: engine.ActionStart, Description: "Run the script", Protocol: engine.ProtocolHTTP, Endpoint: "/start",
				ProtocolConfig: map[string]interface{}{"method": "POST"}},
			{Name: engine.ActionStop, Description: "Kill the running script", Protocol: engine.ProtocolHTTP, Endpoint: "/stop",
				ProtocolConfig: map[string]interface{}{"method": "POST"}},
		},
		[]engine.StateDefinition{
			{Name: engine.StateStatus, Description: "Execution status", Type: "string",
				Protocol: engine.ProtocolHTTP, Endpoint: "/status",
				PossibleValues: []string{"PENDING", "RUNNING", "SUCCEEDED", "FAILED"}},
		},
	)
	s.Description = "Runs a shell script on a script runner"
	s.Events = []engine.EventDefinition{
		{Name: engine.EventStarted},
		{Name: engine.EventSucceeded, PayloadSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"exitCode": map[string]interface{}{"type": "integer"},
				"stdout":   map[string]interface{}{"type": "string"},
			},
		}},
		{Name: engine.EventFailed},
	}
	s.ExecutionConfigSchema = map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"script"},
		"properties": map[string]interface{}{
			"script":   map[string]interface{}{"type": "string"},
			"env":      map[string]interface{}{"type": "object"},
			"baseUrl":  map[string]interface{}{"type": "string"},
			"host":     map[string]interface{}{"type": "string"},
			"endpoint": map[string]interface{}{"type": "string"},
		},
	}
	s.CreatedBy = "system"
	return s
}

func flinkStreamingSchema() *engine.TaskSchema {
	deployment := map[string]interface{}{
		"apiVersion": "flink.apache.org/v1beta1",
		"kind":       "FlinkDeployment",
	}
	s := mustSchema(TypeFlinkStreaming,
		[]engine.ActionDefinition{
			{Name: engine.ActionStart, Description: "Deploy the streaming job", Protocol: engine.ProtocolK8S, ProtocolConfig: deployment},
			{Name: engine.ActionStop, Description: "Suspend the streaming job", Protocol: engine.ProtocolK8S, ProtocolConfig: deployment},
			{Name: engine.ActionRestart, Description: "Restart from the latest checkpoint", Protocol: engine.ProtocolK8S, ProtocolConfig: deployment},
			{Name: "trigger_savepoint", Description: "Take a savepoint", Protocol: engine.ProtocolHTTP,
				Endpoint: "/jobs/{executionId}/savepoints", ProtocolConfig: map[string]interface{}{"method": "POST"}},
			{Name: "scale", Description: "Change job parallelism", Protocol: engine.ProtocolHTTP,
				Endpoint: "/jobs/{executionId}/scale", ProtocolConfig: map[string]interface{}{"method": "PATCH"}},
		},
		[]engine.StateDefinition{
			{Name: engine.StateStatus, Description: "Job status", Type: "string",
				Protocol: engine.ProtocolHTTP, Endpoint: "/jobs/{executionId}/status",
				PossibleValues: []string{"CREATED", "RUNNING", "FAILING", "RESTARTING", "FINISHED"}},
			{Name: engine.StateMetrics, Description: "Job metrics", Type: "object",
				Protocol: engine.ProtocolHTTP, Endpoint: "/jobs/{executionId}/metrics"},
		},
	)
	s.Description = "Long-running Flink streaming job managed by the Flink operator"
	s.Events = []engine.EventDefinition{
		{Name: engine.EventStarted},
		{Name: engine.EventFailed},
		{Name: "checkpoint_completed", PayloadSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"checkpointId": map[string]interface{}{"type": "integer"},
				"path":         map[string]interface{}{"type": "string"},
			},
		}},
		{Name: "metrics_update", PayloadSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"lag":        map[string]interface{}{"type": "number"},
				"throughput": map[string]interface{}{"type": "number"},
			},
		}},
	}
	s.ExecutionConfigSchema = map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"jarUri"},
		"properties": map[string]interface{}{
			"jarUri":      map[string]interface{}{"type": "string"},
			"parallelism": map[string]interface{}{"type": "integer", "minimum": 1},
			"baseUrl":     map[string]interface{}{"type": "string"},
		},
	}
	s.CreatedBy = "system"
	return s
}

func approvalSchema() *engine.TaskSchema {
	s := mustSchema(TypeApproval,
		[]engine.ActionDefinition{
			{Name: engine.ActionStart, Description: "Request approval", Protocol: engine.ProtocolInternal},
			{Name: "approve", Description: "Approve the request", Protocol: engine.ProtocolInternal},
			{Name: "reject", Description: "Reject the request", Protocol: engine.ProtocolInternal},
		},
		nil,
	)
	s.Description = "Manual approval gate"
	s.Events = []engine.EventDefinition{
		{Name: engine.EventStarted},
		{Name: "approval_requested"},
		{Name: "approved"},
		{Name: "rejected"},
		{Name: engine.EventSucceeded},
	}
	s.CreatedBy = "system"
	return s
}

func remoteScriptSchema() *engine.TaskSchema {
	s := mustSchema(TypeRemoteScript,
		[]engine.ActionDefinition{
			{Name: engine.ActionStart, Description: "Upload and run the script over SSH", Protocol: engine.ProtocolInternal},
			{Name: engine.ActionStop, Description: "Signal the running script", Protocol: engine.ProtocolInternal},
		},
		[]engine.StateDefinition{
			{Name: engine.StateStatus, Description: "Execution status", Type: "string",
				Protocol:       engine.ProtocolInternal,
				PossibleValues: []string{"IDLE", "RUNNING", "SUCCEEDED", "FAILED", "STOPPED"}},
		},
	)
	s.Description = "Runs a script on a remote host over SSH"
	s.Events = []engine.EventDefinition{
		{Name: engine.EventStarted},
		{Name: engine.EventSucceeded},
		{Name: engine.EventFailed},
		{Name: engine.EventStopped},
	}
	s.ExecutionConfigSchema = map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"host", "script"},
		"properties": map[string]interface{}{
			"host":        map[string]interface{}{"type": "string"},
			"script":      map[string]interface{}{"type": "string"},
			"interpreter": map[string]interface{}{"type": "string"},
			"env":         map[string]interface{}{"type": "object"},
		},
	}
	s.CreatedBy = "system"
	return s
}

func mustSchema(taskType string, actions []engine.ActionDefinition, states []engine.StateDefinition) *engine.TaskSchema {
	s, err := engine.NewTaskSchema(taskType, actions, states)
	if err != nil {
		panic(err)
	}
	return s
}
