// Package policy gates action dispatch with Open Policy Agent (OPA) policies.
//
// The Engine implements engine.ActionAuthorizer: before the control plane
// hands an action to the executor, every enabled policy that covers the
// action is evaluated against an input document of the form
//
//	{
//	  "node":     {"id": ..., "status": ..., "taskType": ..., "outputs": {...}, ...},
//	  "action":   {"name": "scale", "protocol": "HTTP", "endpoint": "/jobs/{executionId}/scale"},
//	  "params":   {"replicas": 5},
//	  "taskType": "flink_streaming",
//	  "time":     "2026-01-02T15:04:05Z"
//	}
//
// Each policy contributes a "deny" set. An entry is either a message string
// or an object with "message" and "severity". Entries with severity error or
// critical deny the action; lower severities are logged as warnings.
//
// # Built-in policies
//
//   - scale-bounds: scale needs a numeric replicas parameter in 1..100
//   - skipped-node-guard: skipped nodes cannot be started again
//   - http-endpoint: warns about HTTP actions without an endpoint
//
// # Custom policies
//
// The Loader reads .rego files (named after the file) and JSON or YAML
// definitions holding one policy or a bundle:
//
//	bundle: ops
//	policies:
//	  - name: freeze
//	    actions: [start, restart]
//	    rego: |
//	      package ops.freeze
//	      import rego.v1
//	      deny contains "pipeline frozen" if input.node.metadata.frozen
//
// Loader.Watch reloads the files on change; call Engine.ReloadPolicies from the
// callback to swap the custom set atomically.
package policy
