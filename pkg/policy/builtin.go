package policy

// Names of the built-in policies.
const (
	PolicyScaleBounds   = "scale-bounds"
	PolicySkippedNodes  = "skipped-node-guard"
	PolicyHTTPEndpoints = "http-endpoint"
)

// MaxReplicas is the upper bound enforced by the scale-bounds policy.
const MaxReplicas = 100

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		scaleBoundsPolicy(),
		skippedNodePolicy(),
		httpEndpointPolicy(),
	}
}

// scaleBoundsPolicy rejects scale requests outside 1..MaxReplicas.
func scaleBoundsPolicy() Policy {
	return Policy{
		Name:        PolicyScaleBounds,
		Description: "Scale actions must request between 1 and 100 replicas",
		Severity:    SeverityError,
		Enabled:     true,
		Actions:     []string{"scale"},
		Tags:        []string{"capacity"},
		Rego: `package flowplane.policies.scale

import rego.v1

max_replicas := 100

deny contains violation if {
	not is_number(input.params.replicas)
	violation := {
		"message": "scale requires a numeric replicas parameter",
		"severity": "error",
	}
}

deny contains violation if {
	input.params.replicas < 1
	violation := {
		"message": sprintf("replicas must be at least 1, got %v", [input.params.replicas]),
		"severity": "error",
	}
}

deny contains violation if {
	input.params.replicas > max_replicas
	violation := {
		"message": sprintf("replicas must be at most %d, got %v", [max_replicas, input.params.replicas]),
		"severity": "error",
	}
}
`,
	}
}

// skippedNodePolicy keeps skipped nodes from being started again.
func skippedNodePolicy() Policy {
	return Policy{
		Name:        PolicySkippedNodes,
		Description: "Skipped nodes cannot be started, restarted, retried or resumed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lifecycle"},
		Rego: `package flowplane.policies.skipped

import rego.v1

blocked_actions := {"start", "restart", "retry", "resume"}

deny contains violation if {
	lower(input.node.status) == "skipped"
	input.action.name in blocked_actions
	violation := {
		"message": sprintf("node %s is skipped, %s is not allowed", [input.node.id, input.action.name]),
		"severity": "error",
	}
}
`,
	}
}

// httpEndpointPolicy warns about HTTP actions that rely on an implicit endpoint.
func httpEndpointPolicy() Policy {
	return Policy{
		Name:        PolicyHTTPEndpoints,
		Description: "HTTP actions should declare an endpoint",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"transport"},
		Rego: `package flowplane.policies.http

import rego.v1

deny contains violation if {
	input.action.protocol == "HTTP"
	not input.action.endpoint
	violation := {
		"message": sprintf("HTTP action %s of %s has no endpoint", [input.action.name, input.taskType]),
		"severity": "warning",
	}
}
`,
	}
}
