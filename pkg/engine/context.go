package engine

import (
	"strings"
	"time"
	"unicode"
)

// Reserved expression variable names.
const (
	VarEvent = "event"
	VarNode  = "node"
)

// BuildContext assembles the variables visible to expressions evaluated for
// node in response to event: "event", "node", and every active node under its
// sanitized id. Values are structural copies (maps and scalars) so nothing an
// expression does can reach engine state.
func BuildContext(node *Node, event Event, active []*Node) map[string]interface{} {
	vars := make(map[string]interface{}, len(active)+2)
	for _, n := range active {
		if n == nil {
			continue
		}
		key := SanitizeIdentifier(n.ID)
		if key == VarEvent || key == VarNode {
			continue
		}
		vars[key] = NodeView(n)
	}
	vars[VarEvent] = EventView(event)
	vars[VarNode] = NodeView(node)
	return vars
}

// SanitizeIdentifier turns a node id into an expression identifier: '-' and
// any other character outside [A-Za-z0-9_] become '_', and a leading digit
// is prefixed with '_'.
func SanitizeIdentifier(id string) string {
	var b strings.Builder
	b.Grow(len(id) + 1)
	for i, r := range id {
		if i == 0 && unicode.IsDigit(r) {
			b.WriteByte('_')
		}
		if r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// EventView is the structural view of an event exposed to expressions.
func EventView(e Event) map[string]interface{} {
	attrs := make(map[string]interface{}, len(e.attributes))
	for k, v := range e.attributes {
		attrs[k] = v
	}
	payload := e.Payload()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":            e.id,
		"type":          e.eventType,
		"source":        e.source,
		"time":          e.time.Format(time.RFC3339Nano),
		"pipelineId":    e.pipelineID,
		"executionId":   e.executionID,
		"correlationId": e.correlationID,
		"payload":       payload,
		"attributes":    attrs,
	}
}

// NodeView is the structural view of a node exposed to expressions.
func NodeView(n *Node) map[string]interface{} {
	if n == nil {
		return nil
	}
	outputs := cloneMap(n.Outputs)
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	metadata := cloneMap(n.Metadata)
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	config := cloneMap(n.TaskConfig.Config)
	if config == nil {
		config = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":          n.ID,
		"name":        n.Name,
		"description": n.Description,
		"pipelineId":  n.PipelineID,
		"taskType":    n.TaskConfig.TaskType,
		"status":      n.Status,
		"outputs":     outputs,
		"metadata":    metadata,
		"config":      config,
		"running":     n.IsRunning(),
		"succeeded":   n.IsSucceeded(),
	}
}
