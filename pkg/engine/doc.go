// Package engine provides the core types and the event-driven control plane
// of the Flowplane pipeline orchestrator.
//
// # Overview
//
// A pipeline is a set of nodes, each an instance of a task type described by
// a TaskSchema. Nodes declare when they should start (startWhen) and how they
// react to events (ControlPolicy). The ControlPlane consumes one Event at a
// time and, for every active node:
//
//  1. Snapshot - fetch the active nodes from the NodeRepository
//  2. Update - apply the event to the node it originated from
//  3. Policy - evaluate stopWhen, restartWhen, retryWhen, alertWhen, skipWhen
//     and custom rules
//  4. Start - evaluate startWhen unless the node is running or succeeded
//  5. Dispatch - validate the action against the TaskSchema and invoke the
//     TaskExecutor
//
// # Core Domain Types
//
//   - Event: immutable envelope with type, source, ids, payload and attributes
//   - Pipeline: a named collection of nodes
//   - Node: task instance with config, policy, and runtime status/outputs
//   - TaskConfig: task type or template reference plus executor config
//   - ControlPolicy and PolicyRule: reactive declarations
//   - TaskSchema, ActionDefinition, StateDefinition: capability contract
//
// # Expressions
//
// Expressions see a structural context built by BuildContext: "event",
// "node", and each active node under its sanitized id (dashes become
// underscores). Evaluation failures never propagate: a failed condition is
// false and a failed parameter is left out.
//
// # Error Handling
//
// Errors are classified with EngineError:
//
//   - Transient: executor or repository failures
//   - Conflict: concurrent node modifications
//   - Permanent: unknown task types or actions, denied actions, invalid nodes
//
// OnEvent returns an error only when the active-node snapshot cannot be read.
//
// # Concurrency
//
// The ControlPlane holds no state between events. PartitionedScheduler runs
// events concurrently while keeping events of one pipeline on one worker.
// Repositories implementing NodeUpdater make the per-node state update atomic.
package engine
