// Package executor implements the task executor gateways through which the
// control plane reaches remote task runtimes.
//
// Each gateway handles one access protocol and treats the others as a
// no-op: HTTPGateway (JSON over HTTP, static bearer or OAuth2 client
// credentials), GRPCGateway (unary calls carrying google.protobuf.Struct),
// InternalGateway (in-process handlers) and KubernetesGateway (logged
// no-op). Router combines them into one engine.TaskExecutor. Audited
// records every dispatch in the store. Recorder is an in-memory gateway for
// tests and dry runs.
package executor
