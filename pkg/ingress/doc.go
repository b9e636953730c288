// Package ingress connects the control plane to a NATS JetStream event
// stream.
//
// Consumer pulls event envelopes from a durable consumer, filters them by
// source and type globs, and hands them to the partitioned scheduler. A
// message is acknowledged once its event has been handled, negatively
// acknowledged when handling failed with a retryable error, and terminated
// when it cannot be decoded or failed permanently.
//
// Publisher writes events emitted by internal task handlers back to the
// stream, and sends alert and skip notifications on plain NATS subjects.
package ingress
