// Package stores provides the node repositories of the control plane.
//
// SQLStore persists nodes, the event log and the dispatch audit trail in
// SQLite (modernc, WAL mode) or PostgreSQL (pgx), with schema migrations
// embedded per dialect. MemoryNodeStore keeps the same contract in process
// and backs tests and single-shot CLI runs.
//
// Both stores hand out deep copies: callers never share node values with
// the store or with each other. Soft-deleted nodes are invisible to
// FindAllActiveNodes.
package stores
