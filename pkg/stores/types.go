package stores

import (
	"context"
	"time"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds SQL store configuration.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// DSN is a file path (or ":memory:") for SQLite and a connection URL for PostgreSQL.
	DSN string `yaml:"dsn" validate:"required"`

	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// EventRecord is an archived control-plane event.
type EventRecord struct {
	ID            int64                  `json:"id"`
	EventID       string                 `json:"eventId"`
	Type          string                 `json:"type"`
	Source        string                 `json:"source"`
	PipelineID    string                 `json:"pipelineId,omitempty"`
	ExecutionID   string                 `json:"executionId,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	OccurredAt    time.Time              `json:"occurredAt"`
	ReceivedAt    time.Time              `json:"receivedAt"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	PipelineID string
	Source     string
	Type       string
	Limit      int
	Offset     int
}

// Dispatch outcomes.
const (
	DispatchOK     = "ok"
	DispatchFailed = "failed"
)

// DispatchRecord is an audit entry for one action sent to a task runtime.
type DispatchRecord struct {
	ID         int64                  `json:"id"`
	NodeID     string                 `json:"nodeId"`
	PipelineID string                 `json:"pipelineId,omitempty"`
	TaskType   string                 `json:"taskType"`
	Action     string                 `json:"action"`
	Protocol   string                 `json:"protocol"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Outcome    string                 `json:"outcome"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Store is the persistence layer of the control plane: node state, the
// event log and the dispatch audit trail.
type Store interface {
	engine.NodeRepository
	engine.NodeUpdater

	// ListNodes returns the active nodes of a pipeline, or all active nodes
	// when pipelineID is empty.
	ListNodes(ctx context.Context, pipelineID string) ([]*engine.Node, error)

	// DeleteNode soft-deletes a node so it is no longer active.
	DeleteNode(ctx context.Context, nodeID string) error

	AppendEvent(ctx context.Context, event engine.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)

	RecordDispatch(ctx context.Context, rec *DispatchRecord) error
	ListDispatches(ctx context.Context, nodeID string, limit int) ([]*DispatchRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
