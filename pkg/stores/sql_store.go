package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/engine"

	// PostgreSQL driver
	_ "github.com/jackc/pgx/v5/stdlib"
	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store. Call Init and Migrate before use, or use Open.
func NewSQLStore(cfg Config, logger zerolog.Logger) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to an in-memory SQLite database sees its own database.
	if cfg.Driver == DriverSQLite && isMemoryDSN(cfg.DSN) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "store").Str("driver", cfg.Driver).Logger(),
	}, nil
}

// Open creates, connects and migrates a store.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*SQLStore, error) {
	s, err := NewSQLStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection pool.
func (s *SQLStore) Init(ctx context.Context) error {
	driverName, dsn := "pgx", s.cfg.DSN
	if s.cfg.Driver == DriverSQLite {
		driverName, dsn = "sqlite", sqliteDSN(s.cfg.DSN)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Msg("Database connection established")
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded migrations of the configured dialect.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+s.cfg.Driver)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var (
		driver database.Driver
		name   string
	)
	switch s.cfg.Driver {
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
		name = "pgx5"
	default:
		driver, err = sqlite3.WithInstance(s.db, &sqlite3.Config{})
		name = "sqlite3"
	}
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, name, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.logger.Debug().Msg("Database migrations applied")
	return nil
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// FindByID returns a node, including soft-deleted ones.
func (s *SQLStore) FindByID(ctx context.Context, nodeID string) (*engine.Node, error) {
	var def []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT definition FROM nodes WHERE id = ?`), nodeID).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", nodeID, engine.ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return decodeNode(def)
}

// FindAllActiveNodes returns all nodes that are not soft-deleted.
func (s *SQLStore) FindAllActiveNodes(ctx context.Context) ([]*engine.Node, error) {
	return s.ListNodes(ctx, "")
}

// ListNodes returns the active nodes of one pipeline, or all of them.
func (s *SQLStore) ListNodes(ctx context.Context, pipelineID string) ([]*engine.Node, error) {
	query := `SELECT definition FROM nodes WHERE deleted_at IS NULL`
	var args []interface{}
	if pipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, pipelineID)
	}
	query += ` ORDER BY pipeline_id, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*engine.Node
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		node, err := decodeNode(def)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// Save upserts a node and clears any soft delete.
func (s *SQLStore) Save(ctx context.Context, node *engine.Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	return s.writeNode(ctx, s.db, node)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) writeNode(ctx context.Context, ex execer, node *engine.Node) error {
	def, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO nodes (id, pipeline_id, task_type, status, definition, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (id) DO UPDATE SET
			pipeline_id = excluded.pipeline_id,
			task_type = excluded.task_type,
			status = excluded.status,
			definition = excluded.definition,
			updated_at = excluded.updated_at,
			deleted_at = NULL`

	_, err = ex.ExecContext(ctx, s.rebind(query),
		node.ID, node.PipelineID, node.TaskConfig.TaskType, node.Status, string(def), now, now)
	if err != nil {
		return fmt.Errorf("failed to save node: %w", err)
	}
	return nil
}

// UpdateNode runs fn on the stored node inside a transaction.
func (s *SQLStore) UpdateNode(ctx context.Context, nodeID string, fn func(*engine.Node) error) (*engine.Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT definition FROM nodes WHERE id = ? AND deleted_at IS NULL`
	if s.cfg.Driver == DriverPostgres {
		query += ` FOR UPDATE`
	}

	var def []byte
	err = tx.QueryRowContext(ctx, s.rebind(query), nodeID).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", nodeID, engine.ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}

	node, err := decodeNode(def)
	if err != nil {
		return nil, err
	}
	if err := fn(node); err != nil {
		return nil, err
	}
	if err := s.writeNode(ctx, tx, node); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit node update: %w", err)
	}
	return node, nil
}

// DeleteNode soft-deletes a node.
func (s *SQLStore) DeleteNode(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE nodes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`),
		time.Now().UTC(), nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("node %s: %w", nodeID, engine.ErrNodeNotFound)
	}
	return nil
}

// AppendEvent logs an event. Redelivered events with a known id are ignored.
func (s *SQLStore) AppendEvent(ctx context.Context, event engine.Event) error {
	rec := eventRecord(event)
	payload, err := json.Marshal(nonNil(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO events (event_id, type, source, pipeline_id, execution_id, correlation_id, payload, occurred_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		rec.EventID, rec.Type, rec.Source, rec.PipelineID, rec.ExecutionID, rec.CorrelationID,
		string(payload), rec.OccurredAt.UTC(), rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns logged events matching the filter, oldest first.
func (s *SQLStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	query := `SELECT id, event_id, type, source, pipeline_id, execution_id, correlation_id, payload, occurred_at, received_at
		FROM events WHERE 1=1`
	var args []interface{}

	if filter.PipelineID != "" {
		query += ` AND pipeline_id = ?`
		args = append(args, filter.PipelineID)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EventRecord
	for rows.Next() {
		rec := &EventRecord{}
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Type, &rec.Source, &rec.PipelineID,
			&rec.ExecutionID, &rec.CorrelationID, &payload, &rec.OccurredAt, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordDispatch appends an audit entry and sets its id.
func (s *SQLStore) RecordDispatch(ctx context.Context, rec *DispatchRecord) error {
	params, err := json.Marshal(nonNil(rec.Params))
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dispatches (node_id, pipeline_id, task_type, action, protocol, params, outcome, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	err = s.db.QueryRowContext(ctx, s.rebind(query),
		rec.NodeID, rec.PipelineID, rec.TaskType, rec.Action, rec.Protocol, string(params),
		rec.Outcome, rec.Error, rec.Duration.Milliseconds(), rec.CreatedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// ListDispatches returns the audit entries of a node, newest first.
func (s *SQLStore) ListDispatches(ctx context.Context, nodeID string, limit int) ([]*DispatchRecord, error) {
	query := `SELECT id, node_id, pipeline_id, task_type, action, protocol, params, outcome, error, duration_ms, created_at
		FROM dispatches`
	var args []interface{}
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DispatchRecord
	for rows.Next() {
		rec := &DispatchRecord{}
		var params []byte
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.NodeID, &rec.PipelineID, &rec.TaskType, &rec.Action,
			&rec.Protocol, &params, &rec.Outcome, &rec.Error, &durationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &rec.Params); err != nil {
				return nil, fmt.Errorf("failed to decode dispatch params: %w", err)
			}
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.cfg.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func decodeNode(def []byte) (*engine.Node, error) {
	var node engine.Node
	if err := json.Unmarshal(def, &node); err != nil {
		return nil, fmt.Errorf("failed to decode node: %w", err)
	}
	return &node, nil
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if isMemoryDSN(path) {
		return path + "?_pragma=foreign_keys(1)"
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}
