package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
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
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

const runColumns = `id, kind, service, namespace, mode, status, started_at, completed_at, error, summary, created_at, updated_at`

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stampRun(run)
	_, err := s.db.ExecContext(ctx, query, runArgs(run)...)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// SaveRun inserts run or updates every field of an existing run with the
// same ID, keeping its creation time.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			service = excluded.service,
			namespace = excluded.namespace,
			mode = excluded.mode,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			summary = excluded.summary,
			updated_at = excluded.updated_at
	`

	stampRun(run)
	_, err := s.db.ExecContext(ctx, query, runArgs(run)...)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

func stampRun(run *Run) {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.Summary == "" {
		run.Summary = "{}"
	}
}

func runArgs(run *Run) []interface{} {
	return []interface{}{
		run.ID,
		run.Kind,
		run.Service,
		run.Namespace,
		run.Mode,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Summary,
		run.CreatedAt,
		run.UpdatedAt,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Kind,
		&run.Service,
		&run.Namespace,
		&run.Mode,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Summary,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first with optional filters and pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, limit, offset int) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? IS NULL OR service = ?)
		  AND (? IS NULL OR kind = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Service, filter.Service,
		filter.Kind, filter.Kind,
		filter.Status, filter.Status,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its entity records
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneRuns deletes runs started before the cutoff and returns how many
// were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

// AppendEntity appends the result of one entity to its run
func (s *SQLiteStore) AppendEntity(ctx context.Context, record *EntityRecord) error {
	query := `
		INSERT INTO entity_records (run_id, kind, name, variant, location, outcome, error, duration_ms, remote, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		record.RunID,
		record.Kind,
		record.Name,
		record.Variant,
		record.Location,
		record.Outcome,
		record.Error,
		record.DurationMs,
		record.Remote,
		record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append entity record: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get entity record ID: %w", err)
	}

	record.ID = id
	return nil
}

// ListEntities returns the entity records of a run in the order they settled
func (s *SQLiteStore) ListEntities(ctx context.Context, runID string) ([]*EntityRecord, error) {
	query := `
		SELECT id, run_id, kind, name, variant, location, outcome, error, duration_ms, remote, recorded_at
		FROM entity_records
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity records: %w", err)
	}
	defer rows.Close()

	records := []*EntityRecord{}
	for rows.Next() {
		record := &EntityRecord{}
		err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Kind,
			&record.Name,
			&record.Variant,
			&record.Location,
			&record.Outcome,
			&record.Error,
			&record.DurationMs,
			&record.Remote,
			&record.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity records: %w", err)
	}

	return records, nil
}

const stateColumns = `id, namespace, kind, name, service, state, hash, last_run_id, last_applied, created_at, updated_at`

// UpsertResourceState inserts or updates resource state
func (s *SQLiteStore) UpsertResourceState(ctx context.Context, state *ResourceState) error {
	query := `
		INSERT INTO resource_state (` + stateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, kind, name) DO UPDATE SET
			service = excluded.service,
			state = excluded.state,
			hash = excluded.hash,
			last_run_id = excluded.last_run_id,
			last_applied = excluded.last_applied,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	if state.LastApplied.IsZero() {
		state.LastApplied = now
	}

	_, err := s.db.ExecContext(ctx, query,
		state.ID,
		state.Namespace,
		state.Kind,
		state.Name,
		state.Service,
		state.State,
		state.Hash,
		state.LastRunID,
		state.LastApplied,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource state: %w", err)
	}

	return nil
}

func scanState(row scanner) (*ResourceState, error) {
	state := &ResourceState{}
	err := row.Scan(
		&state.ID,
		&state.Namespace,
		&state.Kind,
		&state.Name,
		&state.Service,
		&state.State,
		&state.Hash,
		&state.LastRunID,
		&state.LastApplied,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	return state, err
}

// GetResourceState retrieves resource state by namespace, kind and name
func (s *SQLiteStore) GetResourceState(ctx context.Context, namespace, kind, name string) (*ResourceState, error) {
	query := `SELECT ` + stateColumns + ` FROM resource_state WHERE namespace = ? AND kind = ? AND name = ?`

	state, err := scanState(s.db.QueryRowContext(ctx, query, namespace, kind, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource state %s/%s/%s: %w", namespace, kind, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}

	return state, nil
}

// ListResourceStates lists resource states, optionally of one service
func (s *SQLiteStore) ListResourceStates(ctx context.Context, service *string, limit, offset int) ([]*ResourceState, error) {
	query := `
		SELECT ` + stateColumns + `
		FROM resource_state
		WHERE (? IS NULL OR service = ?)
		ORDER BY namespace, kind, name
		LIMIT ? OFFSET ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, service, service, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

// DeleteResourceState deletes the state of one resource. Missing rows are
// not an error.
func (s *SQLiteStore) DeleteResourceState(ctx context.Context, namespace, kind, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_state WHERE namespace = ? AND kind = ? AND name = ?`,
		namespace, kind, name)
	if err != nil {
		return fmt.Errorf("failed to delete resource state: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
