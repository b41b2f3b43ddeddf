package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// RunKind distinguishes deployment runs from reconciliation runs.
type RunKind string

const (
	RunKindDeploy   RunKind = "deploy"
	RunKindUndeploy RunKind = "undeploy"
)

// Outcome is what happened to one entity within a run.
type Outcome string

const (
	OutcomeDeployed Outcome = "deployed"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeSkipped  Outcome = "skipped"
)

// Run is one journaled deploy or undeploy run.
type Run struct {
	ID          string           `json:"id"`
	Kind        RunKind          `json:"kind"`
	Service     string           `json:"service"`
	Namespace   string           `json:"namespace"`
	Mode        string           `json:"mode,omitempty"`
	Status      engine.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Summary     string           `json:"summary"` // JSON blob of per-kind counts
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// EntityRecord is the journaled result of one entity of a run.
type EntityRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Variant    string    `json:"variant,omitempty"`
	Location   string    `json:"location,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      *string   `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Remote     *string   `json:"remote,omitempty"` // JSON blob of the remote payload
	RecordedAt time.Time `json:"recorded_at"`
}

// ResourceState is the last payload fnforge applied to a remote resource.
type ResourceState struct {
	ID          string    `json:"id"`
	Namespace   string    `json:"namespace"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name"`
	Service     string    `json:"service"`
	State       string    `json:"state"` // JSON blob
	Hash        string    `json:"hash"`  // SHA256 of state for drift detection
	LastRunID   string    `json:"last_run_id"`
	LastApplied time.Time `json:"last_applied"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunFilter narrows ListRuns. Nil fields match everything.
type RunFilter struct {
	Service *string
	Kind    *RunKind
	Status  *engine.RunStatus
}

// Store defines the interface for the deployment journal.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Entity operations
	AppendEntity(ctx context.Context, record *EntityRecord) error
	ListEntities(ctx context.Context, runID string) ([]*EntityRecord, error)

	// ResourceState operations
	UpsertResourceState(ctx context.Context, state *ResourceState) error
	GetResourceState(ctx context.Context, namespace, kind, name string) (*ResourceState, error)
	ListResourceStates(ctx context.Context, service *string, limit, offset int) ([]*ResourceState, error)
	DeleteResourceState(ctx context.Context, namespace, kind, name string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
