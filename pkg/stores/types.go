package stores

import (
	"context"
	"time"

	"github.com/tfretry/tfretry/pkg/engine"
)

// Run is a persisted retry run.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// ConfigDir is the terraform configuration directory the run targeted.
	ConfigDir string `json:"config_dir"`

	// State is the current run state.
	State engine.RunState `json:"state"`

	// TotalAttempts is the number of apply invocations performed so far.
	TotalAttempts int `json:"total_attempts"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CreatedAt is the record creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last modification timestamp.
	UpdatedAt time.Time `json:"updated_at"`
}

// Attempt is a persisted attempt row. It mirrors engine.AttemptRecord with a
// database identity.
type Attempt struct {
	// ID is the auto-generated row identifier.
	ID int64 `json:"id"`

	// RunID references the owning run.
	RunID string `json:"run_id"`

	// Number is the 1-based attempt number within the run.
	Number int `json:"number"`

	// Timestamp is when the attempt started.
	Timestamp time.Time `json:"timestamp"`

	// Domain is the availability domain used.
	Domain string `json:"domain"`

	// Outcome is the classification of the apply result.
	Outcome string `json:"outcome"`

	// Action is what the orchestrator did in response.
	Action string `json:"action"`

	// Output is the captured terraform output.
	Output string `json:"output,omitempty"`

	// DurationMS is how long the apply took, in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// CleanupWarning holds the destroy failure message, if cleanup failed.
	CleanupWarning string `json:"cleanup_warning,omitempty"`
}

// Store defines the persistence interface for run history.
type Store interface {
	// Init initializes the store connection.
	Init(ctx context.Context) error

	// Close closes the store connection.
	Close() error

	// Migrate runs schema migrations.
	Migrate(ctx context.Context) error

	// CreateRun creates a new run record.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRunState updates a run's state and attempt count. Terminal states
	// also set the completion timestamp.
	UpdateRunState(ctx context.Context, id string, state engine.RunState, totalAttempts int) error

	// ListRuns lists runs ordered by start time, newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// AppendAttempt appends an attempt row.
	AppendAttempt(ctx context.Context, attempt *Attempt) error

	// ListAttemptsByRun lists all attempts for a run in attempt order.
	ListAttemptsByRun(ctx context.Context, runID string) ([]*Attempt, error)

	// HealthCheck verifies the store connection is healthy.
	HealthCheck(ctx context.Context) error
}
