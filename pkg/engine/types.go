package engine

import (
	"fmt"
	"time"

	"github.com/tfretry/tfretry/pkg/classify"
)

// RunState represents the state of the retry loop.
type RunState string

const (
	// RunStateIdle indicates the run has not started yet.
	RunStateIdle RunState = "idle"

	// RunStateAttempting indicates an apply is in flight.
	RunStateAttempting RunState = "attempting"

	// RunStateSucceeded indicates an apply completed successfully.
	RunStateSucceeded RunState = "succeeded"

	// RunStateFatallyFailed indicates an apply failed with a non-retryable
	// error.
	RunStateFatallyFailed RunState = "fatally_failed"

	// RunStateRetriesExhausted indicates every attempt failed with a
	// capacity error and the attempt budget ran out.
	RunStateRetriesExhausted RunState = "retries_exhausted"

	// RunStateInterrupted indicates the operator cancelled the run.
	RunStateInterrupted RunState = "interrupted"
)

// IsTerminal returns true if the run state represents a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFatallyFailed, RunStateRetriesExhausted, RunStateInterrupted:
		return true
	}
	return false
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateIdle, RunStateAttempting, RunStateSucceeded,
		RunStateFatallyFailed, RunStateRetriesExhausted, RunStateInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// Action describes what the orchestrator did after classifying an attempt.
type Action string

const (
	// ActionCompleted indicates the apply succeeded and the run is done.
	ActionCompleted Action = "completed"

	// ActionDestroyedAndRetrying indicates partial resources were destroyed
	// and another attempt follows.
	ActionDestroyedAndRetrying Action = "destroyed_and_retrying"

	// ActionAbortedFatal indicates the run stopped on a non-retryable error.
	ActionAbortedFatal Action = "aborted_fatal"

	// ActionExhaustedRetries indicates a capacity failure on the final
	// allowed attempt.
	ActionExhaustedRetries Action = "exhausted_retries"

	// ActionInterrupted indicates the operator cancelled during the attempt.
	ActionInterrupted Action = "interrupted"
)

// maxRecordedOutput bounds the captured terraform output stored per attempt.
const maxRecordedOutput = 64 * 1024

// AttemptRecord is the audit entry for one attempt. Records are appended
// exactly once per attempt, in chronological order, and never mutated.
type AttemptRecord struct {
	// RunID identifies the run this attempt belongs to.
	RunID string `json:"run_id"`

	// Attempt is the 1-based attempt number. Strictly increasing, no gaps.
	Attempt int `json:"attempt"`

	// Timestamp is when the attempt started.
	Timestamp time.Time `json:"timestamp"`

	// Domain is the availability domain used for this attempt.
	Domain string `json:"domain"`

	// Outcome is the classification of the apply result.
	Outcome classify.Kind `json:"outcome"`

	// Action is what the orchestrator did in response.
	Action Action `json:"action"`

	// Output is the captured terraform output, truncated to a bounded size.
	Output string `json:"output,omitempty"`

	// Duration is how long the apply took.
	Duration time.Duration `json:"duration"`

	// CleanupWarning holds the destroy failure message when cleanup after
	// this attempt failed. Empty when cleanup succeeded or was not needed.
	CleanupWarning string `json:"cleanup_warning,omitempty"`
}

// RunResult is the final result of a retry run, returned to the caller once
// a terminal state is reached.
type RunResult struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// State is the terminal run state.
	State RunState `json:"state"`

	// TotalAttempts is the number of apply invocations performed.
	TotalAttempts int `json:"total_attempts"`

	// Attempts holds one record per attempt in chronological order.
	Attempts []AttemptRecord `json:"attempts"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total wall-clock duration of the run.
	Duration time.Duration `json:"duration"`
}

// truncateOutput bounds captured output for storage, keeping the tail where
// terraform prints its error summary.
func truncateOutput(s string) string {
	if len(s) <= maxRecordedOutput {
		return s
	}
	return "...(truncated)..." + s[len(s)-maxRecordedOutput:]
}
