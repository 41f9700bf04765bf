package engine

import (
	"context"
	"time"
)

// Outcome is the result of a single terraform invocation: the process exit
// code plus the full captured output (stdout and stderr merged).
type Outcome struct {
	// ExitCode is the process exit status. Zero means success.
	ExitCode int `json:"exit_code"`

	// Output is the merged stdout+stderr of the invocation.
	Output string `json:"output"`

	// Duration is how long the invocation took.
	Duration time.Duration `json:"duration"`

	// TimedOut indicates the invocation was killed by the per-invocation
	// timeout rather than exiting on its own.
	TimedOut bool `json:"timed_out"`
}

// Runner is the provisioning backend the orchestrator drives. Both calls
// block until the underlying tool exits. A non-zero exit code is reported
// through the Outcome, not the error; the error is reserved for failures to
// run the tool at all.
type Runner interface {
	// Apply provisions the configuration with the given variable overrides.
	Apply(ctx context.Context, vars map[string]string) (*Outcome, error)

	// Destroy tears down everything previously applied. Destroying an
	// empty or never-applied state must succeed trivially.
	Destroy(ctx context.Context, vars map[string]string) (*Outcome, error)
}

// Recorder receives one AttemptRecord per attempt. Implementations must make
// the record durable before returning: the orchestrator will not start the
// next attempt until Record has returned.
type Recorder interface {
	Record(ctx context.Context, rec AttemptRecord) error
}

// MultiRecorder fans a record out to several recorders in order. The first
// error is returned, but all recorders are still invoked.
type MultiRecorder []Recorder

// Record implements Recorder.
func (m MultiRecorder) Record(ctx context.Context, rec AttemptRecord) error {
	var firstErr error
	for _, r := range m {
		if err := r.Record(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
