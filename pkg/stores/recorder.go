package stores

import (
	"context"

	"github.com/tfretry/tfretry/pkg/engine"
)

// runRecorder adapts a Store to the engine.Recorder interface for a single
// run. Each recorded attempt also bumps the run's attempt counter.
type runRecorder struct {
	store Store
	runID string
}

// Recorder returns an engine.Recorder that persists attempt records for the
// given run. The run row must already exist.
func Recorder(store Store, runID string) engine.Recorder {
	return &runRecorder{store: store, runID: runID}
}

func (r *runRecorder) Record(ctx context.Context, rec engine.AttemptRecord) error {
	attempt := &Attempt{
		RunID:          r.runID,
		Number:         rec.Attempt,
		Timestamp:      rec.Timestamp,
		Domain:         rec.Domain,
		Outcome:        string(rec.Outcome),
		Action:         string(rec.Action),
		Output:         rec.Output,
		DurationMS:     rec.Duration.Milliseconds(),
		CleanupWarning: rec.CleanupWarning,
	}
	if err := r.store.AppendAttempt(ctx, attempt); err != nil {
		return err
	}
	return r.store.UpdateRunState(ctx, r.runID, engine.RunStateAttempting, rec.Attempt)
}
