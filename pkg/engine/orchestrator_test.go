package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tfretry/tfretry/pkg/classify"
)

// Mock implementations for testing

// scriptedRunner returns canned outcomes for successive Apply calls and
// tracks every invocation.
type scriptedRunner struct {
	applyOutcomes  []*Outcome
	applyErr       error
	destroyOutcome *Outcome
	destroyErr     error

	applyCalls   int
	destroyCalls int
	applyDomains []string

	// destroyBeforeApply records, per apply call, how many destroys had
	// completed before it started.
	destroysAtApply []int
}

func (r *scriptedRunner) Apply(ctx context.Context, vars map[string]string) (*Outcome, error) {
	r.destroysAtApply = append(r.destroysAtApply, r.destroyCalls)
	r.applyDomains = append(r.applyDomains, vars[DomainVar])
	idx := r.applyCalls
	r.applyCalls++
	if r.applyErr != nil {
		return nil, r.applyErr
	}
	if idx < len(r.applyOutcomes) {
		return r.applyOutcomes[idx], nil
	}
	return r.applyOutcomes[len(r.applyOutcomes)-1], nil
}

func (r *scriptedRunner) Destroy(ctx context.Context, vars map[string]string) (*Outcome, error) {
	r.destroyCalls++
	if r.destroyErr != nil {
		return nil, r.destroyErr
	}
	if r.destroyOutcome != nil {
		return r.destroyOutcome, nil
	}
	return &Outcome{ExitCode: 0, Output: "Destroy complete! Resources: 0 destroyed."}, nil
}

// memRecorder captures records in order.
type memRecorder struct {
	records []AttemptRecord
	err     error
}

func (m *memRecorder) Record(ctx context.Context, rec AttemptRecord) error {
	m.records = append(m.records, rec)
	return m.err
}

func capacityOutcome() *Outcome {
	return &Outcome{ExitCode: 1, Output: "Error: 500-InternalError, Out of host capacity."}
}

func successOutcome() *Outcome {
	return &Outcome{ExitCode: 0, Output: "Apply complete! Resources: 2 added."}
}

func fatalOutcome() *Outcome {
	return &Outcome{ExitCode: 1, Output: "Error: 401-NotAuthenticated, InvalidCredentials"}
}

func newTestOrchestrator(t *testing.T, runner Runner, rec Recorder, domains []string, opts Options) *Orchestrator {
	t.Helper()
	rot, err := NewDomainRotator(domains)
	if err != nil {
		t.Fatal(err)
	}
	o, err := NewOrchestrator(runner, classify.NewSignatureClassifier(), rot, rec, opts)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestRunAllCapacityExhaustsRetries(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{capacityOutcome()}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2", "AD-3"}, Options{
		MaxAttempts: 5,
	})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateRetriesExhausted {
		t.Errorf("expected retries_exhausted, got %s", res.State)
	}
	if runner.applyCalls != 5 {
		t.Errorf("expected 5 apply calls, got %d", runner.applyCalls)
	}
	if runner.destroyCalls != 5 {
		t.Errorf("expected 5 destroy calls, got %d", runner.destroyCalls)
	}
	if res.TotalAttempts != 5 {
		t.Errorf("expected 5 total attempts, got %d", res.TotalAttempts)
	}

	// Domains cycle round-robin: index sequence 0,1,2,0,1.
	wantDomains := []string{"AD-1", "AD-2", "AD-3", "AD-1", "AD-2"}
	for i, want := range wantDomains {
		if runner.applyDomains[i] != want {
			t.Errorf("apply %d: expected domain %s, got %s", i, want, runner.applyDomains[i])
		}
	}

	// Every record except the last is destroyed_and_retrying; the last is
	// exhausted_retries.
	for i, r := range rec.records {
		want := ActionDestroyedAndRetrying
		if i == len(rec.records)-1 {
			want = ActionExhaustedRetries
		}
		if r.Action != want {
			t.Errorf("record %d: expected action %s, got %s", i, want, r.Action)
		}
		if r.Outcome != classify.KindRetryableCapacity {
			t.Errorf("record %d: expected outcome retryable_capacity, got %s", i, r.Outcome)
		}
	}

	// The destroy for attempt N completes before apply N+1 starts.
	for i, n := range runner.destroysAtApply {
		if n != i {
			t.Errorf("apply %d started after %d destroys, expected %d", i, n, i)
		}
	}
}

func TestRunFirstApplySucceeds(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{successOutcome()}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2"}, Options{MaxAttempts: 50})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateSucceeded {
		t.Errorf("expected succeeded, got %s", res.State)
	}
	if runner.applyCalls != 1 || runner.destroyCalls != 0 {
		t.Errorf("expected 1 apply and 0 destroys, got %d/%d", runner.applyCalls, runner.destroyCalls)
	}
	if len(rec.records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(rec.records))
	}
	if rec.records[0].Action != ActionCompleted {
		t.Errorf("expected action completed, got %s", rec.records[0].Action)
	}
	if rec.records[0].Domain != "AD-1" {
		t.Errorf("expected domain AD-1, got %s", rec.records[0].Domain)
	}
}

func TestRunFirstApplyFatal(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{fatalOutcome()}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1"}, Options{
		MaxAttempts: 50,
		RetryDelay:  time.Hour, // would hang the test if a retry happened
	})

	start := time.Now()
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateFatallyFailed {
		t.Errorf("expected fatally_failed, got %s", res.State)
	}
	if runner.applyCalls != 1 {
		t.Errorf("expected 1 apply call, got %d", runner.applyCalls)
	}
	// Defensive cleanup still runs once on a fatal failure.
	if runner.destroyCalls != 1 {
		t.Errorf("expected 1 defensive destroy, got %d", runner.destroyCalls)
	}
	if len(rec.records) != 1 || rec.records[0].Action != ActionAbortedFatal {
		t.Errorf("expected one aborted_fatal record, got %+v", rec.records)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("fatal failure must not wait out the retry delay")
	}
}

func TestRunZeroDelayCompletesWithoutWaiting(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{capacityOutcome()}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2"}, Options{
		MaxAttempts: 5,
		RetryDelay:  0,
	})

	start := time.Now()
	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateRetriesExhausted {
		t.Errorf("expected retries_exhausted, got %s", res.State)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run with zero delay took %s", elapsed)
	}
}

func TestRunRecordOrdering(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{
		capacityOutcome(),
		capacityOutcome(),
		successOutcome(),
	}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2"}, Options{MaxAttempts: 10})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateSucceeded {
		t.Fatalf("expected succeeded, got %s", res.State)
	}
	if len(rec.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(rec.records))
	}
	for i, r := range rec.records {
		if r.Attempt != i+1 {
			t.Errorf("record %d: expected attempt %d, got %d", i, i+1, r.Attempt)
		}
		if r.RunID != res.RunID {
			t.Errorf("record %d: run ID mismatch", i)
		}
	}
	for i := range res.Attempts {
		if res.Attempts[i].Attempt != rec.records[i].Attempt {
			t.Errorf("result and recorder disagree at index %d", i)
		}
	}
}

func TestRunCleanupFailureContinuesByDefault(t *testing.T) {
	runner := &scriptedRunner{
		applyOutcomes:  []*Outcome{capacityOutcome(), successOutcome()},
		destroyOutcome: &Outcome{ExitCode: 1, Output: "Error acquiring the state lock"},
	}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2"}, Options{MaxAttempts: 10})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateSucceeded {
		t.Errorf("expected succeeded despite cleanup failure, got %s", res.State)
	}
	if rec.records[0].CleanupWarning == "" {
		t.Error("expected a cleanup warning on the first record")
	}
	if rec.records[0].Action != ActionDestroyedAndRetrying {
		t.Errorf("expected destroyed_and_retrying, got %s", rec.records[0].Action)
	}
}

func TestRunCleanupFailureAbortsWhenConfigured(t *testing.T) {
	runner := &scriptedRunner{
		applyOutcomes:  []*Outcome{capacityOutcome()},
		destroyOutcome: &Outcome{ExitCode: 1, Output: "Error acquiring the state lock"},
	}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1"}, Options{
		MaxAttempts:           10,
		AbortOnCleanupFailure: true,
	})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateFatallyFailed {
		t.Errorf("expected fatally_failed, got %s", res.State)
	}
	if runner.applyCalls != 1 {
		t.Errorf("expected no further attempts, got %d applies", runner.applyCalls)
	}
	if rec.records[0].Action != ActionAbortedFatal {
		t.Errorf("expected aborted_fatal, got %s", rec.records[0].Action)
	}
}

func TestRunTimedOutApplyIsRetried(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{
		{ExitCode: -1, Output: "", TimedOut: true},
		successOutcome(),
	}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2"}, Options{MaxAttempts: 5})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateSucceeded {
		t.Errorf("expected succeeded, got %s", res.State)
	}
	if runner.applyCalls != 2 {
		t.Errorf("expected 2 applies, got %d", runner.applyCalls)
	}
	if runner.destroyCalls != 1 {
		t.Errorf("expected 1 destroy after the timeout, got %d", runner.destroyCalls)
	}
	if rec.records[0].Outcome != classify.KindRetryableCapacity {
		t.Errorf("expected timeout classified retryable, got %s", rec.records[0].Outcome)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{successOutcome()}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1"}, Options{MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateInterrupted {
		t.Errorf("expected interrupted, got %s", res.State)
	}
	if runner.applyCalls != 0 || runner.destroyCalls != 0 {
		t.Errorf("expected no backend calls, got %d/%d", runner.applyCalls, runner.destroyCalls)
	}
}

func TestRunCancelledDuringDelay(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{capacityOutcome()}}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2"}, Options{
		MaxAttempts: 10,
		RetryDelay:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	done := make(chan *RunResult, 1)
	go func() {
		res, _ := o.Run(ctx)
		done <- res
	}()

	select {
	case res := <-done:
		if res.State != RunStateInterrupted {
			t.Errorf("expected interrupted, got %s", res.State)
		}
		// The destroy for the failed attempt completed before stopping.
		if runner.destroyCalls != 1 {
			t.Errorf("expected 1 destroy before interrupt, got %d", runner.destroyCalls)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

// cancellingRunner simulates an operator interrupt arriving while an apply
// is in flight: the invocation still runs to completion and reports its
// outcome, and the cancellation is only visible on the context.
type cancellingRunner struct {
	scriptedRunner
	cancel context.CancelFunc
}

func (r *cancellingRunner) Apply(ctx context.Context, vars map[string]string) (*Outcome, error) {
	r.cancel()
	return r.scriptedRunner.Apply(ctx, vars)
}

func TestRunCancelledDuringApplyCleansUpThenStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &cancellingRunner{
		scriptedRunner: scriptedRunner{applyOutcomes: []*Outcome{capacityOutcome()}},
		cancel:         cancel,
	}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1", "AD-2"}, Options{MaxAttempts: 10})

	res, err := o.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The in-flight attempt completes, its partial resources are destroyed,
	// and no further apply starts.
	if res.State != RunStateInterrupted {
		t.Errorf("expected interrupted, got %s", res.State)
	}
	if runner.applyCalls != 1 {
		t.Errorf("expected 1 apply call, got %d", runner.applyCalls)
	}
	if runner.destroyCalls != 1 {
		t.Errorf("expected 1 destroy before stopping, got %d", runner.destroyCalls)
	}
	if len(rec.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(rec.records))
	}
	if rec.records[0].Action != ActionDestroyedAndRetrying {
		t.Errorf("expected destroyed_and_retrying, got %s", rec.records[0].Action)
	}
}

func TestRunAttemptSpansNestUnderCallerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	ctx, runSpan := tracer.Start(context.Background(), "run.execute")

	runner := &scriptedRunner{applyOutcomes: []*Outcome{capacityOutcome(), successOutcome()}}
	o := newTestOrchestrator(t, runner, &memRecorder{}, []string{"AD-1", "AD-2"}, Options{
		MaxAttempts: 5,
		Tracer:      tracer,
	})
	if _, err := o.Run(ctx); err != nil {
		t.Fatal(err)
	}
	runSpan.End()

	spans := recorder.Ended()
	var names []string
	for _, s := range spans {
		names = append(names, s.Name())
		// Run never opens its own run-level span; every span it creates
		// belongs to the trace of the span already on the context.
		if s.SpanContext().TraceID() != runSpan.SpanContext().TraceID() {
			t.Errorf("span %s started a new trace", s.Name())
		}
		if s.Name() == "attempt.apply" && s.Parent().SpanID() != runSpan.SpanContext().SpanID() {
			t.Errorf("apply span is not a child of the caller's span")
		}
	}

	want := []string{"attempt.apply", "attempt.destroy", "attempt.apply", "run.execute"}
	if len(names) != len(want) {
		t.Fatalf("expected spans %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected spans %v, got %v", want, names)
		}
	}
}

func TestRunRecorderFailureDoesNotAbort(t *testing.T) {
	runner := &scriptedRunner{applyOutcomes: []*Outcome{successOutcome()}}
	rec := &memRecorder{err: fmt.Errorf("disk full")}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1"}, Options{MaxAttempts: 5})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateSucceeded {
		t.Errorf("expected succeeded, got %s", res.State)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("in-memory result must still carry the record, got %d", len(res.Attempts))
	}
}

func TestRunApplyStartFailureIsFatal(t *testing.T) {
	runner := &scriptedRunner{applyErr: fmt.Errorf("exec: \"terraform\": executable file not found in $PATH")}
	rec := &memRecorder{}
	o := newTestOrchestrator(t, runner, rec, []string{"AD-1"}, Options{MaxAttempts: 5})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if res.State != RunStateFatallyFailed {
		t.Errorf("expected fatally_failed, got %s", res.State)
	}
	if runner.applyCalls != 1 {
		t.Errorf("expected 1 apply call, got %d", runner.applyCalls)
	}
}

func TestNewOrchestratorValidation(t *testing.T) {
	rot, err := NewDomainRotator([]string{"AD-1"})
	if err != nil {
		t.Fatal(err)
	}
	runner := &scriptedRunner{}
	rec := &memRecorder{}
	cls := classify.NewSignatureClassifier()

	cases := []struct {
		name string
		fn   func() (*Orchestrator, error)
	}{
		{"nil runner", func() (*Orchestrator, error) {
			return NewOrchestrator(nil, cls, rot, rec, Options{MaxAttempts: 1})
		}},
		{"nil classifier", func() (*Orchestrator, error) {
			return NewOrchestrator(runner, nil, rot, rec, Options{MaxAttempts: 1})
		}},
		{"nil rotator", func() (*Orchestrator, error) {
			return NewOrchestrator(runner, cls, nil, rec, Options{MaxAttempts: 1})
		}},
		{"nil recorder", func() (*Orchestrator, error) {
			return NewOrchestrator(runner, cls, rot, nil, Options{MaxAttempts: 1})
		}},
		{"zero attempts", func() (*Orchestrator, error) {
			return NewOrchestrator(runner, cls, rot, rec, Options{MaxAttempts: 0})
		}},
		{"negative delay", func() (*Orchestrator, error) {
			return NewOrchestrator(runner, cls, rot, rec, Options{MaxAttempts: 1, RetryDelay: -time.Second})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.fn(); err == nil {
				t.Error("expected configuration error")
			} else if !IsConfig(err) {
				t.Errorf("expected config class, got %v", err)
			}
		})
	}
}
