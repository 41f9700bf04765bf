package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tfretry/tfretry/pkg/classify"
)

// DomainVar is the terraform variable the orchestrator rotates between
// attempts.
const DomainVar = "availability_domain"

// Options configures an Orchestrator.
type Options struct {
	// MaxAttempts bounds the number of apply invocations.
	MaxAttempts int

	// RetryDelay is the pause between a cleanup and the next apply.
	// Zero means no pause.
	RetryDelay time.Duration

	// NoCleanup skips the destroy between attempts. Intended for
	// debugging; leftover resources are then the operator's problem.
	NoCleanup bool

	// AbortOnCleanupFailure stops the run when a destroy fails instead of
	// logging a cleanup warning and retrying.
	AbortOnCleanupFailure bool

	// ExtraVars are additional terraform variables passed to every apply
	// and destroy, alongside the rotated availability domain.
	ExtraVars map[string]string

	// RunID overrides the generated run identifier. Callers that persist
	// the run before starting it pass the ID they already created.
	RunID string

	// Logger is the run logger. Defaults to a disabled logger.
	Logger *zerolog.Logger

	// Tracer creates the per-attempt spans. Defaults to the globally
	// registered tracer, which is a no-op unless a provider is installed.
	Tracer trace.Tracer
}

// Orchestrator drives the retry loop: apply, classify, clean up, rotate,
// wait, repeat. Attempts are strictly sequential; two concurrent
// apply/destroy cycles against the same state would corrupt it.
type Orchestrator struct {
	runner     Runner
	classifier classify.Classifier
	rotator    *DomainRotator
	recorder   Recorder
	opts       Options
	log        zerolog.Logger
	tracer     trace.Tracer
}

// NewOrchestrator wires a runner, classifier, rotator and recorder into an
// orchestrator. All four are required. A configuration error is returned
// before any attempt when the options are invalid.
func NewOrchestrator(
	runner Runner,
	classifier classify.Classifier,
	rotator *DomainRotator,
	recorder Recorder,
	opts Options,
) (*Orchestrator, error) {
	if runner == nil {
		return nil, NewConfigError("runner is nil", nil).WithCode(ErrCodeValidation)
	}
	if classifier == nil {
		return nil, NewConfigError("classifier is nil", nil).WithCode(ErrCodeValidation)
	}
	if rotator == nil {
		return nil, NewConfigError("rotator is nil", nil).WithCode(ErrCodeValidation)
	}
	if recorder == nil {
		return nil, NewConfigError("recorder is nil", nil).WithCode(ErrCodeValidation)
	}
	if opts.MaxAttempts < 1 {
		return nil, NewConfigError("max attempts must be at least 1", nil).
			WithCode(ErrCodeValidation)
	}
	if opts.RetryDelay < 0 {
		return nil, NewConfigError("retry delay must not be negative", nil).
			WithCode(ErrCodeValidation)
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("tfretry/engine")
	}

	return &Orchestrator{
		runner:     runner,
		classifier: classifier,
		rotator:    rotator,
		recorder:   recorder,
		opts:       opts,
		log:        logger,
		tracer:     tracer,
	}, nil
}

// Run executes the retry loop until a terminal state is reached. The
// returned RunResult carries the terminal state and the full attempt log;
// the error is non-nil only when the result could not be produced at all.
//
// Cancellation is honored at the two safe boundaries: before starting a new
// apply, and after a destroy completes. An in-flight destroy is always run
// to completion, so no terminal state other than Succeeded leaves partial
// resources behind.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	runID := o.opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	res := &RunResult{
		RunID:     runID,
		State:     RunStateAttempting,
		StartedAt: time.Now(),
	}

	// The run-level span is owned by the caller; attempt spans nest under
	// whatever is already on the context.
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("run.id", res.RunID),
		attribute.Int("run.max_attempts", o.opts.MaxAttempts),
		attribute.Int("run.domains", o.rotator.Len()),
	)

	o.log.Info().
		Str("run_id", res.RunID).
		Int("max_attempts", o.opts.MaxAttempts).
		Dur("retry_delay", o.opts.RetryDelay).
		Strs("domains", o.rotator.Domains()).
		Msg("starting retry run")

	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		// Safe cancellation boundary: never start a new apply after an
		// operator interrupt.
		if ctx.Err() != nil {
			o.finish(res, span, RunStateInterrupted)
			return res, nil
		}

		domain := o.rotator.Current()
		rec, interrupted := o.attempt(ctx, res, attempt, domain)

		switch {
		case interrupted:
			o.record(ctx, res, rec)
			o.finish(res, span, RunStateInterrupted)
			return res, nil

		case rec.Outcome == classify.KindSuccess:
			rec.Action = ActionCompleted
			o.record(ctx, res, rec)
			o.finish(res, span, RunStateSucceeded)
			return res, nil

		case rec.Outcome == classify.KindFatal:
			rec.Action = ActionAbortedFatal
			o.record(ctx, res, rec)
			o.finish(res, span, RunStateFatallyFailed)
			return res, nil

		default: // retryable capacity failure
			if rec.CleanupWarning != "" && o.opts.AbortOnCleanupFailure {
				rec.Action = ActionAbortedFatal
				o.record(ctx, res, rec)
				o.finish(res, span, RunStateFatallyFailed)
				return res, nil
			}
			if attempt == o.opts.MaxAttempts {
				rec.Action = ActionExhaustedRetries
				o.record(ctx, res, rec)
				o.finish(res, span, RunStateRetriesExhausted)
				return res, nil
			}

			rec.Action = ActionDestroyedAndRetrying
			o.record(ctx, res, rec)
			o.rotator.Advance()

			if !o.sleep(ctx) {
				// Interrupted during the delay. Cleanup already ran,
				// so this is a safe boundary.
				o.finish(res, span, RunStateInterrupted)
				return res, nil
			}
		}
	}

	// Unreachable: every branch above is terminal or continues the loop.
	o.finish(res, span, RunStateRetriesExhausted)
	return res, nil
}

// attempt runs one apply against the given domain, classifies the outcome
// and performs cleanup where required. The returned record has every field
// set except Action, which the caller decides. interrupted is true when the
// apply was cut short by cancellation.
func (o *Orchestrator) attempt(ctx context.Context, res *RunResult, attempt int, domain string) (AttemptRecord, bool) {
	rec := AttemptRecord{
		RunID:     res.RunID,
		Attempt:   attempt,
		Timestamp: time.Now(),
		Domain:    domain,
	}

	o.log.Info().
		Int("attempt", attempt).
		Int("max_attempts", o.opts.MaxAttempts).
		Str("domain", domain).
		Msg("running terraform apply")

	ctx, span := o.tracer.Start(ctx, "attempt.apply", trace.WithAttributes(
		attribute.Int("attempt.number", attempt),
		attribute.String("attempt.domain", domain),
	))
	defer span.End()

	start := time.Now()
	out, err := o.runner.Apply(ctx, o.vars(domain))

	if err != nil && ctx.Err() != nil {
		// Operator interrupt mid-apply. Best-effort destroy, then stop.
		span.SetStatus(codes.Error, "interrupted")
		rec.Outcome = classify.KindFatal
		rec.Action = ActionInterrupted
		rec.Duration = time.Since(start)
		rec.CleanupWarning = o.cleanup(ctx, attempt, domain)
		return rec, true
	}

	if err != nil {
		// The tool could not be run at all. No process, no output.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.Error().Err(err).Int("attempt", attempt).Msg("terraform could not be started")
		rec.Outcome = classify.KindFatal
		rec.Output = truncateOutput(err.Error())
		rec.Duration = time.Since(start)
		return rec, false
	}

	rec.Output = truncateOutput(out.Output)
	rec.Duration = out.Duration

	switch {
	case out.TimedOut:
		// Timeouts are treated as retryable, after a cleanup so a
		// half-created stack never survives.
		rec.Outcome = classify.KindRetryableCapacity
		o.log.Warn().Int("attempt", attempt).Msg("terraform apply timed out, will retry")
	default:
		rec.Outcome = o.classifier.Classify(out.ExitCode, out.Output)
	}

	span.SetAttributes(
		attribute.Int("attempt.exit_code", out.ExitCode),
		attribute.String("attempt.outcome", string(rec.Outcome)),
	)

	switch rec.Outcome {
	case classify.KindSuccess:
		span.SetStatus(codes.Ok, "")
		o.log.Info().Int("attempt", attempt).Str("domain", domain).Msg("terraform apply succeeded")
	case classify.KindRetryableCapacity:
		span.SetStatus(codes.Error, "capacity exhausted")
		o.log.Warn().
			Int("attempt", attempt).
			Str("domain", domain).
			Int("exit_code", out.ExitCode).
			Msg("capacity exhausted in this domain")
		rec.CleanupWarning = o.cleanup(ctx, attempt, domain)
	case classify.KindFatal:
		span.SetStatus(codes.Error, "fatal provisioning error")
		o.log.Error().
			Int("attempt", attempt).
			Str("domain", domain).
			Int("exit_code", out.ExitCode).
			Msg("non-recoverable terraform error, stopping retries")
		// A fatal apply usually leaves nothing behind, but destroy anyway
		// in case the provider created resources before failing.
		rec.CleanupWarning = o.cleanup(ctx, attempt, domain)
	}

	return rec, false
}

// cleanup destroys everything the failed attempt may have created. It runs
// detached from cancellation so an in-flight destroy always completes. The
// returned string is a cleanup warning, empty on success or when cleanup is
// disabled.
func (o *Orchestrator) cleanup(ctx context.Context, attempt int, domain string) string {
	if o.opts.NoCleanup {
		return ""
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := o.tracer.Start(ctx, "attempt.destroy", trace.WithAttributes(
		attribute.Int("attempt.number", attempt),
		attribute.String("attempt.domain", domain),
	))
	defer span.End()

	o.log.Info().Int("attempt", attempt).Msg("destroying partial resources")

	out, err := o.runner.Destroy(ctx, o.vars(domain))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		warn := NewCleanupError("destroy could not be run", err).
			WithCode(ErrCodeDestroyFailed).
			WithAttempt(attempt, domain)
		o.log.Error().Err(err).Int("attempt", attempt).Msg("cleanup destroy could not be run")
		return warn.Error()
	}
	if out.ExitCode != 0 {
		span.SetStatus(codes.Error, "destroy failed")
		warn := NewCleanupError(
			fmt.Sprintf("destroy exited with code %d", out.ExitCode), nil).
			WithCode(ErrCodeDestroyFailed).
			WithAttempt(attempt, domain)
		o.log.Error().
			Int("attempt", attempt).
			Int("exit_code", out.ExitCode).
			Msg("cleanup destroy failed, resources may need manual inspection")
		return warn.Error()
	}

	span.SetStatus(codes.Ok, "")
	o.log.Info().Int("attempt", attempt).Msg("cleanup destroy completed")
	return ""
}

// record makes the attempt durable and appends it to the result. A recorder
// failure is logged but never aborts the run; the in-memory result still
// carries the record. Recording runs detached from cancellation so an
// interrupt cannot lose the final entry.
func (o *Orchestrator) record(ctx context.Context, res *RunResult, rec AttemptRecord) {
	if err := o.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Warn().Err(err).Int("attempt", rec.Attempt).Msg("failed to persist attempt record")
	}
	res.Attempts = append(res.Attempts, rec)
	res.TotalAttempts = rec.Attempt
}

// sleep pauses for the retry delay. It returns false when the delay was cut
// short by cancellation.
func (o *Orchestrator) sleep(ctx context.Context) bool {
	if o.opts.RetryDelay <= 0 {
		return ctx.Err() == nil
	}

	o.log.Info().Dur("delay", o.opts.RetryDelay).Msg("waiting before next attempt")
	select {
	case <-time.After(o.opts.RetryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// vars merges the rotated domain into the extra variables.
func (o *Orchestrator) vars(domain string) map[string]string {
	vars := make(map[string]string, len(o.opts.ExtraVars)+1)
	for k, v := range o.opts.ExtraVars {
		vars[k] = v
	}
	vars[DomainVar] = domain
	return vars
}

func (o *Orchestrator) finish(res *RunResult, span trace.Span, state RunState) {
	res.State = state
	res.Duration = time.Since(res.StartedAt)

	span.SetAttributes(attribute.String("run.state", string(state)))
	if state == RunStateSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(state))
	}

	evt := o.log.Info()
	if state != RunStateSucceeded {
		evt = o.log.Error()
	}
	evt.
		Str("run_id", res.RunID).
		Str("state", string(state)).
		Int("total_attempts", res.TotalAttempts).
		Dur("duration", res.Duration).
		Msg("run finished")
}
