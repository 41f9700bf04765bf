package commands

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tfretry/tfretry/pkg/classify"
	"github.com/tfretry/tfretry/pkg/config"
	"github.com/tfretry/tfretry/pkg/engine"
	"github.com/tfretry/tfretry/pkg/stores"
	"github.com/tfretry/tfretry/pkg/telemetry"
	"github.com/tfretry/tfretry/pkg/terraform"
)

func newApplyCommand() *cobra.Command {
	flags := newRunFlags()
	var (
		noAutoApprove bool
		metricsListen string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "apply [config-dir]",
		Short: "Run terraform apply with capacity retries",
		Long: `Run terraform apply in a retry loop.

Each attempt:
  - Rotates to the next availability domain in the list
  - Runs terraform apply with the domain passed as -var
  - Classifies failures as retryable capacity errors or fatal errors
  - Destroys partial resources before retrying
  - Appends a durable attempt record

The loop stops on success, on a fatal error, when the attempt budget is
exhausted, or on interrupt.`,
		Example: `  # Retry across three availability domains
  tfretry apply ./infra \
    --availability-domains "tenancy:AD-1,tenancy:AD-2,tenancy:AD-3"

  # Unattended run with a tighter budget and history database
  tfretry apply ./infra -a "tenancy:AD-1" \
    --max-attempts 20 --retry-delay 60s --history-db ~/.tfretry/history.db`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, flags, args)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}
			if noAutoApprove {
				cfg.AutoApprove = false
			}

			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  cfg.LogLevel,
				Format: "console",
				Output: "stderr",
				File:   cfg.LogFile,
			})
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}
			defer logger.Close()

			if !cfg.AutoApprove {
				ok, err := confirm(cmd, cfg)
				if err != nil {
					return &ExitError{Code: ExitConfig, Err: err}
				}
				if !ok {
					logger.Info("run declined by operator")
					return nil
				}
			}

			return runRetry(cmd.Context(), cfg, logger, metricsListen, traceExporter, traceEndpoint)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&noAutoApprove, "no-auto-approve", false, "prompt for confirmation before the first attempt")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "expose Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "", "export traces via this exporter (otlp, stdout)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP trace collector endpoint")

	return cmd
}

// runRetry wires the orchestrator and its sinks together and executes the
// retry loop.
func runRetry(ctx context.Context, cfg *config.RunConfig, logger *telemetry.Logger, metricsListen, traceExporter, traceEndpoint string) error {
	runID := uuid.New().String()
	log := logger.WithRunID(runID)

	classifier := classify.NewSignatureClassifier(cfg.ExtraSignatures...)

	rotator, err := engine.NewDomainRotator(cfg.AvailabilityDomains)
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	// The operator confirmed up front (or asked for auto-approve), so every
	// attempt inside the loop runs unattended.
	runner, err := terraform.NewCLIRunner(terraform.RunnerConfig{
		ConfigDir:     cfg.ConfigDir,
		Binary:        cfg.Binary,
		Timeout:       cfg.Timeout,
		AutoApprove:   true,
		PersistDomain: cfg.PersistDomain,
		Logger:        log.Zerolog(),
	})
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	attemptLog, err := telemetry.OpenAttemptLog(cfg.AttemptLog)
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	defer attemptLog.Close()
	recorders := engine.MultiRecorder{attemptLog}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       metricsListen != "",
		ListenAddress: metricsListen,
		Path:          "/metrics",
		Namespace:     "tfretry",
	})
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	if err := metrics.StartServer(); err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	defer metrics.Shutdown(context.WithoutCancel(ctx))
	recorders = append(recorders, metrics)

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      traceExporter != "",
		Exporter:     traceExporter,
		Endpoint:     traceEndpoint,
		SamplingRate: 1.0,
		Insecure:     true,
	}, "tfretry", "", "")
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	defer tracer.Shutdown(context.WithoutCancel(ctx))

	// The run span covers the whole retry loop; attempt spans nest under it.
	ctx, runSpan := tracer.StartRunSpan(ctx, runID, cfg.ConfigDir)
	defer runSpan.End()
	if traceExporter != "" {
		log.Debugf("trace id %s", telemetry.TraceID(ctx))
	}

	var store stores.Store
	if cfg.HistoryDB != "" {
		store, err = openHistoryStore(ctx, cfg.HistoryDB)
		if err != nil {
			return &ExitError{Code: ExitConfig, Err: err}
		}
		defer store.Close()

		now := time.Now().UTC()
		if err := store.CreateRun(ctx, &stores.Run{
			ID:        runID,
			ConfigDir: cfg.ConfigDir,
			State:     engine.RunStateAttempting,
			StartedAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return &ExitError{Code: ExitConfig, Err: err}
		}
		recorders = append(recorders, stores.Recorder(store, runID))
	}

	orch, err := engine.NewOrchestrator(runner, classifier, rotator, recorders, engine.Options{
		MaxAttempts:           cfg.MaxAttempts,
		RetryDelay:            cfg.RetryDelay,
		NoCleanup:             cfg.NoCleanup,
		AbortOnCleanupFailure: cfg.AbortOnCleanupFailure,
		ExtraVars:             cfg.ExtraVars,
		RunID:                 runID,
		Logger:                log.Zerolog(),
		Tracer:                tracer.Tracer(),
	})
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	res, err := orch.Run(ctx)
	if err != nil {
		telemetry.RecordError(runSpan, err)
		return &ExitError{Code: ExitFatal, Err: err}
	}

	if store != nil {
		// Detached from cancellation: the terminal state must land even
		// when the run was interrupted.
		if err := store.UpdateRunState(context.WithoutCancel(ctx), runID, res.State, res.TotalAttempts); err != nil {
			log.Warnf("could not persist terminal run state: %v", err)
		}
	}
	metrics.RecordRunCompleted(res.State, res.TotalAttempts, res.Duration)

	telemetry.AddEvent(runSpan, "run.completed",
		telemetry.AttrRunState.String(string(res.State)))
	exitErr := resultExit(res)
	if exitErr == nil {
		telemetry.RecordSuccess(runSpan)
	} else {
		telemetry.RecordError(runSpan, exitErr)
	}
	return exitErr
}

// resultExit maps a terminal run state to the process exit code.
func resultExit(res *engine.RunResult) error {
	switch res.State {
	case engine.RunStateSucceeded:
		fmt.Printf("Apply succeeded after %d attempt(s) in %s\n", res.TotalAttempts, res.Duration.Round(time.Second))
		return nil
	case engine.RunStateRetriesExhausted:
		return &ExitError{
			Code: ExitExhausted,
			Err: engine.NewCapacityError(
				fmt.Sprintf("no capacity found after %d attempts", res.TotalAttempts), nil).
				WithCode(engine.ErrCodeNoCapacity),
		}
	case engine.RunStateInterrupted:
		return &ExitError{
			Code: ExitFatal,
			Err: engine.NewInterruptedError(
				fmt.Sprintf("run interrupted after %d attempt(s)", res.TotalAttempts), nil).
				WithCode(engine.ErrCodeInterrupted),
		}
	default:
		return &ExitError{
			Code: ExitFatal,
			Err: engine.NewFatalError(
				fmt.Sprintf("apply failed with a non-retryable error on attempt %d", res.TotalAttempts), nil).
				WithCode(engine.ErrCodeTerraformFailed),
		}
	}
}

// confirm shows the run parameters and asks the operator to proceed.
func confirm(cmd *cobra.Command, cfg *config.RunConfig) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "About to run terraform apply with retries:\n")
	fmt.Fprintf(cmd.OutOrStdout(), "  config dir:   %s\n", cfg.ConfigDir)
	fmt.Fprintf(cmd.OutOrStdout(), "  max attempts: %d\n", cfg.MaxAttempts)
	fmt.Fprintf(cmd.OutOrStdout(), "  retry delay:  %s\n", cfg.RetryDelay)
	fmt.Fprintf(cmd.OutOrStdout(), "  domains:      %s\n", strings.Join(cfg.AvailabilityDomains, ", "))
	fmt.Fprintf(cmd.OutOrStdout(), "\nOnly 'yes' will be accepted: ")

	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}

// openHistoryStore opens, initializes and migrates the SQLite history store.
func openHistoryStore(ctx context.Context, path string) (stores.Store, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
