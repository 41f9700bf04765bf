// Package terraform shells out to the terraform binary and captures its
// outcome. It is the provisioning backend behind the engine's Runner
// interface: apply and destroy block until the process exits, with stdout
// and stderr merged into a single captured stream.
//
// State locking is terraform's own responsibility; the orchestrator relies
// on it to keep concurrent runs off the same state.
package terraform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tfretry/tfretry/pkg/engine"
)

// RunnerConfig configures a CLIRunner.
type RunnerConfig struct {
	// ConfigDir is the directory holding the terraform configuration.
	ConfigDir string

	// Binary is the terraform executable. Defaults to "terraform",
	// resolved via PATH.
	Binary string

	// Timeout bounds each terraform invocation. Zero means no timeout;
	// the invocation always runs to completion.
	Timeout time.Duration

	// KillGrace is how long a timed-out terraform gets between the
	// interrupt signal and a forced kill. Terraform needs the window to
	// release its state lock. Defaults to 15s.
	KillGrace time.Duration

	// AutoApprove passes -auto-approve to apply and destroy so terraform
	// never prompts. When false the caller must have confirmed already.
	AutoApprove bool

	// PersistDomain writes the rotated availability domain back into
	// terraform.tfvars (or main.tf) before each apply, so the directory
	// reflects the last attempted placement.
	PersistDomain bool

	// Logger is the runner logger. Defaults to the global logger.
	Logger *zerolog.Logger
}

// CLIRunner implements engine.Runner by invoking the terraform CLI.
type CLIRunner struct {
	cfg RunnerConfig
	log zerolog.Logger
}

// NewCLIRunner validates the configuration directory and returns a runner.
func NewCLIRunner(cfg RunnerConfig) (*CLIRunner, error) {
	info, err := os.Stat(cfg.ConfigDir)
	if err != nil {
		return nil, engine.NewConfigError("terraform config directory is not readable", err).
			WithCode(engine.ErrCodeValidation)
	}
	if !info.IsDir() {
		return nil, engine.NewConfigError(
			fmt.Sprintf("terraform config path is not a directory: %s", cfg.ConfigDir), nil).
			WithCode(engine.ErrCodeValidation)
	}

	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 15 * time.Second
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &CLIRunner{cfg: cfg, log: logger.With().Str("component", "terraform").Logger()}, nil
}

// Apply implements engine.Runner.
func (r *CLIRunner) Apply(ctx context.Context, vars map[string]string) (*engine.Outcome, error) {
	if r.cfg.PersistDomain {
		if domain, ok := vars[engine.DomainVar]; ok {
			if err := WriteDomain(r.cfg.ConfigDir, domain); err != nil {
				// -var still carries the domain, so a missed rewrite only
				// affects what the directory shows afterwards.
				r.log.Warn().Err(err).Msg("could not persist availability domain to config")
			}
		}
	}

	args := []string{"apply"}
	if r.cfg.AutoApprove {
		args = append(args, "-auto-approve")
	}
	return r.run(ctx, append(args, varArgs(vars)...))
}

// Destroy implements engine.Runner. Destroying an empty or never-applied
// state is a no-op for terraform and exits zero.
func (r *CLIRunner) Destroy(ctx context.Context, vars map[string]string) (*engine.Outcome, error) {
	args := []string{"destroy"}
	if r.cfg.AutoApprove {
		args = append(args, "-auto-approve")
	}
	return r.run(ctx, append(args, varArgs(vars)...))
}

// Plan runs terraform plan with the given variables. Plan never modifies
// infrastructure, so no approval flag applies.
func (r *CLIRunner) Plan(ctx context.Context, vars map[string]string) (*engine.Outcome, error) {
	return r.run(ctx, append([]string{"plan"}, varArgs(vars)...))
}

// run executes the terraform binary in the config directory with merged
// output capture. A non-zero exit comes back through the Outcome; the error
// return is reserved for failing to run the binary at all.
//
// The subprocess is detached from the caller's cancellation: an operator
// interrupt must never kill terraform mid-apply, so a started invocation
// always runs to completion and cancellation is observed by the caller at
// its own safe boundaries. Only the per-invocation timeout cuts terraform
// short, and then via an interrupt signal with a kill grace period so the
// state lock is released cleanly.
func (r *CLIRunner) run(ctx context.Context, args []string) (*engine.Outcome, error) {
	runCtx := context.WithoutCancel(ctx)
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, r.cfg.Timeout)
		defer cancel()
	}

	r.log.Debug().Str("binary", r.cfg.Binary).Strs("args", args).Msg("running terraform")

	cmd := exec.CommandContext(runCtx, r.cfg.Binary, args...)
	cmd.Dir = r.cfg.ConfigDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	err := cmd.Run()
	out := &engine.Outcome{
		Output:   buf.String(),
		Duration: time.Since(start),
	}

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	if err == nil {
		r.log.Debug().Dur("duration", out.Duration).Msg("terraform completed")
		return out, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		out.TimedOut = timedOut
		r.log.Debug().
			Int("exit_code", out.ExitCode).
			Bool("timed_out", out.TimedOut).
			Dur("duration", out.Duration).
			Msg("terraform exited non-zero")
		return out, nil
	}

	if timedOut {
		out.ExitCode = -1
		out.TimedOut = true
		return out, nil
	}

	return nil, fmt.Errorf("run %s %s: %w", r.cfg.Binary, args[0], err)
}

// varArgs renders the variable map as -var flags in deterministic order.
func varArgs(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(vars)*2)
	for _, k := range keys {
		args = append(args, "-var", k+"="+vars[k])
	}
	return args
}
