package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	quiet      bool
)

// Exit codes reported by the tfretry binary.
const (
	// ExitSuccess means the apply eventually succeeded.
	ExitSuccess = 0

	// ExitExhausted means every attempt hit a capacity error.
	ExitExhausted = 2

	// ExitFatal means a non-retryable failure or an interrupt stopped the run.
	ExitFatal = 3

	// ExitConfig means the configuration was rejected before any attempt.
	ExitConfig = 4
)

// ExitError carries a process exit code out of command execution.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tfretry",
		Short: "tfretry - Terraform capacity retry orchestrator",
		Long: `tfretry runs terraform apply in a retry loop that survives transient
cloud capacity shortages.

When an apply fails with a capacity error (for example "Out of host
capacity" on OCI free-tier shapes), tfretry destroys the partially created
resources, rotates to the next availability domain, waits, and tries again.
Non-retryable errors abort immediately. Every attempt is recorded in a
durable append-only log and, optionally, a SQLite history database.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
