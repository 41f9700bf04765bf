package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tfretry/tfretry/pkg/classify"
	"github.com/tfretry/tfretry/pkg/engine"
	"github.com/tfretry/tfretry/pkg/telemetry"
	"github.com/tfretry/tfretry/pkg/terraform"
)

func newPlanCommand() *cobra.Command {
	flags := newRunFlags()

	cmd := &cobra.Command{
		Use:   "plan [config-dir]",
		Short: "Run a single terraform plan against the first domain",
		Long: `Run terraform plan once, with the first availability domain from the
rotation list passed as -var. Nothing is created or destroyed.

The output is classified the same way apply failures are, so a capacity
shortage shows up before any retry loop is started.`,
		Example: `  tfretry plan ./infra -a "tenancy:US-ASHBURN-AD-1"`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, flags, args)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
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

			runner, err := terraform.NewCLIRunner(terraform.RunnerConfig{
				ConfigDir: cfg.ConfigDir,
				Binary:    cfg.Binary,
				Timeout:   cfg.Timeout,
				Logger:    logger.Zerolog(),
			})
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}

			vars := make(map[string]string, len(cfg.ExtraVars)+1)
			for k, v := range cfg.ExtraVars {
				vars[k] = v
			}
			vars[engine.DomainVar] = cfg.AvailabilityDomains[0]

			out, err := runner.Plan(cmd.Context(), vars)
			if err != nil {
				return &ExitError{Code: ExitFatal, Err: err}
			}

			fmt.Fprint(cmd.OutOrStdout(), out.Output)

			if out.ExitCode == 0 {
				return nil
			}

			classifier := classify.NewSignatureClassifier(cfg.ExtraSignatures...)
			if classifier.Classify(out.ExitCode, out.Output) == classify.KindRetryableCapacity {
				return &ExitError{
					Code: ExitExhausted,
					Err:  fmt.Errorf("plan hit a capacity error in %s", cfg.AvailabilityDomains[0]),
				}
			}
			return &ExitError{
				Code: ExitFatal,
				Err:  fmt.Errorf("terraform plan exited with code %d", out.ExitCode),
			}
		},
	}

	flags.register(cmd)
	return cmd
}
