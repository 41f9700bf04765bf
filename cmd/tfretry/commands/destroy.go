package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tfretry/tfretry/pkg/engine"
	"github.com/tfretry/tfretry/pkg/telemetry"
	"github.com/tfretry/tfretry/pkg/terraform"
)

func newDestroyCommand() *cobra.Command {
	flags := newRunFlags()
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy [config-dir]",
		Short: "Destroy everything the configuration manages",
		Long: `Run terraform destroy once. Useful for cleaning up after a run with
--no-cleanup, or after an abort left partial resources behind.`,
		Example: `  tfretry destroy ./infra --auto-approve`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, flags, args)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}

			if !autoApprove {
				fmt.Fprintf(cmd.OutOrStdout(), "About to destroy all resources in %s\n", cfg.ConfigDir)
				fmt.Fprint(cmd.OutOrStdout(), "Only 'yes' will be accepted: ")
				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil {
					return &ExitError{Code: ExitConfig, Err: fmt.Errorf("read confirmation: %w", err)}
				}
				if strings.TrimSpace(line) != "yes" {
					return nil
				}
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
				ConfigDir:   cfg.ConfigDir,
				Binary:      cfg.Binary,
				Timeout:     cfg.Timeout,
				AutoApprove: true,
				Logger:      logger.Zerolog(),
			})
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}

			vars := make(map[string]string, len(cfg.ExtraVars)+1)
			for k, v := range cfg.ExtraVars {
				vars[k] = v
			}
			vars[engine.DomainVar] = cfg.AvailabilityDomains[0]

			out, err := runner.Destroy(cmd.Context(), vars)
			if err != nil {
				return &ExitError{Code: ExitFatal, Err: err}
			}

			fmt.Fprint(cmd.OutOrStdout(), out.Output)
			if out.ExitCode != 0 {
				return &ExitError{
					Code: ExitFatal,
					Err:  fmt.Errorf("terraform destroy exited with code %d", out.ExitCode),
				}
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")
	return cmd
}
