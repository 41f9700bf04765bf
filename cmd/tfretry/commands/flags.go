package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tfretry/tfretry/pkg/config"
	"github.com/tfretry/tfretry/pkg/engine"
	"github.com/tfretry/tfretry/pkg/terraform"
)

// runFlags holds the command-line overrides shared by apply, plan and
// destroy. Flags only override config-file values when explicitly set.
type runFlags struct {
	dir                   string
	binary                string
	maxAttempts           int
	retryDelay            time.Duration
	timeout               time.Duration
	domains               []string
	vars                  []string
	signatures            []string
	persistDomain         bool
	noCleanup             bool
	abortOnCleanupFailure bool
	logFile               string
	attemptLog            string
	historyDB             string
	logLevel              string
}

func newRunFlags() *runFlags {
	return &runFlags{}
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.dir, "dir", "d", ".", "terraform configuration directory")
	cmd.Flags().StringVar(&f.binary, "binary", "terraform", "terraform executable to invoke")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 50, "maximum number of apply attempts")
	cmd.Flags().DurationVar(&f.retryDelay, "retry-delay", 30*time.Second, "pause between attempts")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Minute, "per-invocation terraform timeout (0 disables)")
	cmd.Flags().StringSliceVarP(&f.domains, "availability-domains", "a", nil, "availability domains to rotate through")
	cmd.Flags().StringArrayVar(&f.vars, "var", nil, "extra terraform variable (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&f.signatures, "capacity-signature", nil, "extra retryable error signature (repeatable)")
	cmd.Flags().BoolVar(&f.persistDomain, "persist-domain", false, "rewrite availability_domain in the config files before each apply")
	cmd.Flags().BoolVar(&f.noCleanup, "no-cleanup", false, "skip destroy between attempts (leaves partial resources)")
	cmd.Flags().BoolVar(&f.abortOnCleanupFailure, "abort-on-cleanup-failure", false, "treat a failed destroy as fatal")
	cmd.Flags().StringVar(&f.logFile, "log-file", "terraform_retry.log", "file to mirror run output to, colors stripped")
	cmd.Flags().StringVar(&f.attemptLog, "attempt-log", "terraform_retry_attempts.ndjson", "append-only NDJSON attempt record file")
	cmd.Flags().StringVar(&f.historyDB, "history-db", "", "SQLite history database path (empty disables)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
}

// buildConfig layers defaults, the optional config file, and explicitly set
// flags, then validates the result.
func buildConfig(cmd *cobra.Command, f *runFlags, args []string) (*config.RunConfig, error) {
	cfg := config.Default()

	if configPath != "" {
		if err := config.LoadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	set := cmd.Flags().Changed
	if set("dir") {
		cfg.ConfigDir = f.dir
	}
	if set("binary") {
		cfg.Binary = f.binary
	}
	if set("max-attempts") {
		cfg.MaxAttempts = f.maxAttempts
	}
	if set("retry-delay") {
		cfg.RetryDelay = f.retryDelay
	}
	if set("timeout") {
		cfg.Timeout = f.timeout
	}
	if set("availability-domains") {
		cfg.AvailabilityDomains = f.domains
	}
	if set("capacity-signature") {
		cfg.ExtraSignatures = append(cfg.ExtraSignatures, f.signatures...)
	}
	if set("persist-domain") {
		cfg.PersistDomain = f.persistDomain
	}
	if set("no-cleanup") {
		cfg.NoCleanup = f.noCleanup
	}
	if set("abort-on-cleanup-failure") {
		cfg.AbortOnCleanupFailure = f.abortOnCleanupFailure
	}
	if set("log-file") {
		cfg.LogFile = f.logFile
	}
	if set("attempt-log") {
		cfg.AttemptLog = f.attemptLog
	}
	if set("history-db") {
		cfg.HistoryDB = f.historyDB
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if quiet {
		cfg.LogLevel = "warn"
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	// The positional directory wins over both the flag and the file.
	if len(args) == 1 {
		cfg.ConfigDir = args[0]
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = "."
	}

	if len(f.vars) > 0 {
		if cfg.ExtraVars == nil {
			cfg.ExtraVars = make(map[string]string, len(f.vars))
		}
		for _, kv := range f.vars {
			key, value, found := strings.Cut(kv, "=")
			if !found || key == "" {
				return nil, engine.NewConfigError(
					fmt.Sprintf("invalid --var %q, expected key=value", kv), nil)
			}
			cfg.ExtraVars[key] = value
		}
	}

	// With no rotation list, fall back to the domain pinned in the
	// configuration itself and retry against that single domain.
	if len(cfg.AvailabilityDomains) == 0 {
		if domain, ok := terraform.ReadDomain(cfg.ConfigDir); ok {
			cfg.AvailabilityDomains = []string{domain}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
