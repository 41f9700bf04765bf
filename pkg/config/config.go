package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tfretry/tfretry/pkg/engine"
)

// RunConfig is the full configuration for a retry run. Values come from a
// YAML file merged under command-line flags; flags win.
type RunConfig struct {
	// ConfigDir is the terraform configuration directory.
	ConfigDir string `yaml:"config_dir" validate:"required"`

	// Binary is the terraform executable to invoke.
	Binary string `yaml:"binary"`

	// MaxAttempts bounds the number of apply invocations.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`

	// RetryDelay is the pause between a destroy and the next apply.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"min=0"`

	// Timeout bounds a single terraform invocation. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`

	// AvailabilityDomains is the rotation list. At least one entry, no
	// duplicates, no blanks.
	AvailabilityDomains []string `yaml:"availability_domains" validate:"min=1,unique,dive,required"`

	// ExtraSignatures extends the retryable-capacity signature list.
	ExtraSignatures []string `yaml:"extra_signatures"`

	// ExtraVars are additional -var assignments passed to every invocation.
	ExtraVars map[string]string `yaml:"extra_vars"`

	// AutoApprove passes -auto-approve to terraform.
	AutoApprove bool `yaml:"auto_approve"`

	// PersistDomain rewrites the availability_domain assignment in the
	// configuration files before each apply.
	PersistDomain bool `yaml:"persist_domain"`

	// NoCleanup skips the destroy between attempts. Partial resources are
	// left behind for manual inspection.
	NoCleanup bool `yaml:"no_cleanup"`

	// AbortOnCleanupFailure turns a failed destroy into a fatal error
	// instead of a recorded warning.
	AbortOnCleanupFailure bool `yaml:"abort_on_cleanup_failure"`

	// LogFile is where run output is mirrored, colors stripped.
	LogFile string `yaml:"log_file"`

	// AttemptLog is the NDJSON attempt record file.
	AttemptLog string `yaml:"attempt_log"`

	// HistoryDB is the optional SQLite history database path. Empty
	// disables database persistence.
	HistoryDB string `yaml:"history_db"`

	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
}

// Default returns the configuration defaults applied before file and flag
// values.
func Default() *RunConfig {
	return &RunConfig{
		Binary:      "terraform",
		MaxAttempts: 50,
		RetryDelay:  30 * time.Second,
		Timeout:     30 * time.Minute,
		AutoApprove: true,
		LogFile:     "terraform_retry.log",
		AttemptLog:  "terraform_retry_attempts.ndjson",
		LogLevel:    "info",
	}
}

// LoadFile merges a YAML configuration file into cfg. Unknown keys are
// rejected so typos surface immediately.
func LoadFile(path string, cfg *RunConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.NewConfigError(fmt.Sprintf("read config file %s", path), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return engine.NewConfigError(fmt.Sprintf("parse config file %s", path), err)
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration and verifies the terraform directory is
// usable. Violations come back as configuration errors.
func (c *RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return engine.NewConfigError(
				fmt.Sprintf("invalid %s: failed %s constraint", fieldName(f.Field()), f.Tag()), err)
		}
		return engine.NewConfigError("invalid configuration", err)
	}

	info, err := os.Stat(c.ConfigDir)
	if err != nil {
		return engine.NewConfigError(fmt.Sprintf("config dir %s not accessible", c.ConfigDir), err)
	}
	if !info.IsDir() {
		return engine.NewConfigError(fmt.Sprintf("config dir %s is not a directory", c.ConfigDir), nil)
	}

	return nil
}

// fieldName maps struct field names to their YAML spelling for error
// messages.
func fieldName(field string) string {
	names := map[string]string{
		"ConfigDir":           "config_dir",
		"MaxAttempts":         "max_attempts",
		"RetryDelay":          "retry_delay",
		"Timeout":             "timeout",
		"AvailabilityDomains": "availability_domains",
		"LogLevel":            "log_level",
	}
	if n, ok := names[field]; ok {
		return n
	}
	return field
}
