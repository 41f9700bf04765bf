// Package config defines the run configuration for tfretry, loaded from
// defaults, an optional YAML file, and command-line flags, in that order.
package config
