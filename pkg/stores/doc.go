// Package stores provides the persistent run history for tfretry. The
// SQLite-backed store keeps one row per run and one row per attempt, with
// schema migrations embedded in the binary.
package stores
