// Package engine implements the retry loop at the heart of tfretry.
//
// The orchestrator drives repeated terraform apply invocations against a
// configuration directory, rotating an availability-domain variable through
// a fixed candidate list. Each outcome is classified (success, retryable
// capacity exhaustion, or fatal), partial resources from a failed attempt
// are destroyed before the next one starts, and every attempt is recorded
// through a durable Recorder before the loop moves on.
//
// The state machine is:
//
//	Idle -> Attempting -> {Succeeded, FatallyFailed, RetriesExhausted, Interrupted}
//
// with Attempting re-entered after each cleanup until a terminal state is
// reached. Attempts are strictly sequential; the retry delay between
// attempts is the only point where the loop voluntarily yields.
//
// The package defines the collaborator interfaces (Runner, Recorder) and a
// classified error type; the terraform CLI adapter lives in pkg/terraform,
// durable sinks in pkg/telemetry and pkg/stores.
package engine
