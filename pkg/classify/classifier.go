// Package classify decides whether a failed terraform invocation is a
// transient capacity problem worth retrying in another availability domain,
// or a fatal error that no amount of retrying will fix.
//
// Matching is an explicit allow-list of known capacity-exhaustion signatures.
// Anything that does not match a signature is fatal; a catch-all would
// misclassify authentication and configuration errors as retryable.
package classify

import "strings"

// Kind is the classification of a single terraform invocation outcome.
type Kind string

const (
	// KindSuccess indicates the invocation exited cleanly.
	KindSuccess Kind = "success"

	// KindRetryableCapacity indicates a failure caused by capacity
	// exhaustion in the requested availability domain. The attempt can be
	// retried in another domain after cleanup.
	KindRetryableCapacity Kind = "retryable_capacity"

	// KindFatal indicates a failure with no recognized transient cause.
	// Examples: invalid credentials, malformed configuration, account
	// quota exceeded.
	KindFatal Kind = "fatal"
)

// Classifier inspects an exit code and captured output and decides the
// outcome kind.
type Classifier interface {
	Classify(exitCode int, output string) Kind
}

// DefaultSignatures are the capacity-exhaustion phrases emitted by the OCI
// provider when an availability domain has no free hosts. All matching is
// case-insensitive substring matching against the full captured output.
var DefaultSignatures = []string{
	"out of host capacity",
	"out of capacity",
	"internalerror",
	"insufficient host capacity",
	"shape is not available in this availability domain",
}

// SignatureClassifier classifies outcomes against a fixed signature list.
// The zero value is not usable; construct with NewSignatureClassifier.
type SignatureClassifier struct {
	signatures []string
}

// NewSignatureClassifier returns a classifier over DefaultSignatures plus
// any extra signatures. Extra signatures are matched case-insensitively.
func NewSignatureClassifier(extra ...string) *SignatureClassifier {
	sigs := make([]string, 0, len(DefaultSignatures)+len(extra))
	for _, s := range DefaultSignatures {
		sigs = append(sigs, strings.ToLower(s))
	}
	for _, s := range extra {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			sigs = append(sigs, s)
		}
	}
	return &SignatureClassifier{signatures: sigs}
}

// Classify implements Classifier. An empty output on a failed invocation is
// fatal: there is no evidence of a transient cause.
func (c *SignatureClassifier) Classify(exitCode int, output string) Kind {
	if exitCode == 0 {
		return KindSuccess
	}

	lowered := strings.ToLower(output)
	if lowered == "" {
		return KindFatal
	}

	for _, sig := range c.signatures {
		if strings.Contains(lowered, sig) {
			return KindRetryableCapacity
		}
	}

	return KindFatal
}

// Signatures returns a copy of the active signature list.
func (c *SignatureClassifier) Signatures() []string {
	out := make([]string, len(c.signatures))
	copy(out, c.signatures)
	return out
}
