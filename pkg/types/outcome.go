package types

import "fmt"

// FailureKind is the error taxonomy exposed to agents. Every agent-visible
// operation returns a result or one of these kinds; the agent's fallback
// for each kind is fixed, so a missing answer reads as "I do not know yet"
// rather than an error.
type FailureKind string

const (
	// FailureTransientExternal covers LLM timeouts, unreachable
	// verifiers, and temporarily unavailable queues. Retried with
	// backoff behind a circuit breaker.
	FailureTransientExternal FailureKind = "transient_external"
	// FailureMalformedInput covers unparseable LLM output, invalid
	// idempotency keys, and missing required fields.
	FailureMalformedInput FailureKind = "malformed_input"
	// FailureHallucination covers spans not found in the utterance,
	// implausible counts, and context bleed.
	FailureHallucination FailureKind = "hallucination_detected"
	// FailureInvariant covers orphan edges, privacy violations, and
	// out-of-range confidence. The op is rejected and surfaced.
	FailureInvariant FailureKind = "invariant_violation"
	// FailureStoreDegraded marks empty query results returned while the
	// store is unavailable, so the agent can proceed without context.
	FailureStoreDegraded FailureKind = "store_degraded"
)

// Failure is a typed operation failure.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a typed failure.
func NewFailure(kind FailureKind, msg string, err error) *Failure {
	return &Failure{Kind: kind, Message: msg, Err: err}
}
