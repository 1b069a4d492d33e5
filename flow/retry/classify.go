// Package retry executes steps under policy-driven retry with
// exponential backoff, transient/permanent error classification,
// idempotency accounting, and circuit-breaker integration.
package retry

import "github.com/dshills/sagaflow/flow/step"

// TagException is the tag assigned to panics trapped at the step
// boundary. Treated as transient unless a policy says otherwise.
const TagException = "exception"

// TagCircuitOpen is the tag of failures caused by an open breaker
// rejecting the call before user code ran.
const TagCircuitOpen = "circuit_open"

// permanentTags are never retryable, even when a policy lists them
// explicitly: retrying a validation or business-rule failure can only
// fail the same way.
var permanentTags = map[string]bool{
	"validation_error":        true,
	"invalid_params":          true,
	"missing_dni":             true,
	"unauthorized":            true,
	"forbidden":               true,
	"invalid_credentials":     true,
	"business_rule_violation": true,
	"insufficient_funds":      true,
	"policy_rejected":         true,
	"not_found":               true,
	"already_processed":       true,
}

// transientTags cover network, service, and database transients that a
// later attempt can plausibly outrun.
var transientTags = map[string]bool{
	"timeout":                 true,
	"connection_refused":      true,
	"connection_reset":        true,
	"econnrefused":            true,
	"etimedout":               true,
	"service_unavailable":     true,
	"rate_limited":            true,
	"internal_error":          true,
	"db_connection_lost":      true,
	"deadlock":                true,
	"network_error":           true,
	"temporarily_unavailable": true,
	TagException:              true,
}

// Classification buckets an error tag.
type Classification int

const (
	// Unknown tags are retried only under an all-errors policy.
	Unknown Classification = iota
	Transient
	Permanent
)

// Classify buckets an error by its extracted tag.
func Classify(err error) Classification {
	return ClassifyTag(step.TagOf(err))
}

// ClassifyTag buckets a bare tag.
func ClassifyTag(tag string) Classification {
	switch {
	case permanentTags[tag]:
		return Permanent
	case transientTags[tag]:
		return Transient
	default:
		return Unknown
	}
}

// IsPermanent reports whether the tag is in the fixed permanent set.
func IsPermanent(tag string) bool { return permanentTags[tag] }

// IsTransient reports whether the tag is in the transient set.
func IsTransient(tag string) bool { return transientTags[tag] }
