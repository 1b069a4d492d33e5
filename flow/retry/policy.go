package retry

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dshills/sagaflow/flow/step"
)

// Retryable selects which errors a policy retries.
type Retryable int

const (
	// RetryTransient retries only errors in the transient tag set.
	RetryTransient Retryable = iota
	// RetryAll retries every error except the fixed permanent set.
	RetryAll
	// RetryTags retries only errors whose tag is in Policy.Tags,
	// permanent tags excluded.
	RetryTags
)

// Policy configures retry behavior for one step execution.
type Policy struct {
	// MaxAttempts is the total attempt budget including the first.
	// Must be >= 1; 1 means a single attempt without sleeping.
	MaxAttempts int
	// BaseDelay is the backoff base for attempt 1.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Jitter adds a uniform offset in [0, +10%] to each delay, clamped
	// to MaxDelay.
	Jitter bool
	// Retryable selects the retry predicate.
	Retryable Retryable
	// Tags is the explicit retryable set when Retryable == RetryTags.
	Tags []string
	// CircuitBreaker names the breaker protecting this step's external
	// service. Empty means no breaker.
	CircuitBreaker string
}

// Named retry policies.
var policies = map[string]Policy{
	"aggressive": {
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
		Retryable:   RetryTransient,
	},
	"conservative": {
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
		Retryable:   RetryTransient,
	},
	"patient": {
		MaxAttempts: 10,
		BaseDelay:   2 * time.Second,
		MaxDelay:    120 * time.Second,
		Jitter:      true,
		Retryable:   RetryTransient,
	},
	"email": {
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Jitter:         true,
		Retryable:      RetryTransient,
		CircuitBreaker: "email_service",
	},
	"api": {
		MaxAttempts:    4,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       15 * time.Second,
		Jitter:         true,
		Retryable:      RetryTransient,
		CircuitBreaker: "external_api",
	},
	"database": {
		MaxAttempts:    5,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Jitter:         true,
		Retryable:      RetryTransient,
		CircuitBreaker: "database",
	},
	"payment": {
		MaxAttempts:    2,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Second,
		Jitter:         false,
		Retryable:      RetryTransient,
		CircuitBreaker: "payment_gateway",
	},
	"none": {
		MaxAttempts: 1,
	},
}

// Named returns a policy by name: aggressive, conservative, patient,
// email, api, database, payment, none.
func Named(name string) (Policy, error) {
	p, ok := policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("unknown retry policy %q", name)
	}
	return p, nil
}

// MustNamed is Named for statically known policy names.
func MustNamed(name string) Policy {
	p, err := Named(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks policy constraints.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts %d < 1", p.MaxAttempts)
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: max delay %v < base delay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// Delay computes the backoff before the next attempt after attempt n
// (1-based) failed: min(base * 2^(n-1), max), with an optional uniform
// jitter in [0, +10%] still capped at max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	// Shift with an overflow guard; beyond 62 doublings the cap has
	// long since won.
	for i := 1; i < attempt && i < 63; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		// #nosec G404 -- jitter spreads retry timing, not security
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	return d
}

// ShouldRetry reports whether the policy retries err. Permanent tags
// are never retried regardless of the policy's selection.
func (p Policy) ShouldRetry(err error) bool {
	tag := step.TagOf(err)
	if IsPermanent(tag) {
		return false
	}
	switch p.Retryable {
	case RetryAll:
		return true
	case RetryTags:
		for _, t := range p.Tags {
			if t == tag {
				return true
			}
		}
		return false
	default:
		return IsTransient(tag)
	}
}
