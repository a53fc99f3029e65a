package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how many times and how far apart an operation is
// re-invoked. Attempts run 0..MaxRetries inclusive.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means a single attempt.
	MaxRetries int

	// BaseDelay is the delay after the first failed attempt. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 30s.
	MaxDelay time.Duration

	// Multiplier scales the delay per attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds ±fraction random jitter. The result is still
	// capped at MaxDelay. Default: 0.
	JitterFraction float64

	// RetryableKinds restricts which retryable kinds are retried. Nil
	// allows every kind the classifier marks retryable.
	RetryableKinds map[Kind]bool
}

// KindSet builds a RetryableKinds set.
func KindSet(kinds ...Kind) map[Kind]bool {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// transportKinds are retried by every default policy.
var transportKinds = []Kind{
	KindConnectionTimeout, KindConnectionRefused, KindConnectionReset,
	KindDNSFailure, KindServerError,
}

// DefaultRetryPolicy returns a general-purpose policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// DefaultPolicy returns the tuned policy for a domain.
func DefaultPolicy(domain Domain) RetryPolicy {
	p := DefaultRetryPolicy()
	switch domain {
	case DomainNetwork:
		p.BaseDelay = 2 * time.Second
		p.MaxDelay = 10 * time.Second
		p.RetryableKinds = KindSet(append(transportKinds, KindUnknown)...)
	case DomainAuth:
		p.MaxRetries = 1
		p.MaxDelay = 5 * time.Second
		p.RetryableKinds = KindSet(transportKinds...)
	case DomainAIService:
		p.MaxRetries = 2
		p.BaseDelay = 2 * time.Second
		p.RetryableKinds = KindSet(append(transportKinds,
			KindRateLimitExceeded, KindServiceOverloaded, KindUnknown)...)
	case DomainCalendarAPI:
		p.RetryableKinds = KindSet(append(transportKinds,
			KindRateLimitExceeded, KindServiceOverloaded, KindUnknown)...)
	}
	return p
}

// Allows reports whether kind may be retried under p.
func (p RetryPolicy) Allows(kind Kind) bool {
	if p.RetryableKinds == nil {
		return true
	}
	return p.RetryableKinds[kind]
}

// Delay returns min(BaseDelay * Multiplier^attempt, MaxDelay), attempt
// indexed from 0, with optional jitter that never exceeds MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}
