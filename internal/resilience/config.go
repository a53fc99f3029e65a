package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryPolicy based on the
// domain defaults. Negative retries and jitter, and non-positive delays or
// multipliers, keep the default.
func FromRetryConfig(domain Domain, maxRetries, baseDelayMs, maxDelayMs int, multiplier, jitterFraction float64) RetryPolicy {
	p := DefaultPolicy(domain)
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if baseDelayMs > 0 {
		p.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		p.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if multiplier > 0 {
		p.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		p.JitterFraction = jitterFraction
	}
	return p
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
