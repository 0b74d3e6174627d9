package resilience

import "time"

// PolicyFrom builds a RetryPolicy from config values; zero values keep the
// defaults.
func PolicyFrom(maxAttempts int, initial, maxBackoff time.Duration, jitter float64) RetryPolicy {
	p := DefaultRetryPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		p.InitialBackoff = initial
	}
	if maxBackoff > 0 {
		p.MaxBackoff = maxBackoff
	}
	if jitter >= 0 {
		p.Jitter = jitter
	}
	return p
}

// BreakerFrom builds a BreakerConfig from config values; zero values keep the
// defaults.
func BreakerFrom(failureThreshold int, resetTimeout time.Duration) BreakerConfig {
	c := DefaultBreakerConfig()
	if failureThreshold > 0 {
		c.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		c.ResetTimeout = resetTimeout
	}
	return c
}
