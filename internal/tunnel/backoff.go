package tunnel

import "time"

// DefaultMaxRetries is the number of automatic reconnects before giving up
const DefaultMaxRetries = 10

// BackoffConfig defines exponential backoff parameters
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig returns default backoff configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    1 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before reconnect attempt n (0-based):
// min(Initial * Multiplier^n, Max)
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay >= b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// RetryPolicy controls how a supervisor reacts to failed attempts
type RetryPolicy struct {
	Backoff    BackoffConfig
	MaxRetries int
	// RetryOnPartial schedules a reconnect when some mappings failed to bind,
	// not only when the attempt itself failed.
	RetryOnPartial bool
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:        DefaultBackoffConfig(),
		MaxRetries:     DefaultMaxRetries,
		RetryOnPartial: true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = DefaultBackoffConfig().Initial
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = DefaultBackoffConfig().Max
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = DefaultBackoffConfig().Multiplier
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}
