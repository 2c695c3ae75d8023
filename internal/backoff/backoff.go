// Package backoff holds the retry delay policy shared by the outbound queue
// (per-item retries) and the realtime channel (reconnect attempts).
package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Policy is an exponential backoff with a cap and symmetric jitter.
type Policy struct {
	Base   time.Duration // first delay
	Factor float64       // multiplier per attempt (>= 1)
	Max    time.Duration // cap on the un-jittered delay
	Jitter float64       // randomization factor in [0,1), e.g. 0.2 for ±20%
}

// Default is base 1s, factor 2, cap 60s, jitter ±20%.
func Default() Policy {
	return Policy{Base: time.Second, Factor: 2, Max: 60 * time.Second, Jitter: 0.2}
}

// New returns a stateful backoff following p. Call Reset after a success.
func (p Policy) New() *cbackoff.ExponentialBackOff {
	b := &cbackoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Factor,
		MaxInterval:         p.Max,
	}
	b.Reset()
	return b
}

// Delay returns the wait before retry number attempt (1-based). Attempts
// below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.New()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
