package client

import (
	"math/rand"
	"time"
)

// BackoffConfig bounds the reconnect schedule
type BackoffConfig struct {
	Initial    time.Duration // first delay (default 500ms)
	Max        time.Duration // delay ceiling (default 30s)
	Multiplier float64       // growth per attempt (default 2.0)
	Jitter     float64       // fraction of the delay randomized (default 0.25, negative disables)
	MaxRetries int           // attempts before giving up (default 10)
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	switch {
	case c.Jitter == 0:
		c.Jitter = 0.25
	case c.Jitter < 0:
		c.Jitter = 0
	case c.Jitter > 1:
		c.Jitter = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	return c
}

// backoff produces exponentially growing, jittered delays
type backoff struct {
	cfg     BackoffConfig
	attempt int
}

func newBackoff(cfg BackoffConfig) *backoff {
	return &backoff{cfg: cfg.withDefaults()}
}

// next returns the delay before the following attempt, or false once the
// retry budget is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempt >= b.cfg.MaxRetries {
		return 0, false
	}

	delay := float64(b.cfg.Initial)
	for i := 0; i < b.attempt; i++ {
		delay *= b.cfg.Multiplier
		if delay >= float64(b.cfg.Max) {
			delay = float64(b.cfg.Max)
			break
		}
	}
	b.attempt++

	if b.cfg.Jitter > 0 {
		// Spread delays across [delay*(1-jitter), delay*(1+jitter)] so
		// reconnecting clients don't stampede the gateway.
		span := delay * b.cfg.Jitter
		delay = delay - span + rand.Float64()*2*span
	}

	return time.Duration(delay), true
}

// reset clears the attempt counter after a successful connection
func (b *backoff) reset() {
	b.attempt = 0
}
