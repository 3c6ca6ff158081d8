package relay

import (
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
)

// BackoffConfig parameterizes the reconnect delay schedule.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	JitterPct  int // ± percentage applied to each delay; 0 disables jitter
	MaxRetries int // 0 means unlimited
}

func (c *BackoffConfig) withDefaults() BackoffConfig {
	out := *c
	if out.Initial <= 0 {
		out.Initial = DefaultInitialDelay
	}
	if out.Max <= 0 {
		out.Max = DefaultMaxDelay
	}
	if out.Multiplier < 1 {
		out.Multiplier = DefaultMultiplier
	}
	return out
}

// Backoff computes exponential reconnect delays:
//
//	delay(n) = min(initial * multiplier^n, max)
//
// clamped before the multiplication can overflow. Not safe for concurrent
// use; the Client owns it.
type Backoff struct {
	cfg     BackoffConfig
	retries int
	delay   time.Duration
	rng     *rand.Rand
}

// NewBackoff creates a Backoff with zero recorded failures. The jitter
// source is seeded from the clock; determinism is not a goal, only a
// reasonable spread between clients reconnecting at once.
func NewBackoff(cfg BackoffConfig) *Backoff {
	b := &Backoff{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.delay = b.Delay(0)
	return b
}

// Delay returns the delay for retry count n, without jitter. It clamps to
// Max as soon as continued multiplication would exceed it, so the
// computation never overflows regardless of n.
func (b *Backoff) Delay(n int) time.Duration {
	d := float64(b.cfg.Initial)
	limit := float64(b.cfg.Max)
	for i := 0; i < n; i++ {
		d *= b.cfg.Multiplier
		if d >= limit {
			return b.cfg.Max
		}
	}
	if d >= limit {
		return b.cfg.Max
	}
	return time.Duration(d)
}

// Retries returns the number of failures recorded since the last Reset.
func (b *Backoff) Retries() int { return b.retries }

// CurrentDelay returns the delay for the current retry count with jitter
// applied.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.jitter(b.delay)
}

// RecordFailure increments the retry count and recomputes the delay.
func (b *Backoff) RecordFailure() {
	b.retries++
	b.delay = b.Delay(b.retries)
}

// Reset zeroes the retry count. Called on every successful handshake.
func (b *Backoff) Reset() {
	b.retries = 0
	b.delay = b.Delay(0)
}

// ShouldRetry reports whether another attempt is allowed. It returns false
// only when MaxRetries is set and exhausted; the default is unlimited.
func (b *Backoff) ShouldRetry() bool {
	return b.cfg.MaxRetries == 0 || b.retries <= b.cfg.MaxRetries
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.cfg.JitterPct <= 0 {
		return d
	}
	span := int64(d) * int64(b.cfg.JitterPct) / 100
	if span <= 0 {
		return d
	}
	j := d + time.Duration(b.rng.Int63n(2*span+1)-span)
	// Max bounds the delay even after jitter.
	if j > b.cfg.Max {
		j = b.cfg.Max
	}
	return j
}
