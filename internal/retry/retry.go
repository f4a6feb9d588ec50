// Package retry computes reconnect delays and owns the attempt counter.
package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	JitterRange float64
}

// Delay is min(base * factor^attempt, max) before jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Bounds returns the closed interval a jittered delay for attempt lies in.
func (p Policy) Bounds(attempt int) (lo, hi time.Duration) {
	d := float64(p.Delay(attempt))
	spread := d * p.JitterRange / 2
	return time.Duration(d - spread), time.Duration(math.Ceil(d + spread))
}

// Controller tracks consecutive transport failures. Each failure yields the
// next jittered delay until the attempt count exceeds MaxRetries.
type Controller struct {
	policy   Policy
	attempts int
	total    int
	seq      *backoff.ExponentialBackOff
}

func New(p Policy) *Controller {
	c := &Controller{policy: p}
	c.seq = &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.JitterRange / 2,
		Multiplier:          p.Factor,
		MaxInterval:         p.MaxDelay,
	}
	c.seq.Reset()
	return c
}

func (c *Controller) Policy() Policy { return c.policy }

// Failure records one failure and returns the delay before the next
// attempt. Once Exhausted it returns zero and no retry may be scheduled.
func (c *Controller) Failure() time.Duration {
	c.attempts++
	if c.Exhausted() {
		return 0
	}
	c.total++
	return c.clamp(c.attempts-1, c.seq.NextBackOff())
}

// clamp keeps the sequence inside Bounds even if the backoff's float
// rounding drifts by a nanosecond.
func (c *Controller) clamp(attempt int, d time.Duration) time.Duration {
	lo, hi := c.policy.Bounds(attempt)
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Success clears the attempt counter after a successful open.
func (c *Controller) Success() {
	c.attempts = 0
	c.seq.Reset()
}

// Reset clears the attempt counter for a manual reconnect.
func (c *Controller) Reset() { c.Success() }

func (c *Controller) Attempts() int { return c.attempts }

// Total counts scheduled retries across the controller's lifetime.
func (c *Controller) Total() int { return c.total }

// Exhausted reports whether the attempts since the last success exceed
// MaxRetries.
func (c *Controller) Exhausted() bool { return c.attempts > c.policy.MaxRetries }
