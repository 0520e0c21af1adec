// Package backoff computes retry delays with exponential growth and jitter.
package backoff

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy holds backoff configuration.
type Policy struct {
	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration

	// MaxDelay caps every delay.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each attempt.
	Multiplier float64

	// JitterFactor adds up to JitterFactor*delay on top of the base delay.
	// It must stay below Multiplier-1 so delays never shrink between attempts.
	JitterFactor float64
}

// DefaultPolicy returns a Policy with sensible defaults for batch uploads.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Validate reports configurations that would produce shrinking or unbounded delays.
func (p Policy) Validate() error {
	switch {
	case p.InitialDelay <= 0:
		return errors.New("backoff: initial delay must be positive")
	case p.MaxDelay < p.InitialDelay:
		return errors.New("backoff: max delay must be >= initial delay")
	case p.Multiplier < 1.0:
		return errors.New("backoff: multiplier must be >= 1")
	case p.JitterFactor < 0:
		return errors.New("backoff: jitter must be >= 0")
	case p.JitterFactor > 0 && p.JitterFactor >= p.Multiplier-1:
		return errors.New("backoff: jitter must be < multiplier-1")
	}
	return nil
}

// Backoff turns a Policy into delays. Safe for concurrent use.
type Backoff struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Backoff. A nil source seeds from the clock.
func New(policy Policy, source rand.Source) *Backoff {
	if source == nil {
		source = rand.NewSource(time.Now().UnixNano())
	}
	return &Backoff{policy: policy, rng: rand.New(source)}
}

// Delay returns the wait after the given number of failed attempts (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Base delay with exponential backoff: initialDelay * multiplier^(attempt-1)
	delay := float64(b.policy.InitialDelay) * math.Pow(b.policy.Multiplier, float64(attempt-1))

	if b.policy.JitterFactor > 0 {
		b.mu.Lock()
		r := b.rng.Float64()
		b.mu.Unlock()
		delay += delay * b.policy.JitterFactor * r
	}

	// Cap at max delay
	if delay > float64(b.policy.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(b.policy.MaxDelay)
	}

	return time.Duration(delay)
}
