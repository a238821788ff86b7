// Package retry provides the backoff policies used by the worker pool
// when re-attempting a failed call.
package retry

import (
	"time"
)

// Policy defines a retry strategy
type Policy interface {
	// ShouldRetry determines whether another attempt is allowed
	ShouldRetry(err error, attempt int) bool

	// NextDelay returns the delay before the given attempt is retried.
	// attempt is 1-based: the delay after the first failed attempt is
	// NextDelay(1).
	NextDelay(attempt int) time.Duration

	// MaxAttempts returns the total number of attempts allowed
	MaxAttempts() int
}

// LinearBackoff retries with a delay growing linearly with the attempt
// number: Initial + (attempt-1)*Increment, capped at MaxDelay.
type LinearBackoff struct {
	maxAttempts int
	initial     time.Duration
	increment   time.Duration
	maxDelay    time.Duration
}

// NewLinearBackoff creates a linear backoff policy
func NewLinearBackoff(maxAttempts int, initial, increment time.Duration) *LinearBackoff {
	return &LinearBackoff{
		maxAttempts: maxAttempts,
		initial:     initial,
		increment:   increment,
		maxDelay:    30 * time.Second,
	}
}

// WithMaxDelay caps the computed delay
func (p *LinearBackoff) WithMaxDelay(maxDelay time.Duration) *LinearBackoff {
	p.maxDelay = maxDelay
	return p
}

// ShouldRetry determines whether another attempt is allowed
func (p *LinearBackoff) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.maxAttempts
}

// NextDelay returns the delay before the next attempt
func (p *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := p.initial + time.Duration(attempt-1)*p.increment
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

// MaxAttempts returns the total number of attempts allowed
func (p *LinearBackoff) MaxAttempts() int {
	return p.maxAttempts
}

// FixedDelay retries with a constant delay between attempts
type FixedDelay struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(maxAttempts int, delay time.Duration) *FixedDelay {
	return &FixedDelay{maxAttempts: maxAttempts, delay: delay}
}

// ShouldRetry determines whether another attempt is allowed
func (p *FixedDelay) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.maxAttempts
}

// NextDelay returns the delay before the next attempt
func (p *FixedDelay) NextDelay(attempt int) time.Duration {
	return p.delay
}

// MaxAttempts returns the total number of attempts allowed
func (p *FixedDelay) MaxAttempts() int {
	return p.maxAttempts
}
