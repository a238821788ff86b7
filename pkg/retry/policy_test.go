package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinearBackoffDelays(t *testing.T) {
	policy := NewLinearBackoff(4, time.Second, time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestLinearBackoffMaxDelay(t *testing.T) {
	policy := NewLinearBackoff(10, time.Second, time.Second).WithMaxDelay(2500 * time.Millisecond)

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 2500*time.Millisecond, policy.NextDelay(3))
	assert.Equal(t, 2500*time.Millisecond, policy.NextDelay(9))
}

func TestLinearBackoffShouldRetry(t *testing.T) {
	policy := NewLinearBackoff(3, time.Second, time.Second)
	err := errors.New("boom")

	assert.True(t, policy.ShouldRetry(err, 1))
	assert.True(t, policy.ShouldRetry(err, 2))
	assert.False(t, policy.ShouldRetry(err, 3), "no retry beyond max attempts")
	assert.False(t, policy.ShouldRetry(nil, 1), "no retry without an error")
	assert.Equal(t, 3, policy.MaxAttempts())
}

func TestFixedDelay(t *testing.T) {
	policy := NewFixedDelay(2, 50*time.Millisecond)

	assert.Equal(t, 50*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 50*time.Millisecond, policy.NextDelay(5))
	assert.True(t, policy.ShouldRetry(errors.New("x"), 1))
	assert.False(t, policy.ShouldRetry(errors.New("x"), 2))
	assert.Equal(t, 2, policy.MaxAttempts())
}
