package pubflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name   string
		retry  Retries
		policy RetryPolicy
		delays []time.Duration
	}{
		{
			name:   "single attempt",
			retry:  Retry(0),
			policy: RetryPolicy{MaxAttempts: 1},
			delays: []time.Duration{},
		},
		{
			name:   "exponential capped",
			retry:  Retry(5).Exponential(100*ms, 0, 500*ms),
			policy: RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * ms, MaxBackoff: 500 * ms, BackoffMultiplier: 2},
			delays: []time.Duration{100 * ms, 200 * ms, 400 * ms, 500 * ms},
		},
		{
			name:   "exponential factor three",
			retry:  Retry(3).Exponential(10*ms, 3, 0),
			policy: RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * ms, BackoffMultiplier: 3},
			delays: []time.Duration{10 * ms, 30 * ms},
		},
		{
			name:   "constant",
			retry:  Retry(4).Constant(250 * ms),
			policy: RetryPolicy{MaxAttempts: 4, InitialBackoff: 250 * ms, BackoffMultiplier: 1},
			delays: []time.Duration{250 * ms, 250 * ms, 250 * ms},
		},
		{
			name:   "immediate overrides earlier backoff",
			retry:  Retry(3).Exponential(time.Second, 2, time.Minute).Immediate(),
			policy: RetryPolicy{MaxAttempts: 3},
			delays: []time.Duration{0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.policy, tt.retry.Policy())
			assert.Equal(t, tt.delays, tt.retry.Delays())
		})
	}
}
