// Package backoff provides retry delay strategies. All strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/petrijr/pubflow/pkg/api"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Exponential grows the delay by Multiplier each attempt:
// min(Initial * Multiplier^(attempt-1), Max). A Multiplier <= 0 means 2.
// A Max <= 0 means no cap.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// NewExponential creates a doubling strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Multiplier: 2}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	m := e.Multiplier
	if m <= 0 {
		m = 2
	}
	d := float64(e.Initial) * math.Pow(m, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExponentialWithJitter picks a random delay in [0, Exponential.Delay].
type ExponentialWithJitter struct {
	Exponential
}

func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Exponential: *NewExponential(initial, maxDelay)}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := e.Exponential.Delay(attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// FromRetryPolicy converts a step retry policy into a strategy. A policy
// without an initial backoff retries immediately.
func FromRetryPolicy(p api.RetryPolicy) Strategy {
	if p.InitialBackoff <= 0 {
		return NewConstant(0)
	}
	return &Exponential{Initial: p.InitialBackoff, Max: p.MaxBackoff, Multiplier: p.BackoffMultiplier}
}

// Default is used for start-trigger redelivery: exponential from 1s,
// capped at 1m.
func Default() Strategy {
	return NewExponential(time.Second, time.Minute)
}
