// Package backoff computes poller wait durations from a consecutive-failure
// count. Policies are stateless; callers own the counter.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy computes the wait duration for n consecutive failures.
type Policy interface {
	WaitFor(n int) time.Duration
}

// None never backs off.
type None struct{}

func (None) WaitFor(int) time.Duration { return 0 }

// Interval returns a fixed wait once n >= 1.
type Interval struct {
	// Wait is the fixed interval. Defaults to 1s when zero.
	Wait time.Duration
}

func (i Interval) WaitFor(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	if i.Wait <= 0 {
		return time.Second
	}
	return i.Wait
}

// CappedExponential returns min(Cap, Base*2^(n-1)) for n >= 1, zero for n=0.
// The doubling is computed with cenkalti/backoff/v4's ExponentialBackOff
// rather than hand-rolled math.Pow, matching the multiplier-driven growth
// the rest of this pack already uses for SQS retry scheduling.
type CappedExponential struct {
	// Base is the first non-zero wait, at n=1. Defaults to 1s when zero.
	Base time.Duration
	// Cap is the maximum wait ever returned. Defaults to 60s when zero.
	Cap time.Duration
}

func (c CappedExponential) WaitFor(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	base := c.Base
	if base <= 0 {
		base = time.Second
	}
	cap_ := c.Cap
	if cap_ <= 0 {
		cap_ = 60 * time.Second
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = cap_
	eb.MaxElapsedTime = 0
	// NewExponentialBackOff's constructor already called Reset(), which
	// latched currentInterval to the package default before InitialInterval
	// was overridden above; Reset() again here so NextBackOff() actually
	// starts its progression from the configured Base.
	eb.Reset()

	var wait time.Duration
	for i := 0; i < n; i++ {
		wait = eb.NextBackOff()
	}
	if wait > cap_ {
		wait = cap_
	}
	return wait
}

// Controller pairs a Policy with a mutable consecutive-failure counter,
// matching §4.1's "the backoff handler composes a policy with a counter".
type Controller struct {
	policy Policy
	n      int
}

func NewController(policy Policy) *Controller {
	if policy == nil {
		policy = None{}
	}
	return &Controller{policy: policy}
}

// Failure increments the counter and returns the wait to sleep before retrying.
func (c *Controller) Failure() time.Duration {
	c.n++
	return c.policy.WaitFor(c.n)
}

// Success resets the counter to zero.
func (c *Controller) Success() {
	c.n = 0
}

// Count returns the current consecutive-failure count, for tests/metrics.
func (c *Controller) Count() int {
	return c.n
}
