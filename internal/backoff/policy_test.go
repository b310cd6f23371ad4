package backoff

import (
	"testing"
	"time"
)

func TestNoneAlwaysZero(t *testing.T) {
	p := None{}
	for _, n := range []int{0, 1, 5, 100} {
		if got := p.WaitFor(n); got != 0 {
			t.Errorf("None.WaitFor(%d) = %v, want 0", n, got)
		}
	}
}

func TestIntervalConstant(t *testing.T) {
	p := Interval{Wait: 2 * time.Second}
	if got := p.WaitFor(0); got != 0 {
		t.Errorf("WaitFor(0) = %v, want 0", got)
	}
	want := 2 * time.Second
	for _, n := range []int{1, 2, 10} {
		if got := p.WaitFor(n); got != want {
			t.Errorf("WaitFor(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestIntervalDefault(t *testing.T) {
	p := Interval{}
	if got := p.WaitFor(1); got != time.Second {
		t.Errorf("WaitFor(1) = %v, want 1s default", got)
	}
}

func TestCappedExponentialZeroAtN0(t *testing.T) {
	p := CappedExponential{Base: time.Second, Cap: 60 * time.Second}
	if got := p.WaitFor(0); got != 0 {
		t.Errorf("WaitFor(0) = %v, want 0", got)
	}
}

func TestCappedExponentialGrowth(t *testing.T) {
	p := CappedExponential{Base: time.Second, Cap: 60 * time.Second}
	prev := time.Duration(0)
	for n := 1; n <= 8; n++ {
		got := p.WaitFor(n)
		if got < prev {
			t.Errorf("WaitFor(%d) = %v, want >= previous %v (P7 monotonicity)", n, got, prev)
		}
		prev = got
	}
}

func TestCappedExponentialRespectsCapAtLargeN(t *testing.T) {
	p := CappedExponential{Base: time.Second, Cap: 10 * time.Second}
	got := p.WaitFor(20)
	if got != 10*time.Second {
		t.Errorf("WaitFor(20) = %v, want capped at 10s", got)
	}
}

func TestCappedExponentialDefaults(t *testing.T) {
	p := CappedExponential{}
	got := p.WaitFor(1)
	if got != time.Second {
		t.Errorf("WaitFor(1) with zero-value policy = %v, want 1s default base", got)
	}
}

func TestControllerResetsOnSuccess(t *testing.T) {
	c := NewController(CappedExponential{Base: time.Second, Cap: 60 * time.Second})
	c.Failure()
	c.Failure()
	if c.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", c.Count())
	}
	c.Success()
	if c.Count() != 0 {
		t.Fatalf("Count() after Success() = %d, want 0", c.Count())
	}
}

func TestControllerNilPolicyDefaultsToNone(t *testing.T) {
	c := NewController(nil)
	if got := c.Failure(); got != 0 {
		t.Errorf("Failure() with nil policy = %v, want 0 (None default)", got)
	}
}
