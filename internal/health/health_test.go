package health

import (
	"context"
	"errors"
	"testing"
)

func TestCheckSuccessMarksAvailable(t *testing.T) {
	h := NewSQSHealth(func(ctx context.Context) error { return nil })

	if ok := h.Check(context.Background()); !ok {
		t.Fatal("expected Check to succeed")
	}
	if !h.IsAvailable() {
		t.Fatal("expected IsAvailable to be true after a successful check")
	}

	_, ok, issue, attempts, successes, failures := h.Snapshot()
	if !ok || issue != "" {
		t.Fatalf("unexpected snapshot: ok=%v issue=%q", ok, issue)
	}
	if attempts != 1 || successes != 1 || failures != 0 {
		t.Fatalf("unexpected counters: attempts=%d successes=%d failures=%d", attempts, successes, failures)
	}
}

func TestCheckFailureMarksUnavailable(t *testing.T) {
	h := NewSQSHealth(func(ctx context.Context) error { return errors.New("connection refused") })

	if ok := h.Check(context.Background()); ok {
		t.Fatal("expected Check to fail")
	}
	if h.IsAvailable() {
		t.Fatal("expected IsAvailable to be false after a failed check")
	}

	_, ok, issue, _, _, failures := h.Snapshot()
	if ok || issue == "" {
		t.Fatalf("unexpected snapshot: ok=%v issue=%q", ok, issue)
	}
	if failures != 1 {
		t.Fatalf("failures = %d, want 1", failures)
	}
}

func TestCheckWithNilCheckerIsUnavailable(t *testing.T) {
	h := NewSQSHealth(nil)
	if ok := h.Check(context.Background()); ok {
		t.Fatal("expected Check with a nil checker to report failure")
	}
}

func TestAvailabilityFlipsAcrossChecks(t *testing.T) {
	fail := true
	h := NewSQSHealth(func(ctx context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	})

	h.Check(context.Background())
	if h.IsAvailable() {
		t.Fatal("expected unavailable after a failing check")
	}

	fail = false
	h.Check(context.Background())
	if !h.IsAvailable() {
		t.Fatal("expected available after a subsequent successful check")
	}
}
