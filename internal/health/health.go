// Package health exposes liveness/readiness checks for the pump's SQS
// connectivity, built around an atomic-counter connectivity tracker
// behind a small checker function type, trimmed to SQS alone.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Checker reports whether the SQS queue this pump consumes from is
// currently reachable, e.g. by calling GetQueueAttributes.
type Checker func(ctx context.Context) error

// SQSHealth tracks SQS connectivity over time and exposes a liveness/
// readiness snapshot for an HTTP handler.
type SQSHealth struct {
	mu      sync.RWMutex
	checker Checker

	lastCheck  time.Time
	lastResult bool
	lastIssue  string

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	available atomic.Bool
}

func NewSQSHealth(checker Checker) *SQSHealth {
	return &SQSHealth{checker: checker}
}

// Check runs the connectivity checker and records the result. Safe to
// call periodically from a background ticker or on-demand from an HTTP
// readiness probe.
func (h *SQSHealth) Check(ctx context.Context) bool {
	h.attempts.Add(1)

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var issue string
	var ok bool
	if h.checker == nil {
		issue = "no SQS connectivity checker configured"
	} else if err := h.checker(checkCtx); err != nil {
		issue = fmt.Sprintf("SQS connectivity check failed: %v", err)
		log.Error().Err(err).Msg("SQS connectivity check failed")
	} else {
		ok = true
	}

	if ok {
		h.successes.Add(1)
	} else {
		h.failures.Add(1)
	}
	h.available.Store(ok)

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.lastResult = ok
	h.lastIssue = issue
	h.mu.Unlock()

	return ok
}

// IsAvailable returns the most recently observed connectivity state
// without performing a new check.
func (h *SQSHealth) IsAvailable() bool {
	return h.available.Load()
}

// Snapshot returns the last check's time, result, and issue (if any),
// plus cumulative attempt/success/failure counters.
func (h *SQSHealth) Snapshot() (lastCheck time.Time, ok bool, issue string, attempts, successes, failures int64) {
	h.mu.RLock()
	lastCheck, ok, issue = h.lastCheck, h.lastResult, h.lastIssue
	h.mu.RUnlock()
	return lastCheck, ok, issue, h.attempts.Load(), h.successes.Load(), h.failures.Load()
}
