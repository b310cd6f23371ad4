package poller

import (
	"sync/atomic"
	"time"
)

// ControlToken is the process-wide, user-mutable polling switch
// described in the configuration surface: {enabled, poll-wait}. Reads
// are lock-free; an update takes effect on the poller's next cycle.
type ControlToken struct {
	enabled  atomic.Bool
	pollWait atomic.Int64 // nanoseconds
}

// NewControlToken builds a token. Pass enabled=false to start the
// poller paused (§8 scenario 7).
func NewControlToken(enabled bool, pollWait time.Duration) *ControlToken {
	t := &ControlToken{}
	t.enabled.Store(enabled)
	t.pollWait.Store(int64(pollWait))
	return t
}

func (t *ControlToken) Enabled() bool { return t.enabled.Load() }

func (t *ControlToken) PollWait() time.Duration { return time.Duration(t.pollWait.Load()) }

func (t *ControlToken) Enable() { t.enabled.Store(true) }

func (t *ControlToken) Disable() { t.enabled.Store(false) }

func (t *ControlToken) SetPollWait(d time.Duration) { t.pollWait.Store(int64(d)) }
