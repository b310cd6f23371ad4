// Package manager implements the non-FIFO message manager (§4.4): it
// tracks in-flight records, runs the heartbeater, dispatches handlers
// concurrently, and finalizes. Built around a sync.Map-based in-flight
// tracker with a ticker-driven visibility extension loop. The Tracker
// type here is shared with internal/fifo, which reuses it for
// per-message heartbeating while adding its own group-ordering layer.
package manager

import (
	"fmt"
	"sync"
	"time"
)

// State is the finalization state of an InFlightRecord (§3).
type State int

const (
	Pending State = iota
	Deleting
	Deleted
	Released
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Deleting:
		return "deleting"
	case Deleted:
		return "deleted"
	case Released:
		return "released"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the visibility-related PollerConfiguration fields the
// manager and its heartbeater need (§3 PollerConfiguration).
type Config struct {
	Subscription              string // label used on metrics and logs
	VisibilityTimeoutSeconds  int32
	ExtensionThresholdSeconds int32
	HeartbeatSeconds          int32
}

// Validate enforces heartbeat < threshold < timeout (§3 invariant, P6).
func (c Config) Validate() error {
	if c.VisibilityTimeoutSeconds <= 0 || c.VisibilityTimeoutSeconds > 43200 {
		return fmt.Errorf("manager: visibility-timeout-seconds %d out of range (0,43200]", c.VisibilityTimeoutSeconds)
	}
	if c.ExtensionThresholdSeconds <= 0 || c.ExtensionThresholdSeconds >= c.VisibilityTimeoutSeconds {
		return fmt.Errorf("manager: extension-threshold-seconds %d must be in (0, timeout=%d)", c.ExtensionThresholdSeconds, c.VisibilityTimeoutSeconds)
	}
	if c.HeartbeatSeconds <= 0 || c.HeartbeatSeconds >= c.ExtensionThresholdSeconds {
		return fmt.Errorf("manager: heartbeat-seconds %d must be in (0, threshold=%d)", c.HeartbeatSeconds, c.ExtensionThresholdSeconds)
	}
	return nil
}

// Record is a mutable InFlightRecord (§3), identified by SQS message id.
type Record struct {
	ID            string // SQS message id
	ReceiptHandle string
	GroupID       string // empty for non-FIFO
	MessageType   string

	mu     sync.Mutex
	expiry time.Time
	state  State
}

func newRecord(id, receiptHandle, groupID, messageType string, expiry time.Time) *Record {
	return &Record{ID: id, ReceiptHandle: receiptHandle, GroupID: groupID, MessageType: messageType, expiry: expiry, state: Pending}
}

// NewRecord builds a Record for a caller outside this package (namely
// internal/fifo, which tracks records through the same Tracker but
// layers its own per-group ordering on top).
func NewRecord(id, receiptHandle, groupID, messageType string, expiry time.Time) *Record {
	return newRecord(id, receiptHandle, groupID, messageType, expiry)
}

func (r *Record) Expiry() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiry
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// extendIfPending atomically extends expiry only if the record is still
// pending, so a finalized record is never re-extended (§5 ordering
// guarantee). Returns false if the record was not pending.
func (r *Record) extendIfPending(newExpiry time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Pending {
		return false
	}
	r.expiry = newExpiry
	return true
}
