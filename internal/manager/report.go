package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxFailureReports bounds the in-memory failure log so a persistently
// failing subscription can't grow this without limit.
const MaxFailureReports = 1000

// FailureKind categorizes a reported failure per the §7 error taxonomy.
type FailureKind string

const (
	FailureDecode           FailureKind = "decode"
	FailureHandlerFailed    FailureKind = "handler_failed"
	FailureHandlerThrew     FailureKind = "handler_threw"
	FailureFIFOSkipped      FailureKind = "fifo_skipped"
)

// FailureReport is one reported failure, surfaced to operators (§7).
type FailureReport struct {
	ID          string
	Kind        FailureKind
	MessageID   string
	MessageType string
	Detail      string
	Timestamp   time.Time
}

// Reporter records failures for observability: a bounded in-memory map
// guarded by sync.RWMutex, evicting the oldest entry once full, exposing
// structured per-message failure reports for operator surfacing (§7).
type Reporter struct {
	mu      sync.RWMutex
	reports map[string]*FailureReport
}

func NewReporter() *Reporter {
	return &Reporter{reports: make(map[string]*FailureReport)}
}

// Report records a failure. Handler-returned failures are logged at
// warn level per §7; decode and FIFO-skip failures at info level, since
// they are expected/benign outcomes rather than handler bugs.
func (r *Reporter) Report(kind FailureKind, messageID, messageType, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.reports) >= MaxFailureReports {
		var oldestID string
		var oldestTime time.Time
		for id, rep := range r.reports {
			if oldestID == "" || rep.Timestamp.Before(oldestTime) {
				oldestID, oldestTime = id, rep.Timestamp
			}
		}
		if oldestID != "" {
			delete(r.reports, oldestID)
		}
	}

	rep := &FailureReport{
		ID:          uuid.New().String(),
		Kind:        kind,
		MessageID:   messageID,
		MessageType: messageType,
		Detail:      detail,
		Timestamp:   time.Now(),
	}
	r.reports[rep.ID] = rep

	ev := log.Warn()
	if kind == FailureDecode || kind == FailureFIFOSkipped {
		ev = log.Info()
	}
	ev.Str("kind", string(kind)).Str("messageId", messageID).Str("messageType", messageType).
		Str("detail", detail).Msg("Message processing failure reported")
}

// All returns all reports, newest first.
func (r *Reporter) All() []*FailureReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*FailureReport, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}
