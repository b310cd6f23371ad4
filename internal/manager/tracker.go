package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/awsmessaging/pump/internal/metrics"
	"github.com/awsmessaging/pump/internal/sqsclient"
)

// Tracker owns the in-flight record set and the lazily-started
// heartbeater (§4.4 Heartbeater). It is shared between the non-FIFO
// Manager and internal/fifo's group serializer, since "the heartbeater
// treats each individual message equally, independent of grouping"
// (§4.5).
type Tracker struct {
	client   *sqsclient.Client
	queueURL string
	cfg      Config

	records sync.Map // id (string) -> *Record
	count   atomic.Int64

	hbMu      sync.Mutex
	hbRunning bool
	hbCancel  context.CancelFunc
	hbDone    chan struct{}
}

func NewTracker(client *sqsclient.Client, queueURL string, cfg Config) *Tracker {
	return &Tracker{client: client, queueURL: queueURL, cfg: cfg}
}

// InFlightCount returns the number of records currently tracked.
func (t *Tracker) InFlightCount() int64 {
	return t.count.Load()
}

// Track registers a newly-dispatched record and starts the heartbeater
// if this is the first in-flight record (§4.4 "started lazily").
func (t *Tracker) Track(ctx context.Context, r *Record) {
	t.records.Store(r.ID, r)
	t.count.Add(1)
	metrics.ManagerInFlight.WithLabelValues(t.cfg.Subscription).Set(float64(t.count.Load()))
	t.ensureHeartbeat(ctx)
}

// untrack removes a record and stops the heartbeater once the count
// returns to zero (§4.4 "stopped when the count returns to zero").
func (t *Tracker) untrack(r *Record) {
	t.records.Delete(r.ID)
	n := t.count.Add(-1)
	metrics.ManagerInFlight.WithLabelValues(t.cfg.Subscription).Set(float64(n))
	if n == 0 {
		t.stopHeartbeat()
	}
}

// Finalize applies the finalization rules of §4.4: on success, delete
// the message and mark Deleted; on failure, mark Released and leave the
// message undeleted so SQS redelivers it after visibility expiry.
func (t *Tracker) Finalize(ctx context.Context, r *Record, success bool) {
	if success {
		r.setState(Deleting)
		failures := t.client.DeleteBatch(ctx, t.queueURL, []sqsclient.BatchEntry{
			{ID: r.ID, ReceiptHandle: r.ReceiptHandle},
		})
		for _, f := range failures {
			log.Error().Str("messageId", r.ID).Str("code", f.Code).Msg("DeleteMessageBatch entry failed")
		}
		r.setState(Deleted)
		metrics.ManagerMessagesProcessed.WithLabelValues(t.cfg.Subscription, "deleted").Inc()
	} else {
		r.setState(Released)
		metrics.ManagerMessagesProcessed.WithLabelValues(t.cfg.Subscription, "released").Inc()
	}
	t.untrack(r)
}

// Release marks a record released without invoking the handler at all,
// used by the FIFO serializer's skip-on-failure path (§4.5): no delete,
// no handler call, purged from in-flight metadata.
func (t *Tracker) Release(r *Record) {
	r.setState(Released)
	metrics.ManagerMessagesProcessed.WithLabelValues(t.cfg.Subscription, "released").Inc()
	t.untrack(r)
}

func (t *Tracker) ensureHeartbeat(parentCtx context.Context) {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	if t.hbRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parentCtx))
	t.hbRunning = true
	t.hbCancel = cancel
	t.hbDone = make(chan struct{})
	go t.heartbeatLoop(ctx, t.hbDone)
}

func (t *Tracker) stopHeartbeat() {
	t.hbMu.Lock()
	if !t.hbRunning {
		t.hbMu.Unlock()
		return
	}
	cancel := t.hbCancel
	done := t.hbDone
	t.hbRunning = false
	t.hbMu.Unlock()

	cancel()
	<-done
}

// StopAndWait is called during pump shutdown (§4.3 "then stop the
// heartbeater") once the manager has finished draining.
func (t *Tracker) StopAndWait() {
	t.stopHeartbeat()
}

func (t *Tracker) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := time.Duration(t.cfg.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick implements the 5-step heartbeater algorithm of §4.4.
func (t *Tracker) tick(ctx context.Context) {
	threshold := time.Duration(t.cfg.ExtensionThresholdSeconds) * time.Second
	now := time.Now()

	var due []*Record
	t.records.Range(func(_, v any) bool {
		r := v.(*Record)
		if r.State() == Pending && r.Expiry().Sub(now) <= threshold {
			due = append(due, r)
		}
		return true
	})
	if len(due) == 0 {
		return
	}

	// Deterministic ordering by record identity, purely to keep logs
	// stable across runs (§4.4 "tie-breaks are deterministic... only to
	// keep logs stable").
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })

	byID := make(map[string]*Record, len(due))
	entries := make([]sqsclient.BatchEntry, 0, len(due))
	for _, r := range due {
		byID[r.ID] = r
		entries = append(entries, sqsclient.BatchEntry{
			ID:            r.ID,
			ReceiptHandle: r.ReceiptHandle,
			NewTimeout:    t.cfg.VisibilityTimeoutSeconds,
		})
	}

	failures := t.client.ChangeVisibilityBatch(ctx, t.queueURL, entries)
	failed := make(map[string]sqsclient.EntryFailure, len(failures))
	for _, f := range failures {
		failed[f.ID] = f
	}

	newExpiry := time.Now().Add(time.Duration(t.cfg.VisibilityTimeoutSeconds) * time.Second)
	for _, r := range due {
		f, isFailure := failed[r.ID]
		switch {
		case !isFailure:
			r.extendIfPending(newExpiry)
			metrics.ManagerVisibilityExtensions.WithLabelValues(t.cfg.Subscription, "extended").Inc()
		case f.IsReceiptHandleInvalid():
			// Benign: already deleted/expired. Trace-log only (P9), drop
			// from tracking rather than retry.
			log.Trace().Str("messageId", r.ID).Msg("ChangeVisibility: receipt handle invalid, dropping from tracking")
			t.untrack(r)
			metrics.ManagerVisibilityExtensions.WithLabelValues(t.cfg.Subscription, "benign_dropped").Inc()
		default:
			log.Error().Str("messageId", r.ID).Str("code", f.Code).Str("message", f.Message).
				Msg("ChangeVisibilityBatch entry failed; retaining for next cycle")
			metrics.ManagerVisibilityExtensions.WithLabelValues(t.cfg.Subscription, "failed_retained").Inc()
		}
	}
}
