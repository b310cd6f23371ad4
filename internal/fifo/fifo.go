// Package fifo implements the FIFO group serializer (§4.5): distinct
// message-group-ids run concurrently, but within a group handlers are
// invoked strictly in arrival order, and a failure skips the rest of
// that group's currently-queued messages rather than leaving a gap.
// It reuses internal/manager.Tracker for in-flight tracking and
// heartbeating, since "the heartbeater treats each individual message
// equally, independent of grouping."
package fifo

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/handler"
	"github.com/awsmessaging/pump/internal/herrors"
	"github.com/awsmessaging/pump/internal/manager"
	"github.com/awsmessaging/pump/internal/metrics"
	"github.com/awsmessaging/pump/internal/sqsclient"
)

func recordExpiry(cfg manager.Config) time.Time {
	return time.Now().Add(time.Duration(cfg.VisibilityTimeoutSeconds) * time.Second)
}

// group holds one message-group-id's ordered queue and worker state.
type group struct {
	mu      sync.Mutex
	pending *list.List // of envelope.MessageEnvelope
	running bool
	blocked bool // a prior message in this admission failed; skip the rest
}

// Serializer is the FIFO group serializer. It satisfies the same
// Dispatcher-shaped contract as manager.Manager, but InFlightCount
// reports groups currently running a worker, not total messages
// (§4.5 "measured in groups in flight, not messages").
type Serializer struct {
	tracker  *manager.Tracker
	invoker  *handler.Invoker
	reporter *manager.Reporter
	cfg      manager.Config

	mu           sync.Mutex
	groups       map[string]*group
	groupsActive int64

	wg sync.WaitGroup

	fatal chan error

	// lambdaReporter is non-nil only when this serializer backs a Lambda
	// event-source invocation (§4.5 Lambda partial-batch variant). When
	// set, every message skipped or failed within a group is additionally
	// recorded as a batch item failure so the caller can build the
	// event-source response.
	lambdaReporter *LambdaReporter
}

// WithLambdaReporter attaches a LambdaReporter so group failures are also
// recorded as Lambda batch item failures, in addition to the normal
// release/report path.
func (s *Serializer) WithLambdaReporter(r *LambdaReporter) *Serializer {
	s.lambdaReporter = r
	return s
}

func New(client *sqsclient.Client, queueURL string, cfg manager.Config, invoker *handler.Invoker, reporter *manager.Reporter) (*Serializer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Serializer{
		tracker:  manager.NewTracker(client, queueURL, cfg),
		invoker:  invoker,
		reporter: reporter,
		cfg:      cfg,
		groups:   make(map[string]*group),
		fatal:    make(chan error, 1),
	}, nil
}

// InFlightCount returns the number of groups currently running a worker
// (§4.5 inter-group parallelism is bounded by this, not by message count).
func (s *Serializer) InFlightCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupsActive
}

func (s *Serializer) Fatal() <-chan error { return s.fatal }

// Dispatch enqueues env onto its group's pending queue (§4.5 "each group
// holds an ordered queue of pending envelopes") and starts a worker for
// that group if none is currently running.
func (s *Serializer) Dispatch(ctx context.Context, env envelope.MessageEnvelope) {
	groupID := env.SQS.GroupID

	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		g = &group{pending: list.New()}
		s.groups[groupID] = g
	}
	s.mu.Unlock()

	g.mu.Lock()
	g.pending.PushBack(env)
	startWorker := !g.running
	if startWorker {
		g.running = true
		s.mu.Lock()
		s.groupsActive++
		active := s.groupsActive
		s.mu.Unlock()
		metrics.FIFOGroupsInFlight.WithLabelValues(s.cfg.Subscription).Set(float64(active))
	}
	g.mu.Unlock()

	if startWorker {
		s.wg.Add(1)
		go s.runGroup(ctx, groupID, g)
	}
}

// runGroup drains g's pending queue one message at a time, in order,
// stopping early once the group is marked blocked by a failure (§4.5
// skip-on-failure).
func (s *Serializer) runGroup(ctx context.Context, groupID string, g *group) {
	defer s.wg.Done()
	for {
		g.mu.Lock()
		if g.pending.Len() == 0 {
			g.running = false
			g.blocked = false
			g.mu.Unlock()
			s.mu.Lock()
			s.groupsActive--
			active := s.groupsActive
			s.mu.Unlock()
			metrics.FIFOGroupsInFlight.WithLabelValues(s.cfg.Subscription).Set(float64(active))
			return
		}
		front := g.pending.Front()
		g.pending.Remove(front)
		env := front.Value.(envelope.MessageEnvelope)
		blocked := g.blocked
		g.mu.Unlock()

		if blocked {
			s.skip(env, groupID)
			continue
		}

		if !s.process(ctx, env) {
			g.mu.Lock()
			g.blocked = true
			g.mu.Unlock()
		}
	}
}

// process invokes the handler for a single message and finalizes it.
// Returns false if the group should be blocked for the remainder of
// this admission (handler failure or non-fatal throw, P4).
func (s *Serializer) process(ctx context.Context, env envelope.MessageEnvelope) bool {
	expiry := recordExpiry(s.cfg)
	rec := manager.NewRecord(env.SQS.MessageID, env.SQS.ReceiptHandle, env.SQS.GroupID, env.MessageTypeIdentifier, expiry)
	s.tracker.Track(ctx, rec)

	start := time.Now()
	status, err := s.invoker.Invoke(ctx, env)
	metrics.ManagerHandlerDuration.WithLabelValues(s.cfg.Subscription, env.MessageTypeIdentifier).Observe(time.Since(start).Seconds())
	if err != nil && herrors.IsFatal(err) {
		log.Error().Err(err).Str("messageId", rec.ID).Str("group", rec.GroupID).Msg("fatal error during FIFO handler invocation")
		s.tracker.Finalize(ctx, rec, false)
		select {
		case s.fatal <- err:
		default:
		}
		return false
	}
	if status == handler.Success {
		s.tracker.Finalize(ctx, rec, true)
		return true
	}

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	kind := manager.FailureHandlerFailed
	if handler.IsThrown(err) {
		kind = manager.FailureHandlerThrew
	}
	s.reporter.Report(kind, rec.ID, rec.MessageType, detail)
	s.tracker.Finalize(ctx, rec, false)
	if s.lambdaReporter != nil {
		reportLambdaGroupFailure(s.lambdaReporter, rec.ID)
	}
	return false
}

// skip releases env without ever invoking its handler (§4.5: "states
// become released, purged from in-flight metadata, and failures are
// reported").
func (s *Serializer) skip(env envelope.MessageEnvelope, groupID string) {
	expiry := recordExpiry(s.cfg)
	rec := manager.NewRecord(env.SQS.MessageID, env.SQS.ReceiptHandle, groupID, env.MessageTypeIdentifier, expiry)
	s.tracker.Track(context.Background(), rec)
	s.reporter.Report(manager.FailureFIFOSkipped, rec.ID, rec.MessageType, "skipped: prior message in group failed")
	s.tracker.Release(rec)
	metrics.FIFOSkippedMessages.WithLabelValues(s.cfg.Subscription).Inc()
	if s.lambdaReporter != nil {
		reportLambdaGroupFailure(s.lambdaReporter, rec.ID)
	}
}

// Drain waits for all group workers to finish, up to ctx's deadline.
func (s *Serializer) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Int64("groupsRemaining", s.InFlightCount()).Msg("FIFO serializer drain grace period expired")
	}
}

func (s *Serializer) Close() {
	s.tracker.StopAndWait()
}
