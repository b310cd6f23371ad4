package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/handler"
	"github.com/awsmessaging/pump/internal/herrors"
	"github.com/awsmessaging/pump/internal/metrics"
	"github.com/awsmessaging/pump/internal/sqsclient"
)

// Dispatcher is the interface the poller drives: hand it an envelope,
// ask it how many records it currently holds (for admission control,
// §4.3 step 2), and drain it on shutdown. Both Manager (non-FIFO) and
// internal/fifo.Serializer implement it.
type Dispatcher interface {
	InFlightCount() int64
	Dispatch(ctx context.Context, env envelope.MessageEnvelope)
	Drain(ctx context.Context)
	Close()
}

// Manager is the non-FIFO message manager (§4.4): every dispatched
// envelope runs on its own goroutine, independent of all others.
type Manager struct {
	tracker  *Tracker
	invoker  *handler.Invoker
	reporter *Reporter
	cfg      Config

	wg    sync.WaitGroup
	fatal chan error
}

func New(client *sqsclient.Client, queueURL string, cfg Config, invoker *handler.Invoker, reporter *Reporter) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		tracker:  NewTracker(client, queueURL, cfg),
		invoker:  invoker,
		reporter: reporter,
		cfg:      cfg,
		fatal:    make(chan error, 1),
	}, nil
}

func (m *Manager) InFlightCount() int64 { return m.tracker.InFlightCount() }

// Fatal returns a channel that receives at most one error if a handler
// invocation raises a framework-internal fatal condition (§4.4 "surface
// upward to stop the pump").
func (m *Manager) Fatal() <-chan error { return m.fatal }

// Dispatch creates an InFlightRecord and launches a concurrent task to
// invoke the handler, per §4.4 "Dispatch".
func (m *Manager) Dispatch(ctx context.Context, env envelope.MessageEnvelope) {
	expiry := time.Now().Add(time.Duration(m.cfg.VisibilityTimeoutSeconds) * time.Second)
	rec := newRecord(env.SQS.MessageID, env.SQS.ReceiptHandle, env.SQS.GroupID, env.MessageTypeIdentifier, expiry)
	m.tracker.Track(ctx, rec)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		status, err := m.invoker.Invoke(ctx, env)
		metrics.ManagerHandlerDuration.WithLabelValues(m.cfg.Subscription, env.MessageTypeIdentifier).Observe(time.Since(start).Seconds())
		if err != nil && herrors.IsFatal(err) {
			log.Error().Err(err).Str("messageId", rec.ID).Msg("fatal error during handler invocation")
			m.tracker.Finalize(ctx, rec, false)
			select {
			case m.fatal <- err:
			default:
			}
			return
		}
		if status == handler.Success {
			m.tracker.Finalize(ctx, rec, true)
			return
		}
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		kind := FailureHandlerFailed
		if handler.IsThrown(err) {
			kind = FailureHandlerThrew
		}
		m.reporter.Report(kind, rec.ID, rec.MessageType, detail)
		m.tracker.Finalize(ctx, rec, false)
	}()
}

// Drain waits for the in-flight counter to return to zero, up to ctx's
// deadline (§4.3 Shutdown: "wait for the manager to drain in-flight
// records up to a grace deadline").
func (m *Manager) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Int64("remaining", m.tracker.InFlightCount()).Msg("manager drain grace period expired; abandoning remaining in-flight messages")
	}
}

// Close stops the heartbeater (§4.3 "then stop the heartbeater").
func (m *Manager) Close() {
	m.tracker.StopAndWait()
}
