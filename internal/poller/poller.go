// Package poller implements the admission-control + Receive loop of
// §4.3: it bounds concurrency against a manager's in-flight count,
// fetches batches from SQS, decodes them, and hands envelopes off to a
// Dispatcher without waiting for handler completion, using a
// context-cancellable select loop around each Receive call.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/awsmessaging/pump/internal/backoff"
	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/manager"
	"github.com/awsmessaging/pump/internal/metrics"
	"github.com/awsmessaging/pump/internal/sqsclient"
)

// Config holds one subscription's PollerConfiguration (§3).
type Config struct {
	Subscription             string
	QueueURL                 string
	MaxConcurrent            int32
	WaitTimeSeconds          int32
	VisibilityTimeoutSeconds int32
}

// DefaultConfig returns the documented default poller settings.
func DefaultConfig(subscription, queueURL string) Config {
	return Config{
		Subscription:             subscription,
		QueueURL:                 queueURL,
		MaxConcurrent:            10,
		WaitTimeSeconds:          20,
		VisibilityTimeoutSeconds: 30,
	}
}

func (c Config) validate() error {
	if c.MaxConcurrent < 1 {
		return errInvalidConfig("max-concurrent must be >= 1")
	}
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return errInvalidConfig("wait-time-seconds must be in [0,20]")
	}
	return nil
}

type errInvalidConfig string

func (e errInvalidConfig) Error() string { return "poller: " + string(e) }

// Poller runs the §4.3 loop for a single subscription.
type Poller struct {
	client   *sqsclient.Client
	cfg      Config
	token    *ControlToken
	backoff  *backoff.Controller
	reporter *manager.Reporter
	dispatch manager.Dispatcher

	fatal chan error
}

// New builds a Poller. dispatch is either a *manager.Manager (non-FIFO)
// or a *fifo.Serializer, both satisfying manager.Dispatcher.
func New(client *sqsclient.Client, cfg Config, token *ControlToken, policy backoff.Policy, reporter *manager.Reporter, dispatch manager.Dispatcher) (*Poller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if token == nil {
		token = NewControlToken(true, time.Second)
	}
	return &Poller{
		client:   client,
		cfg:      cfg,
		token:    token,
		backoff:  backoff.NewController(policy),
		reporter: reporter,
		dispatch: dispatch,
		fatal:    make(chan error, 1),
	}, nil
}

// Fatal returns a channel that receives at most one error if the
// poller observes a fatal SQS exception and stops (§4.3 step 4,
// §8 scenario 6).
func (p *Poller) Fatal() <-chan error { return p.fatal }

// Run executes the poller loop until ctx is cancelled or a fatal error
// is observed. It never returns an error for ordinary shutdown; a fatal
// condition is both returned and sent on Fatal().
func (p *Poller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Step 1: control-token gate.
		if !p.token.Enabled() {
			if !p.sleepOrDone(ctx, p.token.PollWait()) {
				return nil
			}
			continue
		}

		// Step 2: admission control.
		available := int32(p.cfg.MaxConcurrent) - int32(p.dispatch.InFlightCount())
		if available <= 0 {
			if !p.sleepOrDone(ctx, 50*time.Millisecond) {
				return nil
			}
			continue
		}
		max := available
		if max > sqsclient.MaxBatchSize {
			max = sqsclient.MaxBatchSize
		}

		// Step 3: Receive.
		msgs, err := p.client.Receive(ctx, p.cfg.QueueURL, max, p.cfg.WaitTimeSeconds, p.cfg.VisibilityTimeoutSeconds)
		if err != nil {
			metrics.PollerReceiveCalls.WithLabelValues(p.cfg.Subscription, "error").Inc()
			// Step 4.
			if p.client.Classify(err) == sqsclient.Fatal {
				log.Error().Err(err).Str("subscription", p.cfg.Subscription).Msg("fatal error from Receive; stopping poller")
				select {
				case p.fatal <- err:
				default:
				}
				return err
			}
			wait := p.backoff.Failure()
			metrics.PollerBackoffSeconds.WithLabelValues(p.cfg.Subscription).Observe(wait.Seconds())
			metrics.BackoffConsecutiveFailures.WithLabelValues(p.cfg.Subscription).Set(float64(p.backoff.Count()))
			log.Warn().Err(err).Dur("backoff", wait).Str("subscription", p.cfg.Subscription).Msg("transient error from Receive; backing off")
			if !p.sleepOrDone(ctx, wait) {
				return nil
			}
			continue
		}
		metrics.PollerReceiveCalls.WithLabelValues(p.cfg.Subscription, "ok").Inc()
		metrics.PollerMessagesReceived.WithLabelValues(p.cfg.Subscription).Add(float64(len(msgs)))
		metrics.PollerAvailableSlots.WithLabelValues(p.cfg.Subscription).Set(float64(available))

		// Step 5/7: empty result is success for backoff purposes.
		if len(msgs) == 0 {
			p.resetBackoff()
			continue
		}

		// Step 6: decode + dispatch, no waiting on handler completion.
		for _, raw := range msgs {
			env, derr := envelope.Decode(envelope.RawSQSMessage{
				MessageID:     raw.MessageID,
				ReceiptHandle: raw.ReceiptHandle,
				Body:          raw.Body,
				GroupID:       raw.GroupID,
				DedupID:       raw.DedupID,
				Attributes:    raw.Attributes,
			})
			if derr != nil {
				p.reporter.Report(manager.FailureDecode, raw.MessageID, "", derr.Error())
				continue
			}
			p.dispatch.Dispatch(ctx, env)
		}

		p.resetBackoff()
	}
}

// resetBackoff resets the failure counter (§4.1 "reset to 0 on
// successful receive") and reflects that in the consecutive-failures
// gauge alongside the increment in the transient-error branch above.
func (p *Poller) resetBackoff() {
	p.backoff.Success()
	metrics.BackoffConsecutiveFailures.WithLabelValues(p.cfg.Subscription).Set(0)
}

// sleepOrDone sleeps for d, returning false if ctx is cancelled first.
func (p *Poller) sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Shutdown drains the dispatcher up to gracePeriod, then stops its
// heartbeater (§4.3 Shutdown). It does not stop Receives itself: the
// caller does that by cancelling the context passed to Run before
// calling Shutdown. ctx is not used.
func Shutdown(ctx context.Context, dispatch manager.Dispatcher, gracePeriod time.Duration) {
	drainCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	dispatch.Drain(drainCtx)
	dispatch.Close()
}
