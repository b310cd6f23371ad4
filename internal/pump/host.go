// Package pump wires one poller per configured subscription to the
// shared lifecycle manager, tying together config, sqsclient, handler,
// manager/fifo, and poller into the running process, generalized to N
// independently-configured subscriptions instead of one.
package pump

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/awsmessaging/pump/internal/config"
	"github.com/awsmessaging/pump/internal/fifo"
	"github.com/awsmessaging/pump/internal/handler"
	"github.com/awsmessaging/pump/internal/health"
	"github.com/awsmessaging/pump/internal/lifecycle"
	"github.com/awsmessaging/pump/internal/manager"
	"github.com/awsmessaging/pump/internal/poller"
	"github.com/awsmessaging/pump/internal/sqsclient"
)

// subscription is one running poller + its dispatcher.
type subscription struct {
	name     string
	poller   *poller.Poller
	dispatch manager.Dispatcher
	cancel   context.CancelFunc
}

// Host owns every subscription's poller and dispatcher, and registers
// their shutdown with a lifecycle.Manager.
type Host struct {
	reporter      *manager.Reporter
	subscriptions []*subscription
	fatal         chan error
}

// New builds a Host from cfg: one manager.Manager or fifo.Serializer per
// subscription (chosen by SubscriptionConfig.FIFO), each paired with its
// own poller.Poller, all sharing a single sqsclient.Client built from
// the given *sqs.Client. Each subscription's handler registry holds its
// SubscriptionConfig.Mappings followed by mappingsBySubscription[name].
func New(cfg *config.Config, sqsAPI *sqs.Client, lc *lifecycle.Manager, mappingsBySubscription map[string][]handler.Mapping) (*Host, error) {
	client := sqsclient.New(sqsAPI)
	reporter := manager.NewReporter()
	h := &Host{reporter: reporter, fatal: make(chan error, len(cfg.Subscriptions))}

	for _, sub := range cfg.Subscriptions {
		mappings := append(append([]handler.Mapping(nil), sub.Mappings...), mappingsBySubscription[sub.Name]...)
		registry, err := handler.NewRegistry(mappings...)
		if err != nil {
			return nil, fmt.Errorf("pump: subscription %q: %w", sub.Name, err)
		}
		invoker := handler.NewInvoker(registry)

		var dispatch manager.Dispatcher
		var fatalCh <-chan error
		if sub.FIFO {
			s, err := fifo.New(client, sub.QueueURL, sub.Manager, invoker, reporter)
			if err != nil {
				return nil, fmt.Errorf("pump: subscription %q: %w", sub.Name, err)
			}
			dispatch, fatalCh = s, s.Fatal()
		} else {
			m, err := manager.New(client, sub.QueueURL, sub.Manager, invoker, reporter)
			if err != nil {
				return nil, fmt.Errorf("pump: subscription %q: %w", sub.Name, err)
			}
			dispatch, fatalCh = m, m.Fatal()
		}

		p, err := poller.New(client, sub.Poller, cfg.ControlToken, cfg.BackoffPolicy, reporter, dispatch)
		if err != nil {
			return nil, fmt.Errorf("pump: subscription %q: %w", sub.Name, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		s := &subscription{name: sub.Name, poller: p, dispatch: dispatch, cancel: cancel}
		h.subscriptions = append(h.subscriptions, s)

		go func(s *subscription, ctx context.Context, fatalCh <-chan error) {
			if err := s.poller.Run(ctx); err != nil {
				log.Error().Err(err).Str("subscription", s.name).Msg("poller stopped due to fatal error")
				select {
				case h.fatal <- err:
				default:
				}
				lc.TriggerFatal(err)
			}
		}(s, ctx, fatalCh)

		go func(s *subscription, fatalCh <-chan error) {
			if err, ok := <-fatalCh; ok && err != nil {
				log.Error().Err(err).Str("subscription", s.name).Msg("dispatcher reported fatal error")
				select {
				case h.fatal <- err:
				default:
				}
				s.cancel()
				lc.TriggerFatal(err)
			}
		}(s, fatalCh)

		lc.RegisterPollerShutdown(sub.Name+"-poller", func(ctx context.Context) error {
			s.cancel()
			return nil
		})
		lc.RegisterManagerShutdown(sub.Name+"-manager", func(ctx context.Context) error {
			s.dispatch.Drain(ctx)
			s.dispatch.Close()
			return nil
		})
	}

	return h, nil
}

// Reporter exposes the shared failure reporter for HTTP surfacing (§7).
func (h *Host) Reporter() *manager.Reporter { return h.reporter }

// Fatal returns a channel receiving the first fatal error observed by
// any subscription (§4.3/§4.2, "propagate and terminate pump").
func (h *Host) Fatal() <-chan error { return h.fatal }

// HealthChecker builds a health.Checker that calls GetQueueAttributes on
// queueURL, suitable for health.NewSQSHealth.
func HealthChecker(sqsAPI *sqs.Client, queueURL string) health.Checker {
	return func(ctx context.Context) error {
		_, err := sqsAPI.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{QueueUrl: &queueURL})
		return err
	}
}
