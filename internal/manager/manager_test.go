package manager

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/handler"
	"github.com/awsmessaging/pump/internal/sqsclient"
)

// fakeAPI is a minimal sqsclient.API fake, local to this package's tests
// (mirrors the shape of internal/sqsclient's own fakeAPI).
type fakeAPI struct {
	mu              sync.Mutex
	deleteCalls     int
	visibilityCalls int
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeAPI) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	f.mu.Lock()
	f.visibilityCalls++
	f.mu.Unlock()
	return &sqs.ChangeMessageVisibilityBatchOutput{}, nil
}

func testEnvelope(id, messageType string) envelope.MessageEnvelope {
	return envelope.MessageEnvelope{
		ID:                    id,
		MessageTypeIdentifier: messageType,
		Timestamp:             time.Now(),
		Data:                  json.RawMessage(`{}`),
		SQS: envelope.SQSMetadata{
			MessageID:     id,
			ReceiptHandle: "rh-" + id,
		},
	}
}

func newTestManager(t *testing.T, cfg Config, mappings ...handler.Mapping) (*Manager, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	client := sqsclient.New(api)
	registry, err := handler.NewRegistry(mappings...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	invoker := handler.NewInvoker(registry)
	m, err := New(client, "https://queue.example/q", cfg, invoker, NewReporter())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, api
}

func defaultConfig() Config {
	return Config{
		Subscription:              "test",
		VisibilityTimeoutSeconds:  30,
		ExtensionThresholdSeconds: 20,
		HeartbeatSeconds:          5,
	}
}

// Scenario 1: single message, handler succeeds -> deleted, untracked.
func TestDispatchSuccessDeletesAndUntracks(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, env envelope.MessageEnvelope) (handler.Status, error) {
		return handler.Success, nil
	})
	m, api := newTestManager(t, defaultConfig(), handler.Mapping{
		MessageTypeIdentifier: "order.created",
		HandlerTypeIdentifier: "order-handler",
		Factory:               func() (handler.Handler, error) { return h, nil },
	})
	defer m.Close()

	m.Dispatch(context.Background(), testEnvelope("m1", "order.created"))

	waitForCount(t, m, 0)
	if api.deleteCalls == 0 {
		t.Error("expected DeleteMessageBatch to be called on success")
	}
}

// Scenario 2: single message, handler fails -> released, not deleted.
func TestDispatchFailureReleasesWithoutDelete(t *testing.T) {
	h := handler.HandlerFunc(func(ctx context.Context, env envelope.MessageEnvelope) (handler.Status, error) {
		return handler.Failed, nil
	})
	m, api := newTestManager(t, defaultConfig(), handler.Mapping{
		MessageTypeIdentifier: "order.created",
		HandlerTypeIdentifier: "order-handler",
		Factory:               func() (handler.Handler, error) { return h, nil },
	})
	defer m.Close()

	m.Dispatch(context.Background(), testEnvelope("m2", "order.created"))

	waitForCount(t, m, 0)
	if api.deleteCalls != 0 {
		t.Errorf("expected no DeleteMessageBatch calls on failure, got %d", api.deleteCalls)
	}
}

// Scenario 3: visibility extension fires while a slow handler is in flight.
func TestHeartbeatExtendsVisibilityForSlowHandler(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := handler.HandlerFunc(func(ctx context.Context, env envelope.MessageEnvelope) (handler.Status, error) {
		close(started)
		<-release
		return handler.Success, nil
	})
	cfg := Config{
		Subscription:              "test",
		VisibilityTimeoutSeconds:  3,
		ExtensionThresholdSeconds: 2,
		HeartbeatSeconds:          1,
	}
	// Validate requires heartbeat < threshold < timeout in whole seconds, so
	// 1 < 2 < 3 is the smallest valid setting. The record expires 3s after
	// dispatch, which is within the 2s threshold at the first 1s tick.
	m, api := newTestManager(t, cfg, handler.Mapping{
		MessageTypeIdentifier: "order.created",
		HandlerTypeIdentifier: "order-handler",
		Factory:               func() (handler.Handler, error) { return h, nil },
	})
	defer m.Close()

	m.Dispatch(context.Background(), testEnvelope("m3", "order.created"))
	<-started

	deadline := time.After(3 * time.Second)
	for {
		api.mu.Lock()
		calls := api.visibilityCalls
		api.mu.Unlock()
		if calls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected at least one ChangeMessageVisibilityBatch call before handler completion")
		case <-time.After(50 * time.Millisecond):
		}
	}
	close(release)
	waitForCount(t, m, 0)
}

// Scenario 5: each dispatched message runs on its own goroutine, independent
// of the others (concurrency cap is enforced by the poller's admission
// control, not by the manager itself).
func TestDispatchRunsIndependently(t *testing.T) {
	var concurrent atomic.Int64
	var maxSeen atomic.Int64
	release := make(chan struct{})

	h := handler.HandlerFunc(func(ctx context.Context, env envelope.MessageEnvelope) (handler.Status, error) {
		n := concurrent.Add(1)
		for {
			old := maxSeen.Load()
			if n <= old || maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return handler.Success, nil
	})

	m, _ := newTestManager(t, defaultConfig(), handler.Mapping{
		MessageTypeIdentifier: "order.created",
		HandlerTypeIdentifier: "order-handler",
		Factory:               func() (handler.Handler, error) { return h, nil },
	})
	defer m.Close()

	const n = 5
	for i := 0; i < n; i++ {
		m.Dispatch(context.Background(), testEnvelope(idOf(i), "order.created"))
	}

	deadline := time.After(2 * time.Second)
	for {
		if maxSeen.Load() == n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d concurrent handler invocations, saw at most %d", n, maxSeen.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	close(release)
	waitForCount(t, m, 0)
}

func idOf(i int) string {
	return "m" + string(rune('a'+i))
}

func waitForCount(t *testing.T, m *Manager, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.InFlightCount() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for in-flight count %d, last seen %d", want, m.InFlightCount())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
