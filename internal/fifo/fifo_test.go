package fifo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/handler"
	"github.com/awsmessaging/pump/internal/manager"
	"github.com/awsmessaging/pump/internal/sqsclient"
)

type fakeAPI struct {
	mu          sync.Mutex
	deletedIDs  []string
	deleteOut   *sqs.DeleteMessageBatchOutput
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeAPI) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range params.Entries {
		f.deletedIDs = append(f.deletedIDs, *e.Id)
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	return &sqs.ChangeMessageVisibilityBatchOutput{}, nil
}

func (f *fakeAPI) wasDeleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deletedIDs {
		if d == id {
			return true
		}
	}
	return false
}

func groupEnvelope(id, groupID string) envelope.MessageEnvelope {
	return envelope.MessageEnvelope{
		ID:                    id,
		MessageTypeIdentifier: "order.created",
		Timestamp:             time.Now(),
		Data:                  json.RawMessage(`{}`),
		SQS: envelope.SQSMetadata{
			MessageID:     id,
			ReceiptHandle: "rh-" + id,
			GroupID:       groupID,
		},
	}
}

// Scenario 4: single group A receives 1..5 in order; message 3 fails.
// Handler called for 1,2,3; not for 4,5; 3,4,5 never deleted.
func TestFIFOGroupSkipsAfterFailure(t *testing.T) {
	var mu sync.Mutex
	var invoked []string

	h := handler.HandlerFunc(func(ctx context.Context, env envelope.MessageEnvelope) (handler.Status, error) {
		mu.Lock()
		invoked = append(invoked, env.ID)
		mu.Unlock()
		if env.ID == "3" {
			return handler.Failed, nil
		}
		return handler.Success, nil
	})
	registry, err := handler.NewRegistry(handler.Mapping{
		MessageTypeIdentifier: "order.created",
		HandlerTypeIdentifier: "order-handler",
		Factory:               func() (handler.Handler, error) { return h, nil },
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	invoker := handler.NewInvoker(registry)

	api := &fakeAPI{}
	client := sqsclient.New(api)
	cfg := manager.Config{
		Subscription:              "test",
		VisibilityTimeoutSeconds:  30,
		ExtensionThresholdSeconds: 20,
		HeartbeatSeconds:          5,
	}
	reporter := manager.NewReporter()
	s, err := New(client, "https://queue.example/q.fifo", cfg, invoker, reporter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		s.Dispatch(ctx, groupEnvelope(id, "A"))
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(invoked)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 3 invocations, got %d: %v", n, invoked)
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Give the worker time to drain the rest (skip path, no handler calls).
	waitForGroupsIdle(t, s)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"1", "2", "3"}
	if len(invoked) != len(want) {
		t.Fatalf("invoked = %v, want exactly %v", invoked, want)
	}
	for i, id := range want {
		if invoked[i] != id {
			t.Errorf("invoked[%d] = %q, want %q", i, invoked[i], id)
		}
	}

	if !api.wasDeleted("1") || !api.wasDeleted("2") {
		t.Error("messages 1 and 2 should have been deleted (succeeded)")
	}
	for _, id := range []string{"3", "4", "5"} {
		if api.wasDeleted(id) {
			t.Errorf("message %s should never be deleted", id)
		}
	}

	reports := reporter.All()
	reportedIDs := map[string]manager.FailureKind{}
	for _, r := range reports {
		reportedIDs[r.MessageID] = r.Kind
	}
	if reportedIDs["3"] != manager.FailureHandlerFailed {
		t.Errorf("message 3 should be reported as handler failure, got %v", reportedIDs["3"])
	}
	for _, id := range []string{"4", "5"} {
		if reportedIDs[id] != manager.FailureFIFOSkipped {
			t.Errorf("message %s should be reported as fifo_skipped, got %v", id, reportedIDs[id])
		}
	}
}

// Distinct groups process concurrently (§4.5 inter-group parallelism).
func TestFIFODistinctGroupsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	seen := map[string]bool{}

	h := handler.HandlerFunc(func(ctx context.Context, env envelope.MessageEnvelope) (handler.Status, error) {
		mu.Lock()
		seen[env.SQS.GroupID] = true
		n := len(seen)
		mu.Unlock()
		if n < 2 {
			<-release
		}
		return handler.Success, nil
	})
	registry, _ := handler.NewRegistry(handler.Mapping{
		MessageTypeIdentifier: "order.created",
		HandlerTypeIdentifier: "order-handler",
		Factory:               func() (handler.Handler, error) { return h, nil },
	})
	invoker := handler.NewInvoker(registry)
	api := &fakeAPI{}
	client := sqsclient.New(api)
	cfg := manager.Config{Subscription: "test", VisibilityTimeoutSeconds: 30, ExtensionThresholdSeconds: 20, HeartbeatSeconds: 5}
	s, err := New(client, "https://queue.example/q.fifo", cfg, invoker, manager.NewReporter())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	s.Dispatch(ctx, groupEnvelope("a1", "A"))
	s.Dispatch(ctx, groupEnvelope("b1", "B"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected both groups A and B to start concurrently")
		case <-time.After(20 * time.Millisecond):
		}
	}
	close(release)
	waitForGroupsIdle(t, s)
}

func waitForGroupsIdle(t *testing.T, s *Serializer) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.InFlightCount() == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for groups to idle, still %d active", s.InFlightCount())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestLambdaReporterRecordsGroupTail(t *testing.T) {
	r := NewLambdaReporter()
	reportLambdaGroupFailure(r, "3", "4", "5")
	failures := r.BatchItemFailures()
	if len(failures) != 3 {
		t.Fatalf("got %d batch item failures, want 3", len(failures))
	}
	ids := map[string]bool{}
	for _, f := range failures {
		ids[f.MessageID] = true
	}
	for _, id := range []string{"3", "4", "5"} {
		if !ids[id] {
			t.Errorf("expected batch item failure for %q", id)
		}
	}
}
