package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestStartHandlerSpanAndEndIsSafe(t *testing.T) {
	ctx, span := StartHandlerSpan(context.Background(), MessageAttrs{
		MessageID:             "m-1",
		MessageTypeIdentifier: "order.created",
		HandlerTypeIdentifier: "order-handler",
		SQSMessageID:          "sqs-1",
	})
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestEndIsSafeOnNilHandle(t *testing.T) {
	var h *Handle
	h.End()
	h.RecordError(errors.New("ignored"))
}

func TestInjectAndExtractCarrierRoundTrips(t *testing.T) {
	carrier := make(map[string]string)
	ctx, span := StartHandlerSpan(context.Background(), MessageAttrs{MessageID: "m-1"})
	defer span.End()

	InjectCarrier(ctx, carrier)

	if carrier["traceparent"] == "" {
		t.Fatalf("expected InjectCarrier to populate traceparent, got carrier %v", carrier)
	}

	extracted := ExtractContext(context.Background(), carrier)
	if extracted == nil {
		t.Fatal("expected a non-nil extracted context")
	}
	if got := trace.SpanContextFromContext(extracted); !got.IsValid() {
		t.Fatalf("expected ExtractContext to recover a valid span context from carrier %v", carrier)
	}
}
