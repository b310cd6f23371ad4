package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/herrors"
	"github.com/awsmessaging/pump/internal/telemetry"
)

// Invoker runs the 4-step handler-invocation algorithm of §4.6.
type Invoker struct {
	registry *Registry
}

func NewInvoker(registry *Registry) *Invoker {
	return &Invoker{registry: registry}
}

// Invoke resolves the handler for env's message-type identifier, starts a
// telemetry span, invokes the handler, and normalizes the outcome. A
// panic inside the handler is recovered and treated as a Failed
// invocation (unless it carries a herrors.Fatal, in which case it is
// rethrown as fatal) so one bad handler never takes down the poller.
func (iv *Invoker) Invoke(ctx context.Context, env envelope.MessageEnvelope) (status Status, err error) {
	mapping, err := iv.registry.Resolve(env.MessageTypeIdentifier)
	if err != nil {
		return Failed, err // always herrors.Fatal from Resolve
	}

	h, err := mapping.Factory()
	if err != nil {
		return Failed, herrors.NewFatal(fmt.Errorf("handler: factory for %q failed: %w", env.MessageTypeIdentifier, err))
	}

	spanCtx := telemetry.ExtractContext(ctx, stringMetadata(env))
	spanCtx, span := telemetry.StartHandlerSpan(spanCtx, telemetry.MessageAttrs{
		MessageID:             env.ID,
		MessageTypeIdentifier: env.MessageTypeIdentifier,
		HandlerTypeIdentifier: mapping.HandlerTypeIdentifier,
		SQSMessageID:          env.SQS.MessageID,
	})
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			recovered := normalizePanic(r)
			if herrors.IsFatal(recovered) {
				span.RecordError(recovered)
				panic(recovered)
			}
			span.RecordError(recovered)
			status, err = Failed, &ThrownError{Cause: recovered}
		}
	}()

	status, err = h.Handle(spanCtx, env)
	if err != nil {
		// Fatal or not, the outcome here is the same: record the error on
		// the span and report Failed. herrors.IsFatal is what the caller
		// (manager/fifo) checks to decide whether to also stop the pump.
		span.RecordError(err)
		return Failed, err
	}
	return status, nil
}

// ThrownError marks a Failed outcome that came from a recovered handler
// panic (§7 "Handler threw") rather than a handler-returned Failed
// status (§7 "Handler returned failed"), so callers can distinguish the
// two when reporting a failure kind. Error() and Unwrap() delegate to
// Cause so logged messages are the handler's own, unwrapped from this
// marker, per §4.6's "unwraps reflection-like wrapping exceptions".
type ThrownError struct {
	Cause error
}

func (t *ThrownError) Error() string { return t.Cause.Error() }
func (t *ThrownError) Unwrap() error { return t.Cause }

// IsThrown reports whether err (or anything it wraps) is a ThrownError.
func IsThrown(err error) bool {
	var t *ThrownError
	return errors.As(err, &t)
}

func normalizePanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("handler: panic: %v", r)
}

func stringMetadata(env envelope.MessageEnvelope) map[string]string {
	out := make(map[string]string, 2)
	if v, ok := env.Metadata["traceparent"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out["traceparent"] = s
		}
	}
	if v, ok := env.Metadata["otel.tracestate"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out["otel.tracestate"] = s
		}
	}
	return out
}
