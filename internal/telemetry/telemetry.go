// Package telemetry implements the "composite disposable telemetry trace"
// redesign note (§9): a span handle acquired under scoped-acquisition
// discipline so End() runs on every exit path, including a recovered
// panic, built directly on go.opentelemetry.io/otel/trace since §6's
// telemetry contract requires real spans rather than a log-only stand-in.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// SpanName is the fixed name for every handler-invocation span (§6).
const SpanName = "Processing message"

// TracerName identifies this pump's tracer in the global otel provider.
const TracerName = "github.com/awsmessaging/pump"

// provider is the pump's process-wide TracerProvider, kept so Shutdown
// can stop it during the lifecycle manager's Telemetry phase.
var provider *sdktrace.TracerProvider

func init() {
	// The default global TracerProvider is a no-op whose spans carry an
	// invalid SpanContext, which a W3C propagator silently refuses to
	// write (it checks SpanContext.IsValid() before emitting traceparent).
	// Install a real, always-sampling provider so spans are valid and
	// actually propagate; exporting those spans to a backend is the
	// external telemetry collaborator's job (§1), not this package's.
	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	// The global default propagator is itself a no-op; install W3C
	// trace-context (+baggage) so InjectCarrier/ExtractContext below
	// actually read and write "traceparent"/"otel.tracestate" per §6.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Shutdown stops the pump's TracerProvider, flushing any buffered spans
// to their exporter (none is configured by default; see package docs)
// and rejecting further span starts. Registered as the pump's Telemetry
// shutdown-phase hook.
func Shutdown(ctx context.Context) error {
	return provider.Shutdown(ctx)
}

// MessageAttrs describes a single in-flight message for span tagging.
type MessageAttrs struct {
	MessageID             string
	MessageTypeIdentifier string
	HandlerTypeIdentifier string
	SQSMessageID          string
}

// Handle is a disposable span acquired for one handler invocation.
type Handle struct {
	span trace.Span
}

// StartHandlerSpan starts a span named SpanName carrying the attributes
// §6 requires, continuing any parent trace context carried on the
// envelope's traceparent/tracestate metadata (resolved by the caller
// via ExtractContext).
func StartHandlerSpan(ctx context.Context, attrs MessageAttrs) (context.Context, *Handle) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, SpanName, trace.WithAttributes(
		attribute.String("message.id", attrs.MessageID),
		attribute.String("message.type", attrs.MessageTypeIdentifier),
		attribute.String("handler.type", attrs.HandlerTypeIdentifier),
		attribute.String("sqs.message_id", attrs.SQSMessageID),
	))
	return ctx, &Handle{span: span}
}

// RecordError records err on the span and marks it as errored, without
// ending the span (the handler may still choose to retry locally).
func (h *Handle) RecordError(err error) {
	if h == nil || err == nil {
		return
	}
	h.span.RecordError(err)
	h.span.SetStatus(codes.Error, err.Error())
}

// End closes the span. Safe to call via defer immediately after
// StartHandlerSpan, and safe on a nil handle.
func (h *Handle) End() {
	if h == nil {
		return
	}
	h.span.End()
}

// InjectCarrier writes the current span's W3C trace context into a
// metadata map under "traceparent" and "otel.tracestate", per §6,
// so a publisher can carry it across process boundaries.
func InjectCarrier(ctx context.Context, metadata map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, mapCarrier(metadata))
}

// ExtractContext reads "traceparent"/"otel.tracestate" from envelope
// metadata (if present) and returns a context carrying the parent span,
// so cross-process continuation (§6) works for messages published by
// this framework's own publisher.
func ExtractContext(ctx context.Context, metadata map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, mapCarrier(metadata))
}

// mapCarrier adapts a plain map[string]string to otel's TextMapCarrier.
// The W3C "tracestate" header is stored under the envelope metadata key
// "otel.tracestate" (§6); every other key is stored as-is.
type mapCarrier map[string]string

func (c mapCarrier) Get(key string) string { return c[metadataKey(key)] }
func (c mapCarrier) Set(key, value string) { c[metadataKey(key)] = value }

func metadataKey(key string) string {
	if key == "tracestate" {
		return "otel.tracestate"
	}
	return key
}
func (c mapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
