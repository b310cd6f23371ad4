// Package handler implements the subscriber-mapping registry and the
// handler invoker (§4.6). The registry realizes the "polymorphic handlers
// keyed by message-type identifier" redesign note (§9): a table lookup
// from message-type identifier to a tagged {factory} variant, never
// runtime type introspection.
package handler

import (
	"context"
	"fmt"

	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/herrors"
)

// Status is the outcome of a handler invocation (§4.6).
type Status int

const (
	Success Status = iota
	Failed
)

// Handler processes one envelope and returns success or failure. ctx
// carries the pump's shutdown signal cooperatively (§5).
type Handler interface {
	Handle(ctx context.Context, env envelope.MessageEnvelope) (Status, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, env envelope.MessageEnvelope) (Status, error)

func (f HandlerFunc) Handle(ctx context.Context, env envelope.MessageEnvelope) (Status, error) {
	return f(ctx, env)
}

// Factory produces a fresh Handler per invocation, realizing the
// "dependency injection for handlers" redesign note (§9): scoped
// resolution via a closure rather than a container lookup.
type Factory func() (Handler, error)

// Mapping binds a message-type identifier to a handler factory (§3
// SubscriberMapping). Immutable once added to a Registry.
type Mapping struct {
	MessageTypeIdentifier string
	HandlerTypeIdentifier string // used for telemetry tagging, §6
	Factory               Factory
}

// Registry is an immutable-after-build table from message-type
// identifier to Mapping.
type Registry struct {
	mappings map[string]Mapping
}

// NewRegistry builds a Registry from the given mappings. Duplicate
// message-type identifiers are a configuration error (§7), fatal at
// build time.
func NewRegistry(mappings ...Mapping) (*Registry, error) {
	r := &Registry{mappings: make(map[string]Mapping, len(mappings))}
	for _, m := range mappings {
		if m.MessageTypeIdentifier == "" {
			return nil, fmt.Errorf("handler: mapping with empty message-type identifier")
		}
		if m.Factory == nil {
			return nil, fmt.Errorf("handler: mapping %q has a nil factory", m.MessageTypeIdentifier)
		}
		if _, exists := r.mappings[m.MessageTypeIdentifier]; exists {
			return nil, fmt.Errorf("handler: duplicate mapping for message-type %q", m.MessageTypeIdentifier)
		}
		r.mappings[m.MessageTypeIdentifier] = m
	}
	return r, nil
}

// Resolve looks up the mapping for a message-type identifier. A missing
// mapping is a framework-internal fatal condition per §4.2/§4.6: the
// caller must escalate, not silently drop the message.
func (r *Registry) Resolve(messageTypeIdentifier string) (Mapping, error) {
	m, ok := r.mappings[messageTypeIdentifier]
	if !ok {
		return Mapping{}, herrors.NewFatal(fmt.Errorf("handler: no subscriber mapping registered for message-type %q", messageTypeIdentifier))
	}
	return m, nil
}
