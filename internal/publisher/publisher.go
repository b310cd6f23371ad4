// Package publisher gives the external Publish contract referenced by
// §1/§6 a minimal, concrete shape (§6c): serialize a payload into the
// CloudEvents envelope format this pump's decoder consumes, stamp
// telemetry headers, and route to SQS, SNS, or EventBridge depending on
// the resolved PublisherMapping's transport. This is the natural
// counterpart of internal/envelope's decoder — a pump that can receive
// but never emit would be an incomplete framework.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"github.com/awsmessaging/pump/internal/config"
	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/herrors"
	"github.com/awsmessaging/pump/internal/telemetry"
)

// SQSAPI is the narrow SendMessage surface this package depends on.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SNSAPI is the narrow Publish surface this package depends on.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// EventBridgeAPI is the narrow PutEvents surface this package depends on.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// PublishOption customizes a single Publish call, e.g. FIFO routing.
type PublishOption func(*publishOptions)

type publishOptions struct {
	groupID string
	dedupID string
	source  string
}

// WithGroupID sets the SQS message-group-id for a FIFO destination.
func WithGroupID(groupID string) PublishOption {
	return func(o *publishOptions) { o.groupID = groupID }
}

// WithDedupID sets the SQS message-deduplication-id for a FIFO destination.
func WithDedupID(dedupID string) PublishOption {
	return func(o *publishOptions) { o.dedupID = dedupID }
}

// WithSource overrides the CloudEvents source attribute for this call.
func WithSource(source string) PublishOption {
	return func(o *publishOptions) { o.source = source }
}

// Publisher resolves message-type identifiers to destinations and emits
// CloudEvents-wrapped payloads over the mapped transport.
type Publisher struct {
	mappings map[string]config.PublisherMapping
	source   string

	sqsClient SQSAPI
	snsClient SNSAPI
	ebClient  EventBridgeAPI
}

// New builds a Publisher from the configured mappings. defaultSource is
// the CloudEvents source attribute used when a call doesn't override it
// via WithSource (typically internal/envelope.ResolveSource's result).
func New(mappings []config.PublisherMapping, defaultSource string, sqsClient SQSAPI, snsClient SNSAPI, ebClient EventBridgeAPI) (*Publisher, error) {
	byType := make(map[string]config.PublisherMapping, len(mappings))
	for _, m := range mappings {
		if m.MessageTypeIdentifier == "" {
			return nil, fmt.Errorf("publisher: mapping with empty message-type identifier")
		}
		if _, exists := byType[m.MessageTypeIdentifier]; exists {
			return nil, fmt.Errorf("publisher: duplicate mapping for message-type %q", m.MessageTypeIdentifier)
		}
		byType[m.MessageTypeIdentifier] = m
	}
	return &Publisher{mappings: byType, source: defaultSource, sqsClient: sqsClient, snsClient: snsClient, ebClient: ebClient}, nil
}

// Publish serializes payload into a CloudEvents v1.0 envelope and routes
// it to the destination mapped for messageTypeID (§6c).
func (p *Publisher) Publish(ctx context.Context, messageTypeID string, payload any, opts ...PublishOption) error {
	mapping, ok := p.mappings[messageTypeID]
	if !ok {
		return herrors.NewFatal(fmt.Errorf("publisher: no publisher mapping registered for message-type %q", messageTypeID))
	}

	options := publishOptions{source: p.source}
	for _, opt := range opts {
		opt(&options)
	}

	body, err := p.buildEnvelope(ctx, messageTypeID, payload, options)
	if err != nil {
		return fmt.Errorf("publisher: building envelope for %q: %w", messageTypeID, err)
	}

	switch mapping.Transport {
	case config.TransportSQS:
		return p.publishSQS(ctx, mapping.Destination, body, options)
	case config.TransportSNS:
		return p.publishSNS(ctx, mapping.Destination, body)
	case config.TransportEventBridge:
		return p.publishEventBridge(ctx, mapping.Destination, messageTypeID, body)
	default:
		return herrors.NewFatal(fmt.Errorf("publisher: unknown transport %q for message-type %q", mapping.Transport, messageTypeID))
	}
}

type wireEnvelope struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Time            string          `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data"`
	TraceParent     string          `json:"traceparent,omitempty"`
	TraceState      string          `json:"otel.tracestate,omitempty"`
}

func (p *Publisher) buildEnvelope(ctx context.Context, messageTypeID string, payload any, options publishOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	carrier := make(map[string]string)
	telemetry.InjectCarrier(ctx, carrier)

	wire := wireEnvelope{
		ID:              uuid.New().String(),
		Source:          options.source,
		SpecVersion:     envelope.SpecVersion,
		Type:            messageTypeID,
		Time:            time.Now().UTC().Format(time.RFC3339),
		DataContentType: "application/json",
		Data:            data,
		TraceParent:     carrier["traceparent"],
		TraceState:      carrier["otel.tracestate"],
	}

	out, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (p *Publisher) publishSQS(ctx context.Context, queueURL, body string, options publishOptions) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(body),
	}
	if options.groupID != "" {
		input.MessageGroupId = aws.String(options.groupID)
	}
	if options.dedupID != "" {
		input.MessageDeduplicationId = aws.String(options.dedupID)
	}
	_, err := p.sqsClient.SendMessage(ctx, input)
	return err
}

func (p *Publisher) publishSNS(ctx context.Context, topicARN, body string) error {
	_, err := p.snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(body),
	})
	return err
}

func (p *Publisher) publishEventBridge(ctx context.Context, eventBusName, messageTypeID, body string) error {
	_, err := p.ebClient.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{
			{
				EventBusName: aws.String(eventBusName),
				Source:       aws.String("awsmessaging.pump"),
				DetailType:   aws.String(messageTypeID),
				Detail:       aws.String(body),
			},
		},
	})
	return err
}
