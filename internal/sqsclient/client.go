// Package sqsclient wraps the small slice of the SQS API the pump needs:
// batched receive, delete, and change-visibility, plus fatal/transient
// error classification, trimmed to the consumer-side surface this pump
// uses.
package sqsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

// MaxBatchSize is the hard SQS limit on entries per Delete/ChangeVisibility
// batch call and per Receive call (P8).
const MaxBatchSize = 10

// API is the subset of the SQS client surface the pump depends on. It is
// satisfied directly by *sqs.Client and can be faked in tests.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// RawMessage is a single message as returned by Receive.
type RawMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	GroupID       string // MessageGroupId, empty for non-FIFO queues
	DedupID       string // MessageDeduplicationId
	Attributes    map[string]string
	MessageAttrs  map[string]types.MessageAttributeValue
}

// BatchEntry identifies one message within a Delete/ChangeVisibility batch.
type BatchEntry struct {
	ID            string // caller-chosen correlation id, echoed back on failure
	ReceiptHandle string
	NewTimeout    int32 // only used for ChangeVisibilityBatch
}

// EntryFailure reports a single failed entry within a batch response.
type EntryFailure struct {
	ID      string
	Code    string
	Message string
}

// IsReceiptHandleInvalid reports whether this per-entry failure is the
// benign "already deleted/expired" condition that must never be
// error-logged (§4.2, P9).
func (f EntryFailure) IsReceiptHandleInvalid() bool {
	return f.Code == "ReceiptHandleIsInvalid"
}

// Client wraps an SQS API client with the pump's batching/classification
// conventions.
type Client struct {
	api        API
	classifier Classifier
}

// New wraps an existing SQS API client (typically *sqs.Client from
// config.LoadDefaultConfig) with the default error classifier.
func New(api API) *Client {
	return &Client{api: api, classifier: DefaultClassifier{}}
}

// WithClassifier returns a copy of the client using a custom Classifier,
// per §4.2 "Users may override the classifier."
func (c *Client) WithClassifier(cl Classifier) *Client {
	return &Client{api: c.api, classifier: cl}
}

// Classify reports whether err is Fatal or Transient.
func (c *Client) Classify(err error) Severity {
	return c.classifier.Classify(err)
}

// Receive fetches up to max (capped at MaxBatchSize) messages.
func (c *Client) Receive(ctx context.Context, queueURL string, max int32, waitSeconds, visibilitySeconds int32) ([]RawMessage, error) {
	if max > MaxBatchSize {
		max = MaxBatchSize
	}
	if max <= 0 {
		return nil, nil
	}

	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   max,
		WaitTimeSeconds:       waitSeconds,
		VisibilityTimeout:     visibilitySeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameMessageGroupId,
			types.MessageSystemAttributeNameMessageDeduplicationId,
		},
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]RawMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		raw := RawMessage{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			Attributes:    m.Attributes,
			MessageAttrs:  m.MessageAttributes,
		}
		if m.Attributes != nil {
			raw.GroupID = m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)]
			raw.DedupID = m.Attributes[string(types.MessageSystemAttributeNameMessageDeduplicationId)]
		}
		msgs = append(msgs, raw)
	}
	return msgs, nil
}

// DeleteBatch deletes entries in batches of at most MaxBatchSize (P8),
// returning per-entry failures. A batch-level call failure is reported
// as a failure for every entry in that sub-batch.
func (c *Client) DeleteBatch(ctx context.Context, queueURL string, entries []BatchEntry) []EntryFailure {
	var failures []EntryFailure
	for _, chunk := range chunkEntries(entries) {
		batchEntries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, e := range chunk {
			batchEntries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(e.ID),
				ReceiptHandle: aws.String(e.ReceiptHandle),
			}
		}
		out, err := c.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  batchEntries,
		})
		if err != nil {
			log.Warn().Err(err).Str("queue", queueURL).Int("batchSize", len(chunk)).
				Msg("DeleteMessageBatch call failed; reporting every entry as failed")
			for _, e := range chunk {
				failures = append(failures, EntryFailure{ID: e.ID, Code: "BatchCallFailed", Message: err.Error()})
			}
			continue
		}
		for _, f := range out.Failed {
			failures = append(failures, EntryFailure{
				ID:      aws.ToString(f.Id),
				Code:    aws.ToString(f.Code),
				Message: aws.ToString(f.Message),
			})
		}
	}
	return failures
}

// ChangeVisibilityBatch extends visibility for entries in batches of at
// most MaxBatchSize (P8), returning per-entry failures. ReceiptHandleIsInvalid
// failures are logged at trace level by the caller (the heartbeater), never
// here, so this method stays silent on benign failures and only warns on
// outright batch-call failure (the resolved open question in §4.2).
func (c *Client) ChangeVisibilityBatch(ctx context.Context, queueURL string, entries []BatchEntry) []EntryFailure {
	var failures []EntryFailure
	for _, chunk := range chunkEntries(entries) {
		batchEntries := make([]types.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
		for i, e := range chunk {
			batchEntries[i] = types.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(e.ID),
				ReceiptHandle:     aws.String(e.ReceiptHandle),
				VisibilityTimeout: e.NewTimeout,
			}
		}
		out, err := c.api.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  batchEntries,
		})
		if err != nil {
			log.Warn().Err(err).Str("queue", queueURL).Int("batchSize", len(chunk)).
				Msg("ChangeMessageVisibilityBatch call failed; retaining entries for next cycle")
			for _, e := range chunk {
				failures = append(failures, EntryFailure{ID: e.ID, Code: "BatchCallFailed", Message: err.Error()})
			}
			continue
		}
		for _, f := range out.Failed {
			failures = append(failures, EntryFailure{
				ID:      aws.ToString(f.Id),
				Code:    aws.ToString(f.Code),
				Message: aws.ToString(f.Message),
			})
		}
	}
	return failures
}

func chunkEntries(entries []BatchEntry) [][]BatchEntry {
	if len(entries) == 0 {
		return nil
	}
	var chunks [][]BatchEntry
	for len(entries) > 0 {
		n := MaxBatchSize
		if n > len(entries) {
			n = len(entries)
		}
		chunks = append(chunks, entries[:n])
		entries = entries[n:]
	}
	return chunks
}
