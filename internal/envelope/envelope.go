// Package envelope decodes a raw SQS message body (CloudEvents v1.0 JSON)
// into an immutable MessageEnvelope carrying both the decoded payload and
// SQS transport metadata. Grounded on the CloudEvents wire format in §6,
// built around typed CloudEvents attributes instead of ad hoc JSON fields.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// SpecVersion is the fixed CloudEvents spec version this decoder accepts.
const SpecVersion = "1.0"

// SQSMetadata carries the transport fields populated from the raw SQS
// message, not from the envelope JSON (§6).
type SQSMetadata struct {
	MessageID     string
	ReceiptHandle string
	GroupID       string
	DeduplicationID string
	Attributes    map[string]string
}

// MessageEnvelope is the immutable, decoded unit of work handed from the
// poller to the message manager (§3).
type MessageEnvelope struct {
	ID                    string
	Source                string
	SpecVersion           string
	MessageTypeIdentifier string
	Timestamp             time.Time
	DataContentType       string
	Data                  json.RawMessage
	Metadata              map[string]json.RawMessage

	SQS SQSMetadata
}

// IsFIFO reports whether this envelope arrived with a message-group-id,
// i.e. was received from a FIFO queue (§4.5).
func (e MessageEnvelope) IsFIFO() bool {
	return e.SQS.GroupID != ""
}

// wireEnvelope is the CloudEvents JSON shape as it appears on the wire.
type wireEnvelope struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Time            string          `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// RawSQSMessage is the minimal shape the decoder needs from a received
// SQS message; the poller fills it from the matching fields of an
// internal/sqsclient.RawMessage.
type RawSQSMessage struct {
	MessageID       string
	ReceiptHandle   string
	Body            string
	GroupID         string
	DedupID         string
	Attributes      map[string]string
}

// Decode parses a raw SQS message body as a CloudEvents v1.0 envelope and
// attaches SQS transport metadata. Decode failures are reported to the
// caller (the poller) as a per-message failure per §7; they never panic.
func Decode(raw RawSQSMessage) (MessageEnvelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal([]byte(raw.Body), &wire); err != nil {
		return MessageEnvelope{}, fmt.Errorf("envelope: unparseable body: %w", err)
	}

	if wire.SpecVersion != SpecVersion {
		return MessageEnvelope{}, fmt.Errorf("envelope: unsupported specversion %q", wire.SpecVersion)
	}
	if wire.ID == "" {
		return MessageEnvelope{}, fmt.Errorf("envelope: missing id")
	}
	if wire.Type == "" {
		return MessageEnvelope{}, fmt.Errorf("envelope: missing type (message-type-identifier)")
	}

	ts, err := time.Parse(time.RFC3339, wire.Time)
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("envelope: invalid time %q: %w", wire.Time, err)
	}

	metadata, err := extractExtensions(raw.Body)
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("envelope: invalid extension attributes: %w", err)
	}

	return MessageEnvelope{
		ID:                    wire.ID,
		Source:                wire.Source,
		SpecVersion:           wire.SpecVersion,
		MessageTypeIdentifier: wire.Type,
		Timestamp:             ts,
		DataContentType:       wire.DataContentType,
		Data:                  wire.Data,
		Metadata:              metadata,
		SQS: SQSMetadata{
			MessageID:       raw.MessageID,
			ReceiptHandle:   raw.ReceiptHandle,
			GroupID:         raw.GroupID,
			DeduplicationID: raw.DedupID,
			Attributes:      raw.Attributes,
		},
	}, nil
}

// knownAttributes are the CloudEvents core attributes that are never
// carried through as free-form extension metadata.
var knownAttributes = map[string]struct{}{
	"id": {}, "source": {}, "specversion": {}, "type": {},
	"time": {}, "datacontenttype": {}, "data": {},
}

func extractExtensions(body string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &all); err != nil {
		return nil, err
	}
	ext := make(map[string]json.RawMessage, len(all))
	for k, v := range all {
		if _, known := knownAttributes[k]; known {
			continue
		}
		ext[k] = v
	}
	return ext, nil
}
