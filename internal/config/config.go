// Package config builds the pump's immutable configuration surface
// (§6): publisher mappings, subscriber mappings, poller configurations,
// source/suffix, the log-message-content toggle, backoff-policy
// selection, and the polling control token, as a functional-options
// builder since this pump composes several independently-optional config
// blocks rather than one fixed struct. It holds no serialization
// options: envelopes are always encoded as CloudEvents JSON.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/awsmessaging/pump/internal/backoff"
	"github.com/awsmessaging/pump/internal/handler"
	"github.com/awsmessaging/pump/internal/manager"
	"github.com/awsmessaging/pump/internal/poller"
)

// Transport identifies which AWS service a PublisherMapping routes to.
type Transport string

const (
	TransportSQS         Transport = "sqs"
	TransportSNS         Transport = "sns"
	TransportEventBridge Transport = "eventbridge"
)

// PublisherMapping binds a message-type identifier to a publish
// destination (§6c).
type PublisherMapping struct {
	MessageTypeIdentifier string
	Transport             Transport
	Destination           string // queue URL, topic ARN, or event bus name
}

// SubscriptionConfig is one subscription's full configuration: its
// poller settings, its manager/heartbeat settings, whether its queue is
// FIFO, and the handler mappings it dispatches to.
type SubscriptionConfig struct {
	Name     string
	QueueURL string
	FIFO     bool

	Poller  poller.Config
	Manager manager.Config

	Mappings []handler.Mapping
}

// Config is the pump's fully-built, immutable configuration.
type Config struct {
	SourceSuffix      string
	LogMessageContent bool
	BackoffPolicy     backoff.Policy
	ControlToken      *poller.ControlToken

	Subscriptions []SubscriptionConfig
	Publishers    []PublisherMapping
}

// logMessageContentEnvVar overrides the log-message-content flag at
// build time (§6).
const logMessageContentEnvVar = "AWSMESSAGING_LOGMESSAGECONTENT"

// Builder composes a Config via chained With* calls, building an
// immutable config that fails fast on invalid input.
type Builder struct {
	cfg Config
	err error
}

func NewBuilder() *Builder {
	return &Builder{
		cfg: Config{
			BackoffPolicy: backoff.CappedExponential{},
			ControlToken:  poller.NewControlToken(true, 0),
		},
	}
}

func (b *Builder) WithSourceSuffix(suffix string) *Builder {
	b.cfg.SourceSuffix = suffix
	return b
}

func (b *Builder) WithLogMessageContent(enabled bool) *Builder {
	b.cfg.LogMessageContent = enabled
	return b
}

func (b *Builder) WithBackoffPolicy(policy backoff.Policy) *Builder {
	b.cfg.BackoffPolicy = policy
	return b
}

func (b *Builder) WithControlToken(token *poller.ControlToken) *Builder {
	b.cfg.ControlToken = token
	return b
}

func (b *Builder) WithSubscription(sub SubscriptionConfig) *Builder {
	if b.err != nil {
		return b
	}
	if sub.Name == "" {
		b.err = fmt.Errorf("config: subscription with empty name")
		return b
	}
	if err := sub.Manager.Validate(); err != nil {
		b.err = fmt.Errorf("config: subscription %q: %w", sub.Name, err)
		return b
	}
	b.cfg.Subscriptions = append(b.cfg.Subscriptions, sub)
	return b
}

func (b *Builder) WithPublisherMapping(m PublisherMapping) *Builder {
	if b.err != nil {
		return b
	}
	if m.MessageTypeIdentifier == "" {
		b.err = fmt.Errorf("config: publisher mapping with empty message-type identifier")
		return b
	}
	b.cfg.Publishers = append(b.cfg.Publishers, m)
	return b
}

// ApplyEnv applies environment-variable overrides (§6:
// AWSMESSAGING_LOGMESSAGECONTENT). Call before Build.
func (b *Builder) ApplyEnv() *Builder {
	if v, ok := os.LookupEnv(logMessageContentEnvVar); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			b.cfg.LogMessageContent = parsed
		}
	}
	return b
}

// fileOverrides is the optional TOML shape for operators who prefer
// file-based config over raw env vars (§6).
type fileOverrides struct {
	LogMessageContent *bool   `toml:"log_message_content"`
	SourceSuffix      *string `toml:"source_suffix"`
}

// ApplyFile layers a TOML file's overrides onto the builder. Missing
// fields in the file leave the existing value untouched.
func (b *Builder) ApplyFile(path string) *Builder {
	if b.err != nil {
		return b
	}
	var overrides fileOverrides
	if _, err := toml.DecodeFile(path, &overrides); err != nil {
		b.err = fmt.Errorf("config: reading %s: %w", path, err)
		return b
	}
	if overrides.LogMessageContent != nil {
		b.cfg.LogMessageContent = *overrides.LogMessageContent
	}
	if overrides.SourceSuffix != nil {
		b.cfg.SourceSuffix = *overrides.SourceSuffix
	}
	return b
}

// Build validates and returns the final immutable Config.
func (b *Builder) Build() (*Config, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.cfg.Subscriptions) == 0 {
		return nil, fmt.Errorf("config: at least one subscription is required")
	}
	cfg := b.cfg
	return &cfg, nil
}
