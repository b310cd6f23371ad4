package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/awsmessaging/pump/internal/manager"
	"github.com/awsmessaging/pump/internal/poller"
)

func validManagerConfig() manager.Config {
	return manager.Config{
		Subscription:              "orders",
		VisibilityTimeoutSeconds:  30,
		ExtensionThresholdSeconds: 20,
		HeartbeatSeconds:          5,
	}
}

func TestBuildRequiresAtLeastOneSubscription(t *testing.T) {
	_, err := NewBuilder().Build()
	if err == nil {
		t.Fatal("expected error when building with no subscriptions")
	}
}

func TestBuildRejectsInvalidManagerConfig(t *testing.T) {
	_, err := NewBuilder().WithSubscription(SubscriptionConfig{
		Name:     "orders",
		QueueURL: "https://queue.example/orders",
		Manager: manager.Config{
			Subscription:              "orders",
			VisibilityTimeoutSeconds:  0, // invalid
			ExtensionThresholdSeconds: 20,
			HeartbeatSeconds:          5,
		},
	}).Build()
	if err == nil {
		t.Fatal("expected error for invalid visibility-timeout-seconds")
	}
}

func TestBuildSucceedsWithValidSubscription(t *testing.T) {
	cfg, err := NewBuilder().
		WithSourceSuffix("-prod").
		WithSubscription(SubscriptionConfig{
			Name:     "orders",
			QueueURL: "https://queue.example/orders",
			Poller:   poller.DefaultConfig("orders", "https://queue.example/orders"),
			Manager:  validManagerConfig(),
		}).
		WithPublisherMapping(PublisherMapping{
			MessageTypeIdentifier: "order.created",
			Transport:             TransportSNS,
			Destination:           "arn:aws:sns:us-east-1:123456789012:orders",
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.SourceSuffix != "-prod" {
		t.Errorf("SourceSuffix = %q, want -prod", cfg.SourceSuffix)
	}
	if len(cfg.Subscriptions) != 1 || len(cfg.Publishers) != 1 {
		t.Fatalf("unexpected config shape: %+v", cfg)
	}
}

func TestApplyEnvOverridesLogMessageContent(t *testing.T) {
	t.Setenv(logMessageContentEnvVar, "true")
	cfg, err := NewBuilder().
		ApplyEnv().
		WithSubscription(SubscriptionConfig{
			Name:     "orders",
			QueueURL: "https://queue.example/orders",
			Manager:  validManagerConfig(),
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !cfg.LogMessageContent {
		t.Error("expected LogMessageContent to be overridden to true by env var")
	}
}

func TestApplyFileOverridesSourceSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pump.toml")
	if err := os.WriteFile(path, []byte(`source_suffix = "-from-file"`+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := NewBuilder().
		ApplyFile(path).
		WithSubscription(SubscriptionConfig{
			Name:     "orders",
			QueueURL: "https://queue.example/orders",
			Manager:  validManagerConfig(),
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.SourceSuffix != "-from-file" {
		t.Errorf("SourceSuffix = %q, want -from-file", cfg.SourceSuffix)
	}
}
