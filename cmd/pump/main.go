// AWS Messaging Pump
//
// Standalone SQS consumer binary: polls configured subscriptions,
// dispatches to registered handlers with bounded concurrency, preserves
// FIFO group ordering where configured, and exposes health/metrics over
// HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/awsmessaging/pump/internal/config"
	"github.com/awsmessaging/pump/internal/envelope"
	"github.com/awsmessaging/pump/internal/handler"
	"github.com/awsmessaging/pump/internal/health"
	"github.com/awsmessaging/pump/internal/lifecycle"
	"github.com/awsmessaging/pump/internal/manager"
	"github.com/awsmessaging/pump/internal/poller"
	"github.com/awsmessaging/pump/internal/pump"
	"github.com/awsmessaging/pump/internal/telemetry"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("AWSMESSAGING_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting AWS messaging pump",
		"version", version,
		"build_time", buildTime,
		"component", "pump")

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("Failed to load AWS config", "error", err)
		os.Exit(1)
	}
	sqsAPI := sqs.NewFromConfig(awsCfg)

	queueURL := os.Getenv("AWSMESSAGING_QUEUE_URL")
	if queueURL == "" {
		slog.Error("AWSMESSAGING_QUEUE_URL is required")
		os.Exit(1)
	}

	subscriptionName := envOr("AWSMESSAGING_SUBSCRIPTION", "default")
	source := envelope.ResolveSource(ctx, envOr("AWSMESSAGING_SOURCE_SUFFIX", ""))

	cfg, err := config.NewBuilder().
		ApplyEnv().
		WithSourceSuffix(source).
		WithSubscription(config.SubscriptionConfig{
			Name:     subscriptionName,
			QueueURL: queueURL,
			FIFO:     isFIFOQueue(queueURL),
			Poller:   poller.DefaultConfig(subscriptionName, queueURL),
			Manager: manager.Config{
				Subscription:              subscriptionName,
				VisibilityTimeoutSeconds:  30,
				ExtensionThresholdSeconds: 5,
				HeartbeatSeconds:          1,
			},
		}).
		Build()
	if err != nil {
		slog.Error("Failed to build configuration", "error", err)
		os.Exit(1)
	}

	// Handler registration is the operator's responsibility in a real
	// deployment; here a single echo mapping logs and succeeds for the
	// configured default message-type, giving the pump something
	// runnable out of the box.
	defaultMessageType := envOr("AWSMESSAGING_DEFAULT_MESSAGE_TYPE", "echo")
	mappingsBySubscription := map[string][]handler.Mapping{
		subscriptionName: {
			{
				MessageTypeIdentifier: defaultMessageType,
				HandlerTypeIdentifier: "echo",
				Factory:               func() (handler.Handler, error) { return echoHandler{}, nil },
			},
		},
	}

	lc := lifecycle.NewManager()
	lc.SetShutdownTimeout(30 * time.Second)

	host, err := pump.New(cfg, sqsAPI, lc, mappingsBySubscription)
	if err != nil {
		slog.Error("Failed to build pump host", "error", err)
		os.Exit(1)
	}

	sqsHealth := health.NewSQSHealth(pump.HealthChecker(sqsAPI, queueURL))
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		sqsHealth.Check(ctx)
		for range ticker.C {
			sqsHealth.Check(ctx)
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if !sqsHealth.IsAvailable() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Get("/failures", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(host.Reporter().All())
	})
	r.Handle("/metrics", promhttp.Handler())

	httpPort := envOr("AWSMESSAGING_HTTP_PORT", "8080")
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", httpPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "port", httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	lc.RegisterHook(lifecycle.ShutdownHook{
		Name:    "http-server",
		Phase:   lifecycle.PhaseFinal,
		Timeout: 10 * time.Second,
		Shutdown: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	lc.RegisterTelemetryShutdown("otel-tracer-provider", telemetry.Shutdown)

	// pump.New already wires each subscription's poller/dispatcher fatal
	// channel into lc.TriggerFatal, so a fatal error anywhere in the pump
	// drives the same shutdown sequence as an operator signal; host.Fatal()
	// remains available for callers that want to observe it directly.
	lc.WaitForSignal()
	if err := lc.Execute(); err != nil {
		slog.Error("Graceful shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}

	if err := lc.FatalErr(); err != nil {
		slog.Error("AWS messaging pump stopped due to a fatal error", "error", err)
		os.Exit(1)
	}

	slog.Info("AWS messaging pump stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func isFIFOQueue(queueURL string) bool {
	return len(queueURL) > 5 && queueURL[len(queueURL)-5:] == ".fifo"
}

// echoHandler is the pump's out-of-the-box default: it logs every
// message and reports success, so a freshly deployed pump with no
// handler registrations is still observable rather than silently
// discarding everything.
type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, env envelope.MessageEnvelope) (handler.Status, error) {
	slog.Info("Received message", "id", env.ID, "type", env.MessageTypeIdentifier, "source", env.Source)
	return handler.Success, nil
}
