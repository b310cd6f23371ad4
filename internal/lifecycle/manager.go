// Package lifecycle provides graceful shutdown orchestration: phased
// hooks executed in order, each phase's hooks run in parallel, each hook
// gets its own timeout. Phases are scoped to this pump —
// Poller/Manager/Telemetry/Final — since the only HTTP surface is
// health/metrics, which this pump shuts down as part of its own main().
//
// The manager also owns the pump's fatal-error path (§4.3/§6): a fatal
// SQS or handler exception observed anywhere in the pump calls
// TriggerFatal, which records the error and triggers the same shutdown
// sequence as an operator signal, so "propagate and terminate pump" and
// "the pump exits nonzero on fatal errors" are a single code path rather
// than something each caller has to wire by hand around Shutdown.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ShutdownPhase defines the order of shutdown phases.
type ShutdownPhase int

const (
	// PhasePoller stops issuing new Receive calls.
	PhasePoller ShutdownPhase = iota
	// PhaseManager drains in-flight records up to a grace deadline.
	PhaseManager
	// PhaseTelemetry flushes any buffered spans/metrics.
	PhaseTelemetry
	// PhaseFinal performs any final cleanup.
	PhaseFinal
)

// ShutdownHook is a function called during shutdown.
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager orchestrates graceful shutdown.
type Manager struct {
	mu              sync.Mutex
	hooks           []ShutdownHook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
	fatalErr        error
}

// NewManager creates a new lifecycle manager.
func NewManager() *Manager {
	return &Manager{
		hooks:           make([]ShutdownHook, 0),
		shutdownTimeout: 30 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout sets the overall shutdown timeout.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHook adds a shutdown hook.
func (m *Manager) RegisterHook(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterPollerShutdown registers a poller shutdown hook (stop issuing
// new Receives).
func (m *Manager) RegisterPollerShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhasePoller, Timeout: 10 * time.Second, Shutdown: shutdown})
}

// RegisterManagerShutdown registers a message-manager drain hook.
func (m *Manager) RegisterManagerShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseManager, Timeout: 30 * time.Second, Shutdown: shutdown})
}

// RegisterTelemetryShutdown registers a telemetry flush hook.
func (m *Manager) RegisterTelemetryShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{Name: name, Phase: PhaseTelemetry, Timeout: 5 * time.Second, Shutdown: shutdown})
}

// WaitForSignal blocks until SIGINT or SIGTERM is received, or Shutdown
// is called programmatically.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	}
}

// Shutdown triggers graceful shutdown programmatically.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// TriggerFatal records err as the pump's fatal error and triggers the
// same shutdown sequence as an operator signal (§4.3 "Fatal exceptions
// cancel the pump immediately"). Only the first fatal error is kept.
func (m *Manager) TriggerFatal(err error) {
	m.mu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
	m.mu.Unlock()
	log.Error().Err(err).Msg("Fatal error observed; triggering shutdown")
	m.Shutdown()
}

// FatalErr returns the first error passed to TriggerFatal, or nil if
// shutdown was never triggered by a fatal condition. The caller (§6
// "the pump exits nonzero on fatal errors") uses this to pick an exit
// code after Execute returns.
func (m *Manager) FatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Execute runs the shutdown sequence.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	phaseHooks := make(map[ShutdownPhase][]ShutdownHook)
	for _, hook := range hooks {
		phaseHooks[hook.Phase] = append(phaseHooks[hook.Phase], hook)
	}

	phases := []ShutdownPhase{PhasePoller, PhaseManager, PhaseTelemetry, PhaseFinal}

	for _, phase := range phases {
		if len(phaseHooks[phase]) == 0 {
			continue
		}

		log.Info().Int("phase", int(phase)).Int("hooks", len(phaseHooks[phase])).Msg("Executing shutdown phase")

		var wg sync.WaitGroup
		for _, hook := range phaseHooks[phase] {
			wg.Add(1)
			go func(h ShutdownHook) {
				defer wg.Done()
				m.executeHook(ctx, h)
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("Graceful shutdown completed")
	return nil
}

func (m *Manager) executeHook(parentCtx context.Context, hook ShutdownHook) {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	log.Debug().Str("hook", hook.Name).Dur("timeout", hook.Timeout).Msg("Executing shutdown hook")

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("Shutdown hook failed")
		} else {
			log.Debug().Str("hook", hook.Name).Msg("Shutdown hook completed")
		}
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("Shutdown hook timed out")
	}
}

// Run combines WaitForSignal and Execute for convenience.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
