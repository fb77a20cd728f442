package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/channels/matrix"
	"github.com/roelfdiedericks/sigcourier/internal/channels/signalrest"
	"github.com/roelfdiedericks/sigcourier/internal/channels/types"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// ManagedChannel is re-exported from types for convenience
type ManagedChannel = types.ManagedChannel

// ChannelStatus is re-exported from types for convenience
type ChannelStatus = types.ChannelStatus

// Manager owns the lifecycle of both transports: the Matrix client (primary)
// and the signal-cli REST client (fallback). The Matrix channel is required;
// the Signal channel is optional and may be disabled in config.
type Manager struct {
	channels map[string]ManagedChannel
	mu       sync.RWMutex

	// Inbound Matrix room messages are handed to this callback (the bot
	// command dispatcher). Must be set before StartAll.
	msgHandler func(types.Message)

	// Matrix-specific: client instance and retry state
	matrixClient   *matrix.Client
	matrixRetrying bool
	matrixCancel   context.CancelFunc

	// Signal-specific: client instance and retry state
	signalClient   *signalrest.Client
	signalRetrying bool
	signalCancel   context.CancelFunc

	// Context for channel operations
	ctx context.Context
}

// NewManager creates a new channel manager
func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]ManagedChannel),
	}
}

// SetMessageHandler registers the sink for inbound room messages. Call it
// before StartAll; messages seen while no handler is set are dropped.
func (m *Manager) SetMessageHandler(fn func(types.Message)) {
	m.mu.Lock()
	m.msgHandler = fn
	m.mu.Unlock()
}

// StartAll starts all enabled transports from config
func (m *Manager) StartAll(ctx context.Context, cfg *config.Config) error {
	m.ctx = ctx

	// Matrix is the primary transport and always starts
	if err := m.startMatrix(ctx, &cfg.Matrix); err != nil {
		L_warn("matrix: initial start failed, will retry in background", "error", err)
		m.startMatrixRetry(ctx, &cfg.Matrix)
	}

	// Start Signal if enabled and configured
	if cfg.Signal.IsEnabled() && cfg.Signal.BaseURL != "" {
		if err := m.startSignal(ctx, &cfg.Signal); err != nil {
			L_warn("signal: initial start failed, will retry in background", "error", err)
			m.startSignalRetry(ctx, &cfg.Signal)
		}
	} else {
		L_info("signal: disabled by configuration")
	}

	// Subscribe to config reload events
	m.subscribeConfigEvents()

	return nil
}

// startMatrix creates and starts the Matrix client
func (m *Manager) startMatrix(ctx context.Context, cfg *config.MatrixConfig) error {
	cli, err := matrix.New(cfg)
	if err != nil {
		return err
	}

	m.mu.RLock()
	handler := m.msgHandler
	m.mu.RUnlock()
	if handler != nil {
		cli.OnMessage(handler)
	}

	if err := cli.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.matrixClient = cli
	m.channels["matrix"] = cli
	m.mu.Unlock()

	bus.PublishEvent("channels.matrix.started", nil)

	L_info("matrix: channel ready and listening")
	return nil
}

// startMatrixRetry starts background retry for the Matrix connection
func (m *Manager) startMatrixRetry(ctx context.Context, cfg *config.MatrixConfig) {
	m.mu.Lock()
	if m.matrixRetrying {
		m.mu.Unlock()
		return
	}
	m.matrixRetrying = true
	retryCtx, cancel := context.WithCancel(ctx)
	m.matrixCancel = cancel
	m.mu.Unlock()

	go func() {
		backoff := 5 * time.Second
		maxBackoff := 5 * time.Minute
		attempt := 1

		for {
			select {
			case <-retryCtx.Done():
				L_info("matrix: shutdown requested, stopping retry")
				return
			case <-time.After(backoff):
			}

			L_info("matrix: retrying connection", "attempt", attempt, "backoff", backoff)

			if err := m.startMatrix(retryCtx, cfg); err != nil {
				L_warn("matrix: connection failed", "error", err, "nextRetry", backoff)
				attempt++
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			// Success
			m.mu.Lock()
			m.matrixRetrying = false
			m.mu.Unlock()
			L_info("matrix: channel ready after retry", "attempts", attempt)
			return
		}
	}()
}

// startSignal creates and starts the signal-cli REST client
func (m *Manager) startSignal(ctx context.Context, cfg *config.SignalConfig) error {
	cli, err := signalrest.New(cfg)
	if err != nil {
		return err
	}

	if err := cli.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.signalClient = cli
	m.channels["signal"] = cli
	m.mu.Unlock()

	bus.PublishEvent("channels.signal.started", nil)

	L_info("signal: channel ready")
	return nil
}

// startSignalRetry starts background retry for the Signal gateway
func (m *Manager) startSignalRetry(ctx context.Context, cfg *config.SignalConfig) {
	m.mu.Lock()
	if m.signalRetrying {
		m.mu.Unlock()
		return
	}
	m.signalRetrying = true
	retryCtx, cancel := context.WithCancel(ctx)
	m.signalCancel = cancel
	m.mu.Unlock()

	go func() {
		backoff := 5 * time.Second
		maxBackoff := 5 * time.Minute
		attempt := 1

		for {
			select {
			case <-retryCtx.Done():
				L_info("signal: shutdown requested, stopping retry")
				return
			case <-time.After(backoff):
			}

			L_info("signal: retrying gateway", "attempt", attempt, "backoff", backoff)

			if err := m.startSignal(retryCtx, cfg); err != nil {
				L_warn("signal: gateway unreachable", "error", err, "nextRetry", backoff)
				attempt++
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			m.mu.Lock()
			m.signalRetrying = false
			m.mu.Unlock()
			L_info("signal: channel ready after retry", "attempts", attempt)
			return
		}
	}()
}

// subscribeConfigEvents sets up handlers for config.applied events
func (m *Manager) subscribeConfigEvents() {
	// Matrix config reload
	bus.SubscribeEvent("config.matrix.applied", func(event bus.Event) {
		cfg, ok := event.Data.(*config.Config)
		if !ok {
			L_error("matrix: invalid config event data")
			return
		}
		m.reloadMatrix(&cfg.Matrix)
	})

	// Signal config reload
	bus.SubscribeEvent("config.signal.applied", func(event bus.Event) {
		cfg, ok := event.Data.(*config.Config)
		if !ok {
			L_error("signal: invalid config event data")
			return
		}
		m.reloadSignal(&cfg.Signal)
	})
}

// reloadMatrix handles Matrix config changes. Credentials live in the
// mautrix client, so a reload is a full stop and restart.
func (m *Manager) reloadMatrix(cfg *config.MatrixConfig) {
	m.mu.Lock()
	cli := m.matrixClient
	if m.matrixCancel != nil {
		m.matrixCancel()
		m.matrixCancel = nil
	}
	m.matrixRetrying = false
	m.mu.Unlock()

	if cli != nil {
		L_info("matrix: stopping for config reload")
		_ = cli.Stop()
		m.mu.Lock()
		m.matrixClient = nil
		delete(m.channels, "matrix")
		m.mu.Unlock()
		bus.PublishEvent("channels.matrix.stopped", nil)
	}

	if err := m.startMatrix(m.ctx, cfg); err != nil {
		L_error("matrix: failed to start with new config", "error", err)
		m.startMatrixRetry(m.ctx, cfg)
	} else {
		L_info("matrix: reloaded with new config")
	}
}

// reloadSignal handles Signal config changes. The REST client reloads in
// place; only enable and disable transitions start or stop the channel.
func (m *Manager) reloadSignal(cfg *config.SignalConfig) {
	enabled := cfg.IsEnabled() && cfg.BaseURL != ""

	m.mu.Lock()
	cli := m.signalClient
	if m.signalCancel != nil {
		m.signalCancel()
		m.signalCancel = nil
	}
	m.signalRetrying = false
	m.mu.Unlock()

	if !enabled {
		if cli != nil {
			L_info("signal: disabled by new config")
			_ = cli.Stop()
			m.mu.Lock()
			m.signalClient = nil
			delete(m.channels, "signal")
			m.mu.Unlock()
			bus.PublishEvent("channels.signal.stopped", nil)
		}
		return
	}

	if cli != nil {
		if err := cli.Reload(cfg); err != nil {
			L_error("signal: reload failed", "error", err)
		} else {
			L_info("signal: reloaded with new config")
		}
		return
	}

	if err := m.startSignal(m.ctx, cfg); err != nil {
		L_error("signal: failed to start with new config", "error", err)
		m.startSignalRetry(m.ctx, cfg)
	}
}

// StopAll gracefully shuts down all running channels
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stop retries if running
	if m.matrixCancel != nil {
		m.matrixCancel()
	}
	if m.signalCancel != nil {
		m.signalCancel()
	}

	for name, ch := range m.channels {
		L_debug("channels: stopping", "channel", name)
		if err := ch.Stop(); err != nil {
			L_error("channels: stop failed", "channel", name, "error", err)
		}

		bus.PublishEvent("channels."+name+".stopped", nil)
	}
	m.channels = make(map[string]ManagedChannel)
	m.matrixClient = nil
	m.signalClient = nil
}

// Reload applies new configuration to a running channel
func (m *Manager) Reload(name string, cfg any) error {
	m.mu.RLock()
	ch, exists := m.channels[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %q not running", name)
	}

	return ch.Reload(cfg)
}

// Get returns a channel by name, or nil if not found
func (m *Manager) Get(name string) ManagedChannel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// GetMatrix returns the Matrix client, or nil while it is down
func (m *Manager) GetMatrix() *matrix.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.matrixClient
}

// GetSignal returns the signal-cli REST client, or nil while it is down
// or disabled
func (m *Manager) GetSignal() *signalrest.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signalClient
}

// Status returns the status of all channels
func (m *Manager) Status() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]ChannelStatus, len(m.channels))
	for name, ch := range m.channels {
		result[name] = ch.Status()
	}
	return result
}

// RegisterCommands registers bus commands for the channel manager
func (m *Manager) RegisterCommands() {
	bus.RegisterCommand("channels", "status", m.handleStatusCommand)
}

// UnregisterCommands unregisters all bus commands
func (m *Manager) UnregisterCommands() {
	bus.UnregisterComponent("channels")
}

// handleStatusCommand reports the state of both transports in a
// JSON-friendly shape, used by !status and the HTTP API.
func (m *Manager) handleStatusCommand(cmd bus.Command) bus.CommandResult {
	statuses := m.Status()

	data := make(map[string]any, len(statuses))
	for name, st := range statuses {
		entry := map[string]any{
			"running":   st.Running,
			"connected": st.Connected,
			"info":      st.Info,
		}
		if !st.StartedAt.IsZero() {
			entry["startedAt"] = st.StartedAt.Format(time.RFC3339)
			entry["uptime"] = time.Since(st.StartedAt).Round(time.Second).String()
		}
		if st.Error != nil {
			entry["error"] = st.Error.Error()
		}
		data[name] = entry
	}

	return bus.CommandResult{
		Success: true,
		Message: fmt.Sprintf("%d channels running", len(data)),
		Data:    data,
	}
}
