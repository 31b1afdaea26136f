// Package coyote is the control core for the DG-Lab wearable: the connection
// and bind lifecycle (Manager), per-channel intensity and waveform operations
// (Controller) and the background resend scheduler that keeps the device's
// playback queue fed.
package coyote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/coyote/internal/groutine"
	"github.com/srg/coyote/internal/protocol"
	"github.com/srg/coyote/internal/server"
	"github.com/srg/coyote/pkg/config"
)

// BindState is the session lifecycle state.
type BindState string

const (
	StateDisconnected BindState = "disconnected"
	StateWaitingBind  BindState = "waiting_bind"
	StateBound        BindState = "bound"
)

// BindResult values surfaced by Connect.
const (
	BindResultSuccess = "success"
	BindResultTimeout = "timeout"
	BindResultSkipped = "skipped" // bind wait not requested
)

// ConnectOptions are per-call overrides of the configured connection values.
// Zero values fall back to the configuration.
type ConnectOptions struct {
	ServerURI       string        // overrides the QR payload target URI
	RegisterTimeout time.Duration // bounds hub bootstrap and registration
	BindTimeout     time.Duration // <= 0 means do not wait for bind
}

// ConnectResult reports the outcome of a Connect call. A bind timeout is an
// outcome, not an error: the session stays in waiting_bind and the QR payload
// remains valid.
type ConnectResult struct {
	QRCode     string
	Bound      bool
	BindResult string
}

// Session is the bind-state surface the Controller depends on.
type Session interface {
	EnsureBind(ctx context.Context, timeout time.Duration) error
	Bound() bool
}

// Transport sends channel operations over the device link.
type Transport interface {
	SetStrength(ctx context.Context, ch protocol.Channel, mode protocol.StrengthMode, value int) error
	SendPulses(ctx context.Context, ch protocol.Channel, frames []protocol.Frame) error
	ClearPulses(ctx context.Context, ch protocol.Channel) error
}

// Manager owns the device link lifecycle: hub bootstrap, terminal
// registration, bind-wait, heartbeat monitoring and teardown. One intentional
// instance per process; it implements both Session and Transport for the
// Controller.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu          sync.Mutex
	state       BindState
	hub         *server.Server
	term        *server.Terminal
	lastBeat    time.Time
	monitorDone chan struct{}

	cleanupMu sync.Mutex
	cleanups  []cleanup
}

type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// NewManager creates a disconnected manager.
func NewManager(cfg *config.Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
	}
}

// State returns the current bind state.
func (m *Manager) State() BindState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Bound reports whether an app is bound to the session.
func (m *Manager) Bound() bool { return m.State() == StateBound }

// LastHeartbeat returns the time of the most recent keepalive observed on the
// link, zero if none yet.
func (m *Manager) LastHeartbeat() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBeat
}

// RegisterCleanup adds a teardown hook run during Disconnect. Hooks run in
// registration order; their failures are collected, never fatal.
func (m *Manager) RegisterCleanup(name string, fn func(ctx context.Context) error) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()
	m.cleanups = append(m.cleanups, cleanup{name: name, fn: fn})
}

// Connect boots the embedded hub if needed, registers a terminal and issues
// the QR bind payload. With a positive bind timeout it then suspends the
// caller until the app binds or the timeout elapses; the timeout is returned
// as an outcome, not an error. Reconnecting while a session exists reuses it.
func (m *Manager) Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error) {
	serverURI := opts.ServerURI
	if serverURI == "" {
		serverURI = m.cfg.ServerURI()
	}
	registerTimeout := opts.RegisterTimeout
	if registerTimeout <= 0 {
		registerTimeout = m.cfg.Connection.RegisterTimeout
	}

	term, err := m.ensureSession(ctx, registerTimeout)
	if err != nil {
		return nil, err
	}

	result := &ConnectResult{
		QRCode:     term.QRCode(serverURI),
		BindResult: BindResultSkipped,
	}

	if opts.BindTimeout > 0 {
		bindCtx, cancel := context.WithTimeout(ctx, opts.BindTimeout)
		defer cancel()
		switch err := term.WaitBind(bindCtx); {
		case err == nil:
			m.setState(StateBound)
			result.Bound = true
			result.BindResult = BindResultSuccess
		case errors.Is(err, context.DeadlineExceeded):
			result.BindResult = BindResultTimeout
			m.logger.WithField("timeout", opts.BindTimeout).Info("No app bind within timeout, still waiting")
		default:
			return nil, fmt.Errorf("failed to wait for bind: %w", err)
		}
	} else if term.Bound() {
		result.Bound = true
		result.BindResult = BindResultSuccess
	}

	return result, nil
}

// ensureSession starts the hub and registers the terminal exactly once per
// connect cycle.
func (m *Manager) ensureSession(ctx context.Context, registerTimeout time.Duration) (*server.Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.term != nil {
		return m.term, nil
	}

	hub := server.NewServer(m.cfg.ListenAddr(), m.cfg.Connection.HeartbeatInterval, m.logger)
	startCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := hub.Start(startCtx); err != nil {
		return nil, fmt.Errorf("failed to start DG-Lab hub: %w", err)
	}

	m.hub = hub
	m.term = hub.NewTerminal()
	m.state = StateWaitingBind
	m.monitorDone = make(chan struct{})

	term, done := m.term, m.monitorDone
	groutine.Go(ctx, "session-monitor", func(context.Context) {
		m.monitor(term, done)
	})

	m.logger.WithFields(logrus.Fields{
		"addr":      hub.BoundAddr(),
		"client_id": m.term.ClientID(),
	}).Info("Session connected, waiting for app bind")

	return m.term, nil
}

// monitor consumes the terminal's event stream, tracking bind state and
// keepalives until the hub closes the stream.
func (m *Manager) monitor(term *server.Terminal, done chan struct{}) {
	defer close(done)

	for msg := range term.Events() {
		switch msg.Type {
		case protocol.TypeBind:
			if msg.Message == protocol.RetCodeSuccess {
				m.setState(StateBound)
				m.logger.WithField("target_id", msg.TargetID).Info("App bound")
			}
		case protocol.TypeHeartbeat:
			m.mu.Lock()
			m.lastBeat = time.Now()
			m.mu.Unlock()
		case protocol.TypeBreak:
			m.setState(StateWaitingBind)
			m.logger.WithField("code", msg.Message).Warn("App disconnected from session")
		case protocol.TypeMsg:
			m.logger.WithField("message", msg.Message).Debug("Feedback from app")
		}
	}
}

func (m *Manager) setState(s BindState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Never resurrect a torn-down session from a late event.
	if m.state == StateDisconnected && m.term == nil {
		return
	}
	m.state = s
}

// EnsureBind returns immediately when bound; otherwise it suspends the caller
// up to timeout waiting for a bind event. A non-positive timeout means fail
// fast. Only the calling operation is suspended, never the whole system.
func (m *Manager) EnsureBind(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	term := m.term
	state := m.state
	m.mu.Unlock()

	if state == StateBound {
		return nil
	}
	if term == nil {
		return fmt.Errorf("%w: session is disconnected", ErrNotBound)
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: app has not scanned the QR code", ErrNotBound)
	}

	bindCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := term.WaitBind(bindCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no bind within %s", ErrNotBound, timeout)
		}
		return fmt.Errorf("failed to wait for bind: %w", err)
	}
	m.setState(StateBound)
	return nil
}

// Disconnect runs every registered cleanup hook, stops the hub and resets the
// session to disconnected. Cleanup failures are collected into a CleanupError
// and logged; they never prevent the transition. No channel send can occur
// after Disconnect returns.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	hub := m.hub
	monitorDone := m.monitorDone
	m.hub = nil
	m.term = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	var failures []error

	m.cleanupMu.Lock()
	cleanups := m.cleanups
	m.cleanupMu.Unlock()
	for _, c := range cleanups {
		if err := c.fn(ctx); err != nil {
			m.logger.WithError(err).WithField("cleanup", c.name).Warn("Cleanup failed during disconnect")
			failures = append(failures, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	if hub != nil {
		if err := hub.Stop(ctx); err != nil {
			m.logger.WithError(err).Warn("Hub shutdown failed during disconnect")
			failures = append(failures, fmt.Errorf("hub stop: %w", err))
		}
	}
	if monitorDone != nil {
		<-monitorDone
	}

	m.logger.Info("Session disconnected")
	if len(failures) > 0 {
		return &CleanupError{Errors: failures}
	}
	return nil
}

// terminal returns the live terminal or a not-bound error. The bound check is
// the caller's: the terminal itself rejects unbound sends.
func (m *Manager) terminal() (*server.Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.term == nil {
		return nil, fmt.Errorf("%w: session is disconnected", ErrNotBound)
	}
	return m.term, nil
}

// SetStrength implements Transport over the current session.
func (m *Manager) SetStrength(ctx context.Context, ch protocol.Channel, mode protocol.StrengthMode, value int) error {
	term, err := m.terminal()
	if err != nil {
		return err
	}
	return term.SetStrength(ctx, ch, mode, value)
}

// SendPulses implements Transport over the current session.
func (m *Manager) SendPulses(ctx context.Context, ch protocol.Channel, frames []protocol.Frame) error {
	term, err := m.terminal()
	if err != nil {
		return err
	}
	return term.SendPulses(ctx, ch, frames)
}

// ClearPulses implements Transport over the current session.
func (m *Manager) ClearPulses(ctx context.Context, ch protocol.Channel) error {
	term, err := m.terminal()
	if err != nil {
		return err
	}
	return term.ClearPulses(ctx, ch)
}

// ListenAddr returns the hub's actual listen address, "" when disconnected.
// Differs from the configured port when the hub was bound to port zero.
func (m *Manager) ListenAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hub == nil {
		return ""
	}
	return m.hub.BoundAddr()
}

// QRCode returns the current bind payload, or "" when disconnected.
func (m *Manager) QRCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.term == nil {
		return ""
	}
	return m.term.QRCode(m.cfg.ServerURI())
}
