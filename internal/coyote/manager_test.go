package coyote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/srg/coyote/internal/protocol"
	"github.com/srg/coyote/pkg/config"
)

func managerTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Connection.ServerPort = 0 // ephemeral
	cfg.Connection.HeartbeatInterval = 50 * time.Millisecond
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(managerTestConfig(), quietLogger())
	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })
	return m
}

// fakeApp mimics the official app: it dials the hub, completes the V3
// handshake and binds via the client id carried in the QR payload.
type fakeApp struct {
	ws    *websocket.Conn
	appID string
}

// dialAndBind runs the full app-side handshake. Safe to call off the test
// goroutine; the caller owns the returned connection.
func dialAndBind(m *Manager, qrCode string) (*fakeApp, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+m.ListenAddr(), nil)
	if err != nil {
		return nil, err
	}

	var hello protocol.Message
	if err := wsjson.Read(ctx, ws, &hello); err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	clientID := qrCode[strings.LastIndex(qrCode, "/")+1:]
	err = wsjson.Write(ctx, ws, protocol.Message{
		Type:     protocol.TypeBind,
		ClientID: clientID,
		TargetID: hello.ClientID,
		Message:  "DGLAB",
	})
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	var reply protocol.Message
	if err := wsjson.Read(ctx, ws, &reply); err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}
	if reply.Message != protocol.RetCodeSuccess {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("bind rejected: %s", reply.Message)
	}

	return &fakeApp{ws: ws, appID: hello.ClientID}, nil
}

func bindFakeApp(t *testing.T, m *Manager, qrCode string) *fakeApp {
	t.Helper()
	app, err := dialAndBind(m, qrCode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.ws.Close(websocket.StatusNormalClosure, "") })
	return app
}

// readCommand skips heartbeats and returns the next command message body.
func (a *fakeApp) readCommand(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var msg protocol.Message
		err := wsjson.Read(ctx, a.ws, &msg)
		cancel()
		require.NoError(t, err)
		if msg.Type == protocol.TypeMsg {
			return msg.Message
		}
	}
	t.Fatal("no command received")
	return ""
}

func TestConnectIssuesQRCode(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, StateDisconnected, m.State())

	result, err := m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)

	assert.Equal(t, StateWaitingBind, m.State())
	assert.False(t, result.Bound)
	assert.Equal(t, BindResultSkipped, result.BindResult)
	assert.True(t, strings.HasPrefix(result.QRCode, protocol.QRCodePrefix))
	assert.Equal(t, result.QRCode, m.QRCode())
	assert.NotEmpty(t, m.ListenAddr())
}

func TestConnectBindTimeoutIsAnOutcome(t *testing.T) {
	m := newTestManager(t)

	result, err := m.Connect(context.Background(), ConnectOptions{BindTimeout: 50 * time.Millisecond})
	require.NoError(t, err, "bind timeout must not be an error")

	assert.False(t, result.Bound)
	assert.Equal(t, BindResultTimeout, result.BindResult)
	assert.Equal(t, StateWaitingBind, m.State(), "QR payload stays valid after timeout")
	assert.NotEmpty(t, m.QRCode())
}

func TestConnectWaitsForBind(t *testing.T) {
	m := newTestManager(t)

	// First connect issues the QR payload without waiting.
	first, err := m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)

	type bindOutcome struct {
		app *fakeApp
		err error
	}
	bound := make(chan bindOutcome, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		app, err := dialAndBind(m, first.QRCode)
		bound <- bindOutcome{app: app, err: err}
	}()

	result, err := m.Connect(context.Background(), ConnectOptions{BindTimeout: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, result.Bound)
	assert.Equal(t, BindResultSuccess, result.BindResult)
	assert.Equal(t, StateBound, m.State())

	// Join the binder before the test tears the hub down.
	outcome := <-bound
	require.NoError(t, outcome.err)
	t.Cleanup(func() { _ = outcome.app.ws.Close(websocket.StatusNormalClosure, "") })
}

func TestReconnectReusesSession(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)
	second, err := m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.QRCode, second.QRCode, "same terminal, same QR payload")
}

func TestEnsureBindFailFast(t *testing.T) {
	m := newTestManager(t)

	// Disconnected: no session at all.
	err := m.EnsureBind(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotBound)

	_, err = m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)

	// Connected but unbound, zero timeout: immediate failure.
	err = m.EnsureBind(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotBound)

	// Positive timeout with no app: fails after the wait.
	start := time.Now()
	err = m.EnsureBind(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotBound)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBindLifecycle(t *testing.T) {
	m := newTestManager(t)

	result, err := m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)

	app := bindFakeApp(t, m, result.QRCode)
	require.Eventually(t, m.Bound, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, m.EnsureBind(context.Background(), 0))

	// Commands flow through the session to the app.
	require.NoError(t, m.SetStrength(context.Background(), protocol.ChannelA, protocol.StrengthSet, 30))
	assert.Equal(t, "strength-1+2+30", app.readCommand(t))

	// Keepalives are observed on the link.
	assert.Eventually(t, func() bool { return !m.LastHeartbeat().IsZero() },
		2*time.Second, 10*time.Millisecond)

	// App walks away: back to waiting_bind, sends fail again.
	require.NoError(t, app.ws.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return m.State() == StateWaitingBind },
		2*time.Second, 10*time.Millisecond)
	err = m.SetStrength(context.Background(), protocol.ChannelA, protocol.StrengthSet, 10)
	assert.Error(t, err)
}

func TestDisconnectRunsCleanups(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)

	var order []string
	m.RegisterCleanup("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.RegisterCleanup("second", func(ctx context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})

	err = m.Disconnect(context.Background())

	assert.Equal(t, []string{"first", "second"}, order)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Len(t, cleanupErr.Errors, 1)
	assert.Equal(t, StateDisconnected, m.State(), "cleanup failure never blocks teardown")
}

func TestDisconnectResetsSession(t *testing.T) {
	m := newTestManager(t)
	result, err := m.Connect(context.Background(), ConnectOptions{})
	require.NoError(t, err)
	app := bindFakeApp(t, m, result.QRCode)
	require.Eventually(t, m.Bound, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Disconnect(context.Background()))

	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, m.QRCode())
	assert.Empty(t, m.ListenAddr())
	assert.ErrorIs(t, m.SetStrength(context.Background(), protocol.ChannelA, protocol.StrengthSet, 10), ErrNotBound)
	_ = app // closed by the hub

	// Disconnect is idempotent.
	assert.NoError(t, m.Disconnect(context.Background()))
}

func TestDisconnectWithoutConnect(t *testing.T) {
	m := NewManager(managerTestConfig(), quietLogger())
	assert.NoError(t, m.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}
