package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/coyote/internal/eventring"
	"github.com/srg/coyote/internal/protocol"
)

// ErrUnbound indicates a send attempted before any app bound to the terminal.
var ErrUnbound = errors.New("terminal is not bound to an app")

// Terminal is a locally registered control endpoint on the hub. It is the
// counterpart of an app connection: commands flow terminal→app, feedback and
// lifecycle events arrive on the terminal's event stream.
type Terminal struct {
	id  string
	srv *Server

	events *eventring.Ring[protocol.Message]

	mu       sync.RWMutex
	targetID string
	bindCh   chan struct{} // closed when an app binds; replaced on unbind
	closed   bool
}

func newTerminal(id string, srv *Server) *Terminal {
	return &Terminal{
		id:     id,
		srv:    srv,
		events: eventring.New[protocol.Message](eventCapacity),
		bindCh: make(chan struct{}),
	}
}

// ClientID returns the terminal's hub-assigned id, the one embedded in the QR
// payload the app scans.
func (t *Terminal) ClientID() string { return t.id }

// QRCode builds the scannable bind payload pointing the app at serverURI.
func (t *Terminal) QRCode(serverURI string) string {
	return protocol.QRCodeURL(serverURI, t.id)
}

// TargetID returns the bound app id, or "" when unbound.
func (t *Terminal) TargetID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.targetID
}

// Bound reports whether an app is currently bound.
func (t *Terminal) Bound() bool { return t.TargetID() != "" }

// WaitBind suspends the caller until an app binds or ctx is done. It returns
// immediately when already bound.
func (t *Terminal) WaitBind(ctx context.Context) error {
	t.mu.RLock()
	ch := t.bindCh
	bound := t.targetID != ""
	t.mu.RUnlock()

	if bound {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the terminal's inbound event stream: bind confirmations,
// app feedback, heartbeat echoes and break notifications. The stream is
// closed when the hub stops.
func (t *Terminal) Events() <-chan protocol.Message {
	return t.events.C()
}

// SetStrength sends a strength operation to the bound app.
func (t *Terminal) SetStrength(ctx context.Context, ch protocol.Channel, mode protocol.StrengthMode, value int) error {
	return t.send(ctx, protocol.StrengthCommand(ch, mode, value))
}

// SendPulses sends a waveform frame batch to the bound app. Oversized batches
// are rejected before anything reaches the wire.
func (t *Terminal) SendPulses(ctx context.Context, ch protocol.Channel, frames []protocol.Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("empty frame batch")
	}
	if len(frames) > protocol.MaxFrameBatch {
		return fmt.Errorf("frame batch of %d exceeds limit %d", len(frames), protocol.MaxFrameBatch)
	}
	return t.send(ctx, protocol.PulseCommand(ch, frames))
}

// ClearPulses asks the app to drop the channel's queued waveform data.
func (t *Terminal) ClearPulses(ctx context.Context, ch protocol.Channel) error {
	return t.send(ctx, protocol.ClearCommand(ch))
}

func (t *Terminal) send(_ context.Context, command string) error {
	target := t.TargetID()
	if target == "" {
		return ErrUnbound
	}
	return t.srv.sendToApp(protocol.Message{
		Type:     protocol.TypeMsg,
		ClientID: t.id,
		TargetID: target,
		Message:  command,
	})
}

// bindTo records the app pairing and releases every WaitBind caller.
func (t *Terminal) bindTo(appID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targetID = appID
	select {
	case <-t.bindCh:
		// already released
	default:
		close(t.bindCh)
	}
}

// unbind clears the pairing and re-arms WaitBind for the next app.
func (t *Terminal) unbind() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targetID = ""
	t.bindCh = make(chan struct{})
}

// deliver pushes an event onto the terminal's stream. The read lock is held
// across the send so shutdown cannot close the ring mid-delivery.
func (t *Terminal) deliver(msg protocol.Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	t.events.Send(msg)
}

// shutdown closes the event stream. Called by the hub on Stop.
func (t *Terminal) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.events.Close()
}
