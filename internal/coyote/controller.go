package coyote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/coyote/internal/preset"
	"github.com/srg/coyote/internal/protocol"
	"github.com/srg/coyote/pkg/config"
)

// channelState is the live state of one stimulation output. It persists
// across connect/disconnect cycles.
type channelState struct {
	// opMu serializes operations on the channel; operations on different
	// channels proceed independently.
	opMu sync.Mutex

	// mu guards the fields below. Never held while waiting on a loop task.
	mu           sync.Mutex
	strength     int
	activePreset string
	loop         *loopTask
}

// Controller exposes the per-channel operation surface: intensity control,
// one-shot waveform bursts, preset playback with a sustaining resend loop,
// and queue clearing. All operations except ClearWaveform require the session
// to be bound.
type Controller struct {
	session Session
	tr      Transport
	lib     *preset.Library
	logger  *logrus.Logger

	maxIntensity int
	bindTimeout  time.Duration

	channels map[protocol.Channel]*channelState
}

// NewController creates a controller with both channels at zero strength.
func NewController(session Session, tr Transport, lib *preset.Library, cfg *config.Config, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		session:      session,
		tr:           tr,
		lib:          lib,
		logger:       logger,
		maxIntensity: cfg.Control.MaxIntensity,
		bindTimeout:  cfg.Connection.BindTimeout,
		channels: map[protocol.Channel]*channelState{
			protocol.ChannelA: {},
			protocol.ChannelB: {},
		},
	}
}

// Attach registers the controller's teardown with the manager so Disconnect
// cancels and awaits every loop task before the link goes down.
func (c *Controller) Attach(m *Manager) {
	m.RegisterCleanup("channel-controller", c.StopAll)
}

func (c *Controller) state(ch protocol.Channel) (*channelState, error) {
	st, ok := c.channels[ch]
	if !ok {
		return nil, fmt.Errorf("invalid channel: %q", ch)
	}
	return st, nil
}

func (c *Controller) ensureBind(ctx context.Context) error {
	return c.session.EnsureBind(ctx, c.bindTimeout)
}

func clip(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// SetStrength applies a strength operation and returns the resulting tracked
// strength. Set assigns clip(value); Increase/Decrease compute
// clip(current±value) so the tracked strength stays in range after every
// step. The absolute clipped target goes over the wire, keeping the device in
// lockstep with the tracked value.
func (c *Controller) SetStrength(ctx context.Context, ch protocol.Channel, mode protocol.StrengthMode, value int) (int, error) {
	st, err := c.state(ch)
	if err != nil {
		return 0, err
	}
	if err := c.ensureBind(ctx); err != nil {
		return 0, err
	}

	st.opMu.Lock()
	defer st.opMu.Unlock()

	st.mu.Lock()
	current := st.strength
	st.mu.Unlock()

	var target int
	switch mode {
	case protocol.StrengthSet:
		target = clip(value, c.maxIntensity)
	case protocol.StrengthIncrease:
		target = clip(current+value, c.maxIntensity)
	case protocol.StrengthDecrease:
		target = clip(current-value, c.maxIntensity)
	default:
		return 0, fmt.Errorf("invalid strength mode: %d", int(mode))
	}

	if err := c.tr.SetStrength(ctx, ch, protocol.StrengthSet, target); err != nil {
		return current, fmt.Errorf("failed to set strength: %w", err)
	}

	st.mu.Lock()
	st.strength = target
	st.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"channel":  ch,
		"mode":     mode.String(),
		"value":    value,
		"strength": target,
	}).Info("Strength changed")
	return target, nil
}

// Strength returns the tracked strength of a channel.
func (c *Controller) Strength(ch protocol.Channel) int {
	st, err := c.state(ch)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.strength
}

// ActivePreset returns the name of the preset driving the channel's loop,
// or "" when idle.
func (c *Controller) ActivePreset(ch protocol.Channel) string {
	st, err := c.state(ch)
	if err != nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activePreset
}

// AddWaveform validates the batch and sends it once as a one-shot burst. The
// channel's loop task is left untouched. A malformed frame rejects the whole
// batch before anything is sent.
func (c *Controller) AddWaveform(ctx context.Context, ch protocol.Channel, frames []protocol.Frame) error {
	st, err := c.state(ch)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			return &ValidationError{Index: i, Reason: err.Error()}
		}
	}
	if len(frames) == 0 {
		return &ValidationError{Index: 0, Reason: "empty frame batch"}
	}
	if err := c.ensureBind(ctx); err != nil {
		return err
	}

	st.opMu.Lock()
	defer st.opMu.Unlock()

	if err := c.tr.SendPulses(ctx, ch, frames); err != nil {
		return fmt.Errorf("failed to send waveform: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"channel": ch,
		"frames":  len(frames),
	}).Info("Waveform sent")
	return nil
}

// ClearWaveform cancels the channel's loop task, awaits its termination,
// empties the device-side queue and clears the active preset. It needs no
// bind and is an idempotent no-op on an already-clear channel.
func (c *Controller) ClearWaveform(ctx context.Context, ch protocol.Channel) error {
	st, err := c.state(ch)
	if err != nil {
		return err
	}

	st.opMu.Lock()
	defer st.opMu.Unlock()

	c.stopLoop(st)

	st.mu.Lock()
	st.activePreset = ""
	st.mu.Unlock()

	// The device-side clear only makes sense with an app on the other end.
	if c.session.Bound() {
		if err := c.tr.ClearPulses(ctx, ch); err != nil {
			return fmt.Errorf("failed to clear waveform queue: %w", err)
		}
	}
	c.logger.WithField("channel", ch).Info("Waveform queue cleared")
	return nil
}

// PlayPreset resolves the named preset, sends its frames once, then atomically
// replaces the channel's loop task: the previous task is cancelled and awaited
// before the new one starts, so at most one task is ever live per channel.
func (c *Controller) PlayPreset(ctx context.Context, ch protocol.Channel, name string) error {
	st, err := c.state(ch)
	if err != nil {
		return err
	}
	p, err := c.lib.Get(name)
	if err != nil {
		return err
	}
	if err := c.ensureBind(ctx); err != nil {
		return err
	}

	st.opMu.Lock()
	defer st.opMu.Unlock()

	if err := c.tr.SendPulses(ctx, ch, p.Frames); err != nil {
		return fmt.Errorf("failed to send preset: %w", err)
	}

	c.stopLoop(st)
	task := c.startLoop(ch, st, p)

	st.mu.Lock()
	st.loop = task
	st.activePreset = p.Name
	st.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"channel": ch,
		"preset":  p.Name,
		"frames":  len(p.Frames),
	}).Info("Preset loop started")
	return nil
}

// ChannelOn is the composite set-strength + play-preset operation. Defaults
// for omitted arguments are the front-end's concern.
func (c *Controller) ChannelOn(ctx context.Context, ch protocol.Channel, presetName string, strength int) error {
	if _, err := c.SetStrength(ctx, ch, protocol.StrengthSet, strength); err != nil {
		return err
	}
	return c.PlayPreset(ctx, ch, presetName)
}

// ChannelOff drops the channel to zero strength and clears its waveform
// queue.
func (c *Controller) ChannelOff(ctx context.Context, ch protocol.Channel) error {
	if _, err := c.SetStrength(ctx, ch, protocol.StrengthSet, 0); err != nil {
		return err
	}
	return c.ClearWaveform(ctx, ch)
}

// StopAll cancels every channel's loop task and awaits their termination.
// Used as the manager's disconnect cleanup; after it returns no loop can
// send.
func (c *Controller) StopAll(_ context.Context) error {
	for ch, st := range c.channels {
		st.opMu.Lock()
		c.stopLoop(st)
		st.mu.Lock()
		st.activePreset = ""
		st.mu.Unlock()
		st.opMu.Unlock()
		c.logger.WithField("channel", ch).Debug("Channel loop stopped")
	}
	return nil
}

// LoopCount returns the number of live loop tasks across both channels.
func (c *Controller) LoopCount() int {
	n := 0
	for _, st := range c.channels {
		st.mu.Lock()
		if st.loop != nil {
			n++
		}
		st.mu.Unlock()
	}
	return n
}
