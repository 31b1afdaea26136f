package coyote

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/coyote/internal/groutine"
	"github.com/srg/coyote/internal/preset"
	"github.com/srg/coyote/internal/protocol"
)

// framePlayback is the device's estimated playback time for one frame
// (4 slots × 25ms).
const framePlayback = 100 * time.Millisecond

// loopTask is the handle of one channel's background resend task. The task is
// exclusively owned by the Controller: it is only ever cancelled or replaced
// through the owning channel's operations.
type loopTask struct {
	presetName string
	cancel     context.CancelFunc
	done       chan struct{}
}

// loopInterval picks the resend cadence: slightly inside the batch's playback
// time so the device's internal queue never drains, with a floor of one frame.
func loopInterval(frameCount int) time.Duration {
	if frameCount < 1 {
		frameCount = 1
	}
	interval := time.Duration(frameCount) * framePlayback * 8 / 10
	if interval < framePlayback {
		interval = framePlayback
	}
	return interval
}

// startLoop launches the resend goroutine for a preset on a channel. The
// caller is responsible for stopping any previous task first and for storing
// the returned handle.
func (c *Controller) startLoop(ch protocol.Channel, st *channelState, p *preset.Preset) *loopTask {
	ctx, cancel := context.WithCancel(context.Background())
	task := &loopTask{
		presetName: p.Name,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	groutine.Go(ctx, "waveform-loop-"+ch.String(), func(ctx context.Context) {
		c.runLoop(ctx, ch, st, task, p)
	})
	return task
}

// runLoop re-sends the preset's frames at a fixed cadence. Cancellation is
// cooperative: the signal is checked between sends and no frame goes out once
// it fires. A send failure is logged and the loop continues on its next tick;
// losing the bound session terminates the loop and clears the channel's
// active preset.
func (c *Controller) runLoop(ctx context.Context, ch protocol.Channel, st *channelState, task *loopTask, p *preset.Preset) {
	defer close(task.done)

	ticker := time.NewTicker(loopInterval(len(p.Frames)))
	defer ticker.Stop()

	log := c.logger.WithFields(logrus.Fields{
		"channel": ch,
		"preset":  p.Name,
	})

	for {
		select {
		case <-ctx.Done():
			log.Debug("Waveform loop cancelled")
			return
		case <-ticker.C:
			if !c.session.Bound() {
				log.Info("Session no longer bound, ending waveform loop")
				c.releaseLoop(st, task)
				return
			}
			if err := c.tr.SendPulses(ctx, ch, p.Frames); err != nil {
				log.WithError(err).Warn("Waveform resend failed, retrying next tick")
			}
		}
	}
}

// releaseLoop lets a self-terminating task clear its own handle and the
// active preset, unless a newer task already replaced it.
func (c *Controller) releaseLoop(st *channelState, task *loopTask) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.loop == task {
		st.loop = nil
		st.activePreset = ""
	}
}

// stopLoop cancels the channel's current task, if any, and awaits its
// termination. Must be called with st.opMu held and st.mu released.
func (c *Controller) stopLoop(st *channelState) {
	st.mu.Lock()
	task := st.loop
	st.mu.Unlock()

	if task == nil {
		return
	}
	task.cancel()
	<-task.done

	st.mu.Lock()
	if st.loop == task {
		st.loop = nil
	}
	st.mu.Unlock()
}
