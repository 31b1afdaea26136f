package protocol

import (
	"fmt"
	"strings"
)

// Device-accepted numeric ranges for a single waveform frame. The frequency
// band and strength percentage are fixed by the V3 protocol; confirm against
// the protocol documentation before changing.
const (
	FrameSlots    = 4
	FreqMin       = 10
	FreqMax       = 240
	StrengthMin   = 0
	StrengthMax   = 100
	MaxFrameBatch = 86 // upper bound of frames per pulse message
)

// Frame is one waveform unit: 4 frequency values paired with 4 strength
// values, each covering 25ms of playback (100ms per frame). Immutable once
// constructed.
type Frame struct {
	Frequency [FrameSlots]int `json:"frequency"`
	Strength  [FrameSlots]int `json:"strength"`
}

// Validate checks every slot against the device-accepted ranges.
func (f Frame) Validate() error {
	for i, v := range f.Frequency {
		if v < FreqMin || v > FreqMax {
			return fmt.Errorf("frequency[%d]=%d out of range [%d, %d]", i, v, FreqMin, FreqMax)
		}
	}
	for i, v := range f.Strength {
		if v < StrengthMin || v > StrengthMax {
			return fmt.Errorf("strength[%d]=%d out of range [%d, %d]", i, v, StrengthMin, StrengthMax)
		}
	}
	return nil
}

// EncodeHex renders the frame as the 8-byte hex string the app expects:
// frequency bytes first, then strength bytes.
func (f Frame) EncodeHex() string {
	var b strings.Builder
	b.Grow(FrameSlots * 4)
	for _, v := range f.Frequency {
		fmt.Fprintf(&b, "%02X", v)
	}
	for _, v := range f.Strength {
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// PulseCommand encodes a frame batch for the app, e.g.
// pulse-A:["0A0A0A0A64646464",...]. The caller is responsible for keeping the
// batch within MaxFrameBatch.
func PulseCommand(ch Channel, frames []Frame) string {
	encoded := make([]string, len(frames))
	for i, f := range frames {
		encoded[i] = `"` + f.EncodeHex() + `"`
	}
	return fmt.Sprintf("pulse-%s:[%s]", ch, strings.Join(encoded, ","))
}
