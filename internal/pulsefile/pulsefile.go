// Package pulsefile decodes the DungeonLab ".pulse" waveform export format
// into device-ready frame sequences.
//
// The export is a single line of text: a fixed signature, a colon, then
// "+section+"-separated segments. The part of each segment after the first
// "/" is a comma-separated list of intensity samples of the form
// "<percent>-<flag>"; only the percent is used here. Samples are packed four
// at a time into frames at a fixed carrier frequency.
package pulsefile

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/srg/coyote/internal/protocol"
)

// Signature is the prefix every valid export starts with.
const Signature = "Dungeonlab+pulse"

const (
	sectionSep = "+section+"

	// CarrierFrequency is the fixed frequency paired with decoded strengths.
	CarrierFrequency = 80

	// MaxFrames caps a decoded sequence. Kept conservatively below the wire
	// batch limit so a decoded preset always fits one pulse message.
	MaxFrames = 80
)

// ParseError reports a malformed export. Callers loading a directory should
// skip the offending file and continue.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid pulse export: %s", e.Reason)
}

// Export is the decoded artifact of one .pulse file.
type Export struct {
	Signature string           // raw signature prefix, before the colon
	Curve     []float64        // ordered intensity samples in [0, 100]
	Frames    []protocol.Frame // derived frame sequence, at most MaxFrames
	Truncated bool             // true if the derived sequence was capped
}

// Decode parses the text content of a .pulse export. The derivation is
// deterministic: the same input always yields the same frames.
func Decode(content string) (*Export, error) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, Signature) {
		return nil, &ParseError{Reason: "missing Dungeonlab+pulse signature"}
	}

	sig, payload, ok := strings.Cut(content, ":")
	if !ok {
		return nil, &ParseError{Reason: "missing ':' payload separator"}
	}

	curve := decodeCurve(payload)
	if len(curve) == 0 {
		return nil, &ParseError{Reason: "no intensity samples in payload"}
	}

	frames, truncated := synthesizeFrames(curve)
	return &Export{
		Signature: sig,
		Curve:     curve,
		Frames:    frames,
		Truncated: truncated,
	}, nil
}

// decodeCurve extracts the ordered intensity samples from the payload.
// Tokens that do not carry a leading numeric value are skipped.
func decodeCurve(payload string) []float64 {
	var curve []float64
	for _, segment := range strings.Split(payload, sectionSep) {
		_, data, ok := strings.Cut(segment, "/")
		if !ok {
			continue
		}
		for _, token := range strings.Split(data, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			// Tokens look like "100.00-1"; the trailing flag is ignored.
			valStr, _, _ := strings.Cut(token, "-")
			v, err := strconv.ParseFloat(valStr, 64)
			if err != nil {
				continue
			}
			curve = append(curve, v)
		}
	}
	return curve
}

// synthesizeFrames packs the curve into frames of exactly four strength
// slots at the fixed carrier frequency. A short final group repeats its last
// sample to fill the frame.
func synthesizeFrames(curve []float64) ([]protocol.Frame, bool) {
	var frames []protocol.Frame
	for i := 0; i < len(curve); i += protocol.FrameSlots {
		group := curve[i:min(i+protocol.FrameSlots, len(curve))]

		var f protocol.Frame
		for slot := 0; slot < protocol.FrameSlots; slot++ {
			sample := group[len(group)-1]
			if slot < len(group) {
				sample = group[slot]
			}
			f.Frequency[slot] = CarrierFrequency
			f.Strength[slot] = clipStrength(sample)
		}
		frames = append(frames, f)
	}

	if len(frames) > MaxFrames {
		return frames[:MaxFrames], true
	}
	return frames, false
}

func clipStrength(v float64) int {
	n := int(math.Round(v))
	if n < protocol.StrengthMin {
		return protocol.StrengthMin
	}
	if n > protocol.StrengthMax {
		return protocol.StrengthMax
	}
	return n
}
