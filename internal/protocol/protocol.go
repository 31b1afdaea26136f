// Package protocol implements the DG-Lab V3 socket control protocol: the JSON
// message envelope exchanged between terminal, hub and app, plus the textual
// command encodings for strength, waveform and queue-clear operations.
package protocol

import (
	"fmt"
)

// Channel identifies one of the two stimulation outputs.
type Channel string

const (
	ChannelA Channel = "A"
	ChannelB Channel = "B"
)

// ParseChannel normalizes a channel name. Only "A"/"a" and "B"/"b" are accepted.
func ParseChannel(name string) (Channel, error) {
	switch name {
	case "A", "a":
		return ChannelA, nil
	case "B", "b":
		return ChannelB, nil
	default:
		return "", fmt.Errorf("invalid channel: %q (must be A or B)", name)
	}
}

// WireCode returns the numeric channel code used in strength/clear commands.
func (c Channel) WireCode() int {
	if c == ChannelB {
		return 2
	}
	return 1
}

func (c Channel) String() string { return string(c) }

// StrengthMode selects how a strength value is applied.
type StrengthMode int

const (
	StrengthDecrease StrengthMode = 0
	StrengthIncrease StrengthMode = 1
	StrengthSet      StrengthMode = 2
)

// ParseStrengthMode maps the operation surface's mode names onto wire modes.
func ParseStrengthMode(name string) (StrengthMode, error) {
	switch name {
	case "set", "set_to":
		return StrengthSet, nil
	case "increase":
		return StrengthIncrease, nil
	case "decrease":
		return StrengthDecrease, nil
	default:
		return 0, fmt.Errorf("invalid strength mode: %q (must be set, increase or decrease)", name)
	}
}

func (m StrengthMode) String() string {
	switch m {
	case StrengthSet:
		return "set"
	case StrengthIncrease:
		return "increase"
	case StrengthDecrease:
		return "decrease"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Message type values of the V3 envelope.
const (
	TypeBind      = "bind"
	TypeMsg       = "msg"
	TypeHeartbeat = "heartbeat"
	TypeBreak     = "break"
	TypeError     = "error"
)

// Return codes carried in the message body.
const (
	RetCodeSuccess            = "200"
	RetCodeClientDisconnected = "209"
	RetCodeInvalidClientID    = "400"
	RetCodeTargetGone         = "401"
	RetCodeIncompatible       = "402"
	RetCodeNonJSON            = "403"
	RetCodeRecipientNotFound  = "404"
	RetCodeMessageTooLong     = "405"
	RetCodeServerInternal     = "500"
)

// Message is the JSON envelope all parties exchange. For bind handshakes the
// body carries "targetId"/"DGLAB"/a return code; for commands it carries the
// encoded command text.
type Message struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	TargetID string `json:"targetId"`
	Message  string `json:"message"`
}

// QRCodePrefix is the scheme the official app recognizes when scanning.
const QRCodePrefix = "https://www.dungeon-lab.com/app-download.php#DGLAB-SOCKET#"

// QRCodeURL builds the scannable bind payload for a terminal.
func QRCodeURL(serverURI, clientID string) string {
	return fmt.Sprintf("%s%s/%s", QRCodePrefix, serverURI, clientID)
}

// StrengthCommand encodes a strength operation for the app.
func StrengthCommand(ch Channel, mode StrengthMode, value int) string {
	return fmt.Sprintf("strength-%d+%d+%d", ch.WireCode(), int(mode), value)
}

// ClearCommand encodes a waveform-queue clear for the app.
func ClearCommand(ch Channel) string {
	return fmt.Sprintf("clear-%d", ch.WireCode())
}
