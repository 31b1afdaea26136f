package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Channel
		wantErr  bool
	}{
		{name: "uppercase A", input: "A", expected: ChannelA},
		{name: "lowercase a", input: "a", expected: ChannelA},
		{name: "uppercase B", input: "B", expected: ChannelB},
		{name: "lowercase b", input: "b", expected: ChannelB},
		{name: "unknown channel", input: "C", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := ParseChannel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ch)
		})
	}
}

func TestChannelWireCode(t *testing.T) {
	assert.Equal(t, 1, ChannelA.WireCode())
	assert.Equal(t, 2, ChannelB.WireCode())
}

func TestParseStrengthMode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected StrengthMode
		wantErr  bool
	}{
		{name: "set", input: "set", expected: StrengthSet},
		{name: "set_to alias", input: "set_to", expected: StrengthSet},
		{name: "increase", input: "increase", expected: StrengthIncrease},
		{name: "decrease", input: "decrease", expected: StrengthDecrease},
		{name: "unknown mode", input: "wiggle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := ParseStrengthMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
		})
	}
}

func TestStrengthCommand(t *testing.T) {
	assert.Equal(t, "strength-1+2+42", StrengthCommand(ChannelA, StrengthSet, 42))
	assert.Equal(t, "strength-2+1+5", StrengthCommand(ChannelB, StrengthIncrease, 5))
	assert.Equal(t, "strength-1+0+10", StrengthCommand(ChannelA, StrengthDecrease, 10))
}

func TestClearCommand(t *testing.T) {
	assert.Equal(t, "clear-1", ClearCommand(ChannelA))
	assert.Equal(t, "clear-2", ClearCommand(ChannelB))
}

func TestQRCodeURL(t *testing.T) {
	url := QRCodeURL("ws://192.168.1.7:5678", "abc-123")
	assert.Equal(t, QRCodePrefix+"ws://192.168.1.7:5678/abc-123", url)
}
