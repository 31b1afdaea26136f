package coyote

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same state matches",
			err:    &SessionError{State: NotBound, Msg: "no app yet"},
			target: ErrNotBound,
			want:   true,
		},
		{
			name:   "different state does not match",
			err:    &SessionError{State: NotConnected},
			target: ErrNotBound,
			want:   false,
		},
		{
			name:   "wrapped sentinel matches",
			err:    fmt.Errorf("failed to send: %w", ErrNotBound),
			target: ErrNotBound,
			want:   true,
		},
		{
			name:   "unrelated error does not match",
			err:    errors.New("boom"),
			target: ErrNotBound,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestSessionErrorMessage(t *testing.T) {
	assert.Equal(t, "not_bound", (&SessionError{State: NotBound}).Error())
	assert.Equal(t, "not_bound: no app yet", (&SessionError{State: NotBound, Msg: "no app yet"}).Error())
}

func TestIsSessionState(t *testing.T) {
	err := fmt.Errorf("failed to play preset: %w", ErrNotBound)
	assert.True(t, IsSessionState(err, NotBound))
	assert.False(t, IsSessionState(err, NotConnected))
	assert.False(t, IsSessionState(errors.New("boom"), NotBound))
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Index: 2, Reason: "frequency 300 out of range [10, 240]"}
	assert.Equal(t, "invalid waveform frame 2: frequency 300 out of range [10, 240]", err.Error())
}

func TestCleanupErrorAggregates(t *testing.T) {
	inner := errors.New("loop did not stop")
	err := &CleanupError{Errors: []error{
		fmt.Errorf("channel-controller: %w", inner),
		errors.New("hub stop: timeout"),
	}}

	assert.Contains(t, err.Error(), "2 failure(s)")
	assert.ErrorIs(t, err, inner, "Unwrap exposes collected failures")
}
