package coyote

import (
	"errors"
	"fmt"
	"strings"
)

// SessionState represents the specific kind of session state failure
type SessionState string

const (
	NotBound         SessionState = "not_bound"
	NotConnected     SessionState = "not_connected"
	AlreadyConnected SessionState = "already_connected"
)

// SessionError represents any session-state-related problem
type SessionError struct {
	State SessionState
	Msg   string
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare SessionError values by State
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for session states
var (
	ErrNotBound     = &SessionError{State: NotBound}
	ErrNotConnected = &SessionError{State: NotConnected}
)

// ValidationError reports a malformed waveform frame rejected at the boundary
// before anything reaches the wire.
type ValidationError struct {
	Index  int // zero-based frame index within the submitted batch
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid waveform frame %d: %s", e.Index, e.Reason)
}

// CleanupError aggregates non-fatal failures collected during disconnect
// teardown. Its presence never prevents the session from reaching the
// disconnected state.
type CleanupError struct {
	Errors []error
}

func (e *CleanupError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("disconnect cleanup reported %d failure(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected failures to errors.Is/errors.As.
func (e *CleanupError) Unwrap() []error { return e.Errors }

// IsSessionState reports whether err is a SessionError with the given state
func IsSessionState(err error, state SessionState) bool {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.State == state
	}
	return false
}
