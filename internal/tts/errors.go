package tts

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrSpawnFailed indicates a synthesis process could not be started
	ErrSpawnFailed = errors.New("synthesis process failed to start")

	// ErrWorkerCrashed indicates a synthesis process died while in use
	ErrWorkerCrashed = errors.New("synthesis process crashed")

	// ErrEngineUnavailable indicates no engine serves the requested model
	ErrEngineUnavailable = errors.New("no engine available for model")

	// ErrEngineNotActive indicates the engine exists but has no live workers
	ErrEngineNotActive = errors.New("engine is not active")

	// ErrQueueOverflow is reported when a backlog is dropped
	ErrQueueOverflow = errors.New("task queue overflow")

	// ErrQueueClosed indicates the queue no longer accepts tasks
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrInvalidState indicates a lifecycle transition that is not allowed
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInvalidVoice indicates a malformed voice identifier
	ErrInvalidVoice = errors.New("invalid voice identifier")

	// ErrAudioDeviceUnavailable indicates audio device cannot be accessed
	ErrAudioDeviceUnavailable = errors.New("audio device unavailable")
)

// Error carries the component and model a failure is scoped to.
type Error struct {
	Component string
	Action    string
	Model     string
	Err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Component, e.Action, e.Model, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Action, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a scoped error.
func NewError(component, action, model string, err error) *Error {
	return &Error{Component: component, Action: action, Model: model, Err: err}
}

// IsFatal reports whether err means the engine cannot serve any more work.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSpawnFailed) || errors.Is(err, ErrEngineUnavailable)
}
