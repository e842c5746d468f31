package offline

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueExhausted matches every dead-lettered action's error.
	ErrQueueExhausted = errors.New("offline: action exhausted its retries")
	// ErrNotQueueable is returned when a non-mutating request is enqueued.
	ErrNotQueueable = errors.New("offline: only mutating requests can be queued")
	// ErrDeadLetterNotFound is returned for an unknown dead-letter ID.
	ErrDeadLetterNotFound = errors.New("offline: dead letter not found")
	// ErrDrainPaused is returned when a drain stopped early because the
	// backend became unreachable or the session is not usable.
	ErrDrainPaused = errors.New("offline: drain paused")
	// ErrOffline is the pause cause when the monitor reports offline.
	ErrOffline = errors.New("offline: backend unreachable")
	// ErrOwnerChanged dead-letters an action queued by a user other than the
	// one now signed in.
	ErrOwnerChanged = errors.New("offline: action was queued by another user")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("offline: queue closed")
)

// ExhaustedError is recorded for an action moved to the dead-letter list.
// It is never returned to the enqueuer; it surfaces through Events and the
// dead-letter list.
type ExhaustedError struct {
	ActionID string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("offline: action %s failed after %d attempts: %v", e.ActionID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrQueueExhausted, e.Err}
}

// pauseError stops a drain without charging the action an attempt.
type pauseError struct {
	err error
}

func (e *pauseError) Error() string { return e.err.Error() }
func (e *pauseError) Unwrap() error { return e.err }
