package livesync

import (
	"errors"
	"fmt"
	"time"
)

// Predefined errors
var (
	// ErrClosed is returned when the client or a thread has been torn down.
	ErrClosed = errors.New("livesync: closed")
	// ErrInvalidConfig is returned when options fail validation.
	ErrInvalidConfig = errors.New("livesync: invalid config")
	// ErrNotFound is returned when a record is not in the local view.
	ErrNotFound = errors.New("livesync: record not found")
	// ErrNotFailed is returned when resend or discard targets a record that is not failed.
	ErrNotFailed = errors.New("livesync: record is not in failed state")
	// ErrNotConfirmed is returned when an edit targets a record without a server id.
	ErrNotConfirmed = errors.New("livesync: record is not confirmed")
	// ErrPendingMutation is returned when a caller tries to cancel an in-flight write.
	ErrPendingMutation = errors.New("livesync: pending mutation cannot be cancelled")
	// ErrNotPermitted is returned when the actor may not mutate another author's record.
	ErrNotPermitted = errors.New("livesync: not permitted")
	// ErrEmptyBody is returned when a message has neither text nor attachment.
	ErrEmptyBody = errors.New("livesync: message body is empty")
	// ErrNotConnected is returned by WSRemote when no connection is open.
	ErrNotConnected = errors.New("livesync: not connected")
	// ErrSendTimeout is recorded on a record whose write did not complete in time.
	ErrSendTimeout = errors.New("livesync: send timed out")
)

// Error constructors

// ErrOpenSubscription wraps a failure to open a live subscription.
func ErrOpenSubscription(key string, err error) error {
	return fmt.Errorf("livesync: open subscription %q: %w", key, err)
}

// ErrWrite wraps a failed remote write.
func ErrWrite(path string, err error) error {
	return fmt.Errorf("livesync: write %s: %w", path, err)
}

// ErrUpdate wraps a failed remote update.
func ErrUpdate(path string, err error) error {
	return fmt.Errorf("livesync: update %s: %w", path, err)
}

// ErrStorage wraps a durable storage failure.
func ErrStorage(namespace string, err error) error {
	return fmt.Errorf("livesync: storage %q: %w", namespace, err)
}

// ErrInvalidDuration returns an error for a non-positive duration option.
func ErrInvalidDuration(name string, d time.Duration) error {
	return fmt.Errorf("%w: %s must be > 0, got %v", ErrInvalidConfig, name, d)
}
