// Package notify delivers due releases through the configured channels and
// marks them notified once every required channel has succeeded.
package notify

import (
	"context"
	"errors"
	"time"

	"release_notifier/internal/model"
)

// Message is what a channel delivers for one release.
type Message struct {
	Release  model.Release
	Subject  string
	Body     string
	Start    time.Time
	Duration time.Duration
	// Reminder is how long before Start a calendar alarm fires. Zero means none.
	Reminder time.Duration
}

// Channel is one delivery mechanism.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, such as an invalid recipient or
// a revoked credential. It returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
