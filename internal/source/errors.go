package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrUnavailable is returned while a source's circuit is open.
var ErrUnavailable = errors.New("source unavailable")

// Kind classifies a source error for retry and rate decisions.
type Kind string

// Error kinds.
const (
	KindTransient   Kind = "transient"
	KindThrottled   Kind = "throttled"
	KindPermanent   Kind = "permanent"
	KindUnavailable Kind = "unavailable"
	KindCancelled   Kind = "cancelled"
)

// Error is a classified failure returned by a source.
type Error struct {
	Source string
	Kind   Kind
	Status int
	// RetryAfter is the delay requested by the source, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Source, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an HTTP status code to an error kind.
func Classify(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindThrottled
	case status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// StatusError builds the error for a non-success HTTP response.
func StatusError(source string, resp *http.Response) *Error {
	return &Error{
		Source:     source,
		Kind:       Classify(resp.StatusCode),
		Status:     resp.StatusCode,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}

// Permanent wraps err as a non-retryable source error.
func Permanent(source string, err error) *Error {
	return &Error{Source: source, Kind: KindPermanent, Err: err}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// KindOf returns the kind of err. Unclassified errors such as connection
// resets and timeouts are transient.
func KindOf(err error) Kind {
	var se *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindTransient
	}
}
