package retry

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// hint annotates an error with how Do should treat it.
type hint struct {
	err       error
	permanent bool
	after     time.Duration
}

func (h *hint) Error() string {
	switch {
	case h.permanent:
		return "permanent: " + h.err.Error()
	case h.after > 0:
		return fmt.Sprintf("%v (retry in %s)", h.err, h.after)
	default:
		return h.err.Error()
	}
}

func (h *hint) Unwrap() error { return h.err }

// NoRetry marks err as permanent; Do returns it without another attempt.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &hint{err: err, permanent: true}
}

func IsNoRetry(err error) bool {
	_, ok := permanentCause(err)
	return ok
}

// permanentCause returns the error that NoRetry wrapped, without the marker.
func permanentCause(err error) (error, bool) {
	var h *hint
	for errors.As(err, &h) {
		if h.permanent {
			return h.err, true
		}
		err = h.err
	}
	return nil, false
}

// RetryAfter carries a server-chosen wait, such as a 429 Retry-After header.
// Do waits that long (capped by MaxDelay, jittered) instead of backing off.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &hint{err: err, after: max(after, 0)}
}

// After returns the wait attached by RetryAfter, if any.
func After(err error) (time.Duration, bool) {
	var h *hint
	for errors.As(err, &h) {
		if h.after > 0 {
			return h.after, true
		}
		err = h.err
	}
	return 0, false
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("http %d %s", e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports whether a failure is worth another attempt. Client
// errors are permanent except request timeout and too many requests.
func Retryable(err error) bool {
	if err == nil || IsNoRetry(err) {
		return false
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch se.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return se.Code < 400 || se.Code >= 500
}
