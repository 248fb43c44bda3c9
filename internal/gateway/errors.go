package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Common errors returned by gateway operations.
//
// Callers match them with errors.Is:
//
//	if errors.Is(err, gateway.ErrNotConnected) {
//	    // queue the work until the session reconnects
//	}
var (
	// ErrNotConnected is returned without any request being made when the
	// control session reports that the device is offline.
	ErrNotConnected = errors.New("not connected to device")

	// ErrBadStatus is returned when the device answered with
	// {"status":"bad"}.
	ErrBadStatus = errors.New("device reported failure")

	// ErrHTTPStatus is returned for non-2xx HTTP responses.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrDecode is returned when a JSON reply cannot be decoded.
	ErrDecode = errors.New("malformed device reply")

	// ErrPasswordRequired is returned by Login when the device rejected the
	// password.
	ErrPasswordRequired = errors.New("device password rejected")
)

// Error describes a failed device request. Every failure that crosses the
// gateway boundary has this type, so callers can log Op and Path uniformly.
type Error struct {
	Op         string // list, get, put, delete, rename, getinfo, ...
	Path       string // remote path the request was about, if any
	StatusCode int    // HTTP status, 0 when no response was received
	Detail     string // device supplied message, if any
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	msg += ": " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient transport failure that may
// succeed if the request is repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotConnected) {
		return false
	}

	var gerr *Error
	if errors.As(err, &gerr) && gerr.StatusCode != 0 {
		return gerr.StatusCode >= http.StatusInternalServerError ||
			gerr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsOffline reports whether err means the device could not be reached at
// all, as opposed to the device refusing a request.
func IsOffline(err error) bool {
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	var gerr *Error
	if errors.As(err, &gerr) && gerr.StatusCode != 0 {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsUserActionRequired reports whether err can only be resolved by the user,
// such as a missing or rejected device password. Retrying will not help.
func IsUserActionRequired(err error) bool {
	return errors.Is(err, ErrPasswordRequired)
}
