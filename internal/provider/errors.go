package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"unicode/utf8"
)

// Reason classifies a provider failure.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonStatus    Reason = "status"
	ReasonEmpty     Reason = "empty"
	ReasonTransport Reason = "transport"
	ReasonDecode    Reason = "decode"
)

// Error is the result value every provider call returns on failure. Callers
// branch on Reason instead of parsing messages.
type Error struct {
	Provider string
	Reason   Reason
	Status   int
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Provider, e.Reason, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Provider, e.Reason, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Reason, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason of err, or "" if it is not a provider error.
func ReasonOf(err error) Reason {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

func emptyErr(provider string) *Error {
	return &Error{Provider: provider, Reason: ReasonEmpty}
}

const maxErrorBody = 300

func statusErr(provider string, status int, body string) *Error {
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	var err error
	if body != "" {
		err = errors.New(body)
	}
	return &Error{Provider: provider, Reason: ReasonStatus, Status: status, Err: err}
}

// wrapErr converts a transport-level error into an *Error. Existing provider
// errors pass through unchanged.
func wrapErr(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Reason: ReasonTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Provider: provider, Reason: ReasonTimeout, Err: err}
	}
	return &Error{Provider: provider, Reason: ReasonTransport, Err: err}
}
