package xapi

import (
	"errors"
	"fmt"
)

// ErrTransport matches any TransportError via errors.Is
var ErrTransport = errors.New("xapi: transport error")

// Error codes returned by XAPI that the client reacts to
const (
	codeSessionInvalid       = "SESSION_INVALID"
	codeAuthenticationFailed = "SESSION_AUTHENTICATION_FAILED"
)

// TransportError reports a failure to reach a host or the pool master,
// including authentication failures (Auth=true).
type TransportError struct {
	Host       string
	Op         string
	StatusCode int
	Auth       bool
	Err        error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("xapi: %s %s", e.Op, e.Host)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d", msg, e.StatusCode)
	}
	if e.Auth {
		msg += ": authentication failed"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// APIError is a Failure response from XAPI: an error code plus parameters.
type APIError struct {
	Code   string
	Params []string
}

func (e *APIError) Error() string {
	if len(e.Params) == 0 {
		return "xapi: " + e.Code
	}
	return fmt.Sprintf("xapi: %s %v", e.Code, e.Params)
}

// IsSessionInvalid reports whether err is an expired or revoked XAPI session.
func IsSessionInvalid(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeSessionInvalid
}

// IsAuthFailure reports whether err was caused by rejected credentials.
func IsAuthFailure(err error) bool {
	var te *TransportError
	if errors.As(err, &te) && te.Auth {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeAuthenticationFailed
}
