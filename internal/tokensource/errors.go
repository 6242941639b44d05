package tokensource

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
)

// FailureKind classifies token endpoint failures.
type FailureKind int

const (
	// FailureRejected means the endpoint refused the grant (HTTP 400/401):
	// the code or refresh token is invalid, expired, or revoked.
	FailureRejected FailureKind = iota + 1
	// FailureServer means any other non-2xx answer, typically 5xx.
	FailureServer
	// FailureNetwork means the endpoint could not be reached (connection, DNS, timeout).
	FailureNetwork
	// FailureProtocol means a 2xx answer that could not be turned into a token record.
	FailureProtocol
)

func (k FailureKind) String() string {
	switch k {
	case FailureRejected:
		return "rejected"
	case FailureServer:
		return "server"
	case FailureNetwork:
		return "network"
	case FailureProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is returned by Exchange and Refresh.
type Error struct {
	Kind FailureKind

	// StatusCode, Code and Description are set for FailureRejected and FailureServer.
	// Code and Description come from the OAuth error body when it is parseable.
	StatusCode  int
	Code        string
	Description string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case FailureRejected, FailureServer:
		detail := e.Description
		if detail == "" {
			detail = e.Code
		}
		if detail == "" {
			detail = http.StatusText(e.StatusCode)
		}
		return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, detail)
	case FailureNetwork:
		return fmt.Sprintf("token endpoint unreachable: %v", e.Err)
	default:
		return fmt.Sprintf("invalid token response: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classify wraps an error from the oauth2 package into *Error.
func classify(err error) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		e := &Error{
			Kind:        FailureServer,
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
			Err:         err,
		}
		if retrieveErr.Response != nil {
			e.StatusCode = retrieveErr.Response.StatusCode
		}
		if e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized {
			e.Kind = FailureRejected
		}
		return e
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &Error{Kind: FailureNetwork, Err: err}
	}

	return &Error{Kind: FailureProtocol, Err: err}
}
