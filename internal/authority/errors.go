package authority

import (
	"errors"
)

// Reason is a machine-checkable failure code.
type Reason string

const (
	ReasonNeedsLogin     Reason = "needs_login"
	ReasonReauthRequired Reason = "reauth_required"
	ReasonTransient      Reason = "transient"
	ReasonNetworkError   Reason = "network_error"
	ReasonStorageError   Reason = "storage_error"
	ReasonStateMismatch  Reason = "state_mismatch"
	ReasonInvalidCode    Reason = "invalid_code"
	ReasonAuthError      Reason = "auth_error"
	ReasonUserCancelled  Reason = "user_cancelled"
	ReasonTimeout        Reason = "timeout"
)

// Message returns the operator-facing explanation of the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNeedsLogin:
		return "not logged in, run login first"
	case ReasonReauthRequired:
		return "the session expired or was revoked, log in again"
	case ReasonTransient:
		return "the platform could not refresh the session right now, try again later"
	case ReasonNetworkError:
		return "network error, check your connection and try again"
	case ReasonStorageError:
		return "could not read or write the token file, log in again once it is writable"
	case ReasonStateMismatch:
		return "security check failed (state mismatch), start a new login"
	case ReasonInvalidCode:
		return "the authorization code was rejected, start a new login"
	case ReasonAuthError:
		return "authorization failed, check the client ID, client secret and mall ID"
	case ReasonUserCancelled:
		return "login was cancelled"
	case ReasonTimeout:
		return "login timed out waiting for the browser redirect"
	default:
		return "unexpected authentication failure"
	}
}

// Error is the typed failure returned by every Authority operation.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

// Sentinels for errors.Is; matching compares the reason only.
var (
	ErrNeedsLogin     = &Error{Reason: ReasonNeedsLogin}
	ErrReauthRequired = &Error{Reason: ReasonReauthRequired}
	ErrTransient      = &Error{Reason: ReasonTransient}
	ErrNetwork        = &Error{Reason: ReasonNetworkError}
	ErrStorage        = &Error{Reason: ReasonStorageError}
	ErrStateMismatch  = &Error{Reason: ReasonStateMismatch}
	ErrInvalidCode    = &Error{Reason: ReasonInvalidCode}
	ErrAuth           = &Error{Reason: ReasonAuthError}
	ErrUserCancelled  = &Error{Reason: ReasonUserCancelled}
	ErrTimeout        = &Error{Reason: ReasonTimeout}
)

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Message: reason.Message(), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Reason.Message()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// ReasonOf extracts the reason from err, or "" if err is not an *Error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
