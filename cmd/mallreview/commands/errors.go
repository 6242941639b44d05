package commands

import (
	"errors"

	"github.com/florianilch/mallreview/internal/authority"
)

// Exit codes
const (
	exitFailure       = 1
	exitLoginRequired = 2
)

// Describe turns err into a one-line message for the operator.
func Describe(err error) string {
	var authErr *authority.Error
	if errors.As(err, &authErr) {
		msg := authErr.Error()
		switch authErr.Reason {
		case authority.ReasonNeedsLogin, authority.ReasonReauthRequired:
			msg += " (run: mallreview login)"
		}
		return msg
	}
	return err.Error()
}

// ExitCode distinguishes failures that need a new login from all others.
func ExitCode(err error) int {
	switch authority.ReasonOf(err) {
	case authority.ReasonNeedsLogin, authority.ReasonReauthRequired:
		return exitLoginRequired
	default:
		return exitFailure
	}
}
