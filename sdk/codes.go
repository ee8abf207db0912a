package sdk

import (
	"errors"

	"github.com/bhandras/meshclient/internal/runner"
	"github.com/bhandras/meshclient/internal/session"
)

// Status codes returned across the foreign boundary.
const (
	CodeOK                   int8 = 0
	CodeInvalidArgument      int8 = -1
	CodeSpawnFailed          int8 = -2
	CodeAuthenticationFailed int8 = -3
	CodeTimeout              int8 = -4
	CodeInternalFault        int8 = -5
)

// CodeFor maps an error returned by the runner to a status code. Unknown
// errors are internal faults.
func CodeFor(err error) int8 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, runner.ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, runner.ErrSpawnFailed):
		return CodeSpawnFailed
	case errors.Is(err, runner.ErrStopTimeout):
		return CodeTimeout
	}

	var failure *session.FailureError
	if errors.As(err, &failure) {
		return codeForReason(failure.Reason)
	}
	return CodeInternalFault
}

// CodeForSnapshot maps the state of a session to a status code: live and
// cleanly stopped sessions are OK, failed ones map by reason.
func CodeForSnapshot(snap session.Snapshot) int8 {
	if snap.Status != session.StatusFailed {
		return CodeOK
	}
	return codeForReason(snap.Reason)
}

func codeForReason(reason session.Reason) int8 {
	switch reason {
	case session.ReasonNone:
		return CodeOK
	case session.ReasonAuthenticationFailed:
		return CodeAuthenticationFailed
	case session.ReasonSpawnFailed:
		return CodeSpawnFailed
	case session.ReasonStopTimeout:
		return CodeTimeout
	default:
		return CodeInternalFault
	}
}
