package sso

import (
	"errors"
	"fmt"
)

// The four error kinds shared by all providers. Every failure in an
// authentication attempt wraps exactly one of these sentinels so callers can
// classify it with errors.Is. All of them are terminal for the current
// attempt; none are retried by the core.
var (
	// ErrConfiguration indicates a missing or inconsistent provider
	// configuration. Raised at construction or by ValidateConfiguration.
	ErrConfiguration = errors.New("sso: configuration error")

	// ErrAuthentication indicates the identity provider explicitly reported a
	// failure, or signature/token validation machinery rejected the response.
	ErrAuthentication = errors.New("sso: authentication failed")

	// ErrValidation indicates a correlation mismatch (InResponseTo, state,
	// nonce) or a malformed response. Treated as a potential attack.
	ErrValidation = errors.New("sso: validation failed")

	// ErrReplay indicates a previously consumed assertion or token identifier
	// reappeared.
	ErrReplay = errors.New("sso: replayed identifier")
)

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func authErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, args...))
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func replayErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrReplay, fmt.Sprintf(format, args...))
}

// FailureReason classifies an error for metrics and audit events. Unknown
// errors map to "internal".
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "internal"
	}
}
