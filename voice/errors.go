package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// Gateway close codes the relay treats specially.
const (
	// CloseAuthenticationFailed is sent when the bot token is rejected.
	CloseAuthenticationFailed = 4004
	// CloseSessionNoLongerValid is sent by the voice gateway when the voice
	// session has been invalidated, usually after a network blip.
	CloseSessionNoLongerValid = 4006
	// CloseDisallowedIntents is sent when the bot asks for intents it lacks.
	CloseDisallowedIntents = 4014
)

// ConfigError reports missing or malformed startup configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// AuthError reports a rejected credential. It is never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError reports a guild or channel that does not exist or is not a
// voice channel.
type NotFoundError struct {
	Kind string // "guild" or "channel"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// ConnectError reports a failed voice connect. Code carries the gateway close
// code when one was observed, zero otherwise.
type ConnectError struct {
	Reason string
	Code   int
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("voice connect failed (code %d): %s", e.Code, e.Reason)
	}
	return "voice connect failed: " + e.Reason
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SessionInvalidated reports whether the platform told us the voice session is
// no longer valid.
func (e *ConnectError) SessionInvalidated() bool { return e.Code == CloseSessionNoLongerValid }

// LaunchError reports a playback pipeline that failed to start.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch failed: %v", e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient error.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the relay must not retry for this run.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error from a collaborator to a retry class.
//
// Fatal: configuration errors, rejected credentials, missing guild/channel,
// and gateway closes 4004 / 4014.
// Retryable: connect and launch failures, timeouts, every other close code.
// Anything unrecognised is retryable so the relay never gives up early.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	var cfgErr *ConfigError
	var authErr *AuthError
	var nfErr *NotFoundError
	if errors.As(err, &cfgErr) || errors.As(err, &authErr) || errors.As(err, &nfErr) {
		return ErrorClassFatal
	}

	if code, ok := CloseCode(err); ok {
		switch code {
		case CloseAuthenticationFailed, CloseDisallowedIntents:
			return ErrorClassFatal
		default:
			return ErrorClassRetryable
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}

	return ErrorClassRetryable
}

// IsFatal checks if an error should not be retried.
func IsFatal(err error) bool {
	return Classify(err) == ErrorClassFatal
}

// CloseCode extracts a gateway close code from err, looking at ConnectError
// first and then at a wrapped *websocket.CloseError.
func CloseCode(err error) (int, bool) {
	var connErr *ConnectError
	if errors.As(err, &connErr) && connErr.Code != 0 {
		return connErr.Code, true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, true
	}
	return 0, false
}
