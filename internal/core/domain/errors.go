package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Each class carries its own retry and surfacing policy:
// config and auth errors are fatal and never retried, network and server
// errors are transient and retried with backoff, protocol rejections are
// surfaced but do not abort the pass, and local I/O errors fail the current
// pass and are retried on the next one.

// ErrStateNotFound marks a missing local state file on first run. It is not
// a failure; it triggers the first-time registration flow.
var ErrStateNotFound = errors.New("local state not found")

// ErrRegistrationStale means the server no longer recognizes this instance's
// registration (unregistered GUID or stale capability info). The caller
// re-registers and retries the operation once.
var ErrRegistrationStale = errors.New("instance registration is stale or unknown to the server")

// ConfigError is a fatal local-configuration problem the operator must fix.
type ConfigError struct {
	Reason string
	Remedy string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v (%s)", e.Reason, e.Err, e.Remedy)
	}
	return fmt.Sprintf("configuration error: %s (%s)", e.Reason, e.Remedy)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AuthError is fatal for the affected instance; the operator must
// re-register before the client can continue.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error: %s (re-register this instance with the register command)", e.Reason)
}

// NetworkError wraps a transport-level failure reaching the server.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v (check connectivity; will retry)", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a server-side failure (5xx, busy, database trouble) that is
// expected to clear on its own.
type ServerError struct {
	Op     string
	Code   int
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d during %s: %s (will retry)", e.Code, e.Op, e.Detail)
}

// ProtocolRejection means the server explicitly declined the request, e.g. a
// result with a checksum mismatch. The loop continues; the payload is kept
// for manual inspection.
type ProtocolRejection struct {
	Op     string
	Code   int
	Detail string
}

func (e *ProtocolRejection) Error() string {
	return fmt.Sprintf("server rejected %s (code %d): %s", e.Op, e.Code, e.Detail)
}

// LocalIOError is a filesystem failure (permissions, disk full). It fails
// the current pass for the affected worker and is retried on the next pass.
type LocalIOError struct {
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local I/O error on %s: %v (check file permissions and disk space)", e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// Transient reports whether err should be retried with backoff rather than
// surfaced as fatal.
func Transient(err error) bool {
	var ne *NetworkError
	var se *ServerError
	return errors.As(err, &ne) || errors.As(err, &se)
}

// Fatal reports whether err must abort the run for the affected instance.
func Fatal(err error) bool {
	var ce *ConfigError
	var ae *AuthError
	return errors.As(err, &ce) || errors.As(err, &ae)
}
