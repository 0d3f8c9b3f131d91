// Package errdefs defines the typed error kinds surfaced by the session
// services, the authentication flow engine, and the repository. Callers
// match on them with errors.As rather than string comparison.
package errdefs

import (
	"errors"
	"fmt"
)

// ParseError reports a malformed persisted document or a malformed
// intercepted network payload. Component names the producer and Fragment
// carries the raw offending bytes for diagnostics.
type ParseError struct {
	Component string
	Fragment  string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: parse error: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("%s: parse error", e.Component)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AuthenticationFailedError reports a denied or expired device grant, or a
// missing SAML assertion.
type AuthenticationFailedError struct {
	Reason string
	Err    error
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthenticationFailedError) Unwrap() error { return e.Err }

// CredentialExpiredError reports credential material that is past its
// expiration and cannot be silently refreshed.
type CredentialExpiredError struct {
	Subject string
}

func (e *CredentialExpiredError) Error() string {
	return fmt.Sprintf("credential expired: %s", e.Subject)
}

// NotFoundError reports an unknown session, integration, or secret
// identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ProviderCommandFailedError reports a failed external CLI or API
// invocation, keeping the exit detail for diagnostics.
type ProviderCommandFailedError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProviderCommandFailedError) Error() string {
	return fmt.Sprintf("provider command failed: %s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
}

func (e *ProviderCommandFailedError) Unwrap() error { return e.Err }

// ParentSessionUnavailableError reports that a chained session's parent
// could not be started.
type ParentSessionUnavailableError struct {
	SessionID string
	ParentID  string
	Err       error
}

func (e *ParentSessionUnavailableError) Error() string {
	return fmt.Sprintf("parent session %s unavailable for chained session %s: %v", e.ParentID, e.SessionID, e.Err)
}

func (e *ParentSessionUnavailableError) Unwrap() error { return e.Err }

// ConcurrencyConflictError is reserved for a future strict consistency
// mode; the current cross-process discipline is last-writer-wins.
type ConcurrencyConflictError struct {
	Resource string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s", e.Resource)
}
