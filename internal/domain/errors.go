package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. Callers match with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")

	// Auth errors.
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrChallengeMissing = fmt.Errorf("auth: %w: no pending challenge", ErrAuthInvalid)
	ErrChallengeExpired = fmt.Errorf("auth: %w: challenge expired", ErrAuthInvalid)
	ErrNonceMismatch    = fmt.Errorf("auth: %w: nonce mismatch", ErrAuthInvalid)
	ErrNonceReplayed    = fmt.Errorf("auth: %w: nonce already used", ErrAuthInvalid)
	ErrSignatureInvalid = fmt.Errorf("auth: %w: bad signature", ErrAuthInvalid)
	ErrTimestampSkew    = fmt.Errorf("auth: %w: timestamp outside tolerance", ErrAuthInvalid)
	ErrTokenExpired     = fmt.Errorf("auth: %w: token expired", ErrAuthInvalid)
	ErrNotAuthorized    = fmt.Errorf("auth: action not permitted")

	// Device errors.
	ErrDeviceNotFound    = fmt.Errorf("device not found")
	ErrDeviceUnreachable = fmt.Errorf("device unreachable")

	// Session errors. These are the one category that is fatal to the
	// caller's immediate request: they indicate a usage mistake, not a
	// transient condition.
	ErrSessionActive   = fmt.Errorf("a session is already active")
	ErrSessionNone     = fmt.Errorf("no session exists")
	ErrSessionNotFound = fmt.Errorf("session not found")

	// Transport errors.
	ErrBroadcastFailed = fmt.Errorf("broadcast failed for one or more devices")
	ErrTLSConfig       = fmt.Errorf("tls configuration invalid")
	ErrTransferHeader  = fmt.Errorf("malformed transfer header")
	ErrUnpackFailed    = fmt.Errorf("archive unpack failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Create")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsAuthError reports whether err belongs to the auth failure category.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthInvalid) || errors.Is(err, ErrNotAuthorized)
}
