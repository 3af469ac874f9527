// Package pkderr defines the error taxonomy shared across the directory
// server: lock contention, protocol violations, persistence failures,
// configuration failures, cryptographic failures and rate limiting.
package pkderr

import (
	"errors"
	"fmt"
	"time"
)

// ErrConcurrent reports that the exclusive ledger lock could not be
// acquired within the retry budget. The operation may be retried by the
// caller; it is never retried below this boundary.
var ErrConcurrent = errors.New("could not acquire ledger lock")

// ErrNotImplemented reports an unsupported database driver or feature.
var ErrNotImplemented = errors.New("not implemented for this driver")

// ProtocolError is a validation or business-rule violation: wrong action,
// wrong encryption state, actor confusion, stale OTP, bad signature.
// Surfaced to clients as a rejected request, never retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

// Protocolf builds a ProtocolError with a formatted reason.
func Protocolf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// TableError is a persistence-layer contract violation: unknown table,
// missing row, failed insert. Fatal to the current request.
type TableError struct {
	Table string
	Op    string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %s: %s: %v", e.Table, e.Op, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// DependencyError is a misconfiguration: bad hash algorithm, invalid
// hostname, missing key material. Fatal at startup or first use.
type DependencyError struct {
	Reason string
}

func (e *DependencyError) Error() string { return "dependency: " + e.Reason }

// CryptoError is a cryptographic verification or sealing failure. On
// untrusted input it is an authentication failure; on the server's own
// key material it is fatal.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return "crypto: " + e.Op
	}
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// RateLimitError carries the exact instant at which the caller may retry.
type RateLimitError struct {
	RateLimitedUntil time.Time
}

func (e *RateLimitError) Error() string {
	return "rate limited until " + e.RateLimitedUntil.UTC().Format(time.RFC3339)
}

// IsProtocol reports whether err is (or wraps) a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRateLimited extracts the retry-after instant when err is a
// RateLimitError.
func IsRateLimited(err error) (time.Time, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RateLimitedUntil, true
	}
	return time.Time{}, false
}
