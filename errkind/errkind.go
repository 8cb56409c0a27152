// Package errkind defines the kinds of failure reported by sealbox
// operations.
//
// Each Kind is itself an error, so callers can check for a kind with
// errors.Is regardless of how the error was wrapped:
//
//	if errors.Is(err, errkind.AuthenticationFailed) { ... }
//
// Failures that carry additional detail, such as the response body from a
// rejected token exchange, are reported as an *Error whose Is method matches
// its Kind.
package errkind

import (
	"errors"
	"fmt"
)

// A Kind identifies a class of failure.
type Kind int

const (
	// Unknown is the zero Kind and is never reported.
	Unknown Kind = iota

	// NotInitialized means no password wrap exists for the installation.
	NotInitialized

	// AlreadyInitialized means a password wrap already exists.
	AlreadyInitialized

	// NotAuthenticated means the operation requires an active session.
	NotAuthenticated

	// AuthenticationFailed means a password or key did not authenticate the
	// ciphertext it was used to open.
	AuthenticationFailed

	// NotLinked means no federated identity wrap exists.
	NotLinked

	// AlreadyLinked means a federated identity wrap already exists.
	AlreadyLinked

	// AccountMismatch means a federated login completed for a subject other
	// than the one that was linked.
	AccountMismatch

	// SecureFacilityUnavailable means the OS secret facility could not be
	// used to protect or recover key material.
	SecureFacilityUnavailable

	// UnsupportedVersion means persisted data has a format version or
	// parameter set this program does not understand.
	UnsupportedVersion

	// Timeout means the federated login flow gave up waiting for a callback.
	Timeout

	// TokenExchangeFailed means the provider rejected the authorization code.
	TokenExchangeFailed

	// InvalidIdentityToken means the identity token failed validation.
	InvalidIdentityToken

	// StoreNotOpen means the encrypted store is not open.
	StoreNotOpen
)

var kindNames = [...]string{
	Unknown:                   "unknown error",
	NotInitialized:            "not initialized",
	AlreadyInitialized:        "already initialized",
	NotAuthenticated:          "not authenticated",
	AuthenticationFailed:      "authentication failed",
	NotLinked:                 "federated identity not linked",
	AlreadyLinked:             "federated identity already linked",
	AccountMismatch:           "federated account mismatch",
	SecureFacilityUnavailable: "secure secret facility unavailable",
	UnsupportedVersion:        "unsupported version",
	Timeout:                   "timed out",
	TokenExchangeFailed:       "token exchange failed",
	InvalidIdentityToken:      "invalid identity token",
	StoreNotOpen:              "store not open",
}

// String returns a human-readable description of k.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements the error interface.
func (k Kind) Error() string { return k.String() }

// Error is an error of a specific Kind with optional detail.
type Error struct {
	Kind   Kind   // the kind of failure (required)
	Detail string // optional human-readable detail
	Err    error  // optional underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Unwrap returns the underlying cause of e, if any.
func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of kind k with the specified detail.
func New(k Kind, detail string) *Error { return &Error{Kind: k, Detail: detail} }

// Wrap returns an *Error of kind k wrapping err.
func Wrap(k Kind, err error) *Error { return &Error{Kind: k, Err: err} }

// Of returns the Kind of err, or Unknown if err does not carry one.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}
