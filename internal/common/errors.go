// Package common defines the error taxonomy and small helpers shared by the
// sync engine, its storage backends and the registry server. Callers should
// use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Storage-level errors.
	ErrPermissionDenied   = errors.New("permission denied")
	ErrAuthExpired        = errors.New("auth expired")
	ErrRemoteNotFound     = errors.New("remote file not found")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrRemoteError        = errors.New("remote error")

	// Envelope and crypto errors.
	ErrInvalidFormat    = errors.New("invalid format")
	ErrDecryptionFailed = errors.New("wrong password or corrupted data")
	ErrPasswordRequired = errors.New("password required")

	// Session errors.
	ErrFamilyMismatch     = errors.New("family mismatch")
	ErrEncryptionRequired = errors.New("encryption required")
	ErrNoActiveFamily     = errors.New("no active family")
	ErrNotConfigured      = errors.New("storage not configured")
	ErrPasskeyUnavailable = errors.New("passkey unlock unavailable")

	// Registry errors.
	ErrorNotFound   = errors.New("not found")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// RemoteError carries the HTTP detail of a backend failure that has no more
// specific classification. It matches ErrRemoteError.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: remote error (status %d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: remote error (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemoteError }
