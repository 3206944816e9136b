// Package storage defines the pluggable backend a family's pod file is read
// from and written to, and implements it for a local file, a cloud drive and
// an S3 bucket.
//
// All backends classify failures into the sentinels of package common:
// ErrPermissionDenied, ErrAuthExpired, ErrRemoteNotFound,
// ErrNetworkUnavailable and ErrRemoteError.
package storage

import (
	"context"
	"time"
)

// Type identifies a backend.
type Type string

const (
	TypeLocal Type = "local"
	TypeCloud Type = "cloud"
	TypeS3    Type = "s3"
)

// Provider is the contract every backend implements.
type Provider interface {
	Type() Type

	// Write replaces the whole file with content.
	Write(ctx context.Context, content []byte) error

	// Read returns the file content. (nil, nil) means the file exists but is
	// empty, as a freshly created file is.
	Read(ctx context.Context) ([]byte, error)

	// LastModified is a metadata-only call used for polling. Transient
	// network failures are swallowed and reported as the zero time; auth and
	// not-found failures are returned.
	LastModified(ctx context.Context) (time.Time, error)

	IsReady(ctx context.Context) bool

	// RequestAccess may prompt the user; callers mark user-initiated flows
	// with WithUserGesture.
	RequestAccess(ctx context.Context) error

	Persist(ctx context.Context, familyID string) error
	ClearPersisted(ctx context.Context, familyID string) error
	Disconnect(ctx context.Context) error
}

// Enqueuer receives writes that failed because the backend was unreachable.
type Enqueuer interface {
	Enqueue(ctx context.Context, content []byte) error
}

type userGestureKey struct{}

// WithUserGesture marks ctx as part of a user-initiated action, which is
// the only situation in which interactive prompts may be shown.
func WithUserGesture(ctx context.Context) context.Context {
	return context.WithValue(ctx, userGestureKey{}, true)
}

// IsUserGesture reports whether ctx was marked by WithUserGesture.
func IsUserGesture(ctx context.Context) bool {
	v, _ := ctx.Value(userGestureKey{}).(bool)
	return v
}
