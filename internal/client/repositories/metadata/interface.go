// Package metadata is the device-local key/value store. Nothing stored here
// is ever written into a pod file: provider configs, queued offline writes
// and trusted-device password caches all live in it.
//
// Keys are namespaced by purpose, most of them per family:
// "provider:<family>", "trusted:<family>", "encryption:<family>",
// "offline:<family>".
package metadata

import (
	"context"
	"time"
)

// Entry is one stored pair with the time it was last written.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Repository is a byte-valued key/value store. Get returns (nil, nil) for a
// missing key.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Entries(ctx context.Context, prefix string) ([]Entry, error)
}
