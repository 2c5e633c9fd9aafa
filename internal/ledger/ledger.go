package ledger

import (
	"context"
	"errors"
)

// Key namespaces. Each record family lives under its own prefix and the
// families never overlap.
const (
	NSQuote   = "quote:"
	NSLicense = "license:"
	NSDLToken = "dltoken:"
)

var (
	ErrNotFound = errors.New("record not found")
)

// UpdateFunc transforms the current value of a record into its next value.
// current is nil when the record does not exist yet. Returning an error
// aborts the update and propagates the error unchanged to the caller.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is a namespaced key-value ledger holding opaque JSON documents.
//
// Update applies fn as a single atomic read-modify-write on one key: no
// other write to the same key can interleave between fn observing the
// current value and the new value being committed. Implementations use a
// per-record version and retry fn on conflict, so fn must be side-effect
// free and re-runnable.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Ping(ctx context.Context) error
	Close() error
}
