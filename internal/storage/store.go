package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Well-known keys of the persisted collector state.
const (
	KeyQueue     = "queue"
	KeySessionID = "session_id"
	KeyClientID  = "client_id"
)

// Store represents the root storage interface. It exposes two tiers:
// durable values outlive every session, session values are scoped to one
// tab and survive reloads within it.
type Store interface {
	Close() error
	Durable() KV
	Session() KV
}

// KV is a byte-valued key/value tier.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
