// Package memory is a volatile storage.Store. Both tiers vanish with the
// process, which makes it the fallback when no persistent backend is
// configured and the default in tests.
package memory

import (
	"context"
	"sync"

	"github.com/goodtune/mediatrace/internal/storage"
)

// Store implements storage.Store in memory.
type Store struct {
	durable *kv
	session *kv
}

// New creates an empty store.
func New() *Store {
	return &Store{
		durable: &kv{values: make(map[string][]byte)},
		session: &kv{values: make(map[string][]byte)},
	}
}

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

// Durable implements storage.Store.
func (s *Store) Durable() storage.KV { return s.durable }

// Session implements storage.Store.
func (s *Store) Session() storage.KV { return s.session }

type kv struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func (k *kv) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	value, ok := k.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (k *kv) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[key] = append([]byte(nil), value...)
	return nil
}

func (k *kv) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.values[key]; !ok {
		return storage.ErrNotFound
	}
	delete(k.values, key)
	return nil
}
