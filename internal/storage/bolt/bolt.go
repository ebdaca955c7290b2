package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/mediatrace/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketDurable = "durable"
	bucketTabs    = "tabs"
)

// Store implements the storage.Store interface using bbolt. Session values
// live in a nested bucket named after the tab id and carry a last-used
// stamp; a value untouched for longer than the session TTL reads as absent.
type Store struct {
	db         *bbolt.DB
	tabID      string
	sessionTTL time.Duration
	now        func() time.Time
}

// Open opens a BoltDB-backed store. A zero sessionTTL keeps session values
// until they are deleted.
func Open(path, tabID string, sessionTTL time.Duration) (*Store, error) {
	if tabID == "" {
		return nil, fmt.Errorf("tab id is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db, tabID: tabID, sessionTTL: sessionTTL, now: time.Now}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}
	return nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketDurable)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketDurable, err)
		}
		tabs, err := tx.CreateBucketIfNotExists([]byte(bucketTabs))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketTabs, err)
		}
		if _, err := tabs.CreateBucketIfNotExists([]byte(s.tabID)); err != nil {
			return fmt.Errorf("create tab bucket %s: %w", s.tabID, err)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Durable returns the durable tier.
func (s *Store) Durable() storage.KV {
	return &kv{db: s.db, path: []string{bucketDurable}}
}

// Session returns the tier scoped to this store's tab. Reads and writes
// refresh a value's stamp.
func (s *Store) Session() storage.KV {
	return &kv{db: s.db, path: []string{bucketTabs, s.tabID}, ttl: s.sessionTTL, now: s.now}
}

const stampSize = 8

type kv struct {
	db   *bbolt.DB
	path []string
	ttl  time.Duration
	now  func() time.Time
}

func (k *kv) stamped() bool {
	return k.ttl > 0
}

func (k *kv) stamp(value []byte) []byte {
	out := make([]byte, stampSize+len(value))
	binary.BigEndian.PutUint64(out, uint64(k.now().UnixNano()))
	copy(out[stampSize:], value)
	return out
}

// unstamp returns the payload of a stamped value, or false when the value
// is malformed or older than the TTL.
func (k *kv) unstamp(raw []byte) ([]byte, bool) {
	if len(raw) < stampSize {
		return nil, false
	}
	written := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
	if k.now().Sub(written) > k.ttl {
		return nil, false
	}
	return raw[stampSize:], true
}

func (k *kv) bucket(tx *bbolt.Tx) *bbolt.Bucket {
	b := tx.Bucket([]byte(k.path[0]))
	for _, name := range k.path[1:] {
		if b == nil {
			return nil
		}
		b = b.Bucket([]byte(name))
	}
	return b
}

func (k *kv) Get(ctx context.Context, key string) ([]byte, error) {
	if k.stamped() {
		return k.getStamped(ctx, key)
	}
	var value []byte
	err := k.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := k.bucket(tx)
		if b == nil {
			return storage.ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		// bbolt memory is only valid inside the transaction.
		value = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (k *kv) getStamped(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := k.bucket(tx)
		if b == nil {
			return storage.ErrNotFound
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		payload, ok := k.unstamp(raw)
		if !ok {
			return storage.ErrNotFound
		}
		value = append([]byte(nil), payload...)
		return b.Put([]byte(key), k.stamp(value))
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (k *kv) Put(ctx context.Context, key string, value []byte) error {
	if k.stamped() {
		value = k.stamp(value)
	}
	return k.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := k.bucket(tx)
		if b == nil {
			return fmt.Errorf("bucket missing: %v", k.path)
		}
		return b.Put([]byte(key), value)
	})
}

func (k *kv) Delete(ctx context.Context, key string) error {
	return k.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := k.bucket(tx)
		if b == nil {
			return storage.ErrNotFound
		}
		if b.Get([]byte(key)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}
