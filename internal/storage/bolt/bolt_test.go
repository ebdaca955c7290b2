package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/mediatrace/internal/storage"
)

func TestDurableRoundTrip(t *testing.T) {
	store := openTestStore(t, "tab-a")
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	durable := store.Durable()

	if _, err := durable.Get(ctx, storage.KeyClientID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before put, got %v", err)
	}

	if err := durable.Put(ctx, storage.KeyClientID, []byte("client-1")); err != nil {
		t.Fatalf("put client id: %v", err)
	}

	value, err := durable.Get(ctx, storage.KeyClientID)
	if err != nil {
		t.Fatalf("get client id: %v", err)
	}
	if string(value) != "client-1" {
		t.Fatalf("expected client-1, got %q", value)
	}

	if err := durable.Delete(ctx, storage.KeyClientID); err != nil {
		t.Fatalf("delete client id: %v", err)
	}
	if err := durable.Delete(ctx, storage.KeyClientID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSessionTierIsScopedToTab(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediatrace.bolt")
	ctx := context.Background()

	first, err := Open(path, "tab-a", time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.Session().Put(ctx, storage.KeySessionID, []byte("session-a")); err != nil {
		t.Fatalf("put session id: %v", err)
	}
	if err := first.Durable().Put(ctx, storage.KeyClientID, []byte("client-1")); err != nil {
		t.Fatalf("put client id: %v", err)
	}
	_ = first.Close()

	// Same tab after a reload keeps its session.
	reloaded, err := Open(path, "tab-a", time.Hour)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	value, err := reloaded.Session().Get(ctx, storage.KeySessionID)
	if err != nil || string(value) != "session-a" {
		t.Fatalf("expected session-a after reload, got %q (%v)", value, err)
	}
	_ = reloaded.Close()

	// Another tab shares the durable tier only.
	other, err := Open(path, "tab-b", time.Hour)
	if err != nil {
		t.Fatalf("open other tab: %v", err)
	}
	defer func() { _ = other.Close() }()

	if _, err := other.Session().Get(ctx, storage.KeySessionID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no session for tab-b, got %v", err)
	}
	client, err := other.Durable().Get(ctx, storage.KeyClientID)
	if err != nil || string(client) != "client-1" {
		t.Fatalf("expected shared client id, got %q (%v)", client, err)
	}
}

func TestOpenRequiresTabID(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.bolt"), "", 0); err == nil {
		t.Fatal("expected error for empty tab id")
	}
}

func TestSessionValuesExpire(t *testing.T) {
	store := openTestStore(t, "tab-a")
	defer func() { _ = store.Close() }()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()
	session := store.Session()

	if err := session.Put(ctx, storage.KeySessionID, []byte("session-a")); err != nil {
		t.Fatalf("put session id: %v", err)
	}

	// A read inside the TTL refreshes the stamp.
	now = now.Add(50 * time.Minute)
	value, err := session.Get(ctx, storage.KeySessionID)
	if err != nil || string(value) != "session-a" {
		t.Fatalf("expected session-a inside ttl, got %q (%v)", value, err)
	}
	now = now.Add(50 * time.Minute)
	if _, err := session.Get(ctx, storage.KeySessionID); err != nil {
		t.Fatalf("expected refreshed session, got %v", err)
	}

	now = now.Add(61 * time.Minute)
	if _, err := session.Get(ctx, storage.KeySessionID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}

	// The durable tier is never stamped.
	if err := store.Durable().Put(ctx, storage.KeyClientID, []byte("client-1")); err != nil {
		t.Fatalf("put client id: %v", err)
	}
	now = now.Add(24 * time.Hour)
	client, err := store.Durable().Get(ctx, storage.KeyClientID)
	if err != nil || string(client) != "client-1" {
		t.Fatalf("expected durable value kept, got %q (%v)", client, err)
	}
}

func openTestStore(t *testing.T, tabID string) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mediatrace.bolt")
	store, err := Open(path, tabID, time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}
