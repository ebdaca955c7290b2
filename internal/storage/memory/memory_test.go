package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/goodtune/mediatrace/internal/storage"
)

func TestTiersAreIndependent(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Durable().Put(ctx, "k", []byte("durable")); err != nil {
		t.Fatalf("put durable: %v", err)
	}
	if _, err := store.Session().Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected session tier to be empty, got %v", err)
	}

	value, err := store.Durable().Get(ctx, "k")
	if err != nil {
		t.Fatalf("get durable: %v", err)
	}
	// Returned slices are copies.
	value[0] = 'X'
	again, _ := store.Durable().Get(ctx, "k")
	if string(again) != "durable" {
		t.Fatalf("expected stored value to be unaffected, got %q", again)
	}
}

func TestCancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Durable().Put(ctx, "k", []byte("v")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
