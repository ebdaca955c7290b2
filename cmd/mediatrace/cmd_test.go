package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/goodtune/mediatrace/internal/config"
	"github.com/goodtune/mediatrace/internal/entityid"
	"github.com/goodtune/mediatrace/internal/queue"
	"github.com/goodtune/mediatrace/internal/storage"
)

func TestOpenStorage(t *testing.T) {
	store, err := openStorage(config.StorageConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("memory storage: %v", err)
	}
	_ = store.Close()

	path := filepath.Join(t.TempDir(), "state", "mediatrace.bolt")
	store, err = openStorage(config.StorageConfig{Type: "bolt", Path: path, TabID: "tab-1"})
	if err != nil {
		t.Fatalf("bolt storage: %v", err)
	}
	_ = store.Close()

	if _, err := openStorage(config.StorageConfig{Type: "sqlite"}); err == nil {
		t.Error("expected unsupported storage type to fail")
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("collector:\n  endpoint: http://stash:9999\n  send_intervall: 2s\nlogging:\n  level: debug\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("find unknown keys: %v", err)
	}
	if len(unknown) != 1 || unknown[0] != "collector.send_intervall" {
		t.Errorf("expected the misspelled key reported, got %v", unknown)
	}
}

func TestOpenFeed(t *testing.T) {
	r, closeFeed, err := openFeed("-")
	if err != nil || r != os.Stdin {
		t.Fatalf("expected stdin, got %v %v", r, err)
	}
	closeFeed()

	if _, _, err := openFeed(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("expected missing feed file to fail")
	}
}

func TestDumpSectionCoversEveryKey(t *testing.T) {
	// every leaf the dump walks must be a known key
	known := make(map[string]bool)
	for _, key := range config.Keys() {
		known[key] = true
	}
	var walk func(prefix string, typ reflect.Type)
	walk = func(prefix string, typ reflect.Type) {
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			key := f.Tag.Get("mapstructure")
			if prefix != "" {
				key = prefix + "." + key
			}
			if f.Type.Kind() == reflect.Struct {
				walk(key, f.Type)
				continue
			}
			if !known[key] {
				t.Errorf("config field %s has no default", key)
			}
		}
	}
	walk("", reflect.TypeOf(config.Config{}))
}

func TestClearQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediatrace.bolt")
	store, err := openStorage(config.StorageConfig{Type: "bolt", Path: path, TabID: "default"})
	if err != nil {
		t.Fatalf("bolt storage: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	durable := store.Durable()

	cleared, err := clearQueue(ctx, durable)
	if err != nil || cleared {
		t.Fatalf("expected empty queue to clear quietly, got %v (%v)", cleared, err)
	}

	if err := durable.Put(ctx, storage.KeyQueue, []byte("{not json")); err != nil {
		t.Fatalf("put corrupt queue: %v", err)
	}
	normalizer, err := entityid.New(entityid.DefaultCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := queue.Load(ctx, durable, normalizer); err == nil {
		t.Fatal("expected corrupt queue to fail loading")
	}

	cleared, err = clearQueue(ctx, durable)
	if err != nil || !cleared {
		t.Fatalf("expected corrupt queue discarded, got %v (%v)", cleared, err)
	}
	if _, err := durable.Get(ctx, storage.KeyQueue); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected queue key removed, got %v", err)
	}
}
