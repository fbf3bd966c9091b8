package redis

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/timetrack/internal/config"
	"github.com/goodtune/timetrack/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyPrefix:    "test:",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestStore_GetSet(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "daily:2024-01-15", []byte(`{"example.com":1000}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "daily:2024-01-15")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"example.com":1000}` {
		t.Errorf("Unexpected value: %s", got)
	}

	// Keys are namespaced with the configured prefix
	if !mr.Exists("test:daily:2024-01-15") {
		t.Error("Expected prefixed key in Redis")
	}
	if ttl := mr.TTL("test:daily:2024-01-15"); ttl != 0 {
		t.Errorf("Expected no TTL, got %v", ttl)
	}
}

func TestStore_GetMany(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	_ = store.Set(ctx, "a", []byte("1"))
	_ = store.Set(ctx, "c", []byte("3"))

	values, err := store.GetMany(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}

	if len(values) != 2 {
		t.Fatalf("Expected 2 values, got %d", len(values))
	}
	if string(values["a"]) != "1" || string(values["c"]) != "3" {
		t.Errorf("Unexpected values: %v", values)
	}
	if _, ok := values["b"]; ok {
		t.Error("Missing key should be omitted")
	}

	empty, err := store.GetMany(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty result for no keys, got %v, %v", empty, err)
	}
}

func TestStore_RemoveAndList(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	// Keys outside the prefix must never be listed
	_ = mr.Set("other:key", "x")

	for _, k := range []string{"limits", "daily:2024-01-01", "daily:2024-01-02"} {
		if err := store.Set(ctx, k, []byte("{}")); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	keys, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(keys)

	want := []string{"daily:2024-01-01", "daily:2024-01-02", "limits"}
	if len(keys) != len(want) {
		t.Fatalf("Expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Key %d: expected %s, got %s", i, want[i], keys[i])
		}
	}

	if err := store.Remove(ctx, "daily:2024-01-01", "does-not-exist"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if mr.Exists("test:daily:2024-01-01") {
		t.Error("Expected key to be removed")
	}
	if !mr.Exists("other:key") {
		t.Error("Foreign key must be untouched")
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{
		Host:         "127.0.0.1",
		DialTimeout:  "soon",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err == nil {
		t.Fatal("Expected error for invalid dial timeout")
	}
}
