package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	cache := NewMemoryCache(&Options{
		DefaultTTL: 1 * time.Minute,
		MaxEntries: 100,
	})
	defer cache.Close()

	ctx := context.Background()
	key := "test-key"
	value := []byte("test-value")

	err := cache.Set(ctx, key, value, 0)
	if err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	got, err := cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}

	if string(got) != string(value) {
		t.Errorf("expected %s, got %s", value, got)
	}
}

func TestMemoryCache_GetNotFound(t *testing.T) {
	cache := NewMemoryCache(nil)
	defer cache.Close()

	ctx := context.Background()
	_, err := cache.Get(ctx, "nonexistent")
	if err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	cache := NewMemoryCache(&Options{
		DefaultTTL:      100 * time.Millisecond,
		CleanupInterval: 50 * time.Millisecond,
	})
	defer cache.Close()

	ctx := context.Background()
	key := "test-key"

	cache.Set(ctx, key, []byte("value"), 100*time.Millisecond)

	// Should exist initially
	_, err := cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("expected key to exist: %v", err)
	}

	// Wait for expiration
	time.Sleep(150 * time.Millisecond)

	// Should not exist
	_, err = cache.Get(ctx, key)
	if err != ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound after TTL, got %v", err)
	}
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	cache := NewMemoryCache(&Options{
		MaxEntries: 3,
		DefaultTTL: time.Minute,
	})
	defer cache.Close()

	ctx := context.Background()

	// Fill cache
	cache.Set(ctx, "key1", []byte("value1"), 0)
	time.Sleep(10 * time.Millisecond)
	cache.Set(ctx, "key2", []byte("value2"), 0)
	time.Sleep(10 * time.Millisecond)
	cache.Set(ctx, "key3", []byte("value3"), 0)

	// Access key1 to make it recently used
	cache.Get(ctx, "key1")

	// Add new key, should evict key2 (least recently used)
	cache.Set(ctx, "key4", []byte("value4"), 0)

	// key2 should be evicted
	_, err := cache.Get(ctx, "key2")
	if err != ErrKeyNotFound {
		t.Error("expected key2 to be evicted")
	}

	// key1 should still exist
	_, err = cache.Get(ctx, "key1")
	if err != nil {
		t.Error("expected key1 to still exist")
	}
}

func TestMemoryCache_Close(t *testing.T) {
	cache := NewMemoryCache(nil)

	ctx := context.Background()
	cache.Set(ctx, "key", []byte("value"), 0)

	err := cache.Close()
	if err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	// Operations after close should return error
	_, err = cache.Get(ctx, "key")
	if err != ErrCacheClosed {
		t.Errorf("expected ErrCacheClosed, got %v", err)
	}

	// Double close should be safe
	err = cache.Close()
	if err != nil {
		t.Errorf("double close should not error: %v", err)
	}
}
