// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/obsidian-market/obsidian-backend/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"Overwrite", testOverwrite},
		{"SetNX", testSetNX},
		{"DelExists", testDelExists},
		{"TTL", testTTL},
		{"HealthCheck", testHealthCheck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "test:string", []byte("hello world")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	result, err := store.Get(ctx, "test:string")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "hello world" {
		t.Errorf("Expected %q, got %q", "hello world", result)
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "test:missing")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testOverwrite(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "test:overwrite", []byte("one"), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, "test:overwrite", []byte("two")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	result, err := store.Get(ctx, "test:overwrite")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "two" {
		t.Errorf("Expected %q, got %q", "two", result)
	}
}

func testSetNX(t *testing.T, store kv.Store) {
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "test:nx", []byte("first"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if !ok {
		t.Fatalf("Expected SetNX on an absent key to succeed")
	}
	ok, err = store.SetNX(ctx, "test:nx", []byte("second"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if ok {
		t.Errorf("Expected SetNX on a present key to fail")
	}
	result, err := store.Get(ctx, "test:nx")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "first" {
		t.Errorf("Expected %q, got %q", "first", result)
	}
}

func testDelExists(t *testing.T, store kv.Store) {
	ctx := context.Background()

	_ = store.Set(ctx, "test:a", []byte("a"))
	_ = store.Set(ctx, "test:b", []byte("b"))

	n, err := store.Exists(ctx, "test:a", "test:b", "test:c")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 existing keys, got %d", n)
	}

	deleted, err := store.Del(ctx, "test:a", "test:c")
	if err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted key, got %d", deleted)
	}
	if _, err := store.Get(ctx, "test:a"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected deleted key to be gone, got %v", err)
	}
}

func testTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "test:ttl", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	ttl, err := store.TTL(ctx, "test:ttl")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("Expected TTL within (0, 1m], got %v", ttl)
	}

	_ = store.Set(ctx, "test:forever", []byte("v"))
	ttl, err = store.TTL(ctx, "test:forever")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl >= 0 {
		t.Errorf("Expected negative TTL for persistent key, got %v", ttl)
	}

	if _, err := store.TTL(ctx, "test:nope"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing key, got %v", err)
	}
}

func testHealthCheck(t *testing.T, store kv.Store) {
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
