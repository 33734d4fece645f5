package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	if err := s.Set(ctx, "key1", []byte("value1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	data, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "value1" {
		t.Fatalf("expected 'value1', got '%s'", string(data))
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore(0)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	if err := s.Set(ctx, "key", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Get(ctx, "key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired key to be ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_ = s.Set(ctx, "prefix:key1", []byte("v1"), 0)
	_ = s.Set(ctx, "prefix:key2", []byte("v2"), 0)
	_ = s.Set(ctx, "other:key3", []byte("v3"), 0)

	keys, err := s.ScanPrefix(ctx, "prefix:")
	if err != nil {
		t.Fatalf("ScanPrefix failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_ = s.Set(ctx, "key", []byte("old"), 0)

	swapped, err := s.CompareAndSwap(ctx, "key", []byte("old"), []byte("new"))
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if !swapped {
		t.Fatal("CompareAndSwap should have succeeded")
	}

	data, _ := s.Get(ctx, "key")
	if string(data) != "new" {
		t.Fatalf("expected 'new', got '%s'", string(data))
	}

	swapped, err = s.CompareAndSwap(ctx, "key", []byte("old"), []byte("newer"))
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if swapped {
		t.Fatal("CompareAndSwap against a stale expected value must fail")
	}
}

func TestMemoryStore_CompareAndSwap_InsertOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	ok, err := s.CompareAndSwap(ctx, "lock:u1", nil, []byte("v1"))
	if err != nil || !ok {
		t.Fatalf("expected insert-only CAS to succeed on absent key, got ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSwap(ctx, "lock:u1", nil, []byte("v2"))
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if ok {
		t.Fatal("expected insert-only CAS to fail once the key exists")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	_ = s.Set(ctx, "key", []byte("v"), 0)

	if err := s.Delete(ctx, "key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be ErrNotFound, got %v", err)
	}

	ok, err := s.CompareAndSwap(ctx, "key", nil, []byte("new"))
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if !ok {
		t.Fatal("expected insert-only CAS to succeed after delete")
	}
}

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
