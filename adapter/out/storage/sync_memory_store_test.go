package storage

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = %t, %v", ok, err)
	}

	if err := s.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get(k) = %q, %t, %v", got, ok, err)
	}

	// Returned slices are copies; mutating them must not corrupt the store.
	got[0] = 'X'
	again, _, _ := s.Get(ctx, "k")
	if string(again) != "v1" {
		t.Errorf("stored value corrupted: %q", again)
	}

	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("key still present after Remove")
	}
	// Removing a missing key is a no-op.
	if err := s.Remove(ctx, "k"); err != nil {
		t.Errorf("Remove(missing) error = %v", err)
	}
}
