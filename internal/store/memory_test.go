package store

import (
	"context"
	"errors"
	"testing"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	in := payload{Name: "wallet", Count: 3}
	if err := s.Set(ctx, Key("ledger", "u1", "balance"), in); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out payload
	if err := s.Get(ctx, "ledger:u1:balance", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()

	var out payload
	err := s.Get(context.Background(), "session:u1:state", &out)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "session:u1:fencing", "tok-a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, "session:u1:fencing"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var out string
	if err := s.Get(ctx, "session:u1:fencing", &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "session:u1:fencing"); err != nil {
		t.Errorf("delete absent key: %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", payload{Name: "original"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	var first payload
	if err := s.Get(ctx, "k", &first); err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Name = "mutated"

	var second payload
	if err := s.Get(ctx, "k", &second); err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Name != "original" {
		t.Errorf("stored value mutated through returned copy: %q", second.Name)
	}
}

func TestKey(t *testing.T) {
	if got := Key("session", "u1", "state"); got != "session:u1:state" {
		t.Errorf("expected session:u1:state, got %s", got)
	}
	if got := Key("session"); got != "session" {
		t.Errorf("expected session, got %s", got)
	}
}
