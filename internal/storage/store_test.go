package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreConfig{Cache: NewCollectionCache()})
	if err == nil || !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestNewStoreRequiresCache(t *testing.T) {
	_, _, db := newTestStore(t)
	_, err := NewStore(StoreConfig{Database: db})
	if err == nil || !errors.Is(err, errMissingCache) {
		t.Fatalf("expected missing cache error, got %v", err)
	}
}

func TestSessionTimestampIsFixed(t *testing.T) {
	store, clock, _ := newTestStore(t)
	session := beginSession(t, store)
	defer session.Rollback() //nolint:errcheck

	before := session.Timestamp()
	clock.Advance(1000)
	if session.Timestamp() != before {
		t.Fatalf("session timestamp must not move with the clock")
	}
	if before != 1700000000_000 {
		t.Fatalf("unexpected session timestamp %d", before)
	}
}

func TestNewObjectIDValidation(t *testing.T) {
	if _, err := NewObjectID(""); !errors.Is(err, ErrInvalidObjectID) {
		t.Fatalf("expected ErrInvalidObjectID for empty id, got %v", err)
	}
	if _, err := NewObjectID(strings.Repeat("a", 65)); !errors.Is(err, ErrInvalidObjectID) {
		t.Fatalf("expected ErrInvalidObjectID for oversized id, got %v", err)
	}
	id, err := NewObjectID("bso-1")
	if err != nil || id.String() != "bso-1" {
		t.Fatalf("unexpected result: %v %v", id, err)
	}
}

func TestNewCollectionNameValidation(t *testing.T) {
	if _, err := NewCollectionName("  "); !errors.Is(err, ErrInvalidCollectionName) {
		t.Fatalf("expected ErrInvalidCollectionName for blank name, got %v", err)
	}
	if _, err := NewCollectionName(strings.Repeat("c", 33)); !errors.Is(err, ErrInvalidCollectionName) {
		t.Fatalf("expected ErrInvalidCollectionName for oversized name, got %v", err)
	}
}

func TestNewUserIDValidation(t *testing.T) {
	if _, err := NewUserID(0); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID for zero, got %v", err)
	}
	if _, err := NewUserID(-3); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID for negative, got %v", err)
	}
	id, err := NewUserID(12)
	if err != nil || id.Int64() != 12 {
		t.Fatalf("unexpected result: %v %v", id, err)
	}
}
