package db

import (
	"path/filepath"
	"testing"

	"github.com/healthmon/healthchat/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadEmptyStore(t *testing.T) {
	store := newTestStore(t)

	session, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if session != nil {
		t.Errorf("expected no session, got %+v", session)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	want := &models.Session{
		UserID:      42,
		Credentials: models.Credentials{Username: "alice", Password: "s3cret!"},
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || *got != *want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestSaveReplacesPreviousSession(t *testing.T) {
	store := newTestStore(t)

	first := &models.Session{UserID: 1, Credentials: models.Credentials{Username: "a", Password: "x"}}
	second := &models.Session{UserID: 2, Credentials: models.Credentials{Username: "b", Password: "y"}}

	if err := store.Save(first); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	if err := store.Save(second); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || *got != *second {
		t.Errorf("Load = %+v, want %+v", got, second)
	}
}

func TestClear(t *testing.T) {
	store := newTestStore(t)

	// Clearing an empty store is fine.
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear empty store: %v", err)
	}

	session := &models.Session{UserID: 7, Credentials: models.Credentials{Username: "a", Password: "x"}}
	if err := store.Save(session); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("expected empty store after Clear, got %+v", got)
	}
}
