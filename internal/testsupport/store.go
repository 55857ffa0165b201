package testsupport

import (
	"context"
	"testing"
	"time"

	"mxgate/internal/config"
	"mxgate/internal/sessionstore"
)

// MustOpenStore opens a sessionstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *sessionstore.Store {
	t.Helper()

	store, err := sessionstore.Open(cfg)
	if err != nil {
		t.Fatalf("sessionstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedSession stores a plausible authenticated session for tests.
func SeedSession(t testing.TB, store *sessionstore.Store, homeserver string) sessionstore.SessionRecord {
	t.Helper()

	record := sessionstore.SessionRecord{
		Homeserver:  homeserver,
		UserID:      "@tester:test.local",
		DeviceID:    "MXGATETEST",
		AccessToken: "syt_test_token",
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.SaveSession(context.Background(), record); err != nil {
		t.Fatalf("store.SaveSession: %v", err)
	}
	return record
}
