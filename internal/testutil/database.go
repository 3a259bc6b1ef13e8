package testutil

import (
	"testing"

	"formkeep/internal/database"
)

// NewTestStore creates a new in-memory SQLite store with migrations applied.
// It uses FixedClock and a StubIDGenerator. The store is closed when the
// test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:", FixedClock(), NewStubIDGenerator())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		t.Fatalf("failed to migrate database: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
