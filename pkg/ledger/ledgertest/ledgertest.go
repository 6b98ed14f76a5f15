// Package ledgertest opens throwaway in-memory ledgers for tests.
package ledgertest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/efortin/vllm-fleet/pkg/ledger"
)

// TB is the part of testing.TB the helper needs. GinkgoT() satisfies it.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// New returns a migrated ledger backed by a private in-memory SQLite
// database. It is closed when the test ends.
func New(t TB) *ledger.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := ledger.Open(ledger.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("ledger handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store := ledger.New(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
