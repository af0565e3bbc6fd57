package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB opens a fresh in-memory SQLite instance for tests.
// The pool is pinned to a single connection: each SQLite :memory: connection
// is its own database, so concurrent test goroutines must share one.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	sqlDB, err := db.DB()
	require.NoError(t, err, "get underlying sql.DB")
	sqlDB.SetMaxOpenConns(1)

	return db
}

// newTestStorage opens a migrated in-memory storage.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	store := NewGormStorage(openTestDB(t))
	require.NoError(t, store.Migrate(context.Background()), "migrate test db")
	return store
}
