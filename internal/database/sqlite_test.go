package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, profile SQLiteProfile) *SQLiteDB {
	t.Helper()
	db, err := NewSQLite(SQLiteConfig{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: profile,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewSQLiteProfiles(t *testing.T) {
	for _, profile := range []SQLiteProfile{ProfileLedger, ProfileStandard} {
		t.Run(string(profile), func(t *testing.T) {
			db := openTestDB(t, profile)
			assert.Equal(t, profile, db.Profile())
			assert.NoError(t, db.QuickCheck(context.Background()))
		})
	}
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t, ProfileLedger)
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestWithTransactionCommit(t *testing.T) {
	db := openTestDB(t, ProfileStandard)
	_, err := db.Conn().Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "one")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransactionRollback(t *testing.T) {
	db := openTestDB(t, ProfileStandard)
	_, err := db.Conn().Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (name) VALUES (?)", "doomed"); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 0, count, "rollback must discard the insert")
}

func TestWithTransactionPanicRecovery(t *testing.T) {
	db := openTestDB(t, ProfileStandard)

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
}

func TestStats(t *testing.T) {
	db := openTestDB(t, ProfileStandard)
	_, err := db.Conn().Exec("CREATE TABLE filler (data TEXT)")
	require.NoError(t, err)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Positive(t, stats.PageCount)
	assert.Positive(t, stats.PageSize)
}
