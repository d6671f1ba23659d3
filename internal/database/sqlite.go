// Package database provides database connections for both services: local
// SQLite stores for the execution bot and the shared Postgres pool for the
// analytics tables.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteProfile defines configuration profiles for the bot's local stores.
type SQLiteProfile string

const (
	// ProfileLedger - maximum safety for the append-only audit trail
	ProfileLedger SQLiteProfile = "ledger"
	// ProfileStandard - balanced configuration for mutable stores
	ProfileStandard SQLiteProfile = "standard"
)

// SQLiteDB wraps a SQLite connection with production-grade configuration.
type SQLiteDB struct {
	conn    *sql.DB
	path    string
	profile SQLiteProfile
	name    string // store name for logging
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path    string
	Profile SQLiteProfile
	Name    string // friendly name for logging (e.g. "audit", "idempotency")
}

// NewSQLite opens a SQLite store with the profile's PRAGMA set.
func NewSQLite(cfg SQLiteConfig) (*SQLiteDB, error) {
	// file: URIs (in-memory test databases) skip filesystem preparation
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		cfg.Path = absPath
	}

	if cfg.Profile == "" {
		cfg.Profile = ProfileStandard
	}

	conn, err := sql.Open("sqlite", buildConnectionString(cfg.Path, cfg.Profile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	configureConnectionPool(conn, cfg.Profile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &SQLiteDB{
		conn:    conn,
		path:    cfg.Path,
		profile: cfg.Profile,
		name:    cfg.Name,
	}, nil
}

// buildConnectionString creates the connection string with profile-specific
// PRAGMAs.
func buildConnectionString(path string, profile SQLiteProfile) string {
	// file: URIs may already carry query parameters
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	// WAL mode for every store
	connStr := path + sep + "_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileLedger:
		// Maximum safety - the audit trail guards real money
		connStr += "&_pragma=synchronous(FULL)" // fsync after every write
		connStr += "&_pragma=auto_vacuum(NONE)" // never shrink (append-only)

	case ProfileStandard:
		connStr += "&_pragma=synchronous(NORMAL)"      // fsync at checkpoints
		connStr += "&_pragma=auto_vacuum(INCREMENTAL)" // gradual space reclamation
		connStr += "&_pragma=temp_store(MEMORY)"       // temp tables in RAM
	}

	// Common PRAGMAs
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"       // wait for writer locks instead of failing
	connStr += "&_pragma=wal_autocheckpoint(1000)" // checkpoint every 1000 pages
	connStr += "&_pragma=cache_size(-64000)"       // 64MB cache (negative = KB)

	return connStr
}

// configureConnectionPool sizes the pool per profile. The audit trail keeps
// a small pool; its writes are serialized by the logger.
func configureConnectionPool(conn *sql.DB, profile SQLiteProfile) {
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	if profile == ProfileLedger {
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
	}
}

// Close closes the database connection.
func (db *SQLiteDB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection for store implementations.
func (db *SQLiteDB) Conn() *sql.DB {
	return db.conn
}

// Name returns the store name for logging.
func (db *SQLiteDB) Name() string {
	return db.name
}

// Profile returns the store profile.
func (db *SQLiteDB) Profile() SQLiteProfile {
	return db.profile
}

// Path returns the database file path.
func (db *SQLiteDB) Path() string {
	return db.path
}

// WithTransaction executes fn inside a transaction. It handles begin,
// commit, rollback and panic recovery.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(tx)
	return err
}

// HealthCheck pings the store and runs a full integrity check.
func (db *SQLiteDB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed for %s: %w", db.name, err)
	}

	var integrityResult string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check query failed for %s: %w", db.name, err)
	}
	if integrityResult != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, integrityResult)
	}
	return nil
}

// QuickCheck pings the store without the integrity scan.
func (db *SQLiteDB) QuickCheck(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// WALCheckpoint forces a WAL checkpoint. TRUNCATE resets the WAL file to
// minimal size and is what the backup path uses before archiving.
func (db *SQLiteDB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}

// Vacuum reclaims space after bulk deletes (idempotency retention purge).
func (db *SQLiteDB) Vacuum() error {
	if _, err := db.conn.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed for %s: %w", db.name, err)
	}
	return nil
}

// SnapshotTo writes a consistent point-in-time copy of the store to path
// via VACUUM INTO. The destination must not exist; concurrent writers are
// fine, the copy sees a single transaction boundary.
func (db *SQLiteDB) SnapshotTo(path string) error {
	if _, err := db.conn.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("snapshot failed for %s: %w", db.name, err)
	}
	return nil
}

// SQLiteStats holds file-level statistics for a store.
type SQLiteStats struct {
	SizeBytes    int64
	WALSizeBytes int64
	PageCount    int64
	PageSize     int64
}

// Stats retrieves store statistics for health reporting and backups.
func (db *SQLiteDB) Stats() (*SQLiteStats, error) {
	stats := &SQLiteStats{}

	if fileInfo, err := os.Stat(db.path); err == nil {
		stats.SizeBytes = fileInfo.Size()
	}
	if fileInfo, err := os.Stat(db.path + "-wal"); err == nil {
		stats.WALSizeBytes = fileInfo.Size()
	}

	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&stats.PageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.conn.QueryRow("PRAGMA page_size").Scan(&stats.PageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}

	return stats, nil
}
