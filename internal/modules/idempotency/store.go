package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/database"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	idempotency_key       TEXT PRIMARY KEY,
	operation             TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	state                 TEXT NOT NULL,
	trade_id              TEXT,
	transaction_signature TEXT,
	created_at            TEXT NOT NULL,
	started_at            TEXT,
	completed_at          TEXT,
	operation_data        TEXT,
	result_data           TEXT,
	error_details         TEXT,
	checksum              TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idem_state     ON idempotency_records (state, completed_at);
CREATE INDEX IF NOT EXISTS idx_idem_user      ON idempotency_records (user_id);
CREATE INDEX IF NOT EXISTS idx_idem_operation ON idempotency_records (operation);
`

// sqliteTimeFormat pads fractional seconds to a fixed width so the purge
// cutoff comparison is a plain string comparison.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists idempotency records in the bot's standard-profile SQLite
// store. All writes go through INSERT OR REPLACE; the manager serializes
// the read-modify-write sequences.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore applies the schema and returns the store.
func NewStore(sdb *database.SQLiteDB, log zerolog.Logger) (*Store, error) {
	if _, err := sdb.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("applying idempotency schema: %w", err)
	}
	return &Store{
		db:  sdb.Conn(),
		log: log.With().Str("repository", "idempotency").Logger(),
	}, nil
}

// Put writes a record, replacing any previous row under the same key.
func (s *Store) Put(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO idempotency_records
		(idempotency_key, operation, user_id, state, trade_id,
		 transaction_signature, created_at, started_at, completed_at,
		 operation_data, result_data, error_details, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key,
		string(rec.Operation),
		rec.UserID,
		string(rec.State),
		nullString(rec.TradeID),
		nullString(rec.TxSignature),
		rec.CreatedAt.UTC().Format(sqliteTimeFormat),
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		nullString(string(rec.OperationData)),
		nullString(string(rec.ResultData)),
		nullString(rec.ErrorDetails),
		rec.Checksum,
		rec.UpdatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("writing idempotency record %s: %w", rec.Key, err)
	}
	return nil
}

// Get loads one record, nil when absent. No integrity check here; the
// manager verifies the checksum on every read path.
func (s *Store) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, operation, user_id, state, trade_id,
		       transaction_signature, created_at, started_at, completed_at,
		       operation_data, result_data, error_details, checksum, updated_at
		FROM idempotency_records WHERE idempotency_key = ?`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading idempotency record %s: %w", key, err)
	}
	return rec, nil
}

// PurgeTerminal deletes terminal records whose completion (or creation,
// for records that never completed) is older than the cutoff. Returns the
// number of rows removed.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE state IN (?, ?, ?, ?)
		  AND COALESCE(completed_at, created_at) < ?`,
		string(domain.IdemConfirmed),
		string(domain.IdemFailed),
		string(domain.IdemCancelled),
		string(domain.IdemExpired),
		cutoff.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("purging idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged records: %w", err)
	}
	return n, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting idempotency records: %w", err)
	}
	return n, nil
}

func scanRecord(row *sql.Row) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var createdAt, updatedAt string
	var tradeID, txSignature, startedAt, completedAt sql.NullString
	var operationData, resultData, errorDetails sql.NullString

	err := row.Scan(
		&rec.Key,
		&rec.Operation,
		&rec.UserID,
		&rec.State,
		&tradeID,
		&txSignature,
		&createdAt,
		&startedAt,
		&completedAt,
		&operationData,
		&resultData,
		&errorDetails,
		&rec.Checksum,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.TradeID = tradeID.String
	rec.TxSignature = txSignature.String
	rec.ErrorDetails = errorDetails.String
	if operationData.Valid {
		rec.OperationData = []byte(operationData.String)
	}
	if resultData.Valid {
		rec.ResultData = []byte(resultData.String)
	}

	if rec.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if rec.StartedAt, err = parseStoredTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if rec.CompletedAt, err = parseStoredTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}

	return &rec, nil
}

func parseStoredTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseStoredTimePtr(col sql.NullString) (*time.Time, error) {
	if !col.Valid {
		return nil, nil
	}
	t, err := parseStoredTime(col.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(sqliteTimeFormat), Valid: true}
}
