// Package audit implements the append-only, hash-chained audit log every
// execution-side component writes through. Entries live in a dedicated
// SQLite store opened with the ledger profile; nothing in this package ever
// updates or deletes a row.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/database"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id              TEXT PRIMARY KEY,
	timestamp             TEXT NOT NULL,
	event_type            TEXT NOT NULL,
	severity              TEXT NOT NULL,
	user_id               TEXT,
	wallet_address        TEXT,
	trader_address        TEXT,
	event_data            TEXT,
	decision_rationale    TEXT,
	risk_assessment       TEXT,
	trade_details         TEXT,
	transaction_signature TEXT,
	error_message         TEXT,
	error_type            TEXT,
	stack_trace           TEXT,
	bot_version           TEXT,
	system_state          TEXT,
	calculation_inputs    TEXT,
	calculation_outputs   TEXT,
	decision_factors      TEXT,
	validation_results    TEXT,
	performance_metrics   TEXT,
	context_snapshot      TEXT,
	correlation_id        TEXT,
	entry_hash            TEXT NOT NULL,
	previous_entry_hash   TEXT NOT NULL,
	created_at            TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp      ON audit_log (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type     ON audit_log (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_user_id        ON audit_log (user_id);
CREATE INDEX IF NOT EXISTS idx_audit_wallet_address ON audit_log (wallet_address);
CREATE INDEX IF NOT EXISTS idx_audit_correlation_id ON audit_log (correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_severity       ON audit_log (severity);
CREATE INDEX IF NOT EXISTS idx_audit_tx_signature   ON audit_log (transaction_signature);
`

// sqliteTimeFormat pads fractional seconds to a fixed width so lexicographic
// comparison of the timestamp column matches chronological order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists audit entries. Writes are inserts only; the serialization
// needed by the hash chain happens one level up in Logger.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore applies the audit schema and returns the store.
func NewStore(sdb *database.SQLiteDB, log zerolog.Logger) (*Store, error) {
	if _, err := sdb.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("applying audit schema: %w", err)
	}
	return &Store{
		db:  sdb.Conn(),
		log: log.With().Str("repository", "audit").Logger(),
	}, nil
}

// Insert appends one entry. The entry must already carry its hashes.
func (s *Store) Insert(ctx context.Context, entry *domain.AuditEntry) error {
	eventData, err := marshalField(entry.EventData)
	if err != nil {
		return fmt.Errorf("encoding event_data: %w", err)
	}
	riskAssessment, err := marshalField(entry.RiskAssessment)
	if err != nil {
		return fmt.Errorf("encoding risk_assessment: %w", err)
	}
	tradeDetails, err := marshalField(entry.TradeDetails)
	if err != nil {
		return fmt.Errorf("encoding trade_details: %w", err)
	}
	systemState, err := marshalField(entry.SystemState)
	if err != nil {
		return fmt.Errorf("encoding system_state: %w", err)
	}
	calcInputs, err := marshalField(entry.CalculationInputs)
	if err != nil {
		return fmt.Errorf("encoding calculation_inputs: %w", err)
	}
	calcOutputs, err := marshalField(entry.CalculationOutputs)
	if err != nil {
		return fmt.Errorf("encoding calculation_outputs: %w", err)
	}
	decisionFactors, err := marshalField(entry.DecisionFactors)
	if err != nil {
		return fmt.Errorf("encoding decision_factors: %w", err)
	}
	validationResults, err := marshalField(entry.ValidationResults)
	if err != nil {
		return fmt.Errorf("encoding validation_results: %w", err)
	}
	perfMetrics, err := marshalField(entry.PerformanceMetrics)
	if err != nil {
		return fmt.Errorf("encoding performance_metrics: %w", err)
	}
	contextSnapshot, err := marshalField(entry.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("encoding context_snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log
		(entry_id, timestamp, event_type, severity, user_id, wallet_address,
		 trader_address, event_data, decision_rationale, risk_assessment,
		 trade_details, transaction_signature, error_message, error_type,
		 stack_trace, bot_version, system_state, calculation_inputs,
		 calculation_outputs, decision_factors, validation_results,
		 performance_metrics, context_snapshot, correlation_id, entry_hash,
		 previous_entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID,
		entry.Timestamp.UTC().Format(sqliteTimeFormat),
		string(entry.EventType),
		string(entry.Severity),
		nullString(entry.UserID),
		nullString(entry.WalletAddress),
		nullString(entry.TraderAddress),
		eventData,
		nullString(entry.DecisionRationale),
		riskAssessment,
		tradeDetails,
		nullString(entry.TxSignature),
		nullString(entry.ErrorMessage),
		nullString(entry.ErrorType),
		nullString(entry.StackTrace),
		nullString(entry.BotVersion),
		systemState,
		calcInputs,
		calcOutputs,
		decisionFactors,
		validationResults,
		perfMetrics,
		contextSnapshot,
		nullString(entry.CorrelationID),
		entry.EntryHash,
		entry.PreviousEntryHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry %s: %w", entry.EntryID, err)
	}
	return nil
}

// LatestHash returns the entry_hash of the newest entry, or "" on an empty
// log. Loaded once at startup to seed the chain.
func (s *Store) LatestHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_log ORDER BY rowid DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading latest audit hash: %w", err)
	}
	return hash, nil
}

// Count returns the number of entries in the log.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return n, nil
}

// chainRow pairs an entry with its insertion-order position so verification
// can page through the chain.
type chainRow struct {
	rowID int64
	entry domain.AuditEntry
}

// page returns up to limit entries in insertion order, starting after
// afterRowID.
func (s *Store) page(ctx context.Context, afterRowID int64, limit int) ([]chainRow, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM audit_log WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`,
		afterRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("paging audit entries: %w", err)
	}
	defer rows.Close()

	var out []chainRow
	for rows.Next() {
		row, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return out, nil
}

// QueryFilter narrows audit reads. Zero values are ignored.
type QueryFilter struct {
	EventType     domain.AuditEventType
	Severity      domain.AuditSeverity
	UserID        string
	WalletAddress string
	CorrelationID string
	TxSignature   string
	Since         time.Time
	Until         time.Time
	Limit         int
}

const defaultQueryLimit = 100

// Query returns matching entries, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]domain.AuditEntry, error) {
	var conds []string
	var args []any

	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.WalletAddress != "" {
		conds = append(conds, "wallet_address = ?")
		args = append(args, filter.WalletAddress)
	}
	if filter.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, filter.CorrelationID)
	}
	if filter.TxSignature != "" {
		conds = append(conds, "transaction_signature = ?")
		args = append(args, filter.TxSignature)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(sqliteTimeFormat))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, filter.Until.UTC().Format(sqliteTimeFormat))
	}

	query := selectColumns + ` FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY rowid DESC LIMIT ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		row, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row.entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return out, nil
}

const selectColumns = `
	SELECT rowid, entry_id, timestamp, event_type, severity, user_id,
	       wallet_address, trader_address, event_data, decision_rationale,
	       risk_assessment, trade_details, transaction_signature,
	       error_message, error_type, stack_trace, bot_version, system_state,
	       calculation_inputs, calculation_outputs, decision_factors,
	       validation_results, performance_metrics, context_snapshot,
	       correlation_id, entry_hash, previous_entry_hash`

func scanEntry(rows *sql.Rows) (chainRow, error) {
	var row chainRow
	var timestamp string
	var userID, walletAddress, traderAddress sql.NullString
	var eventData, decisionRationale, riskAssessment sql.NullString
	var tradeDetails, txSignature, errorMessage sql.NullString
	var errorType, stackTrace, botVersion sql.NullString
	var systemState, calcInputs, calcOutputs sql.NullString
	var decisionFactors, validationResults sql.NullString
	var perfMetrics, contextSnapshot, correlationID sql.NullString

	err := rows.Scan(
		&row.rowID,
		&row.entry.EntryID,
		&timestamp,
		&row.entry.EventType,
		&row.entry.Severity,
		&userID,
		&walletAddress,
		&traderAddress,
		&eventData,
		&decisionRationale,
		&riskAssessment,
		&tradeDetails,
		&txSignature,
		&errorMessage,
		&errorType,
		&stackTrace,
		&botVersion,
		&systemState,
		&calcInputs,
		&calcOutputs,
		&decisionFactors,
		&validationResults,
		&perfMetrics,
		&contextSnapshot,
		&correlationID,
		&row.entry.EntryHash,
		&row.entry.PreviousEntryHash,
	)
	if err != nil {
		return chainRow{}, fmt.Errorf("scanning audit entry: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return chainRow{}, fmt.Errorf("parsing audit timestamp %q: %w", timestamp, err)
	}
	row.entry.Timestamp = ts

	row.entry.UserID = userID.String
	row.entry.WalletAddress = walletAddress.String
	row.entry.TraderAddress = traderAddress.String
	row.entry.DecisionRationale = decisionRationale.String
	row.entry.TxSignature = txSignature.String
	row.entry.ErrorMessage = errorMessage.String
	row.entry.ErrorType = errorType.String
	row.entry.StackTrace = stackTrace.String
	row.entry.BotVersion = botVersion.String
	row.entry.CorrelationID = correlationID.String

	if err := unmarshalField(eventData, &row.entry.EventData); err != nil {
		return chainRow{}, fmt.Errorf("decoding event_data for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(riskAssessment, &row.entry.RiskAssessment); err != nil {
		return chainRow{}, fmt.Errorf("decoding risk_assessment for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(tradeDetails, &row.entry.TradeDetails); err != nil {
		return chainRow{}, fmt.Errorf("decoding trade_details for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(systemState, &row.entry.SystemState); err != nil {
		return chainRow{}, fmt.Errorf("decoding system_state for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(calcInputs, &row.entry.CalculationInputs); err != nil {
		return chainRow{}, fmt.Errorf("decoding calculation_inputs for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(calcOutputs, &row.entry.CalculationOutputs); err != nil {
		return chainRow{}, fmt.Errorf("decoding calculation_outputs for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(decisionFactors, &row.entry.DecisionFactors); err != nil {
		return chainRow{}, fmt.Errorf("decoding decision_factors for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(validationResults, &row.entry.ValidationResults); err != nil {
		return chainRow{}, fmt.Errorf("decoding validation_results for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(perfMetrics, &row.entry.PerformanceMetrics); err != nil {
		return chainRow{}, fmt.Errorf("decoding performance_metrics for %s: %w", row.entry.EntryID, err)
	}
	if err := unmarshalField(contextSnapshot, &row.entry.ContextSnapshot); err != nil {
		return chainRow{}, fmt.Errorf("decoding context_snapshot for %s: %w", row.entry.EntryID, err)
	}

	return row, nil
}

func marshalField(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalField(col sql.NullString, target *map[string]any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	// UseNumber keeps numeric literals intact so a reloaded entry hashes to
	// the same value it was written with.
	dec := json.NewDecoder(strings.NewReader(col.String))
	dec.UseNumber()
	return dec.Decode(target)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
