package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// Repository persists parsed swaps and answers windowed reads for the
// metrics engine.
type Repository struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewRepository builds a Repository on the shared Postgres handle.
func NewRepository(db *sqlx.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "transactions").Logger(),
	}
}

type transactionRow struct {
	TransactionID   string          `db:"transaction_id"`
	WalletAddress   string          `db:"wallet_address"`
	Signature       string          `db:"signature"`
	BlockTime       time.Time       `db:"block_time"`
	Slot            int64           `db:"slot"`
	TransactionType string          `db:"transaction_type"`
	ProgramID       sql.NullString  `db:"program_id"`
	InputMint       string          `db:"input_token_mint"`
	OutputMint      string          `db:"output_token_mint"`
	InputAmount     int64           `db:"input_amount"`
	OutputAmount    int64           `db:"output_amount"`
	InputDecimals   int             `db:"input_decimals"`
	OutputDecimals  int             `db:"output_decimals"`
	InputUSD        sql.NullString  `db:"input_usd"`
	OutputUSD       sql.NullString  `db:"output_usd"`
	NetUSD          sql.NullString  `db:"net_usd"`
	ProcessedAt     time.Time       `db:"processed_at"`
	PriceSource     sql.NullString  `db:"price_data_source"`
	RawData         json.RawMessage `db:"raw_transaction_data"`
}

// SaveSwaps inserts swap records, skipping signatures already stored.
// Returns the number of newly inserted rows.
func (r *Repository) SaveSwaps(ctx context.Context, swaps []*domain.SwapRecord) (int, error) {
	const query = `
		INSERT INTO trader_transactions (
			transaction_id, wallet_address, signature, block_time, slot,
			transaction_type, program_id, input_token_mint, output_token_mint,
			input_amount, output_amount, input_decimals, output_decimals,
			raw_transaction_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (signature) DO NOTHING`

	inserted := 0
	for _, swap := range swaps {
		raw, err := json.Marshal(swap)
		if err != nil {
			return inserted, fmt.Errorf("marshaling swap %s: %w", swap.Signature, err)
		}

		result, err := r.db.ExecContext(ctx, query,
			uuid.New().String(),
			swap.Wallet,
			swap.Signature,
			swap.BlockTime,
			int64(swap.Slot),
			string(swap.Variant),
			nullString(swap.AMMProgramID),
			swap.TokenIn.Mint,
			swap.TokenOut.Mint,
			rawUnits(swap.TokenIn),
			rawUnits(swap.TokenOut),
			swap.TokenIn.Decimals,
			swap.TokenOut.Decimals,
			raw,
		)
		if err != nil {
			return inserted, fmt.Errorf("inserting swap %s: %w", swap.Signature, err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("reading insert result: %w", err)
		}
		inserted += int(rows)
	}

	r.log.Debug().Int("offered", len(swaps)).Int("inserted", inserted).Msg("swaps persisted")
	return inserted, nil
}

// SwapsInWindow returns a wallet's stored swaps with block_time in
// [start, end), oldest first. USD enrichment written back by the metrics
// engine is merged over the stored parse payload.
func (r *Repository) SwapsInWindow(ctx context.Context, wallet string, start, end time.Time) ([]*domain.SwapRecord, error) {
	const query = `
		SELECT transaction_id, wallet_address, signature, block_time, slot,
		       transaction_type, program_id, input_token_mint, output_token_mint,
		       input_amount, output_amount, input_decimals, output_decimals,
		       input_usd, output_usd, net_usd, processed_at, price_data_source,
		       raw_transaction_data
		FROM trader_transactions
		WHERE wallet_address = $1 AND block_time >= $2 AND block_time < $3
		ORDER BY block_time ASC`

	var rows []transactionRow
	if err := r.db.SelectContext(ctx, &rows, query, wallet, start, end); err != nil {
		return nil, fmt.Errorf("querying swaps for %s: %w", wallet, err)
	}

	swaps := make([]*domain.SwapRecord, 0, len(rows))
	for _, row := range rows {
		swap, err := row.toSwap()
		if err != nil {
			r.log.Warn().Str("signature", row.Signature).Err(err).Msg("skipping unreadable stored swap")
			continue
		}
		swaps = append(swaps, swap)
	}
	return swaps, nil
}

// UpdateUSD writes price enrichment back onto a stored swap.
func (r *Repository) UpdateUSD(ctx context.Context, signature string, inputUSD, outputUSD, netUSD decimal.Decimal, source string) error {
	const query = `
		UPDATE trader_transactions
		SET input_usd = $2, output_usd = $3, net_usd = $4, price_data_source = $5
		WHERE signature = $1`

	_, err := r.db.ExecContext(ctx, query, signature,
		inputUSD.String(), outputUSD.String(), netUSD.String(), source)
	if err != nil {
		return fmt.Errorf("updating usd for %s: %w", signature, err)
	}
	return nil
}

// CountForWallet reports how many swaps are stored for a wallet.
func (r *Repository) CountForWallet(ctx context.Context, wallet string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM trader_transactions WHERE wallet_address = $1`, wallet)
	if err != nil {
		return 0, fmt.Errorf("counting swaps for %s: %w", wallet, err)
	}
	return count, nil
}

// LatestBlockTime returns the newest stored block time for a wallet, or
// nil when the wallet has no stored swaps. Used as the incremental
// ingestion cursor.
func (r *Repository) LatestBlockTime(ctx context.Context, wallet string) (*time.Time, error) {
	var latest time.Time
	err := r.db.GetContext(ctx, &latest,
		`SELECT block_time FROM trader_transactions
		 WHERE wallet_address = $1 ORDER BY block_time DESC LIMIT 1`, wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cursor for %s: %w", wallet, err)
	}
	return &latest, nil
}

func (row transactionRow) toSwap() (*domain.SwapRecord, error) {
	var swap domain.SwapRecord
	if err := json.Unmarshal(row.RawData, &swap); err != nil {
		return nil, fmt.Errorf("decoding stored swap payload: %w", err)
	}

	// Enrichment columns win over whatever the payload carried when the
	// row was first written.
	if usd, ok := parseNumeric(row.InputUSD); ok {
		swap.TokenIn.AmountUSD = &usd
	}
	if usd, ok := parseNumeric(row.OutputUSD); ok {
		swap.TokenOut.AmountUSD = &usd
	}
	return &swap, nil
}

func parseNumeric(value sql.NullString) (decimal.Decimal, bool) {
	if !value.Valid {
		return decimal.Decimal{}, false
	}
	parsed, err := decimal.NewFromString(value.String)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return parsed, true
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

// rawUnits converts a decimal-adjusted token amount back to raw units
// for the BIGINT column.
func rawUnits(side domain.TokenSide) int64 {
	return side.Amount.Shift(int32(side.Decimals)).IntPart()
}
