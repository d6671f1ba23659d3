// Package vault reads the on-chain composition of user vaults. Reads are
// strictly read-only: the reader never signs or submits anything.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

const (
	tokenProgramID   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	nativeSOLMint    = "So11111111111111111111111111111111111111112"
	tokenAccountSize = 165
	ownerOffset      = 32

	// slotBucketSize groups slots into roughly one-minute cache windows.
	slotBucketSize = 150
)

// ChainReader is the slice of the RPC client the reader needs.
type ChainReader interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetProgramAccounts(ctx context.Context, program string, opts rpc.ProgramAccountsOpts) ([]rpc.ProgramAccount, error)
	GetAccountInfo(ctx context.Context, address string) (*rpc.AccountInfo, error)
}

// PriceSource quotes current USD prices per mint.
type PriceSource interface {
	CurrentPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Reader scans vault holdings at a recent confirmed slot.
type Reader struct {
	chain    ChainReader
	prices   PriceSource
	registry *config.TokenRegistry
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPortfolio
}

type cachedPortfolio struct {
	bucket    uint64
	portfolio domain.Portfolio
}

// NewReader creates a vault reader.
func NewReader(chain ChainReader, prices PriceSource, registry *config.TokenRegistry, log zerolog.Logger) *Reader {
	return &Reader{
		chain:    chain,
		prices:   prices,
		registry: registry,
		log:      log.With().Str("component", "vault_reader").Logger(),
		cache:    make(map[string]cachedPortfolio),
	}
}

// ReadHoldings returns the vault's current composition. The token-account
// scan is a single RPC call, so the holdings are consistent at the slot
// the node evaluated it; results are cached per (vault, slot bucket).
func (r *Reader) ReadHoldings(ctx context.Context, vaultAddress, userID string) (*domain.Portfolio, error) {
	if _, err := solana.PublicKeyFromBase58(vaultAddress); err != nil {
		return nil, fmt.Errorf("invalid vault address %q: %w", vaultAddress, err)
	}

	slot, err := r.chain.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching slot: %w", err)
	}
	bucket := slot / slotBucketSize

	if cached, ok := r.cachedAt(vaultAddress, bucket); ok {
		return cached, nil
	}

	portfolio, err := r.scan(ctx, vaultAddress, slot)
	if err != nil {
		return nil, err
	}

	r.store(vaultAddress, bucket, *portfolio)

	r.log.Debug().
		Str("vault", vaultAddress).
		Str("user_id", userID).
		Uint64("slot", slot).
		Int("holdings", len(portfolio.Holdings)).
		Str("total_usd", portfolio.TotalValueUSD.StringFixed(2)).
		Msg("Vault holdings read")

	return portfolio, nil
}

// parsedTokenAccount is the jsonParsed shape of an SPL token account.
type parsedTokenAccount struct {
	Program string `json:"program"`
	Parsed  struct {
		Type string `json:"type"`
		Info struct {
			Mint        string            `json:"mint"`
			Owner       string            `json:"owner"`
			TokenAmount rpc.UITokenAmount `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

func (r *Reader) scan(ctx context.Context, vaultAddress string, slot uint64) (*domain.Portfolio, error) {
	accounts, err := r.chain.GetProgramAccounts(ctx, tokenProgramID, rpc.ProgramAccountsOpts{
		DataSize: tokenAccountSize,
		Memcmp:   []rpc.MemcmpFilter{{Offset: ownerOffset, Bytes: vaultAddress}},
	})
	if err != nil {
		return nil, fmt.Errorf("scanning token accounts: %w", err)
	}

	// A vault can hold several accounts for one mint; aggregate by mint.
	amounts := make(map[string]decimal.Decimal)
	decimalsByMint := make(map[string]int)

	for _, account := range accounts {
		var parsed parsedTokenAccount
		if err := json.Unmarshal(account.Account.Data, &parsed); err != nil {
			r.log.Warn().Err(err).Str("account", account.Pubkey).Msg("Unparseable token account skipped")
			continue
		}
		if parsed.Parsed.Type != "account" {
			continue
		}

		info := parsed.Parsed.Info
		amount, err := decimal.NewFromString(info.TokenAmount.Amount)
		if err != nil {
			r.log.Warn().Err(err).Str("account", account.Pubkey).Msg("Unparseable token amount skipped")
			continue
		}
		if amount.IsZero() {
			continue
		}

		tokens := amount.Shift(int32(-info.TokenAmount.Decimals))
		amounts[info.Mint] = amounts[info.Mint].Add(tokens)
		decimalsByMint[info.Mint] = info.TokenAmount.Decimals
	}

	// The vault account's own lamports count as SOL alongside any wrapped
	// SOL token accounts.
	vaultAccount, err := r.chain.GetAccountInfo(ctx, vaultAddress)
	if err != nil {
		return nil, fmt.Errorf("fetching vault account: %w", err)
	}
	if vaultAccount != nil && vaultAccount.Lamports > 0 {
		lamports := decimal.NewFromUint64(vaultAccount.Lamports).Shift(-9)
		amounts[nativeSOLMint] = amounts[nativeSOLMint].Add(lamports)
		decimalsByMint[nativeSOLMint] = 9
	}

	holdings := make([]domain.Holding, 0, len(amounts))
	total := decimal.Zero
	for mint, amount := range amounts {
		holding := domain.Holding{
			Mint:     mint,
			Decimals: decimalsByMint[mint],
			Amount:   amount,
		}

		token, supported := r.registry.ByMint(mint)
		if supported {
			holding.Symbol = token.Symbol
		} else if len(mint) >= 6 {
			holding.Symbol = mint[:6]
		} else {
			holding.Symbol = mint
		}

		price, err := r.prices.CurrentPrice(ctx, mint)
		switch {
		case err == nil:
			holding.EstimatedUSDValue = amount.Mul(price)
		case supported:
			// An unpriced supported asset would corrupt every percentage
			// downstream; refuse the snapshot instead.
			return nil, fmt.Errorf("pricing %s: %w", holding.Symbol, err)
		default:
			r.log.Warn().Err(err).Str("mint", mint).Msg("Unsupported mint left unpriced")
		}

		total = total.Add(holding.EstimatedUSDValue)
		holdings = append(holdings, holding)
	}

	sort.Slice(holdings, func(i, j int) bool {
		if !holdings[i].EstimatedUSDValue.Equal(holdings[j].EstimatedUSDValue) {
			return holdings[i].EstimatedUSDValue.GreaterThan(holdings[j].EstimatedUSDValue)
		}
		return holdings[i].Mint < holdings[j].Mint
	})

	return &domain.Portfolio{
		VaultAddress:  vaultAddress,
		Slot:          slot,
		Holdings:      holdings,
		TotalValueUSD: total,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

func (r *Reader) cachedAt(vault string, bucket uint64) (*domain.Portfolio, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[cacheKey(vault, bucket)]
	if !ok {
		return nil, false
	}

	portfolio := entry.portfolio
	portfolio.Holdings = append([]domain.Holding(nil), entry.portfolio.Holdings...)
	return &portfolio, true
}

func (r *Reader) store(vault string, bucket uint64, portfolio domain.Portfolio) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop entries older than the previous bucket; they can never be
	// served again.
	for key, entry := range r.cache {
		if entry.bucket+1 < bucket {
			delete(r.cache, key)
		}
	}

	r.cache[cacheKey(vault, bucket)] = cachedPortfolio{bucket: bucket, portfolio: portfolio}
}

func cacheKey(vault string, bucket uint64) string {
	return fmt.Sprintf("%s|%d", vault, bucket)
}
