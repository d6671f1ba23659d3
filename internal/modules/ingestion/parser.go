package ingestion

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

// maxPlausibleTokens rejects balance deltas that can only come from a
// mis-scaled amount. Nothing legitimate moves a billion tokens per swap.
var maxPlausibleTokens = decimal.NewFromInt(1_000_000_000)

// Validation failures worth distinguishing in ingestion reports.
var (
	ErrImplausibleAmount = errors.New("token amount exceeds plausible bounds")
	ErrUnsupportedMint   = errors.New("mint not in supported token registry")
	ErrTradeTooSmall     = errors.New("trade value below minimum threshold")
)

// Parser extracts swap records from parsed Solana transactions.
type Parser struct {
	ammPrograms map[string]string // program id -> amm label
	registry    *config.TokenRegistry
	minTradeUSD decimal.Decimal
	log         zerolog.Logger
}

// NewParser builds a Parser wired to the configured AMM program ids and
// the supported-token registry.
func NewParser(programs config.ProgramConfig, registry *config.TokenRegistry, minTradeValueUSD float64, log zerolog.Logger) *Parser {
	amms := map[string]string{
		programs.RaydiumProgramID: "raydium",
		programs.JupiterProgramID: "jupiter",
		programs.OrcaProgramID:    "orca",
		programs.SerumProgramID:   "serum",
	}
	delete(amms, "") // unset programs must not match empty ids

	return &Parser{
		ammPrograms: amms,
		registry:    registry,
		minTradeUSD: decimal.NewFromFloat(minTradeValueUSD),
		log:         log.With().Str("component", "swap_parser").Logger(),
	}
}

// Parse turns one transaction into a swap record for wallet, or nil when
// the transaction is not a recognizable swap by that wallet.
func (p *Parser) Parse(tx *rpc.TransactionEnvelope, signature, wallet string) *domain.SwapRecord {
	if tx == nil || tx.Transaction == nil || tx.Meta == nil {
		return nil
	}

	ammInstr, ammLabel := p.findAMMInstruction(tx.Transaction.Message.Instructions)
	if ammInstr == nil {
		return nil
	}

	deltas, ok := p.walletDeltas(tx.Meta, wallet)
	if !ok {
		p.log.Warn().Str("signature", signature).Str("wallet", wallet).
			Msg("token balance data incomplete, skipping")
		return nil
	}
	if len(deltas) < 2 {
		return nil
	}

	tokenIn, tokenOut, ok := splitDeltas(deltas)
	if !ok {
		return nil
	}
	if tokenIn.Mint == tokenOut.Mint {
		p.log.Warn().Str("signature", signature).Str("mint", tokenIn.Mint).
			Msg("identical in/out mint, skipping")
		return nil
	}

	status := domain.SwapStatusSuccess
	if tx.Meta.Err != nil {
		status = domain.SwapStatusFailed
	}

	var blockTime time.Time
	if tx.BlockTime != nil {
		blockTime = time.Unix(*tx.BlockTime, 0).UTC()
	}

	return &domain.SwapRecord{
		Signature:    signature,
		Wallet:       wallet,
		BlockTime:    blockTime,
		Slot:         tx.Slot,
		Status:       status,
		Variant:      classifyVariant(ammInstr),
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		PoolID:       poolID(ammInstr),
		AMMProgramID: ammInstr.ProgramID,
		FeeLamports:  tx.Meta.Fee,
		Source:       ammLabel,
	}
}

// ValidateSwap applies the post-parse sanity gates. USD thresholds only
// apply once prices are attached, so a freshly parsed record with nil
// USD values passes that gate.
func (p *Parser) ValidateSwap(swap *domain.SwapRecord) error {
	if err := swap.Validate(); err != nil {
		return err
	}
	if swap.TokenIn.Amount.GreaterThan(maxPlausibleTokens) {
		return ErrImplausibleAmount
	}
	if swap.TokenOut.Amount.GreaterThan(maxPlausibleTokens) {
		return ErrImplausibleAmount
	}
	if !p.registry.IsSupported(swap.TokenIn.Mint) || !p.registry.IsSupported(swap.TokenOut.Mint) {
		return ErrUnsupportedMint
	}
	if swap.TokenIn.AmountUSD != nil && swap.TokenIn.AmountUSD.LessThan(p.minTradeUSD) {
		return ErrTradeTooSmall
	}
	return nil
}

// findAMMInstruction returns the first instruction owned by a known AMM.
func (p *Parser) findAMMInstruction(instructions []rpc.ParsedInstruction) (*rpc.ParsedInstruction, string) {
	for i := range instructions {
		if label, ok := p.ammPrograms[instructions[i].ProgramID]; ok {
			return &instructions[i], label
		}
	}
	return nil, ""
}

// walletDeltas diffs pre vs post token balances for the target wallet.
// Returns ok=false when a mint is present on only one side or an amount
// fails to parse; those transactions cannot be diffed safely.
func (p *Parser) walletDeltas(meta *rpc.TransactionMeta, wallet string) ([]domain.TokenSide, bool) {
	pre, ok := balancesByMint(meta.PreTokenBalances, wallet)
	if !ok {
		return nil, false
	}
	post, ok := balancesByMint(meta.PostTokenBalances, wallet)
	if !ok {
		return nil, false
	}

	mints := make(map[string]struct{}, len(pre)+len(post))
	for mint := range pre {
		mints[mint] = struct{}{}
	}
	for mint := range post {
		mints[mint] = struct{}{}
	}

	deltas := make([]domain.TokenSide, 0, len(mints))
	for mint := range mints {
		preBal, preOK := pre[mint]
		postBal, postOK := post[mint]
		if !preOK || !postOK {
			return nil, false
		}
		if preBal.decimals != postBal.decimals || preBal.decimals <= 0 {
			return nil, false
		}

		delta := postBal.amount.Sub(preBal.amount)
		if delta.IsZero() {
			continue
		}

		side := domain.TokenSide{
			Mint:     mint,
			Decimals: preBal.decimals,
			Amount:   delta,
		}
		if token, found := p.registry.ByMint(mint); found {
			side.Symbol = token.Symbol
		}
		deltas = append(deltas, side)
	}
	return deltas, true
}

type mintBalance struct {
	amount   decimal.Decimal
	decimals int
}

// balancesByMint sums a wallet's token balances per mint. A wallet can
// hold several token accounts of the same mint; the diff cares about the
// aggregate.
func balancesByMint(balances []rpc.TokenBalance, wallet string) (map[string]mintBalance, bool) {
	byMint := make(map[string]mintBalance)
	for _, bal := range balances {
		if bal.Owner != wallet {
			continue
		}

		raw, err := decimal.NewFromString(bal.UITokenAmount.Amount)
		if err != nil {
			return nil, false
		}
		amount := raw.Shift(int32(-bal.UITokenAmount.Decimals))

		existing, ok := byMint[bal.Mint]
		if ok && existing.decimals != bal.UITokenAmount.Decimals {
			return nil, false
		}
		byMint[bal.Mint] = mintBalance{
			amount:   existing.amount.Add(amount),
			decimals: bal.UITokenAmount.Decimals,
		}
	}
	return byMint, true
}

// splitDeltas picks the dominant outflow and inflow. The wallet spends
// the negative delta (token_in to the pool) and receives the positive.
func splitDeltas(deltas []domain.TokenSide) (tokenIn, tokenOut domain.TokenSide, ok bool) {
	var haveIn, haveOut bool
	for _, side := range deltas {
		switch {
		case side.Amount.IsNegative():
			abs := side
			abs.Amount = side.Amount.Abs()
			if !haveIn || abs.Amount.GreaterThan(tokenIn.Amount) {
				tokenIn = abs
				haveIn = true
			}
		case side.Amount.IsPositive():
			if !haveOut || side.Amount.GreaterThan(tokenOut.Amount) {
				tokenOut = side
				haveOut = true
			}
		}
	}
	return tokenIn, tokenOut, haveIn && haveOut
}

// classifyVariant maps the parsed instruction type onto a swap variant.
func classifyVariant(instr *rpc.ParsedInstruction) domain.SwapVariant {
	var parsed struct {
		Type string `json:"type"`
	}
	if len(instr.Parsed) > 0 {
		if err := json.Unmarshal(instr.Parsed, &parsed); err != nil {
			return domain.SwapVariantUnknown
		}
	}

	switch {
	case strings.EqualFold(parsed.Type, "swapBaseIn"):
		return domain.SwapVariantIn
	case strings.EqualFold(parsed.Type, "swapBaseOut"):
		return domain.SwapVariantOut
	case strings.EqualFold(parsed.Type, "swap"):
		return domain.SwapVariantGeneric
	default:
		return domain.SwapVariantUnknown
	}
}

// poolID is the first account the AMM instruction touches.
func poolID(instr *rpc.ParsedInstruction) string {
	if len(instr.Accounts) > 0 {
		return instr.Accounts[0]
	}
	return ""
}
