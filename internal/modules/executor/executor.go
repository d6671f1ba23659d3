// Package executor turns generated trades into signed, submitted, and
// confirmed vault transactions. One Execute call owns a trade end to end:
// circuit breaker admission, idempotency reservation, a fresh router quote
// validated against the trade's slippage tolerance, vault-wrapped
// transaction assembly, HSM signing, submission, and confirmation
// tracking until a terminal state.
package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/clients/router"
	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/breakers"
	"github.com/slipstreamlabs/slipstream/internal/modules/confirm"
	"github.com/slipstreamlabs/slipstream/internal/modules/hsm"
	"github.com/slipstreamlabs/slipstream/internal/modules/idempotency"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

// highValueTierUSD is assumed when the trade's USD size cannot be priced:
// unknown value gets the strictest confirmation requirement, never a
// looser one.
var highValueTierUSD = decimal.NewFromInt(10000)

// vaultSwapDiscriminator selects the vault program's route-through-router
// instruction. Anchor derivation: sha256("global:<method>")[:8].
var vaultSwapDiscriminator = anchorDiscriminator("execute_router_swap")

func anchorDiscriminator(method string) []byte {
	h := sha256.Sum256([]byte("global:" + method))
	return h[:8]
}

// ChainAPI is the slice of the RPC client the executor needs.
type ChainAPI interface {
	GetLatestBlockhash(ctx context.Context) (*rpc.LatestBlockhash, error)
	SimulateTransaction(ctx context.Context, base64Tx string) (*rpc.SimulationResult, error)
	SendTransaction(ctx context.Context, base64Tx string) (string, error)
}

// RouterAPI quotes swaps and builds the unsigned transactions realizing
// them.
type RouterAPI interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*router.Quote, error)
	BuildSwap(ctx context.Context, userPublicKey string, quote *router.Quote) ([]byte, error)
}

// Signer signs transaction messages under the externally held authority
// key.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
	KeyID() string
}

// IdempotencyGuard serializes execution attempts per trade.
type IdempotencyGuard interface {
	CheckAndReserve(ctx context.Context, key string, operation domain.OperationType, userID string, operationData any) (*idempotency.Reservation, error)
	MarkStarted(ctx context.Context, key, tradeID string) error
	RecordResult(ctx context.Context, key string, success bool, txSignature string, resultData any, errDetails string) error
	Cancel(ctx context.Context, key, reason string) error
}

// SlippageGate validates a quote against the trade's tolerance.
type SlippageGate interface {
	Check(ctx context.Context, trade *domain.GeneratedTrade, quotedOut decimal.Decimal) error
}

// ConfirmationMonitor tracks submitted signatures to a terminal state.
type ConfirmationMonitor interface {
	Track(tradeID, signature string, usdValue decimal.Decimal, resubmit confirm.ResubmitFunc) domain.TransactionMonitor
	Await(ctx context.Context, tradeID string) (domain.TransactionMonitor, error)
}

// BreakerGate admits or refuses trade execution and absorbs outcome
// signals.
type BreakerGate interface {
	Allow(ctx context.Context, t domain.BreakerType) error
	IsTradingAllowed() bool
	Halted() (bool, string)
	Snapshots() []domain.BreakerSnapshot
	RecordSuccess(ctx context.Context, t domain.BreakerType)
	RecordFailure(ctx context.Context, t domain.BreakerType, reason string)
}

// AuditSink receives execution audit entries.
type AuditSink interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// PriceSource quotes current USD prices per mint.
type PriceSource interface {
	CurrentPrice(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Config carries the executor's operating parameters.
type Config struct {
	// VaultProgramID is the copy-trading vault program every swap is
	// wrapped in.
	VaultProgramID string
	// RouterProgramID identifies the router instruction inside built
	// swap transactions.
	RouterProgramID string
	// AuthorityPublicKey is the HSM-held key that signs on behalf of
	// vault owners.
	AuthorityPublicKey string
	// SimulateBeforeSubmit dry-runs every signed transaction and refuses
	// to submit ones that would fail on chain.
	SimulateBeforeSubmit bool
}

// Deps are the collaborators Execute composes.
type Deps struct {
	Chain       ChainAPI
	Router      RouterAPI
	Signer      Signer
	Idempotency IdempotencyGuard
	Slippage    SlippageGate
	Monitor     ConfirmationMonitor
	Breakers    BreakerGate
	Prices      PriceSource
	Registry    *config.TokenRegistry
	Audit       AuditSink
}

// Outcome reports how one trade execution ended. Replayed outcomes carry
// the recorded result of an earlier attempt; no new transaction was built
// or submitted for them.
type Outcome struct {
	Trade    *domain.GeneratedTrade
	Replayed bool
	Monitor  *domain.TransactionMonitor
}

// Executor drives trades through the execution pipeline. Concurrency is
// the caller's concern; Execute itself is safe for concurrent use.
type Executor struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	vaultProgram  solana.PublicKey
	routerProgram solana.PublicKey
	authority     solana.PublicKey
}

// New creates an executor. The configured program and authority addresses
// are parsed eagerly so a misconfiguration surfaces at startup, not on
// the first trade.
func New(cfg Config, deps Deps, log zerolog.Logger) (*Executor, error) {
	vaultProgram, err := solana.PublicKeyFromBase58(cfg.VaultProgramID)
	if err != nil {
		return nil, fmt.Errorf("parsing vault program id %q: %w", cfg.VaultProgramID, err)
	}
	routerProgram, err := solana.PublicKeyFromBase58(cfg.RouterProgramID)
	if err != nil {
		return nil, fmt.Errorf("parsing router program id %q: %w", cfg.RouterProgramID, err)
	}
	authority, err := solana.PublicKeyFromBase58(cfg.AuthorityPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing authority public key %q: %w", cfg.AuthorityPublicKey, err)
	}

	return &Executor{
		cfg:           cfg,
		deps:          deps,
		log:           log.With().Str("component", "executor").Logger(),
		vaultProgram:  vaultProgram,
		routerProgram: routerProgram,
		authority:     authority,
	}, nil
}

// Execute runs one trade through the pipeline. The returned Outcome is
// non-nil whenever the trade was admitted far enough to have a status; the
// error describes what stopped the pipeline, with the trade's status and
// ExecutionError already reflecting it.
func (e *Executor) Execute(ctx context.Context, trade *domain.GeneratedTrade) (*Outcome, error) {
	log := e.log.With().Str("trade_id", trade.TradeID).Str("user_id", trade.UserID).Logger()

	if err := trade.Instruction.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trade %s: %w", trade.TradeID, err)
	}
	fromToken, ok := e.deps.Registry.ByMint(trade.Instruction.FromMint)
	if !ok {
		return nil, fmt.Errorf("trade %s: unsupported source mint %s", trade.TradeID, trade.Instruction.FromMint)
	}
	toToken, ok := e.deps.Registry.ByMint(trade.Instruction.ToMint)
	if !ok {
		return nil, fmt.Errorf("trade %s: unsupported destination mint %s", trade.TradeID, trade.Instruction.ToMint)
	}

	if err := e.admit(ctx); err != nil {
		log.Warn().Err(err).Msg("Trade refused by circuit breakers")
		return e.reject(ctx, trade, err)
	}

	key, err := idempotency.ExecutionKey(trade.UserID, trade)
	if err != nil {
		return nil, fmt.Errorf("deriving idempotency key: %w", err)
	}
	res, err := e.deps.Idempotency.CheckAndReserve(ctx, key, domain.OpTradeExecution, trade.UserID, trade)
	if err != nil {
		e.deps.Breakers.RecordFailure(ctx, domain.BreakerSystemError, "idempotency reservation failed: "+err.Error())
		return nil, fmt.Errorf("reserving execution: %w", err)
	}
	if !res.ShouldProceed {
		return e.replay(trade, res.Existing, log), nil
	}

	quote, err := e.fetchQuote(ctx, trade, fromToken.Decimals)
	if err != nil {
		return e.fail(ctx, trade, key, fmt.Errorf("fetching quote: %w", err))
	}

	quotedOut := decimal.NewFromUint64(quote.OutAmount).Shift(int32(-toToken.Decimals))
	if err := e.deps.Slippage.Check(ctx, trade, quotedOut); err != nil {
		e.release(ctx, key, err.Error())
		return e.reject(ctx, trade, err)
	}

	signedB64, err := e.assemble(ctx, trade, quote, toToken.Decimals)
	if err != nil {
		return e.fail(ctx, trade, key, err)
	}

	if e.cfg.SimulateBeforeSubmit {
		sim, err := e.deps.Chain.SimulateTransaction(ctx, signedB64)
		if err != nil {
			return e.fail(ctx, trade, key, fmt.Errorf("simulating transaction: %w", err))
		}
		if sim.Err != nil {
			kind := confirm.ClassifyTxError(sim.Err)
			return e.fail(ctx, trade, key, fmt.Errorf("simulation failed (%s): %v", kind, sim.Err))
		}
		trade.Status = domain.TradeStatusSimulated
		log.Debug().Uint64("units_consumed", sim.UnitsConsumed).Msg("Simulation passed")
	}

	value := e.tradeValueUSD(ctx, trade, log)

	if err := e.deps.Idempotency.MarkStarted(ctx, key, trade.TradeID); err != nil {
		e.deps.Breakers.RecordFailure(ctx, domain.BreakerSystemError, "idempotency mark failed: "+err.Error())
		return e.fail(ctx, trade, key, fmt.Errorf("marking execution started: %w", err))
	}

	sig, err := e.deps.Chain.SendTransaction(ctx, signedB64)
	if err != nil {
		kind := confirm.ClassifyRPCError(err)
		cause := fmt.Errorf("submitting transaction (%s): %w", kind, err)
		trade.Status = domain.TradeStatusFailed
		trade.ExecutionError = cause.Error()
		trade.UpdatedAt = time.Now().UTC()
		if rerr := e.deps.Idempotency.RecordResult(ctx, key, false, "", nil, cause.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("Recording submission failure failed")
		}
		e.deps.Breakers.RecordFailure(ctx, domain.BreakerTradeFailureRate, cause.Error())
		e.auditFailed(ctx, trade, string(kind), cause)
		return &Outcome{Trade: trade}, cause
	}

	trade.TxSignature = sig
	trade.Status = domain.TradeStatusSubmitted
	trade.UpdatedAt = time.Now().UTC()
	log.Info().
		Str("signature", sig).
		Str("value_usd", value.StringFixed(2)).
		Msg("Transaction submitted")
	e.auditExecuted(ctx, trade, value)

	// current follows replacements so a later backoff retry re-sends the
	// replacement bytes, not the original ones. Only the monitor's run
	// goroutine invokes the hook.
	current := signedB64
	resubmit := func(rctx context.Context, strategy domain.RetryStrategy, attempt int) (string, error) {
		newSig, payload, err := e.resubmit(rctx, trade, current, toToken.Decimals, strategy, attempt)
		if err != nil {
			return "", err
		}
		current = payload
		return newSig, nil
	}
	e.deps.Monitor.Track(trade.TradeID, sig, value, resubmit)

	mon, err := e.deps.Monitor.Await(ctx, trade.TradeID)
	if err != nil {
		// Interrupted, not failed: the monitor keeps tracking and the
		// started reservation expires on its own schedule.
		return &Outcome{Trade: trade}, fmt.Errorf("awaiting confirmation of %s: %w", sig, err)
	}

	trade.TxSignature = mon.TxSignature
	trade.BlockHeight = mon.BlockHeight
	trade.UpdatedAt = time.Now().UTC()

	switch mon.State {
	case domain.TxConfirmed, domain.TxFinalized:
		trade.Status = domain.TradeStatusConfirmed
		if rerr := e.deps.Idempotency.RecordResult(ctx, key, true, mon.TxSignature, mon, ""); rerr != nil {
			log.Error().Err(rerr).Msg("Recording confirmed result failed")
		}
		e.deps.Breakers.RecordSuccess(ctx, domain.BreakerTradeFailureRate)
		e.auditConfirmed(ctx, trade, mon)
		log.Info().
			Str("signature", mon.TxSignature).
			Int("confirmations", mon.Confirmations).
			Msg("Trade confirmed")
		return &Outcome{Trade: trade, Monitor: &mon}, nil
	default:
		reason := terminalReason(mon)
		trade.Status = domain.TradeStatusFailed
		trade.ExecutionError = reason
		if rerr := e.deps.Idempotency.RecordResult(ctx, key, false, mon.TxSignature, mon, reason); rerr != nil {
			log.Error().Err(rerr).Msg("Recording failed result failed")
		}
		e.deps.Breakers.RecordFailure(ctx, domain.BreakerTradeFailureRate, reason)
		e.auditFailed(ctx, trade, string(mon.LastError), errors.New(reason))
		return &Outcome{Trade: trade, Monitor: &mon}, fmt.Errorf("trade %s: %s", trade.TradeID, reason)
	}
}

// admit runs the circuit breaker gate. The trade-failure breaker is
// consulted through Allow so an open breaker can transition to half-open
// and meter test trades; any other open breaker refuses outright.
func (e *Executor) admit(ctx context.Context) error {
	if halted, reason := e.deps.Breakers.Halted(); halted {
		return fmt.Errorf("trading halted: %s", reason)
	}
	if err := e.deps.Breakers.Allow(ctx, domain.BreakerTradeFailureRate); err != nil {
		return err
	}
	if !e.deps.Breakers.IsTradingAllowed() {
		for _, snap := range e.deps.Breakers.Snapshots() {
			if snap.State == domain.BreakerOpen {
				return &breakers.OpenError{Name: snap.Name}
			}
		}
		return errors.New("trading suspended by circuit breakers")
	}
	return nil
}

// replay reconstructs the outcome of a duplicate execution from the
// recorded attempt without touching the chain.
func (e *Executor) replay(trade *domain.GeneratedTrade, existing *domain.IdempotencyRecord, log zerolog.Logger) *Outcome {
	if existing != nil {
		trade.TxSignature = existing.TxSignature
		switch existing.State {
		case domain.IdemConfirmed:
			trade.Status = domain.TradeStatusConfirmed
		case domain.IdemStarted:
			trade.Status = domain.TradeStatusSubmitted
		default:
			// Another attempt holds the reservation right now.
			trade.Status = domain.TradeStatusPending
		}
		log.Info().
			Str("state", string(existing.State)).
			Str("signature", existing.TxSignature).
			Msg("Duplicate execution suppressed, returning recorded outcome")
	}
	return &Outcome{Trade: trade, Replayed: true}
}

// fetchQuote asks the router for the current route matching the trade's
// size and tolerance.
func (e *Executor) fetchQuote(ctx context.Context, trade *domain.GeneratedTrade, fromDecimals int) (*router.Quote, error) {
	amount, err := rawAmount(trade.Instruction.FromAmount, fromDecimals)
	if err != nil {
		return nil, fmt.Errorf("converting trade amount: %w", err)
	}
	bps := int(trade.Instruction.MaxSlippagePercent.Mul(decimal.NewFromInt(100)).IntPart())
	return e.deps.Router.GetQuote(ctx, trade.Instruction.FromMint, trade.Instruction.ToMint, amount, bps)
}

// assemble builds the vault-wrapped transaction for trade against quote
// and signs it, returning the base64 wire payload. The router's
// instruction is lifted out of its built transaction and re-issued under
// the vault program so the swap executes with vault custody: the vault
// program verifies the forwarded amounts against its own state before
// invoking the router.
func (e *Executor) assemble(ctx context.Context, trade *domain.GeneratedTrade, quote *router.Quote, toDecimals int) (string, error) {
	unsigned, err := e.deps.Router.BuildSwap(ctx, e.cfg.AuthorityPublicKey, quote)
	if err != nil {
		return "", fmt.Errorf("building swap transaction: %w", err)
	}
	inner, err := e.extractRouterInstruction(unsigned)
	if err != nil {
		return "", err
	}

	minOut, err := rawAmount(trade.Instruction.MinimumToAmount, toDecimals)
	if err != nil {
		return "", fmt.Errorf("converting minimum out: %w", err)
	}
	vaultState, err := solana.PublicKeyFromBase58(trade.VaultAddress)
	if err != nil {
		return "", fmt.Errorf("parsing vault address %q: %w", trade.VaultAddress, err)
	}

	data := make([]byte, 0, len(vaultSwapDiscriminator)+16+len(inner.data))
	data = append(data, vaultSwapDiscriminator...)
	data = binary.LittleEndian.AppendUint64(data, quote.InAmount)
	data = binary.LittleEndian.AppendUint64(data, minOut)
	data = append(data, inner.data...)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(vaultState, true, false),
		solana.NewAccountMeta(e.authority, false, true),
		solana.NewAccountMeta(e.routerProgram, false, false),
	}
	accounts = append(accounts, inner.accounts...)

	blockhash, err := e.deps.Chain.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching blockhash: %w", err)
	}
	recent, err := solana.HashFromBase58(blockhash.Blockhash)
	if err != nil {
		return "", fmt.Errorf("parsing blockhash %q: %w", blockhash.Blockhash, err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(e.vaultProgram, accounts, data)},
		recent,
		solana.TransactionPayer(e.authority),
	)
	if err != nil {
		return "", fmt.Errorf("assembling transaction: %w", err)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encoding transaction message: %w", err)
	}
	sigBytes, err := e.deps.Signer.Sign(ctx, message)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return "", fmt.Errorf("signer returned %d-byte signature, want %d", len(sigBytes), ed25519.SignatureSize)
	}
	tx.Signatures = []solana.Signature{solana.SignatureFromBytes(sigBytes)}
	e.deps.Breakers.RecordSuccess(ctx, domain.BreakerHSMFailure)

	wire, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encoding transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wire), nil
}

// routerInstruction is the router's instruction lifted out of its built
// transaction.
type routerInstruction struct {
	accounts solana.AccountMetaSlice
	data     []byte
}

// extractRouterInstruction decodes the router-built transaction and
// returns its router program instruction with fully resolved account
// metas. Requires a legacy transaction: lookup-table addresses cannot be
// resolved offline, which is why the router client requests legacy
// encoding.
func (e *Executor) extractRouterInstruction(rawTx []byte) (*routerInstruction, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rawTx))
	if err != nil {
		return nil, fmt.Errorf("decoding swap transaction: %w", err)
	}
	msg := &tx.Message
	if msg.NumLookups() > 0 {
		return nil, fmt.Errorf("swap transaction uses address lookup tables, expected legacy encoding")
	}

	for _, ix := range msg.Instructions {
		program, err := msg.Program(ix.ProgramIDIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving instruction program: %w", err)
		}
		if !program.Equals(e.routerProgram) {
			continue
		}

		metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
		for _, accIdx := range ix.Accounts {
			key, err := msg.Account(accIdx)
			if err != nil {
				return nil, fmt.Errorf("resolving instruction account %d: %w", accIdx, err)
			}
			writable, err := msg.IsWritable(key)
			if err != nil {
				return nil, fmt.Errorf("resolving writability of %s: %w", key, err)
			}
			metas = append(metas, solana.NewAccountMeta(key, writable, msg.IsSigner(key)))
		}
		return &routerInstruction{accounts: metas, data: ix.Data}, nil
	}
	return nil, fmt.Errorf("router instruction not found in swap transaction")
}

// resubmit is the confirmation monitor's retry hook. Backoff strategies
// re-send the already signed bytes, so a first submission that actually
// landed deduplicates to the same signature. The replace strategy rebuilds
// from scratch: fresh quote, re-validated slippage, fresh blockhash, fresh
// signature. Returns the signature and the payload that produced it.
func (e *Executor) resubmit(ctx context.Context, trade *domain.GeneratedTrade, signedB64 string, toDecimals int, strategy domain.RetryStrategy, attempt int) (string, string, error) {
	if strategy != domain.RetryReplace {
		sig, err := e.deps.Chain.SendTransaction(ctx, signedB64)
		return sig, signedB64, err
	}

	fromToken, ok := e.deps.Registry.ByMint(trade.Instruction.FromMint)
	if !ok {
		return "", "", fmt.Errorf("unsupported source mint %s", trade.Instruction.FromMint)
	}
	quote, err := e.fetchQuote(ctx, trade, fromToken.Decimals)
	if err != nil {
		return "", "", fmt.Errorf("re-quoting replacement: %w", err)
	}
	quotedOut := decimal.NewFromUint64(quote.OutAmount).Shift(int32(-toDecimals))
	if err := e.deps.Slippage.Check(ctx, trade, quotedOut); err != nil {
		return "", "", fmt.Errorf("replacement quote rejected: %w", err)
	}
	replacement, err := e.assemble(ctx, trade, quote, toDecimals)
	if err != nil {
		return "", "", fmt.Errorf("assembling replacement (attempt %d): %w", attempt, err)
	}
	sig, err := e.deps.Chain.SendTransaction(ctx, replacement)
	return sig, replacement, err
}

// tradeValueUSD sizes the trade in USD for confirmation tiering. A failed
// price lookup falls back to the highest tier rather than guessing low.
func (e *Executor) tradeValueUSD(ctx context.Context, trade *domain.GeneratedTrade, log zerolog.Logger) decimal.Decimal {
	price, err := e.deps.Prices.CurrentPrice(ctx, trade.Instruction.FromMint)
	if err != nil {
		log.Warn().Err(err).Msg("Price lookup failed, assuming highest confirmation tier")
		return highValueTierUSD
	}
	return trade.EstimatedUSDValue(price)
}

// reject marks the trade refused before any chain interaction.
func (e *Executor) reject(ctx context.Context, trade *domain.GeneratedTrade, cause error) (*Outcome, error) {
	trade.Status = domain.TradeStatusRejected
	trade.ExecutionError = cause.Error()
	trade.UpdatedAt = time.Now().UTC()
	e.writeAudit(ctx, domain.AuditEntry{
		EventType:         domain.AuditTradeRejected,
		Severity:          domain.SeverityWarning,
		UserID:            trade.UserID,
		DecisionRationale: cause.Error(),
		TradeDetails:      tradeDetails(trade),
		CorrelationID:     trade.TradeID,
	})
	return &Outcome{Trade: trade}, cause
}

// fail marks the trade failed before submission, releases its reservation,
// and feeds the matching breaker.
func (e *Executor) fail(ctx context.Context, trade *domain.GeneratedTrade, key string, cause error) (*Outcome, error) {
	e.release(ctx, key, cause.Error())
	trade.Status = domain.TradeStatusFailed
	trade.ExecutionError = cause.Error()
	trade.UpdatedAt = time.Now().UTC()

	var hsmErr *hsm.Error
	if errors.As(cause, &hsmErr) {
		e.deps.Breakers.RecordFailure(ctx, domain.BreakerHSMFailure, cause.Error())
	} else {
		e.deps.Breakers.RecordFailure(ctx, domain.BreakerTradeFailureRate, cause.Error())
	}
	e.auditFailed(ctx, trade, "", cause)
	return &Outcome{Trade: trade}, cause
}

// release returns an unused reservation so a later attempt can proceed.
func (e *Executor) release(ctx context.Context, key, reason string) {
	if err := e.deps.Idempotency.Cancel(ctx, key, reason); err != nil {
		e.log.Warn().Err(err).Msg("Releasing execution reservation failed")
	}
}

func (e *Executor) auditExecuted(ctx context.Context, trade *domain.GeneratedTrade, value decimal.Decimal) {
	e.writeAudit(ctx, domain.AuditEntry{
		EventType:         domain.AuditTradeExecuted,
		Severity:          domain.SeverityInfo,
		UserID:            trade.UserID,
		TxSignature:       trade.TxSignature,
		DecisionRationale: trade.Rationale,
		TradeDetails:      tradeDetails(trade),
		RiskAssessment: map[string]any{
			"risk_score":           trade.RiskScore,
			"value_usd":            value.String(),
			"max_slippage_percent": trade.Instruction.MaxSlippagePercent.String(),
		},
		CorrelationID: trade.TradeID,
	})
}

func (e *Executor) auditConfirmed(ctx context.Context, trade *domain.GeneratedTrade, mon domain.TransactionMonitor) {
	e.writeAudit(ctx, domain.AuditEntry{
		EventType:   domain.AuditTradeConfirmed,
		Severity:    domain.SeverityInfo,
		UserID:      trade.UserID,
		TxSignature: mon.TxSignature,
		EventData: map[string]any{
			"confirmations": mon.Confirmations,
			"finalized":     mon.Finalized,
			"block_height":  mon.BlockHeight,
			"retry_count":   mon.RetryCount,
		},
		TradeDetails:  tradeDetails(trade),
		CorrelationID: trade.TradeID,
	})
}

func (e *Executor) auditFailed(ctx context.Context, trade *domain.GeneratedTrade, errType string, cause error) {
	e.writeAudit(ctx, domain.AuditEntry{
		EventType:     domain.AuditTradeFailed,
		Severity:      domain.SeverityError,
		UserID:        trade.UserID,
		TxSignature:   trade.TxSignature,
		ErrorMessage:  cause.Error(),
		ErrorType:     errType,
		TradeDetails:  tradeDetails(trade),
		CorrelationID: trade.TradeID,
	})
}

// writeAudit logs the entry; an audit write failure for these event types
// is recorded but does not interrupt execution.
func (e *Executor) writeAudit(ctx context.Context, entry domain.AuditEntry) {
	if err := e.deps.Audit.Log(ctx, entry); err != nil {
		e.log.Error().Err(err).Str("event_type", string(entry.EventType)).Msg("Audit write failed")
	}
}

func tradeDetails(trade *domain.GeneratedTrade) map[string]any {
	return map[string]any{
		"trade_id":      trade.TradeID,
		"vault_address": trade.VaultAddress,
		"type":          trade.Type,
		"from_symbol":   trade.Instruction.FromSymbol,
		"to_symbol":     trade.Instruction.ToSymbol,
		"from_amount":   trade.Instruction.FromAmount.String(),
		"expected_out":  trade.Instruction.ExpectedToAmount.String(),
		"minimum_out":   trade.Instruction.MinimumToAmount.String(),
		"priority":      trade.Priority,
	}
}

// terminalReason renders a monitor's terminal failure for audit and
// idempotency records.
func terminalReason(mon domain.TransactionMonitor) string {
	if mon.LastError != "" {
		return fmt.Sprintf("transaction %s: %s", mon.State, mon.LastError)
	}
	return fmt.Sprintf("transaction %s after %d confirmations", mon.State, mon.Confirmations)
}

// rawAmount converts a UI amount to base units, truncating any dust below
// one base unit.
func rawAmount(amount decimal.Decimal, decimals int) (uint64, error) {
	shifted := amount.Shift(int32(decimals)).BigInt()
	if shifted.Sign() < 0 || !shifted.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range for %d decimals", amount, decimals)
	}
	return shifted.Uint64(), nil
}
