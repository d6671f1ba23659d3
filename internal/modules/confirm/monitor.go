// Package confirm tracks submitted transactions until they reach a terminal
// state. A polling loop drives confirmation counting, stuck and expiry
// detection, and the per-error-class retry policy; an optional WebSocket
// watcher only accelerates polls and is never the source of truth.
package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

const (
	pollInterval      = 10 * time.Second
	stuckThreshold    = 120 * time.Second
	retryInitialDelay = 5 * time.Second
	retryMaxDelay     = 300 * time.Second
	maxRetries        = 5

	// statusBatchSize is the getSignatureStatuses request cap.
	statusBatchSize = 256

	// finishedRetention keeps terminal monitors queryable for a while
	// before they are pruned.
	finishedRetention = time.Hour
)

// ChainStatus is the slice of the RPC client the monitor polls.
type ChainStatus interface {
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*rpc.SignatureStatus, error)
}

// BreakerSink receives confirmation outcomes and polling failures.
type BreakerSink interface {
	RecordSuccess(ctx context.Context, t domain.BreakerType)
	RecordFailure(ctx context.Context, t domain.BreakerType, reason string)
}

// ResubmitFunc rebuilds, re-signs and re-submits one trade's transaction
// and returns the new signature. The strategy tells the caller whether a
// fresh blockhash and a higher priority fee are warranted (replace) or a
// plain rebuild suffices. attempt is the 1-based resubmission number.
type ResubmitFunc func(ctx context.Context, strategy domain.RetryStrategy, attempt int) (string, error)

type retryPlan struct {
	at       time.Time
	strategy domain.RetryStrategy
	kind     domain.TxErrorKind
}

type tracked struct {
	mon        domain.TransactionMonitor
	resubmit   ResubmitFunc
	plan       *retryPlan
	done       chan struct{}
	finished   bool
	finishedAt time.Time
}

// Monitor polls every submitted transaction until it confirms, fails, or
// exhausts its retry budget. All state mutation happens on the Run loop;
// Track, Await and the snapshot accessors are safe from any goroutine.
type Monitor struct {
	chain    ChainStatus
	breakers BreakerSink
	log      zerolog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	byTrade map[string]*tracked
	bySig   map[string]*tracked

	nudges chan string
}

func NewMonitor(chain ChainStatus, breakers BreakerSink, log zerolog.Logger) *Monitor {
	return &Monitor{
		chain:    chain,
		breakers: breakers,
		log:      log.With().Str("component", "confirm").Logger(),
		clock:    time.Now,
		byTrade:  make(map[string]*tracked),
		bySig:    make(map[string]*tracked),
		nudges:   make(chan string, 64),
	}
}

// Track registers a freshly submitted transaction. The confirmation
// requirement is derived from the trade's USD value. A nil resubmit
// disables the retry policy: every failure is terminal. Tracking the same
// trade twice returns the live monitor unchanged.
func (m *Monitor) Track(tradeID, signature string, usdValue decimal.Decimal, resubmit ResubmitFunc) domain.TransactionMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byTrade[tradeID]; ok && !existing.finished {
		m.log.Warn().Str("trade_id", tradeID).Msg("Trade already tracked, ignoring duplicate")
		return existing.mon
	}

	req := domain.RequirementForUSD(usdValue)
	e := &tracked{
		mon: domain.TransactionMonitor{
			TradeID:     tradeID,
			TxSignature: signature,
			SubmittedAt: m.clock().UTC(),
			State:       domain.TxSubmitted,
			Requirement: req,
			USDValue:    usdValue,
		},
		resubmit: resubmit,
		done:     make(chan struct{}),
	}
	m.byTrade[tradeID] = e
	m.bySig[signature] = e

	m.log.Info().
		Str("trade_id", tradeID).
		Str("signature", signature).
		Str("usd_value", usdValue.String()).
		Int("min_confirmations", req.MinConfirmations).
		Dur("max_wait", req.MaxWait).
		Bool("require_finalization", req.RequireFinalization).
		Msg("Tracking transaction")
	return e.mon
}

// Await blocks until the trade's transaction reaches a terminal state and
// returns the final monitor record.
func (m *Monitor) Await(ctx context.Context, tradeID string) (domain.TransactionMonitor, error) {
	m.mu.Lock()
	e, ok := m.byTrade[tradeID]
	m.mu.Unlock()
	if !ok {
		return domain.TransactionMonitor{}, fmt.Errorf("no monitor for trade %s", tradeID)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return domain.TransactionMonitor{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return e.mon, nil
}

// Status returns the current monitor record for a trade.
func (m *Monitor) Status(tradeID string) (domain.TransactionMonitor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byTrade[tradeID]
	if !ok {
		return domain.TransactionMonitor{}, false
	}
	return e.mon, true
}

// Active lists every transaction still being tracked.
func (m *Monitor) Active() []domain.TransactionMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TransactionMonitor
	for _, e := range m.byTrade {
		if !e.finished {
			out = append(out, e.mon)
		}
	}
	return out
}

// Nudge asks the loop to poll one signature ahead of the next tick. Used
// by the WebSocket watcher; dropped when the loop is saturated.
func (m *Monitor) Nudge(signature string) {
	select {
	case m.nudges <- signature:
	default:
	}
}

// Run drives the polling loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", pollInterval).Msg("Confirmation monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Confirmation monitor stopped")
			return
		case <-ticker.C:
			m.PollOnce(ctx)
		case sig := <-m.nudges:
			m.pollSignatures(ctx, []string{sig})
		}
	}
}

// PollOnce polls every live signature, applies status updates, fires due
// resubmissions, and prunes old terminal records.
func (m *Monitor) PollOnce(ctx context.Context) {
	m.mu.Lock()
	var sigs []string
	for sig, e := range m.bySig {
		if !e.finished && e.plan == nil {
			sigs = append(sigs, sig)
		}
	}
	m.mu.Unlock()

	for start := 0; start < len(sigs); start += statusBatchSize {
		end := start + statusBatchSize
		if end > len(sigs) {
			end = len(sigs)
		}
		m.pollSignatures(ctx, sigs[start:end])
	}

	m.fireDueRetries(ctx)
	m.prune()
}

func (m *Monitor) pollSignatures(ctx context.Context, sigs []string) {
	if len(sigs) == 0 {
		return
	}

	statuses, err := m.chain.GetSignatureStatuses(ctx, sigs)
	if err != nil {
		m.breakers.RecordFailure(ctx, domain.BreakerNetwork, fmt.Sprintf("polling signature statuses: %v", err))
		m.log.Warn().Err(err).Int("signatures", len(sigs)).Msg("Status poll failed")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	for i, sig := range sigs {
		e, ok := m.bySig[sig]
		if !ok || e.finished || e.plan != nil {
			continue
		}
		var st *rpc.SignatureStatus
		if i < len(statuses) {
			st = statuses[i]
		}
		if st == nil {
			m.handleMissingLocked(ctx, e, now)
		} else {
			m.applyStatusLocked(ctx, e, st, now)
		}
	}
}

// handleMissingLocked reacts to a signature the ledger does not know.
func (m *Monitor) handleMissingLocked(ctx context.Context, e *tracked, now time.Time) {
	elapsed := now.Sub(e.mon.SubmittedAt)

	switch {
	case e.mon.Confirmations > 0:
		// Previously seen, now gone: the node dropped it. It never
		// reached the ledger, so replacing it cannot double-spend.
		e.mon.ErrorCount++
		e.mon.LastError = domain.TxErrTimeout
		m.scheduleRetryLocked(ctx, e, domain.TxErrTimeout, domain.TxDropped, now,
			fmt.Sprintf("transaction %s dropped after %s", e.mon.TxSignature, elapsed.Round(time.Second)))

	case elapsed > e.mon.Requirement.MaxWait:
		e.mon.ErrorCount++
		e.mon.LastError = domain.TxErrTimeout
		m.scheduleRetryLocked(ctx, e, domain.TxErrTimeout, domain.TxTimeout, now,
			fmt.Sprintf("transaction %s not found after %s", e.mon.TxSignature, elapsed.Round(time.Second)))

	case elapsed > stuckThreshold && e.mon.Confirmations == 0 && e.mon.State != domain.TxStuck:
		e.mon.State = domain.TxStuck
		m.log.Warn().
			Str("trade_id", e.mon.TradeID).
			Str("signature", e.mon.TxSignature).
			Dur("elapsed", elapsed.Round(time.Second)).
			Msg("Transaction stuck")
	}
}

// applyStatusLocked folds one landed status into the monitor record.
func (m *Monitor) applyStatusLocked(ctx context.Context, e *tracked, st *rpc.SignatureStatus, now time.Time) {
	// It landed, so any scheduled replacement would double-spend.
	e.plan = nil
	e.mon.NextRetryAt = nil
	e.mon.BlockHeight = st.Slot

	if st.Err != nil {
		kind := ClassifyTxError(st.Err)
		e.mon.ErrorCount++
		e.mon.LastError = kind
		e.mon.State = domain.TxFailed
		m.scheduleRetryLocked(ctx, e, kind, domain.TxFailed, now,
			fmt.Sprintf("transaction failed on chain: %v", st.Err))
		return
	}

	if st.Confirmations == nil {
		// Rooted: confirmations are no longer reported.
		e.mon.Finalized = true
		if e.mon.Confirmations < e.mon.Requirement.MinConfirmations {
			e.mon.Confirmations = e.mon.Requirement.MinConfirmations
		}
	} else {
		e.mon.Confirmations = *st.Confirmations
		e.mon.Finalized = st.ConfirmationStatus == "finalized"
	}

	met := e.mon.Finalized ||
		(!e.mon.Requirement.RequireFinalization && e.mon.Confirmations >= e.mon.Requirement.MinConfirmations)
	if met {
		state := domain.TxConfirmed
		if e.mon.Finalized {
			state = domain.TxFinalized
		}
		m.finishLocked(ctx, e, state, now, "")
		return
	}

	e.mon.State = domain.TxPending

	// A landed transaction past its deadline is never replaced; it may
	// still finalize, and a replacement could execute twice.
	if now.Sub(e.mon.SubmittedAt) > e.mon.Requirement.MaxWait {
		m.finishLocked(ctx, e, domain.TxTimeout, now,
			fmt.Sprintf("only %d of %d confirmations before deadline", e.mon.Confirmations, e.mon.Requirement.MinConfirmations))
	}
}

// scheduleRetryLocked either books a resubmission for the classified error
// or finishes the trade in terminalState when the policy forbids retrying.
func (m *Monitor) scheduleRetryLocked(ctx context.Context, e *tracked, kind domain.TxErrorKind, terminalState domain.TxState, now time.Time, reason string) {
	strategy := kind.Strategy()
	if strategy == domain.RetryNone || e.resubmit == nil || e.mon.RetryCount >= maxRetries {
		m.finishLocked(ctx, e, terminalState, now, reason)
		return
	}

	delay := retryDelay(strategy, e.mon.RetryCount)
	at := now.Add(delay)
	e.plan = &retryPlan{at: at, strategy: strategy, kind: kind}
	e.mon.NextRetryAt = &at
	if terminalState != domain.TxFailed {
		e.mon.State = domain.TxStuck
	}

	m.log.Info().
		Str("trade_id", e.mon.TradeID).
		Str("signature", e.mon.TxSignature).
		Str("error_kind", string(kind)).
		Str("strategy", string(strategy)).
		Int("retry_count", e.mon.RetryCount).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("Resubmission scheduled")
}

// fireDueRetries resubmits every trade whose retry delay has elapsed.
func (m *Monitor) fireDueRetries(ctx context.Context) {
	m.mu.Lock()
	now := m.clock().UTC()
	type due struct {
		e    *tracked
		plan retryPlan
	}
	var fire []due
	for _, e := range m.byTrade {
		if e.finished || e.plan == nil || now.Before(e.plan.at) {
			continue
		}
		fire = append(fire, due{e: e, plan: *e.plan})
		e.plan = nil
		e.mon.NextRetryAt = nil
		e.mon.RetryCount++
	}
	m.mu.Unlock()

	for _, d := range fire {
		m.mu.Lock()
		attempt := d.e.mon.RetryCount
		oldSig := d.e.mon.TxSignature
		tradeID := d.e.mon.TradeID
		m.mu.Unlock()

		newSig, err := d.e.resubmit(ctx, d.plan.strategy, attempt)

		m.mu.Lock()
		now = m.clock().UTC()
		if err != nil {
			kind := ClassifyRPCError(err)
			d.e.mon.ErrorCount++
			d.e.mon.LastError = kind
			m.log.Warn().Err(err).
				Str("trade_id", tradeID).
				Int("attempt", attempt).
				Msg("Resubmission failed")
			m.scheduleRetryLocked(ctx, d.e, kind, domain.TxFailed, now,
				fmt.Sprintf("resubmitting transaction: %v", err))
			m.mu.Unlock()
			continue
		}

		delete(m.bySig, oldSig)
		m.bySig[newSig] = d.e
		d.e.mon.TxSignature = newSig
		d.e.mon.SubmittedAt = now
		d.e.mon.State = domain.TxSubmitted
		d.e.mon.Confirmations = 0
		d.e.mon.Finalized = false

		m.log.Info().
			Str("trade_id", tradeID).
			Str("old_signature", oldSig).
			Str("new_signature", newSig).
			Str("strategy", string(d.plan.strategy)).
			Int("attempt", attempt).
			Msg("Transaction replaced")
		m.mu.Unlock()
	}
}

// finishLocked closes out a trade at a terminal state.
func (m *Monitor) finishLocked(ctx context.Context, e *tracked, state domain.TxState, now time.Time, reason string) {
	e.mon.State = state
	e.mon.NextRetryAt = nil
	e.plan = nil
	e.finished = true
	e.finishedAt = now
	close(e.done)

	log := m.log.With().
		Str("trade_id", e.mon.TradeID).
		Str("signature", e.mon.TxSignature).
		Int("confirmations", e.mon.Confirmations).
		Int("retry_count", e.mon.RetryCount).
		Logger()

	switch state {
	case domain.TxConfirmed, domain.TxFinalized:
		m.breakers.RecordSuccess(ctx, domain.BreakerConfirmationTimeout)
		log.Info().Str("state", string(state)).Msg("Transaction confirmed")
	case domain.TxTimeout, domain.TxDropped:
		m.breakers.RecordFailure(ctx, domain.BreakerConfirmationTimeout, reason)
		log.Error().Str("state", string(state)).Str("reason", reason).Msg("Transaction timed out")
	default:
		log.Error().Str("state", string(state)).Str("reason", reason).Str("error_kind", string(e.mon.LastError)).Msg("Transaction failed")
	}
}

// prune drops terminal records past the retention window.
func (m *Monitor) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock().UTC().Add(-finishedRetention)
	for tradeID, e := range m.byTrade {
		if e.finished && e.finishedAt.Before(cutoff) {
			delete(m.byTrade, tradeID)
			delete(m.bySig, e.mon.TxSignature)
		}
	}
}

// retryDelay computes the backoff before resubmission number retryCount+1.
// Exponential and replace strategies double from 5s; linear grows by 5s a
// step. Both cap at 300s.
func retryDelay(strategy domain.RetryStrategy, retryCount int) time.Duration {
	var delay time.Duration
	if strategy == domain.RetryLinear {
		delay = retryInitialDelay * time.Duration(retryCount+1)
	} else {
		delay = retryInitialDelay << uint(retryCount)
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
