// Package orchestrator drives the bot's trading cycle: fetch the
// ranked-trader roster, load the subscribed users, select a leader per
// user, reconcile each vault against the leader's allocation, size the
// rebalancing swaps, and run them through the executor. A cycle derives
// nothing from previous cycles; everything durable lives in the ranking
// store, the audit log, and the idempotency store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/clients/analytics"
	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/executor"
)

// Intelligence is the slice of the analytics client the orchestrator
// consumes.
type Intelligence interface {
	RankedTraders(ctx context.Context, limit int, minTrustScore float64) (*analytics.Roster, error)
}

// UserSource lists the subscribed users the bot trades for.
type UserSource interface {
	ActiveProfiles(ctx context.Context) ([]domain.UserRiskProfile, error)
}

// VaultReader reads a vault's on-chain composition.
type VaultReader interface {
	ReadHoldings(ctx context.Context, vaultAddress, userID string) (*domain.Portfolio, error)
}

// Planner compares holdings against a target and sizes the swaps.
type Planner interface {
	Compare(current *domain.Portfolio, target *domain.TargetPortfolio) domain.PortfolioComparison
	Generate(ctx context.Context, comparison domain.PortfolioComparison, profile domain.RiskProfile, cycleID string) ([]domain.GeneratedTrade, error)
}

// Runner executes one generated trade through the safety layer.
type Runner interface {
	Execute(ctx context.Context, trade *domain.GeneratedTrade) (*executor.Outcome, error)
}

// AuditSink receives cycle audit entries.
type AuditSink interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// Config bounds one cycle.
type Config struct {
	// RosterLimit caps how many ranked traders are fetched per cycle.
	RosterLimit int
	// MinConfidence is the allocation-coverage floor, in percent, a
	// selected leader must clear before any trades are generated.
	MinConfidence float64
	// MaxConcurrentTrades bounds parallel executions in the final phase.
	MaxConcurrentTrades int
	// TradeTimeout bounds one trade's execution including confirmation.
	TradeTimeout time.Duration
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Intel    Intelligence
	Users    UserSource
	Vaults   VaultReader
	Planner  Planner
	Runner   Runner
	Registry *config.TokenRegistry
	Audit    AuditSink
}

// CycleReport summarizes one cycle for status reporting and the audit
// trail.
type CycleReport struct {
	CycleID    string    `json:"cycle_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Traders    int `json:"traders"`
	Users      int `json:"users"`
	Selected   int `json:"selected"`
	Skipped    int `json:"skipped"`
	Reconciled int `json:"reconciled"`
	Rebalances int `json:"rebalances"`
	Generated  int `json:"generated"`
	Confirmed  int `json:"confirmed"`
	Replayed   int `json:"replayed"`
	Failed     int `json:"failed"`

	PhaseErrors []string `json:"phase_errors,omitempty"`
}

// Orchestrator runs the six-phase execution cycle.
type Orchestrator struct {
	cfg   Config
	deps  Deps
	log   zerolog.Logger
	clock func() time.Time

	mu   sync.Mutex
	last *CycleReport
}

// New applies defaults: a 50-trader roster, a 60 percent confidence
// floor, three parallel trades, and a two minute per-trade budget.
func New(cfg Config, deps Deps, log zerolog.Logger) *Orchestrator {
	if cfg.RosterLimit <= 0 {
		cfg.RosterLimit = 50
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 60
	}
	if cfg.MaxConcurrentTrades <= 0 {
		cfg.MaxConcurrentTrades = 3
	}
	if cfg.TradeTimeout <= 0 {
		cfg.TradeTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   log.With().Str("component", "orchestrator").Logger(),
		clock: time.Now,
	}
}

// RunCycle executes one orchestration cycle. Phase failures land on the
// report and the cycle carries on with whatever later phases remain
// possible; the returned error is reserved for failures that leave
// nothing to do.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	cycleID := uuid.New().String()
	report := &CycleReport{CycleID: cycleID, StartedAt: o.clock().UTC()}
	log := o.log.With().Str("cycle_id", cycleID).Logger()

	log.Info().Msg("Execution cycle started")
	o.writeAudit(ctx, domain.AuditEntry{
		EventType:     domain.AuditCycleStarted,
		Severity:      domain.SeverityInfo,
		CorrelationID: cycleID,
	})

	roster, err := o.fetchIntelligence(ctx, cycleID, report)
	if errors.Is(err, analytics.ErrNoSnapshot) {
		log.Info().Msg("No ranking published yet, cycle skipped")
		return o.complete(ctx, log, report), nil
	}
	if err != nil {
		return o.complete(ctx, log, report), err
	}

	profiles, err := o.loadUsers(ctx, cycleID, report)
	if err != nil {
		return o.complete(ctx, log, report), err
	}
	if len(profiles) == 0 {
		log.Info().Msg("No active users, cycle skipped")
		return o.complete(ctx, log, report), nil
	}

	selections := o.selectStrategies(ctx, cycleID, roster, profiles, report)
	trades := o.planTrades(ctx, cycleID, report, selections)
	o.executeAll(ctx, cycleID, report, trades)

	return o.complete(ctx, log, report), nil
}

// LastReport returns the most recently completed cycle's summary, nil
// before the first cycle. Status reporting only; RunCycle never reads
// it.
func (o *Orchestrator) LastReport() *CycleReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// fetchIntelligence is phase one: pull the ranked-trader roster from the
// analytics service.
func (o *Orchestrator) fetchIntelligence(ctx context.Context, cycleID string, report *CycleReport) (*analytics.Roster, error) {
	started := o.clock()
	roster, err := o.deps.Intel.RankedTraders(ctx, o.cfg.RosterLimit, 0)
	latency := o.clock().Sub(started)

	if errors.Is(err, analytics.ErrNoSnapshot) {
		o.auditPhase(ctx, cycleID, "fetch_intelligence", latency, map[string]any{
			"traders": 0,
			"reason":  "no snapshot published",
		}, nil)
		return nil, err
	}
	if err != nil {
		report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("fetch_intelligence: %v", err))
		o.auditPhase(ctx, cycleID, "fetch_intelligence", latency, nil, err)
		return nil, fmt.Errorf("fetching ranked traders: %w", err)
	}

	report.Traders = len(roster.Traders)
	o.auditPhase(ctx, cycleID, "fetch_intelligence", latency, map[string]any{
		"traders":     len(roster.Traders),
		"snapshot_id": roster.Meta.SnapshotID,
	}, nil)
	return roster, nil
}

// loadUsers is phase two: load every active subscription.
func (o *Orchestrator) loadUsers(ctx context.Context, cycleID string, report *CycleReport) ([]domain.UserRiskProfile, error) {
	started := o.clock()
	profiles, err := o.deps.Users.ActiveProfiles(ctx)
	took := o.clock().Sub(started)

	if err != nil {
		report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("load_users: %v", err))
		o.auditPhase(ctx, cycleID, "load_users", took, nil, err)
		return nil, fmt.Errorf("loading active users: %w", err)
	}

	report.Users = len(profiles)
	o.auditPhase(ctx, cycleID, "load_users", took, map[string]any{"users": len(profiles)}, nil)
	return profiles, nil
}

// planTrades is phases four and five: read each selected user's vault,
// compare it against the target, and size the swaps where the drift
// demands a rebalance. Per-user failures are recorded and the remaining
// users still get planned.
func (o *Orchestrator) planTrades(ctx context.Context, cycleID string, report *CycleReport, selections []selection) []domain.GeneratedTrade {
	type plan struct {
		target     *domain.TargetPortfolio
		comparison domain.PortfolioComparison
	}

	reconcileStart := o.clock()
	plans := make([]plan, 0, len(selections))
	for _, sel := range selections {
		if sel.target == nil {
			continue
		}

		current, err := o.deps.Vaults.ReadHoldings(ctx, sel.target.UserVaultAddress, sel.target.UserID)
		if err != nil {
			report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("reconcile %s: %v", sel.target.UserID, err))
			o.log.Error().Err(err).
				Str("cycle_id", cycleID).
				Str("user_id", sel.target.UserID).
				Msg("Vault read failed")
			continue
		}

		comparison := o.deps.Planner.Compare(current, sel.target)
		report.Reconciled++
		o.auditReconciled(ctx, cycleID, sel.target, comparison)

		if !comparison.RebalanceRequired {
			continue
		}
		report.Rebalances++
		plans = append(plans, plan{target: sel.target, comparison: comparison})
	}
	o.auditPhase(ctx, cycleID, "portfolio_reconciliation", o.clock().Sub(reconcileStart), map[string]any{
		"reconciled":         report.Reconciled,
		"rebalance_required": report.Rebalances,
	}, nil)

	generateStart := o.clock()
	var trades []domain.GeneratedTrade
	for _, p := range plans {
		generated, err := o.deps.Planner.Generate(ctx, p.comparison, p.target.UserRiskProfile, cycleID)
		if err != nil {
			report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("generate %s: %v", p.target.UserID, err))
			o.log.Error().Err(err).
				Str("cycle_id", cycleID).
				Str("user_id", p.target.UserID).
				Msg("Trade generation failed")
			continue
		}
		for i := range generated {
			o.auditGenerated(ctx, cycleID, &generated[i])
		}
		trades = append(trades, generated...)
	}
	report.Generated = len(trades)
	o.auditPhase(ctx, cycleID, "trade_generation", o.clock().Sub(generateStart), map[string]any{
		"trades": len(trades),
	}, nil)

	return trades
}

type tradeResult struct {
	outcome *executor.Outcome
	err     error
}

// executeAll is phase six: run every generated trade through the
// executor, at most MaxConcurrentTrades at a time. The executor audits
// each trade's fate itself; the orchestrator only tallies outcomes. A
// trade cut off by its timeout stays with the confirmation monitor, which
// tracks submitted transactions independently of the cycle.
func (o *Orchestrator) executeAll(ctx context.Context, cycleID string, report *CycleReport, trades []domain.GeneratedTrade) {
	if len(trades) == 0 {
		return
	}
	started := o.clock()

	results := make([]tradeResult, len(trades))
	sem := make(chan struct{}, o.cfg.MaxConcurrentTrades)

	var wg sync.WaitGroup
	for i := range trades {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = tradeResult{err: ctx.Err()}
				return
			}

			tradeCtx, cancel := context.WithTimeout(ctx, o.cfg.TradeTimeout)
			defer cancel()
			outcome, err := o.deps.Runner.Execute(tradeCtx, &trades[i])
			results[i] = tradeResult{outcome: outcome, err: err}
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		switch {
		case result.outcome != nil && result.outcome.Replayed:
			report.Replayed++
		case result.err == nil && result.outcome != nil && result.outcome.Trade.Status == domain.TradeStatusConfirmed:
			report.Confirmed++
		default:
			report.Failed++
			o.log.Warn().Err(result.err).
				Str("cycle_id", cycleID).
				Str("trade_id", trades[i].TradeID).
				Msg("Trade did not confirm")
		}
	}

	o.auditPhase(ctx, cycleID, "trade_execution", o.clock().Sub(started), map[string]any{
		"executed":  len(trades),
		"confirmed": report.Confirmed,
		"replayed":  report.Replayed,
		"failed":    report.Failed,
	}, nil)
}

// complete closes the report, writes the cycle summary to the audit log,
// and retains the report for status queries.
func (o *Orchestrator) complete(ctx context.Context, log zerolog.Logger, report *CycleReport) *CycleReport {
	report.FinishedAt = o.clock().UTC()

	entry := domain.AuditEntry{
		EventType: domain.AuditCycleCompleted,
		Severity:  domain.SeverityInfo,
		EventData: map[string]any{
			"duration_ms": report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
			"traders":     report.Traders,
			"users":       report.Users,
			"selected":    report.Selected,
			"skipped":     report.Skipped,
			"generated":   report.Generated,
			"confirmed":   report.Confirmed,
			"replayed":    report.Replayed,
			"failed":      report.Failed,
		},
		CorrelationID: report.CycleID,
	}
	if len(report.PhaseErrors) > 0 {
		entry.Severity = domain.SeverityWarning
		entry.EventData["phase_errors"] = report.PhaseErrors
	}
	o.writeAudit(ctx, entry)

	o.mu.Lock()
	o.last = report
	o.mu.Unlock()

	log.Info().
		Int("users", report.Users).
		Int("selected", report.Selected).
		Int("generated", report.Generated).
		Int("confirmed", report.Confirmed).
		Int("failed", report.Failed).
		Int("phase_errors", len(report.PhaseErrors)).
		Msg("Execution cycle completed")
	return report
}

func (o *Orchestrator) auditPhase(ctx context.Context, cycleID, phase string, took time.Duration, data map[string]any, cause error) {
	entry := domain.AuditEntry{
		EventType: domain.AuditPhaseCompleted,
		Severity:  domain.SeverityInfo,
		EventData: map[string]any{
			"phase":       phase,
			"duration_ms": took.Milliseconds(),
			"success":     cause == nil,
		},
		CorrelationID: cycleID,
	}
	for k, v := range data {
		entry.EventData[k] = v
	}
	if cause != nil {
		entry.Severity = domain.SeverityError
		entry.ErrorMessage = cause.Error()
	}
	o.writeAudit(ctx, entry)
}

func (o *Orchestrator) auditStrategy(ctx context.Context, cycleID string, target *domain.TargetPortfolio) {
	o.writeAudit(ctx, domain.AuditEntry{
		EventType:     domain.AuditStrategySelected,
		Severity:      domain.SeverityInfo,
		UserID:        target.UserID,
		TraderAddress: target.SelectedTraderWallet,
		EventData: map[string]any{
			"rank":        target.Rank,
			"trust_score": target.TrustScore,
			"threshold":   target.TrustScoreThreshold,
			"confidence":  target.Confidence,
			"allocations": len(target.Allocations),
		},
		DecisionRationale: fmt.Sprintf(
			"top-ranked eligible trader at rank %d with trust score %.1f clears the %s threshold %.0f",
			target.Rank, target.TrustScore, target.UserRiskProfile, target.TrustScoreThreshold),
		CorrelationID: cycleID,
	})
}

func (o *Orchestrator) auditReconciled(ctx context.Context, cycleID string, target *domain.TargetPortfolio, comparison domain.PortfolioComparison) {
	o.writeAudit(ctx, domain.AuditEntry{
		EventType: domain.AuditPortfolioReconciled,
		Severity:  domain.SeverityInfo,
		UserID:    target.UserID,
		EventData: map[string]any{
			"vault_address":      comparison.VaultAddress,
			"total_value_usd":    comparison.TotalValueUSD.String(),
			"discrepancies":      len(comparison.Discrepancies),
			"rebalance_required": comparison.RebalanceRequired,
		},
		CorrelationID: cycleID,
	})
}

func (o *Orchestrator) auditGenerated(ctx context.Context, cycleID string, trade *domain.GeneratedTrade) {
	o.writeAudit(ctx, domain.AuditEntry{
		EventType:         domain.AuditTradeGenerated,
		Severity:          domain.SeverityInfo,
		UserID:            trade.UserID,
		DecisionRationale: trade.Rationale,
		TradeDetails: map[string]any{
			"trade_id":    trade.TradeID,
			"from_symbol": trade.Instruction.FromSymbol,
			"to_symbol":   trade.Instruction.ToSymbol,
			"from_amount": trade.Instruction.FromAmount.String(),
			"priority":    trade.Priority,
		},
		CorrelationID: cycleID,
	})
}

func (o *Orchestrator) writeAudit(ctx context.Context, entry domain.AuditEntry) {
	if err := o.deps.Audit.Log(ctx, entry); err != nil {
		o.log.Error().Err(err).Str("event_type", string(entry.EventType)).Msg("Audit write failed")
	}
}
