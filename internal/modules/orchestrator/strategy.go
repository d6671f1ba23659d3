package orchestrator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/slipstreamlabs/slipstream/internal/clients/analytics"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// selection is one user's strategy-phase outcome. Either target is set
// or skip names why the user sits the cycle out.
type selection struct {
	user   domain.UserRiskProfile
	target *domain.TargetPortfolio
	skip   string
}

// leaderTarget memoizes one leader's derived allocation for the cycle so
// several followers of the same leader cost one holdings read.
type leaderTarget struct {
	allocations []domain.Allocation
	confidence  float64
	err         error
}

// selectStrategies is phase three: pick each user's leader and derive
// the target portfolio. The roster arrives rank-ordered, so the first
// eligible trader at or above the user's trust threshold wins. A chosen
// leader whose allocation coverage misses the confidence floor skips the
// user rather than falling through to a lower-ranked leader.
func (o *Orchestrator) selectStrategies(ctx context.Context, cycleID string, roster *analytics.Roster, profiles []domain.UserRiskProfile, report *CycleReport) []selection {
	started := o.clock()
	leaders := make(map[string]leaderTarget)
	selections := make([]selection, 0, len(profiles))

	for _, user := range profiles {
		sel := selection{user: user}

		threshold, err := user.RiskProfile.TrustScoreThreshold()
		if err != nil {
			sel.skip = err.Error()
			selections = append(selections, sel)
			continue
		}

		leader := pickLeader(roster.Traders, threshold)
		if leader == nil {
			sel.skip = fmt.Sprintf("no eligible trader at trust score %.0f or above", threshold)
			selections = append(selections, sel)
			continue
		}

		derived, seen := leaders[leader.WalletAddress]
		if !seen {
			derived = o.deriveLeaderTarget(ctx, leader.WalletAddress, user.UserID)
			leaders[leader.WalletAddress] = derived
			if derived.err != nil {
				report.PhaseErrors = append(report.PhaseErrors,
					fmt.Sprintf("strategy_selection %s: %v", leader.WalletAddress, derived.err))
			}
		}

		switch {
		case derived.err != nil:
			sel.skip = fmt.Sprintf("leader %s holdings unavailable: %v", leader.WalletAddress, derived.err)
		case len(derived.allocations) == 0:
			sel.skip = fmt.Sprintf("leader %s holds no supported tokens", leader.WalletAddress)
		case derived.confidence < o.cfg.MinConfidence:
			sel.skip = fmt.Sprintf("strategy confidence %.1f below %.0f floor", derived.confidence, o.cfg.MinConfidence)
		}
		if sel.skip != "" {
			selections = append(selections, sel)
			continue
		}

		target := &domain.TargetPortfolio{
			SelectedTraderWallet: leader.WalletAddress,
			Rank:                 leader.Rank,
			TrustScore:           leader.TrustScore,
			TrustScoreThreshold:  threshold,
			Confidence:           derived.confidence,
			Allocations:          derived.allocations,
			UserID:               user.UserID,
			UserVaultAddress:     user.VaultAddress,
			UserRiskProfile:      user.RiskProfile,
		}
		if err := target.Validate(); err != nil {
			sel.skip = fmt.Sprintf("derived target rejected: %v", err)
			selections = append(selections, sel)
			continue
		}

		sel.target = target
		selections = append(selections, sel)
		o.auditStrategy(ctx, cycleID, target)
	}

	for _, sel := range selections {
		if sel.target != nil {
			report.Selected++
			continue
		}
		report.Skipped++
		o.log.Info().
			Str("cycle_id", cycleID).
			Str("user_id", sel.user.UserID).
			Str("reason", sel.skip).
			Msg("User skipped this cycle")
	}

	o.auditPhase(ctx, cycleID, "strategy_selection", o.clock().Sub(started), map[string]any{
		"selected": report.Selected,
		"skipped":  report.Skipped,
	}, nil)
	return selections
}

// pickLeader returns the best-ranked eligible trader clearing the trust
// threshold, nil when nobody does.
func pickLeader(traders []domain.RankedTrader, threshold float64) *domain.RankedTrader {
	for i := range traders {
		if traders[i].Eligibility.Eligible() && traders[i].TrustScore >= threshold {
			return &traders[i]
		}
	}
	return nil
}

// deriveLeaderTarget reads the leader's own holdings and reduces them to
// the supported-token allocation the bot can replicate. Confidence is
// the share of the leader's measurable value that survives the
// reduction.
func (o *Orchestrator) deriveLeaderTarget(ctx context.Context, leaderWallet, userID string) leaderTarget {
	portfolio, err := o.deps.Vaults.ReadHoldings(ctx, leaderWallet, userID)
	if err != nil {
		return leaderTarget{err: err}
	}
	if !portfolio.TotalValueUSD.IsPositive() {
		return leaderTarget{}
	}

	covered := decimal.Zero
	supported := make([]domain.Holding, 0, len(portfolio.Holdings))
	for _, holding := range portfolio.Holdings {
		if !o.deps.Registry.IsSupported(holding.Mint) || !holding.EstimatedUSDValue.IsPositive() {
			continue
		}
		covered = covered.Add(holding.EstimatedUSDValue)
		supported = append(supported, holding)
	}
	if len(supported) == 0 {
		return leaderTarget{}
	}

	confidence, _ := covered.Mul(hundred).Div(portfolio.TotalValueUSD).Float64()

	// Holdings arrive sorted by value descending. The largest position
	// absorbs the rounding residual so the percentages sum to exactly
	// 100.
	allocations := make([]domain.Allocation, len(supported))
	rest := decimal.Zero
	for i := len(supported) - 1; i >= 1; i-- {
		pct := supported[i].EstimatedUSDValue.Mul(hundred).Div(covered).Round(4)
		allocations[i] = domain.Allocation{
			Symbol:        supported[i].Symbol,
			Mint:          supported[i].Mint,
			TargetPercent: pct,
		}
		rest = rest.Add(pct)
	}
	allocations[0] = domain.Allocation{
		Symbol:        supported[0].Symbol,
		Mint:          supported[0].Mint,
		TargetPercent: hundred.Sub(rest),
	}

	return leaderTarget{allocations: allocations, confidence: confidence}
}
