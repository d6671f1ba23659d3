// Package idempotency derives cryptographic operation keys and keeps the
// persistent record of every guarded operation, so that replays return the
// original outcome instead of re-executing.
package idempotency

import (
	"fmt"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/utils"
)

// keyBucket is the rounding granularity baked into every key. Two attempts
// inside the same bucket collide on purpose; that is what absorbs retry
// jitter.
const keyBucket = 5 * time.Minute

func bucketOf(t time.Time) string {
	return t.UTC().Truncate(keyBucket).Format(time.RFC3339)
}

// GenerationKey identifies one trade-generation run: same user, same
// strategy, same portfolio, same five-minute bucket - same key.
func GenerationKey(userID string, strategy, portfolio any, now time.Time) (string, error) {
	strategyHash, err := utils.HashCanonical(strategy)
	if err != nil {
		return "", fmt.Errorf("hashing strategy data: %w", err)
	}
	portfolioHash, err := utils.HashCanonical(portfolio)
	if err != nil {
		return "", fmt.Errorf("hashing portfolio state: %w", err)
	}

	key, err := utils.HashCanonical(map[string]string{
		"user_id":        userID,
		"strategy_hash":  strategyHash,
		"portfolio_hash": portfolioHash,
		"bucket":         bucketOf(now),
	})
	if err != nil {
		return "", fmt.Errorf("deriving generation key: %w", err)
	}
	return key, nil
}

// executionPayload is the trade with its mutable fields removed. Status,
// signature, block height, error and update time all change while a trade
// moves through the pipeline and must not change its identity.
type executionPayload struct {
	TradeID      string                 `json:"trade_id"`
	UserID       string                 `json:"user_id"`
	VaultAddress string                 `json:"vault_address"`
	Type         string                 `json:"type"`
	Instruction  domain.SwapInstruction `json:"instruction"`
	Rationale    string                 `json:"rationale"`
	Priority     int                    `json:"priority"`
	RiskScore    float64                `json:"risk_score"`
}

// ExecutionKey identifies one trade execution. The bucket comes from the
// trade's creation time, not the wall clock, so retries of the same trade
// map to the same key no matter when they run.
func ExecutionKey(userID string, trade *domain.GeneratedTrade) (string, error) {
	if trade == nil {
		return "", fmt.Errorf("trade is nil")
	}

	key, err := utils.HashCanonical(map[string]any{
		"user_id": userID,
		"trade": executionPayload{
			TradeID:      trade.TradeID,
			UserID:       trade.UserID,
			VaultAddress: trade.VaultAddress,
			Type:         trade.Type,
			Instruction:  trade.Instruction,
			Rationale:    trade.Rationale,
			Priority:     trade.Priority,
			RiskScore:    trade.RiskScore,
		},
		"bucket": bucketOf(trade.CreatedAt),
	})
	if err != nil {
		return "", fmt.Errorf("deriving execution key: %w", err)
	}
	return key, nil
}
