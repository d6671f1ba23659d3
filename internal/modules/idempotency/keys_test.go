package idempotency

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

func sampleTrade(createdAt time.Time) *domain.GeneratedTrade {
	return &domain.GeneratedTrade{
		TradeID:      "c7b9e2a4-0000-5000-8000-000000000001",
		UserID:       "user-1",
		VaultAddress: "Fv8qJ9mJ3XhQ2tW5yZr7cD1bN4kL6sP8aG2hT9uV3wXe",
		Type:         domain.TradeTypeRebalanceSwap,
		Instruction: domain.SwapInstruction{
			FromSymbol:         "SOL",
			FromMint:           "So11111111111111111111111111111111111111112",
			ToSymbol:           "JUP",
			ToMint:             "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN",
			FromAmount:         decimal.NewFromFloat(2.5),
			ExpectedToAmount:   decimal.NewFromInt(400),
			MinimumToAmount:    decimal.NewFromInt(396),
			MaxSlippagePercent: decimal.NewFromInt(1),
		},
		Rationale: "rebalance toward target allocation",
		Priority:  1,
		Status:    domain.TradeStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestGenerationKeyStableWithinBucket(t *testing.T) {
	strategy := map[string]any{"trader": "9WzD", "allocations": []string{"JUP"}}
	portfolio := map[string]any{"SOL": 600, "USDC": 400}

	early := time.Date(2025, 6, 1, 12, 1, 10, 0, time.UTC)
	late := time.Date(2025, 6, 1, 12, 3, 50, 0, time.UTC)
	nextBucket := time.Date(2025, 6, 1, 12, 6, 0, 0, time.UTC)

	k1, err := GenerationKey("user-1", strategy, portfolio, early)
	require.NoError(t, err)
	k2, err := GenerationKey("user-1", strategy, portfolio, late)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same bucket must collide")
	assert.Len(t, k1, 64)

	k3, err := GenerationKey("user-1", strategy, portfolio, nextBucket)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "next bucket must not collide")

	k4, err := GenerationKey("user-2", strategy, portfolio, early)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	k5, err := GenerationKey("user-1", strategy, map[string]any{"SOL": 601}, early)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k5)
}

func TestExecutionKeyIgnoresMutableFields(t *testing.T) {
	createdAt := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC)
	trade := sampleTrade(createdAt)

	base, err := ExecutionKey("user-1", trade)
	require.NoError(t, err)

	mutated := sampleTrade(createdAt)
	mutated.Status = domain.TradeStatusConfirmed
	mutated.TxSignature = "5adzuN3vaQEoXnPRALgZHLd6oCqDU1CbD8gzWnEXA6u8"
	mutated.BlockHeight = 123456
	mutated.ExecutionError = "transient"
	mutated.UpdatedAt = createdAt.Add(time.Hour)

	same, err := ExecutionKey("user-1", mutated)
	require.NoError(t, err)
	assert.Equal(t, base, same, "mutable fields must not change identity")

	resized := sampleTrade(createdAt)
	resized.Instruction.FromAmount = decimal.NewFromFloat(3.0)
	different, err := ExecutionKey("user-1", resized)
	require.NoError(t, err)
	assert.NotEqual(t, base, different)

	// the bucket follows the trade's creation time, not the wall clock
	shifted := sampleTrade(createdAt.Add(10 * time.Minute))
	rebucketed, err := ExecutionKey("user-1", shifted)
	require.NoError(t, err)
	assert.NotEqual(t, base, rebucketed)
}

func TestExecutionKeyNilTrade(t *testing.T) {
	_, err := ExecutionKey("user-1", nil)
	require.Error(t, err)
}
