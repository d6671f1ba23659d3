package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/database"
	"github.com/slipstreamlabs/slipstream/internal/domain"
)

var storeSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := fmt.Sprintf("file:audit_test_%d?mode=memory&cache=shared", storeSeq.Add(1))
	sdb, err := database.NewSQLite(database.SQLiteConfig{
		Path:    path,
		Profile: database.ProfileLedger,
		Name:    "audit-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sdb.Close() })

	store, err := NewStore(sdb, zerolog.Nop())
	require.NoError(t, err)
	return store
}

func newTestLogger(t *testing.T, store *Store) *Logger {
	t.Helper()
	logger, err := NewLogger(context.Background(), store, "test", zerolog.Nop())
	require.NoError(t, err)
	return logger
}

func TestLoggerChainsEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seed, err := store.LatestHash(ctx)
	require.NoError(t, err)
	assert.Empty(t, seed)

	logger := newTestLogger(t, store)
	for i := 0; i < 3; i++ {
		err := logger.Log(ctx, domain.AuditEntry{
			EventType: domain.AuditTradeExecuted,
			Severity:  domain.SeverityInfo,
			EventData: map[string]any{"sequence": i},
		})
		require.NoError(t, err)
	}

	entries, err := store.page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Empty(t, entries[0].entry.PreviousEntryHash)
	assert.Equal(t, entries[0].entry.EntryHash, entries[1].entry.PreviousEntryHash)
	assert.Equal(t, entries[1].entry.EntryHash, entries[2].entry.PreviousEntryHash)
	assert.Equal(t, entries[2].entry.EntryHash, logger.LastHash())

	report, err := logger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.EqualValues(t, 3, report.EntriesChecked)
}

func TestLoggerSeedsFromExistingChain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := newTestLogger(t, store)
	require.NoError(t, first.Log(ctx, domain.AuditEntry{EventType: domain.AuditCycleStarted}))
	require.NoError(t, first.Log(ctx, domain.AuditEntry{EventType: domain.AuditCycleCompleted}))
	tail := first.LastHash()

	second := newTestLogger(t, store)
	require.NoError(t, second.Log(ctx, domain.AuditEntry{EventType: domain.AuditCycleStarted}))

	entries, err := store.page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, tail, entries[2].entry.PreviousEntryHash)

	report, err := second.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestLoggerRoundTripsRichEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := newTestLogger(t, store)

	entry := domain.AuditEntry{
		EventType:         domain.AuditTradeGenerated,
		Severity:          domain.SeverityWarning,
		UserID:            "user-1",
		WalletAddress:     "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		TraderAddress:     "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		DecisionRationale: "rebalancing toward target allocation",
		TxSignature:       "5adzuN3vaQEoXnPRALgZHLd6oCqDU1CbD8gzWnEXA6u8ZnuazW4FKqZKRFCJrDvoqJhgQhUo46u7n8zCWLHuqVVs",
		CorrelationID:     "cycle-42",
		EventData: map[string]any{
			// above 2^53: must survive the store round trip bit-exact
			"lamports": int64(9007199254740993),
			"nested":   map[string]any{"b": 2, "a": 1},
		},
		TradeDetails:      map[string]any{"from": "SOL", "to": "JUP"},
		SystemState:       map[string]any{"halted": false},
		CalculationInputs: map[string]any{"total_value_usd": 1000.5},
		DecisionFactors:   map[string]any{"rank": 1},
		ValidationResults: map[string]any{"slippage_ok": true},
		ContextSnapshot:   map[string]any{"phase": "trade_generation"},
	}
	require.NoError(t, logger.Log(ctx, entry))

	stored, err := store.Query(ctx, QueryFilter{CorrelationID: "cycle-42"})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	got := stored[0]
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "test", got.BotVersion)
	assert.NotEmpty(t, got.EntryID)
	assert.NotEmpty(t, got.EntryHash)

	ok, err := VerifyEntry(got)
	require.NoError(t, err)
	assert.True(t, ok, "reloaded entry must hash to its stored value")
}

func TestVerifyChainDetectsTamperedContent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := newTestLogger(t, store)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Log(ctx, domain.AuditEntry{
			EventType: domain.AuditTradeExecuted,
			EventData: map[string]any{"sequence": i},
		}))
	}

	_, err := store.db.Exec(
		`UPDATE audit_log SET decision_rationale = 'rewritten history' WHERE rowid = 2`)
	require.NoError(t, err)

	report, err := logger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.EqualValues(t, 2, report.EntriesChecked)
	assert.Equal(t, "entry hash does not match entry content", report.Reason)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := newTestLogger(t, store)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Log(ctx, domain.AuditEntry{
			EventType: domain.AuditTradeExecuted,
			EventData: map[string]any{"sequence": i},
		}))
	}

	_, err := store.db.Exec(
		`UPDATE audit_log SET previous_entry_hash = 'forged' WHERE rowid = 3`)
	require.NoError(t, err)

	report, err := logger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Reason, "previous hash mismatch")
}

func TestLoggerConcurrentAppendsKeepChainIntact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := newTestLogger(t, store)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_ = logger.Log(ctx, domain.AuditEntry{
					EventType: domain.AuditPhaseCompleted,
					EventData: map[string]any{"goroutine": g, "sequence": i},
				})
			}
		}(g)
	}
	wg.Wait()

	report, err := logger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.EqualValues(t, 50, report.EntriesChecked)
}

func TestSafetyWriteFailureExits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := newTestLogger(t, store)

	var exitCode atomic.Int64
	exitCode.Store(-1)
	logger.exit = func(code int) { exitCode.Store(int64(code)) }

	_, err := store.db.Exec(`DROP TABLE audit_log`)
	require.NoError(t, err)

	err = logger.Log(ctx, domain.AuditEntry{
		EventType: domain.AuditTradeFailed,
		Severity:  domain.SeverityError,
	})
	require.Error(t, err)
	assert.EqualValues(t, -1, exitCode.Load(), "non-safety failures must not terminate")

	err = logger.Log(ctx, domain.AuditEntry{
		EventType: domain.AuditEmergencyStop,
		Severity:  domain.SeverityCritical,
	})
	require.Error(t, err)
	assert.EqualValues(t, 2, exitCode.Load())
}

func TestStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	logger := newTestLogger(t, store)

	base := time.Now().UTC()
	require.NoError(t, logger.Log(ctx, domain.AuditEntry{
		Timestamp: base.Add(-2 * time.Hour),
		EventType: domain.AuditTradeExecuted,
		UserID:    "user-1",
	}))
	require.NoError(t, logger.Log(ctx, domain.AuditEntry{
		Timestamp: base.Add(-1 * time.Hour),
		EventType: domain.AuditTradeFailed,
		Severity:  domain.SeverityError,
		UserID:    "user-1",
	}))
	require.NoError(t, logger.Log(ctx, domain.AuditEntry{
		Timestamp: base,
		EventType: domain.AuditTradeExecuted,
		UserID:    "user-2",
	}))

	byType, err := store.Query(ctx, QueryFilter{EventType: domain.AuditTradeExecuted})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byUser, err := store.Query(ctx, QueryFilter{UserID: "user-1", EventType: domain.AuditTradeFailed})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, domain.SeverityError, byUser[0].Severity)

	recent, err := store.Query(ctx, QueryFilter{Since: base.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := store.Query(ctx, QueryFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "user-2", limited[0].UserID, "newest entry first")

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}
