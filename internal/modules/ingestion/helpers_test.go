package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
	"github.com/slipstreamlabs/slipstream/pkg/logger"
)

func testLogger() zerolog.Logger {
	return logger.Nop()
}

func testIngestionConfig(concurrent int) config.IngestionConfig {
	return config.IngestionConfig{
		MaxTransactionsPerWallet: 100,
		TransactionThreshold:     2,
		MaxConcurrentWallets:     concurrent,
		MinTradeValueUSD:         1,
	}
}

// fakeChain serves canned signature pages and transactions.
type fakeChain struct {
	mu            sync.Mutex
	pages         [][]rpc.SignatureInfo
	pageCalls     []rpc.SignaturesOpts
	transactions  map[string]*rpc.TransactionEnvelope
	txErrors      map[string]error
	fetchedOrder  []string
	slot          uint64
	blocks        map[uint64]*rpc.BlockEnvelope
	sigCountsByID map[string]int
}

func (f *fakeChain) GetSignaturesForAddress(ctx context.Context, address string, opts rpc.SignaturesOpts) ([]rpc.SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sigCountsByID != nil {
		count := f.sigCountsByID[address]
		if count > opts.Limit {
			count = opts.Limit
		}
		sigs := make([]rpc.SignatureInfo, count)
		return sigs, nil
	}

	call := len(f.pageCalls)
	f.pageCalls = append(f.pageCalls, opts)
	if call >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[call]
	if opts.Limit > 0 && len(page) > opts.Limit {
		page = page[:opts.Limit]
	}
	return page, nil
}

func (f *fakeChain) GetTransaction(ctx context.Context, signature string) (*rpc.TransactionEnvelope, error) {
	f.mu.Lock()
	f.fetchedOrder = append(f.fetchedOrder, signature)
	f.mu.Unlock()

	if err, ok := f.txErrors[signature]; ok {
		return nil, err
	}
	return f.transactions[signature], nil
}

func (f *fakeChain) GetSlot(ctx context.Context) (uint64, error) {
	return f.slot, nil
}

func (f *fakeChain) GetBlock(ctx context.Context, slot uint64) (*rpc.BlockEnvelope, error) {
	return f.blocks[slot], nil
}

// sigAt builds a SignatureInfo with the given unix block time.
func sigAt(signature string, unixTime int64) rpc.SignatureInfo {
	return rpc.SignatureInfo{Signature: signature, Slot: 1, BlockTime: &unixTime}
}

// memorySwapStore collects saved swaps in memory.
type memorySwapStore struct {
	mu     sync.Mutex
	saved  []*domain.SwapRecord
	cursor *time.Time
}

func (m *memorySwapStore) SaveSwaps(ctx context.Context, swaps []*domain.SwapRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, swaps...)
	return len(swaps), nil
}

func (m *memorySwapStore) LatestBlockTime(ctx context.Context, wallet string) (*time.Time, error) {
	return m.cursor, nil
}

// memoryProfileStore answers a fixed wallet list and records touches.
type memoryProfileStore struct {
	mu         sync.Mutex
	wallets    []string
	touches    map[string]int
	candidates map[string]time.Time
}

func (m *memoryProfileStore) ActiveWallets(ctx context.Context) ([]string, error) {
	return m.wallets, nil
}

func (m *memoryProfileStore) TouchActivity(ctx context.Context, wallet string, lastActivity time.Time, tradeDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.touches == nil {
		m.touches = make(map[string]int)
	}
	m.touches[wallet] += tradeDelta
	return nil
}

func (m *memoryProfileStore) UpsertCandidate(ctx context.Context, wallet string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidates == nil {
		m.candidates = make(map[string]time.Time)
	}
	m.candidates[wallet] = seenAt
	return nil
}
