package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

// sigName makes signatures long enough to pass record validation.
func sigName(n int) string {
	return fmt.Sprintf("sig-%03d-%s", n, strings.Repeat("a", 64))
}

func TestCollectSignaturesWindowing(t *testing.T) {
	start := time.Unix(1000, 0).UTC()
	end := time.Unix(2000, 0).UTC()

	chain := &fakeChain{pages: [][]rpc.SignatureInfo{{
		sigAt("newer-than-end", 2100),
		sigAt("at-end", 2000),
		sigAt("inside-a", 1900),
		sigAt("at-start", 1000),
		sigAt("older-than-start", 900),
		sigAt("never-reached", 800),
	}}}

	worker := NewWorker(chain, testParser(t), testLogger())
	status := &WalletIngestionStatus{Success: true}

	collected := worker.collectSignatures(context.Background(), testWallet, start, end, 100, status)

	var names []string
	for _, sig := range collected {
		names = append(names, sig.Signature)
	}
	// end is exclusive, start inclusive, pagination stops at the first
	// signature older than start.
	assert.Equal(t, []string{"inside-a", "at-start"}, names)
}

func TestCollectSignaturesPaginates(t *testing.T) {
	start := time.Unix(0, 0).UTC()
	end := time.Unix(10_000_000, 0).UTC()

	// A full first page forces a second request with the shrunken
	// remaining budget.
	fullPage := make([]rpc.SignatureInfo, signaturePageLimit)
	for i := range fullPage {
		fullPage[i] = sigAt(fmt.Sprintf("s%04d", i), int64(9_000_000-i))
	}
	chain := &fakeChain{pages: [][]rpc.SignatureInfo{
		fullPage,
		{sigAt("tail-1", 5000), sigAt("tail-2", 4000)},
	}}

	worker := NewWorker(chain, testParser(t), testLogger())
	status := &WalletIngestionStatus{Success: true}

	collected := worker.collectSignatures(context.Background(), testWallet, start, end, 1500, status)

	require.Len(t, collected, signaturePageLimit+2)
	require.Len(t, chain.pageCalls, 2)
	assert.Equal(t, signaturePageLimit, chain.pageCalls[0].Limit)
	assert.Equal(t, "", chain.pageCalls[0].Before)
	assert.Equal(t, 500, chain.pageCalls[1].Limit, "remaining budget after first page")
	assert.Equal(t, "s0999", chain.pageCalls[1].Before, "cursor advances past last signature")
}

func TestIngestWalletParsesAndReports(t *testing.T) {
	goodSig := sigName(1)
	badSig := sigName(2)

	chain := &fakeChain{
		pages: [][]rpc.SignatureInfo{{
			sigAt(goodSig, 1700000100),
			sigAt(badSig, 1700000050),
		}},
		transactions: map[string]*rpc.TransactionEnvelope{
			goodSig: swapTx(usdcMint, 6, "25000000", "15000000", solMint, 9, "100000000", "150000000"),
			// Not an AMM transaction: parser returns nil.
			badSig: {},
		},
	}

	worker := NewWorker(chain, testParser(t), testLogger())
	status, swaps := worker.IngestWallet(context.Background(),
		testWallet, time.Unix(0, 0).UTC(), time.Unix(1800000000, 0).UTC(), 100)

	assert.True(t, status.Success)
	assert.Equal(t, 2, status.TotalFound)
	assert.Equal(t, 1, status.RaydiumFound)
	assert.Equal(t, 1, status.ValidExtracted)
	assert.Equal(t, 0, status.Invalid)
	require.Len(t, swaps, 1)
	assert.Equal(t, goodSig, swaps[0].Signature)
}

func TestIngestWalletCountsInvalidSwaps(t *testing.T) {
	sig := sigName(3)

	// Parses fine, but the out amount is past the plausibility cap.
	tx := swapTx(usdcMint, 6, "25000000", "15000000", solMint, 9, "0", "2000000000000000000")

	chain := &fakeChain{
		pages:        [][]rpc.SignatureInfo{{sigAt(sig, 1700000100)}},
		transactions: map[string]*rpc.TransactionEnvelope{sig: tx},
	}

	worker := NewWorker(chain, testParser(t), testLogger())
	status, swaps := worker.IngestWallet(context.Background(),
		testWallet, time.Unix(0, 0).UTC(), time.Unix(1800000000, 0).UTC(), 100)

	assert.Equal(t, 1, status.RaydiumFound)
	assert.Equal(t, 1, status.Invalid)
	assert.Equal(t, 0, status.ValidExtracted)
	assert.Empty(t, swaps)
	require.Len(t, status.Warnings, 1)
	assert.Contains(t, status.Warnings[0], "plausible")
}

func TestIngestWalletToleratesFetchFailures(t *testing.T) {
	okSig := sigName(4)
	downSig := sigName(5)

	chain := &fakeChain{
		pages: [][]rpc.SignatureInfo{{
			sigAt(okSig, 1700000100),
			sigAt(downSig, 1700000050),
		}},
		transactions: map[string]*rpc.TransactionEnvelope{
			okSig: swapTx(usdcMint, 6, "25000000", "15000000", solMint, 9, "100000000", "150000000"),
		},
		txErrors: map[string]error{downSig: errors.New("node timeout")},
	}

	worker := NewWorker(chain, testParser(t), testLogger())
	status, swaps := worker.IngestWallet(context.Background(),
		testWallet, time.Unix(0, 0).UTC(), time.Unix(1800000000, 0).UTC(), 100)

	assert.True(t, status.Success, "individual fetch failures do not fail the wallet")
	assert.Equal(t, 1, status.ValidExtracted)
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "node timeout")
	require.Len(t, swaps, 1)
}

func TestIngestWalletSkipsMissingBlockTimes(t *testing.T) {
	chain := &fakeChain{pages: [][]rpc.SignatureInfo{{
		{Signature: sigName(6), Slot: 1}, // no block time
	}}}

	worker := NewWorker(chain, testParser(t), testLogger())
	status, swaps := worker.IngestWallet(context.Background(),
		testWallet, time.Unix(0, 0).UTC(), time.Unix(1800000000, 0).UTC(), 100)

	assert.Equal(t, 0, status.TotalFound)
	assert.Empty(t, swaps)
	require.Len(t, status.Warnings, 1)
	assert.Contains(t, status.Warnings[0], "missing block time")
}

func TestServiceIngestAllRunsEveryWallet(t *testing.T) {
	walletA := testWallet
	walletB := "9yLXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsV"
	sig := sigName(7)

	chain := &fakeChain{
		pages: [][]rpc.SignatureInfo{
			{sigAt(sig, 1700000100)},
			{}, // walletB has nothing
		},
		transactions: map[string]*rpc.TransactionEnvelope{
			sig: swapTx(usdcMint, 6, "25000000", "15000000", solMint, 9, "100000000", "150000000"),
		},
	}

	store := &memorySwapStore{}
	profiles := &memoryProfileStore{wallets: []string{walletA, walletB}}

	worker := NewWorker(chain, testParser(t), testLogger())
	service := NewService(worker, store, profiles, testIngestionConfig(1), 90, testLogger())

	statuses, err := service.IngestAll(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Len(t, store.saved, 1)
	assert.Equal(t, 1, profiles.touches[walletA])
	assert.Zero(t, profiles.touches[walletB])
}

func TestServiceUsesCursorForIncrementalRuns(t *testing.T) {
	cursor := time.Now().UTC().Add(-2 * time.Hour)

	chain := &fakeChain{pages: [][]rpc.SignatureInfo{{}}}
	store := &memorySwapStore{cursor: &cursor}
	profiles := &memoryProfileStore{wallets: []string{testWallet}}

	worker := NewWorker(chain, testParser(t), testLogger())
	service := NewService(worker, store, profiles, testIngestionConfig(1), 90, testLogger())

	_, err := service.IngestWallet(context.Background(), testWallet)
	require.NoError(t, err)
	require.NotEmpty(t, chain.pageCalls)
}
