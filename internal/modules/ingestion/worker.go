package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

const (
	signaturePageLimit = 1000
	txFetchBatchSize   = 100
)

// ChainClient is the slice of the RPC surface the worker needs.
type ChainClient interface {
	GetSignaturesForAddress(ctx context.Context, address string, opts rpc.SignaturesOpts) ([]rpc.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*rpc.TransactionEnvelope, error)
}

// WalletIngestionStatus reports one wallet's ingestion pass.
type WalletIngestionStatus struct {
	Wallet         string        `json:"wallet"`
	TotalFound     int           `json:"total_found"`
	RaydiumFound   int           `json:"raydium_found"` // historical name, counts all AMM matches
	ValidExtracted int           `json:"valid_extracted"`
	Invalid        int           `json:"invalid"`
	Errors         []string      `json:"errors,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
}

// Worker ingests one wallet's swap history from chain.
type Worker struct {
	chain  ChainClient
	parser *Parser
	log    zerolog.Logger
}

// NewWorker builds a Worker.
func NewWorker(chain ChainClient, parser *Parser, log zerolog.Logger) *Worker {
	return &Worker{
		chain:  chain,
		parser: parser,
		log:    log.With().Str("component", "ingestion_worker").Logger(),
	}
}

// IngestWallet walks the wallet's signature history inside [start, end)
// capped at maxTxs, fetches the transactions in concurrent batches and
// parses them into validated swap records.
func (w *Worker) IngestWallet(ctx context.Context, wallet string, start, end time.Time, maxTxs int) (*WalletIngestionStatus, []*domain.SwapRecord) {
	began := time.Now()
	status := &WalletIngestionStatus{Wallet: wallet, Success: true}

	signatures := w.collectSignatures(ctx, wallet, start, end, maxTxs, status)
	status.TotalFound = len(signatures)

	swaps := make([]*domain.SwapRecord, 0, len(signatures))
	for offset := 0; offset < len(signatures); offset += txFetchBatchSize {
		batchEnd := offset + txFetchBatchSize
		if batchEnd > len(signatures) {
			batchEnd = len(signatures)
		}

		for i, tx := range w.fetchBatch(ctx, signatures[offset:batchEnd], status) {
			if tx == nil {
				continue
			}

			swap := w.parser.Parse(tx, signatures[offset+i].Signature, wallet)
			if swap == nil {
				continue
			}
			status.RaydiumFound++

			if err := w.parser.ValidateSwap(swap); err != nil {
				status.Invalid++
				status.Warnings = append(status.Warnings, fmt.Sprintf("%s: %v", swap.Signature, err))
				continue
			}

			status.ValidExtracted++
			swaps = append(swaps, swap)
		}
	}

	status.Duration = time.Since(began)
	w.log.Info().
		Str("wallet", wallet).
		Int("total_found", status.TotalFound).
		Int("valid", status.ValidExtracted).
		Int("invalid", status.Invalid).
		Dur("duration", status.Duration).
		Bool("success", status.Success).
		Msg("wallet ingestion complete")

	return status, swaps
}

// collectSignatures pages through the wallet's history newest-first until
// it crosses start, runs out of pages or hits the maxTxs cap. Signatures
// at or after end are dropped; start itself is included.
func (w *Worker) collectSignatures(ctx context.Context, wallet string, start, end time.Time, maxTxs int, status *WalletIngestionStatus) []rpc.SignatureInfo {
	var collected []rpc.SignatureInfo
	var before string

	for {
		remaining := maxTxs - len(collected)
		if remaining <= 0 {
			break
		}
		limit := signaturePageLimit
		if remaining < limit {
			limit = remaining
		}

		page, err := w.chain.GetSignaturesForAddress(ctx, wallet, rpc.SignaturesOpts{Limit: limit, Before: before})
		if err != nil {
			status.Success = false
			status.Errors = append(status.Errors, fmt.Sprintf("signature page failed: %v", err))
			break
		}
		if len(page) == 0 {
			break
		}

		crossedStart := false
		for _, sig := range page {
			if sig.BlockTime == nil {
				status.Warnings = append(status.Warnings, fmt.Sprintf("%s: missing block time", sig.Signature))
				continue
			}

			blockTime := time.Unix(*sig.BlockTime, 0).UTC()
			if blockTime.Before(start) {
				crossedStart = true
				break
			}
			if !blockTime.Before(end) {
				continue
			}

			collected = append(collected, sig)
			if len(collected) >= maxTxs {
				break
			}
		}

		if crossedStart || len(page) < limit || len(collected) >= maxTxs {
			break
		}
		before = page[len(page)-1].Signature
	}

	return collected
}

// fetchBatch fetches one batch of transactions concurrently. A failed
// fetch yields a nil slot so the caller's indexes stay aligned.
func (w *Worker) fetchBatch(ctx context.Context, batch []rpc.SignatureInfo, status *WalletIngestionStatus) []*rpc.TransactionEnvelope {
	results := make([]*rpc.TransactionEnvelope, len(batch))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, sig := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()

			tx, err := w.chain.GetTransaction(ctx, sig.Signature)
			if err != nil {
				mu.Lock()
				status.Errors = append(status.Errors, fmt.Sprintf("fetch %s: %v", sig.Signature, err))
				mu.Unlock()
				return
			}
			results[i] = tx
		}()
	}
	wg.Wait()

	return results
}
