package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/rpc"
)

// BlockScanner is the RPC surface discovery needs.
type BlockScanner interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, slot uint64) (*rpc.BlockEnvelope, error)
	GetSignaturesForAddress(ctx context.Context, address string, opts rpc.SignaturesOpts) ([]rpc.SignatureInfo, error)
}

// CandidateStore records wallets worth tracking.
type CandidateStore interface {
	UpsertCandidate(ctx context.Context, wallet string, seenAt time.Time) error
}

// Discovery finds active DEX traders by scanning recent blocks for fee
// payers whose transactions touch a configured AMM program.
type Discovery struct {
	chain       BlockScanner
	store       CandidateStore
	ammPrograms map[string]string
	blockDepth  int
	minActivity int // signature count a candidate must show
	log         zerolog.Logger
}

// NewDiscovery builds a Discovery scanner.
func NewDiscovery(chain BlockScanner, store CandidateStore, parser *Parser, blockDepth, minActivity int, log zerolog.Logger) *Discovery {
	if blockDepth <= 0 {
		blockDepth = 10
	}
	return &Discovery{
		chain:       chain,
		store:       store,
		ammPrograms: parser.ammPrograms,
		blockDepth:  blockDepth,
		minActivity: minActivity,
		log:         log.With().Str("component", "trader_discovery").Logger(),
	}
}

// DiscoveryReport summarizes one discovery pass.
type DiscoveryReport struct {
	BlocksScanned   int
	WalletsSeen     int
	WalletsAccepted int
	Errors          []string
}

// Run scans the most recent blocks and upserts qualifying fee payers.
// Wallets below the activity threshold are left alone; a later pass can
// pick them up once they have traded enough.
func (d *Discovery) Run(ctx context.Context) (*DiscoveryReport, error) {
	tip, err := d.chain.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading tip slot: %w", err)
	}

	report := &DiscoveryReport{}
	seen := make(map[string]time.Time)

	for offset := 0; offset < d.blockDepth; offset++ {
		slot := tip - uint64(offset)
		block, err := d.chain.GetBlock(ctx, slot)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("block %d: %v", slot, err))
			continue
		}
		if block == nil {
			continue // skipped slot
		}
		report.BlocksScanned++

		blockTime := time.Now().UTC()
		if block.BlockTime != nil {
			blockTime = time.Unix(*block.BlockTime, 0).UTC()
		}

		for _, tx := range block.Transactions {
			if tx.Meta != nil && tx.Meta.Err != nil {
				continue
			}
			if !d.touchesAMM(tx.Transaction.Message.Instructions) {
				continue
			}

			payer := feePayer(tx.Transaction.Message.AccountKeys)
			if payer == "" {
				continue
			}
			if _, dup := seen[payer]; !dup {
				seen[payer] = blockTime
			}
		}
	}
	report.WalletsSeen = len(seen)

	for wallet, seenAt := range seen {
		active, err := d.meetsActivityThreshold(ctx, wallet)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("activity check %s: %v", wallet, err))
			continue
		}
		if !active {
			continue
		}

		if err := d.store.UpsertCandidate(ctx, wallet, seenAt); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("upsert %s: %v", wallet, err))
			continue
		}
		report.WalletsAccepted++
	}

	d.log.Info().
		Int("blocks", report.BlocksScanned).
		Int("seen", report.WalletsSeen).
		Int("accepted", report.WalletsAccepted).
		Int("errors", len(report.Errors)).
		Msg("discovery pass complete")

	return report, nil
}

func (d *Discovery) touchesAMM(instructions []rpc.ParsedInstruction) bool {
	for _, instr := range instructions {
		if _, ok := d.ammPrograms[instr.ProgramID]; ok {
			return true
		}
	}
	return false
}

// meetsActivityThreshold checks the wallet has enough history to be
// worth ingesting at all.
func (d *Discovery) meetsActivityThreshold(ctx context.Context, wallet string) (bool, error) {
	if d.minActivity <= 0 {
		return true, nil
	}
	sigs, err := d.chain.GetSignaturesForAddress(ctx, wallet, rpc.SignaturesOpts{Limit: d.minActivity})
	if err != nil {
		return false, err
	}
	return len(sigs) >= d.minActivity, nil
}

// feePayer is the first signer of the transaction.
func feePayer(keys []rpc.AccountKey) string {
	for _, key := range keys {
		if key.Signer {
			return key.Pubkey
		}
	}
	return ""
}
