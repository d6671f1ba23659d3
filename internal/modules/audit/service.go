package audit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/utils"
)

// verifyPageSize bounds how many entries a single verification query pulls.
const verifyPageSize = 500

// Logger is the write side of the audit log. It owns the hash chain: every
// append links to the previous entry and writes are serialized so the chain
// never forks. A failed write of a safety-severity event terminates the
// process with exit code 2.
type Logger struct {
	store      *Store
	botVersion string
	log        zerolog.Logger

	mu       sync.Mutex
	lastHash string

	exit func(int) // os.Exit, swappable in tests
}

// NewLogger loads the chain tail from the store and returns the logger.
func NewLogger(ctx context.Context, store *Store, botVersion string, log zerolog.Logger) (*Logger, error) {
	lastHash, err := store.LatestHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("seeding audit chain: %w", err)
	}
	return &Logger{
		store:      store,
		botVersion: botVersion,
		log:        log.With().Str("component", "audit").Logger(),
		lastHash:   lastHash,
		exit:       os.Exit,
	}, nil
}

// Log appends one entry to the chain. Missing identity fields are filled in:
// entry id, timestamp, bot version. The caller keeps ownership of the value;
// the stored copy carries the computed hashes.
func (l *Logger) Log(ctx context.Context, entry domain.AuditEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	// Hash over the same representation the store persists, otherwise
	// verification of a reloaded row would fail.
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.BotVersion == "" {
		entry.BotVersion = l.botVersion
	}
	if entry.Severity == "" {
		entry.Severity = domain.SeverityInfo
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.PreviousEntryHash = l.lastHash
	hash, err := computeEntryHash(entry)
	if err != nil {
		return l.writeFailed(entry, fmt.Errorf("hashing audit entry: %w", err))
	}
	entry.EntryHash = hash

	if err := l.store.Insert(ctx, &entry); err != nil {
		return l.writeFailed(entry, err)
	}
	l.lastHash = entry.EntryHash

	l.log.Debug().
		Str("entry_id", entry.EntryID).
		Str("event_type", string(entry.EventType)).
		Str("severity", string(entry.Severity)).
		Msg("Audit entry written")
	return nil
}

// writeFailed handles an append that did not reach disk. Safety events must
// not be lost, so their failure stops the process.
func (l *Logger) writeFailed(entry domain.AuditEntry, err error) error {
	l.log.Error().
		Err(err).
		Str("entry_id", entry.EntryID).
		Str("event_type", string(entry.EventType)).
		Str("severity", string(entry.Severity)).
		Msg("Audit write failed")

	if entry.Severity.Safety() {
		l.log.Error().
			Str("entry_id", entry.EntryID).
			Msg("Safety event could not be audited, terminating")
		l.exit(2)
	}
	return fmt.Errorf("writing audit entry %s: %w", entry.EntryID, err)
}

// LastHash returns the current chain tail.
func (l *Logger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// computeEntryHash hashes the canonical JSON of the entry with the hash
// field cleared, concatenated with the previous entry's hash. Recomputable
// from a stored row alone, which is what verification relies on.
func computeEntryHash(entry domain.AuditEntry) (string, error) {
	entry.EntryHash = ""
	payload, err := utils.CanonicalJSON(entry)
	if err != nil {
		return "", err
	}
	return utils.SHA256Hex(append(payload, []byte(entry.PreviousEntryHash)...)), nil
}

// ChainReport is the outcome of a full chain verification.
type ChainReport struct {
	EntriesChecked int64  `json:"entries_checked"`
	Valid          bool   `json:"valid"`
	BrokenEntryID  string `json:"broken_entry_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// VerifyChain recomputes every entry hash in insertion order and checks the
// previous-hash linkage. It stops at the first broken entry.
func (l *Logger) VerifyChain(ctx context.Context) (*ChainReport, error) {
	report := &ChainReport{Valid: true}
	expectedPrevious := ""
	afterRowID := int64(0)

	for {
		page, err := l.store.page(ctx, afterRowID, verifyPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return report, nil
		}

		for _, row := range page {
			report.EntriesChecked++

			if row.entry.PreviousEntryHash != expectedPrevious {
				report.Valid = false
				report.BrokenEntryID = row.entry.EntryID
				report.Reason = fmt.Sprintf("previous hash mismatch: have %s, chain expects %s",
					row.entry.PreviousEntryHash, expectedPrevious)
				return report, nil
			}

			recomputed, err := computeEntryHash(row.entry)
			if err != nil {
				return nil, fmt.Errorf("rehashing entry %s: %w", row.entry.EntryID, err)
			}
			if recomputed != row.entry.EntryHash {
				report.Valid = false
				report.BrokenEntryID = row.entry.EntryID
				report.Reason = "entry hash does not match entry content"
				return report, nil
			}

			expectedPrevious = row.entry.EntryHash
			afterRowID = row.rowID
		}
	}
}

// VerifyEntry recomputes a single entry's hash against its stored value.
func VerifyEntry(entry domain.AuditEntry) (bool, error) {
	recomputed, err := computeEntryHash(entry)
	if err != nil {
		return false, err
	}
	return recomputed == entry.EntryHash, nil
}
