package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/utils"
)

const (
	// defaultStartedTimeout bounds how long a reservation may sit in
	// pending or started before a replay is allowed to reclaim it. Long
	// enough for a full confirmation cycle with retries.
	defaultStartedTimeout = 30 * time.Minute

	// defaultRetention is how long terminal records are kept before the
	// purge job removes them.
	defaultRetention = 30 * 24 * time.Hour
)

// AuditSink receives tamper events.
type AuditSink interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

// Manager is the idempotency state machine. The write mutex serializes
// check-and-reserve sequences so concurrent callers on one key see exactly
// one winner; the cache mutex only guards the read-through map and is never
// held across a database call.
type Manager struct {
	store *Store
	audit AuditSink
	log   zerolog.Logger
	clock func() time.Time

	startedTimeout time.Duration
	retention      time.Duration

	mu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]domain.IdempotencyRecord
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithStartedTimeout overrides the reservation timeout.
func WithStartedTimeout(d time.Duration) Option {
	return func(m *Manager) { m.startedTimeout = d }
}

// WithRetention overrides how long terminal records survive purges.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// NewManager builds the manager around an opened store.
func NewManager(store *Store, audit AuditSink, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		audit:          audit,
		log:            log.With().Str("component", "idempotency").Logger(),
		clock:          time.Now,
		startedTimeout: defaultStartedTimeout,
		retention:      defaultRetention,
		cache:          make(map[string]domain.IdempotencyRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reservation is the outcome of CheckAndReserve.
type Reservation struct {
	// ShouldProceed is true when the caller owns the operation and must
	// execute it.
	ShouldProceed bool
	// Existing carries the prior record when ShouldProceed is false:
	// either a confirmed result to reuse or an in-flight reservation to
	// back off from.
	Existing *domain.IdempotencyRecord
}

// CheckAndReserve claims the key for the caller, or reports why it cannot:
//   - no record: a pending reservation is created, caller proceeds
//   - confirmed: the stored result is returned, caller must not re-execute
//   - pending/started within the timeout: another attempt is in flight
//   - pending/started past the timeout: the stale reservation is expired
//     and the caller gets a fresh one
//   - failed/cancelled/expired: the caller gets a fresh reservation
func (m *Manager) CheckAndReserve(ctx context.Context, key string, operation domain.OperationType, userID string, operationData any) (*Reservation, error) {
	opData, err := utils.CanonicalJSON(operationData)
	if err != nil {
		return nil, fmt.Errorf("encoding operation data: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.read(ctx, key)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()

	if existing != nil {
		switch {
		case existing.State == domain.IdemConfirmed:
			m.log.Debug().Str("key", key).Msg("Replay of confirmed operation")
			return &Reservation{ShouldProceed: false, Existing: existing}, nil

		case existing.State == domain.IdemPending || existing.State == domain.IdemStarted:
			if now.Sub(reservedAt(existing)) < m.startedTimeout {
				m.log.Debug().
					Str("key", key).
					Str("state", string(existing.State)).
					Msg("Operation already in flight")
				return &Reservation{ShouldProceed: false, Existing: existing}, nil
			}
			m.log.Warn().
				Str("key", key).
				Time("reserved_at", reservedAt(existing)).
				Msg("Stale reservation expired, allowing retry")

		case existing.State.Terminal():
			m.log.Debug().
				Str("key", key).
				Str("state", string(existing.State)).
				Msg("Re-attempting after terminal state")
		}
	}

	rec := &domain.IdempotencyRecord{
		Key:           key,
		Operation:     operation,
		UserID:        userID,
		State:         domain.IdemPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		OperationData: opData,
	}
	if err := m.write(ctx, rec); err != nil {
		return nil, err
	}
	return &Reservation{ShouldProceed: true}, nil
}

// MarkStarted moves a pending reservation to started.
func (m *Manager) MarkStarted(ctx context.Context, key, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no reservation for key %s", key)
	}
	if rec.State != domain.IdemPending {
		return fmt.Errorf("cannot start operation in state %s", rec.State)
	}

	now := m.clock().UTC()
	rec.State = domain.IdemStarted
	rec.StartedAt = &now
	rec.UpdatedAt = now
	if tradeID != "" {
		rec.TradeID = tradeID
	}
	return m.write(ctx, rec)
}

// RecordResult completes a started operation as confirmed or failed.
func (m *Manager) RecordResult(ctx context.Context, key string, success bool, txSignature string, resultData any, errDetails string) error {
	var result []byte
	if resultData != nil {
		var err error
		result, err = utils.CanonicalJSON(resultData)
		if err != nil {
			return fmt.Errorf("encoding result data: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no reservation for key %s", key)
	}
	if rec.State != domain.IdemStarted && rec.State != domain.IdemPending {
		return fmt.Errorf("cannot complete operation in state %s", rec.State)
	}

	now := m.clock().UTC()
	if success {
		rec.State = domain.IdemConfirmed
	} else {
		rec.State = domain.IdemFailed
	}
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.TxSignature = txSignature
	rec.ResultData = result
	rec.ErrorDetails = errDetails
	return m.write(ctx, rec)
}

// Cancel marks a non-terminal reservation cancelled.
func (m *Manager) Cancel(ctx context.Context, key, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no reservation for key %s", key)
	}
	if rec.State.Terminal() {
		return fmt.Errorf("cannot cancel operation in state %s", rec.State)
	}

	now := m.clock().UTC()
	rec.State = domain.IdemCancelled
	rec.CompletedAt = &now
	rec.UpdatedAt = now
	rec.ErrorDetails = reason
	return m.write(ctx, rec)
}

// Get returns the verified record for a key, nil when absent or corrupt.
func (m *Manager) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(ctx, key)
}

// PurgeExpired removes terminal records past the retention window and
// drops the in-memory cache so it repopulates from disk.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := m.clock().UTC().Add(-m.retention)
	n, err := m.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	m.cacheMu.Lock()
	m.cache = make(map[string]domain.IdempotencyRecord)
	m.cacheMu.Unlock()

	if n > 0 {
		m.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Purged terminal idempotency records")
	}
	return n, nil
}

// read loads a record through the cache and verifies its checksum. A
// mismatch is treated as tampering: the record is suppressed and a
// security audit event is written.
func (m *Manager) read(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.cacheMu.RLock()
	cached, fromCache := m.cache[key]
	m.cacheMu.RUnlock()

	var rec *domain.IdempotencyRecord
	if fromCache {
		copied := cached
		rec = &copied
	} else {
		var err error
		rec, err = m.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
	}

	expected, err := checksum(rec)
	if err != nil {
		return nil, fmt.Errorf("verifying record %s: %w", key, err)
	}
	if expected != rec.Checksum {
		m.log.Error().
			Str("key", key).
			Str("stored_checksum", rec.Checksum).
			Str("computed_checksum", expected).
			Msg("Idempotency record checksum mismatch")
		m.auditTamper(ctx, rec)
		return nil, nil
	}

	if !fromCache {
		m.cacheMu.Lock()
		m.cache[key] = *rec
		m.cacheMu.Unlock()
	}
	return rec, nil
}

// write computes the checksum, persists the record and updates the cache.
func (m *Manager) write(ctx context.Context, rec *domain.IdempotencyRecord) error {
	sum, err := checksum(rec)
	if err != nil {
		return fmt.Errorf("computing checksum for %s: %w", rec.Key, err)
	}
	rec.Checksum = sum

	if err := m.store.Put(ctx, rec); err != nil {
		return err
	}

	m.cacheMu.Lock()
	m.cache[rec.Key] = *rec
	m.cacheMu.Unlock()
	return nil
}

func (m *Manager) auditTamper(ctx context.Context, rec *domain.IdempotencyRecord) {
	if m.audit == nil {
		return
	}
	err := m.audit.Log(ctx, domain.AuditEntry{
		EventType: domain.AuditSecurityViolation,
		Severity:  domain.SeverityError,
		UserID:    rec.UserID,
		EventData: map[string]any{
			"kind":            "idempotency_checksum_mismatch",
			"idempotency_key": rec.Key,
			"operation":       string(rec.Operation),
			"state":           string(rec.State),
		},
	})
	if err != nil {
		m.log.Error().Err(err).Msg("Audit write failed")
	}
}

// checksum hashes the canonical record with the checksum field cleared.
func checksum(rec *domain.IdempotencyRecord) (string, error) {
	clone := *rec
	clone.Checksum = ""
	return utils.HashCanonical(clone)
}

// reservedAt is the instant the in-flight timeout is measured from.
func reservedAt(rec *domain.IdempotencyRecord) time.Time {
	if rec.StartedAt != nil {
		return *rec.StartedAt
	}
	return rec.CreatedAt
}
