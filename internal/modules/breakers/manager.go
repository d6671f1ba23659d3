package breakers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// reevaluateInterval is how often open breakers are checked for the timed
// half-open transition.
const reevaluateInterval = 30 * time.Second

// AuditSink receives breaker transitions and halt events.
type AuditSink interface {
	Log(ctx context.Context, entry domain.AuditEntry) error
}

func floatPtr(f float64) *float64 { return &f }

// DefaultBreakers returns the standard breaker set, one per failure domain.
// The signing and system-error domains carry halt priority: losing either
// means the bot can no longer trust its own operation.
func DefaultBreakers() []*Breaker {
	return []*Breaker{
		New(domain.BreakerTradeFailureRate, "Trade Failure Rate Monitor", domain.BreakerConfig{
			FailureThreshold:         5,
			TimeWindow:               10 * time.Minute,
			ConsecutiveFailureLimit:  5,
			RecoveryTimeout:          30 * time.Minute,
			TestRequestLimit:         3,
			RecoverySuccessThreshold: 3,
			Priority:                 50,
		}),
		New(domain.BreakerNetwork, "Network Health Monitor", domain.BreakerConfig{
			FailureThreshold:         10,
			TimeWindow:               5 * time.Minute,
			ConsecutiveFailureLimit:  5,
			RecoveryTimeout:          5 * time.Minute,
			TestRequestLimit:         3,
			RecoverySuccessThreshold: 2,
			Priority:                 30,
		}),
		New(domain.BreakerMarketVolatility, "Market Volatility Monitor", domain.BreakerConfig{
			FailureThreshold:         3,
			TimeWindow:               15 * time.Minute,
			ConsecutiveFailureLimit:  3,
			RecoveryTimeout:          15 * time.Minute,
			TestRequestLimit:         1,
			RecoverySuccessThreshold: 1,
			Priority:                 40,
		}),
		New(domain.BreakerSlippageRate, "Slippage Rate Monitor", domain.BreakerConfig{
			FailureThreshold:         5,
			TimeWindow:               10 * time.Minute,
			ConsecutiveFailureLimit:  3,
			RecoveryTimeout:          10 * time.Minute,
			TestRequestLimit:         2,
			RecoverySuccessThreshold: 2,
			PercentageThreshold:      floatPtr(0.5),
			Priority:                 40,
		}),
		New(domain.BreakerHSMFailure, "HSM Failure Monitor", domain.BreakerConfig{
			FailureThreshold:         3,
			TimeWindow:               5 * time.Minute,
			ConsecutiveFailureLimit:  2,
			RecoveryTimeout:          15 * time.Minute,
			TestRequestLimit:         1,
			RecoverySuccessThreshold: 1,
			Priority:                 domain.HaltPriority,
		}),
		New(domain.BreakerSystemError, "System Error Monitor", domain.BreakerConfig{
			FailureThreshold:         5,
			TimeWindow:               5 * time.Minute,
			ConsecutiveFailureLimit:  3,
			RecoveryTimeout:          10 * time.Minute,
			TestRequestLimit:         2,
			RecoverySuccessThreshold: 2,
			Priority:                 domain.HaltPriority,
		}),
		New(domain.BreakerConfirmationTimeout, "Confirmation Timeout Monitor", domain.BreakerConfig{
			FailureThreshold:         5,
			TimeWindow:               15 * time.Minute,
			ConsecutiveFailureLimit:  3,
			RecoveryTimeout:          10 * time.Minute,
			TestRequestLimit:         2,
			RecoverySuccessThreshold: 2,
			Priority:                 30,
		}),
	}
}

// Manager owns the breaker set and the system-wide halt flag.
type Manager struct {
	audit AuditSink
	log   zerolog.Logger

	mu         sync.RWMutex
	breakers   map[domain.BreakerType]*Breaker
	halted     bool
	haltReason string
	haltedAt   *time.Time
}

// NewManager registers the given breakers. Pass DefaultBreakers() unless a
// test needs a trimmed set.
func NewManager(set []*Breaker, audit AuditSink, log zerolog.Logger) *Manager {
	m := &Manager{
		audit:    audit,
		log:      log.With().Str("component", "breakers").Logger(),
		breakers: make(map[domain.BreakerType]*Breaker, len(set)),
	}
	for _, b := range set {
		m.breakers[b.Type()] = b
	}
	return m
}

// Get returns the breaker for a failure domain, nil when unregistered.
func (m *Manager) Get(t domain.BreakerType) *Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[t]
}

// Allow asks the named breaker for permission. It returns an *OpenError
// when the breaker refuses, and a plain error for an unknown domain.
func (m *Manager) Allow(ctx context.Context, t domain.BreakerType) error {
	b := m.Get(t)
	if b == nil {
		return fmt.Errorf("no circuit breaker registered for %s", t)
	}
	allowed, tr := b.Allow()
	m.handleTransition(ctx, b, tr)
	if !allowed {
		return &OpenError{Name: b.Name()}
	}
	return nil
}

// RecordSuccess feeds a success into the named breaker.
func (m *Manager) RecordSuccess(ctx context.Context, t domain.BreakerType) {
	if b := m.Get(t); b != nil {
		m.handleTransition(ctx, b, b.RecordSuccess())
	}
}

// RecordFailure feeds a failure into the named breaker.
func (m *Manager) RecordFailure(ctx context.Context, t domain.BreakerType, reason string) {
	if b := m.Get(t); b != nil {
		m.handleTransition(ctx, b, b.RecordFailure(reason))
	}
}

// IsTradingAllowed is the coarse gate the orchestrator consults before
// doing any work: false while halted or while any breaker is open.
// Half-open breakers do not block here; their test budget is enforced by
// Allow.
func (m *Manager) IsTradingAllowed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.halted {
		return false
	}
	for _, b := range m.breakers {
		if b.State() == domain.BreakerOpen {
			return false
		}
	}
	return true
}

// Halted reports the halt flag and its reason.
func (m *Manager) Halted() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted, m.haltReason
}

// Halt asserts the system-wide halt.
func (m *Manager) Halt(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	m.halted = true
	m.haltReason = reason
	m.haltedAt = &now
	m.mu.Unlock()

	m.log.Error().Str("reason", reason).Msg("System halt asserted")
	m.auditEvent(ctx, domain.AuditEntry{
		EventType:         domain.AuditSystemHalt,
		Severity:          domain.SeverityCritical,
		DecisionRationale: reason,
		EventData:         map[string]any{"halted": true},
	})
}

// Resume clears a manual halt. Open breakers still gate trading afterward.
func (m *Manager) Resume(ctx context.Context, reason string) {
	m.mu.Lock()
	if !m.halted {
		m.mu.Unlock()
		return
	}
	m.halted = false
	m.haltReason = ""
	m.haltedAt = nil
	m.mu.Unlock()

	m.log.Warn().Str("reason", reason).Msg("System halt cleared")
	m.auditEvent(ctx, domain.AuditEntry{
		EventType:         domain.AuditSystemHalt,
		Severity:          domain.SeverityWarning,
		DecisionRationale: reason,
		EventData:         map[string]any{"halted": false},
	})
}

// Snapshots returns the visible state of every breaker.
func (m *Manager) Snapshots() []domain.BreakerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.BreakerSnapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Run drives the periodic open-to-half-open re-evaluation until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(reevaluateInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", reevaluateInterval).Msg("Breaker re-evaluation loop started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Breaker re-evaluation loop stopped")
			return
		case <-ticker.C:
			m.ReevaluateAll(ctx)
		}
	}
}

// ReevaluateAll applies the timed transition to every breaker.
func (m *Manager) ReevaluateAll(ctx context.Context) {
	m.mu.RLock()
	set := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		set = append(set, b)
	}
	m.mu.RUnlock()

	for _, b := range set {
		m.handleTransition(ctx, b, b.Reevaluate())
	}
}

// handleTransition audits a state change and asserts the halt when a
// halt-priority breaker opens.
func (m *Manager) handleTransition(ctx context.Context, b *Breaker, tr *Transition) {
	if tr == nil {
		return
	}

	severity := domain.SeverityInfo
	if tr.To == domain.BreakerOpen {
		severity = domain.SeverityWarning
	}
	m.log.WithLevel(levelFor(tr.To)).
		Str("breaker", string(tr.Type)).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("reason", tr.Reason).
		Msg("Circuit breaker state change")

	m.auditEvent(ctx, domain.AuditEntry{
		EventType:         domain.AuditBreakerStateChange,
		Severity:          severity,
		DecisionRationale: tr.Reason,
		EventData: map[string]any{
			"breaker_type": string(tr.Type),
			"breaker_name": tr.Name,
			"from":         string(tr.From),
			"to":           string(tr.To),
		},
	})

	if tr.To == domain.BreakerOpen && b.config.Priority >= domain.HaltPriority {
		m.Halt(ctx, fmt.Sprintf("halt-priority breaker opened: %s", tr.Name))
	}
}

func (m *Manager) auditEvent(ctx context.Context, entry domain.AuditEntry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, entry); err != nil {
		m.log.Error().Err(err).Str("event_type", string(entry.EventType)).Msg("Audit write failed")
	}
}

func levelFor(state domain.BreakerState) zerolog.Level {
	if state == domain.BreakerOpen {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}
