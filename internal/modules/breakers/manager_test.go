package breakers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

type captureSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (c *captureSink) Log(_ context.Context, entry domain.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureSink) byType(eventType domain.AuditEventType) []domain.AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range c.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// defaultManager wires DefaultBreakers onto one shared fake clock.
func defaultManager(t *testing.T) (*Manager, *captureSink, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	set := DefaultBreakers()
	for _, b := range set {
		b.clock = clk.Now
	}
	sink := &captureSink{}
	return NewManager(set, sink, zerolog.Nop()), sink, clk
}

func TestManagerTradeFailureTripAndRecovery(t *testing.T) {
	ctx := context.Background()
	m, sink, clk := defaultManager(t)

	// five failed executions inside the ten-minute window open the breaker
	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		m.RecordFailure(ctx, domain.BreakerTradeFailureRate, "execution failed")
	}
	require.Equal(t, domain.BreakerOpen, m.Get(domain.BreakerTradeFailureRate).State())
	assert.False(t, m.IsTradingAllowed())

	// the next trade is refused with the breaker's display name
	err := m.Allow(ctx, domain.BreakerTradeFailureRate)
	require.Error(t, err)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "Trade Failure Rate Monitor", openErr.Name)
	assert.Equal(t, "circuit breaker open: Trade Failure Rate Monitor", err.Error())

	// after the thirty-minute recovery timeout the ticker half-opens it
	clk.Advance(30 * time.Minute)
	m.ReevaluateAll(ctx)
	require.Equal(t, domain.BreakerHalfOpen, m.Get(domain.BreakerTradeFailureRate).State())
	assert.True(t, m.IsTradingAllowed(), "half-open does not block the coarse gate")

	// three successful test requests close it again
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Allow(ctx, domain.BreakerTradeFailureRate))
		m.RecordSuccess(ctx, domain.BreakerTradeFailureRate)
	}
	assert.Equal(t, domain.BreakerClosed, m.Get(domain.BreakerTradeFailureRate).State())

	transitions := sink.byType(domain.AuditBreakerStateChange)
	require.Len(t, transitions, 3) // open, half_open, closed
	assert.Equal(t, "open", transitions[0].EventData["to"])
	assert.Equal(t, "half_open", transitions[1].EventData["to"])
	assert.Equal(t, "closed", transitions[2].EventData["to"])
}

func TestManagerAutoHaltOnHaltPriorityBreaker(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := defaultManager(t)

	// the HSM breaker trips after two consecutive failures and carries
	// halt priority
	m.RecordFailure(ctx, domain.BreakerHSMFailure, "kms unreachable")
	m.RecordFailure(ctx, domain.BreakerHSMFailure, "kms unreachable")

	halted, reason := m.Halted()
	assert.True(t, halted)
	assert.Contains(t, reason, "HSM Failure Monitor")
	assert.False(t, m.IsTradingAllowed())

	halts := sink.byType(domain.AuditSystemHalt)
	require.Len(t, halts, 1)
	assert.Equal(t, domain.SeverityCritical, halts[0].Severity)

	// clearing the halt does not resurrect trading while the breaker is
	// still open
	m.Resume(ctx, "operator intervention")
	halted, _ = m.Halted()
	assert.False(t, halted)
	assert.False(t, m.IsTradingAllowed())
}

func TestManagerManualHalt(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := defaultManager(t)

	assert.True(t, m.IsTradingAllowed())
	m.Halt(ctx, "manual emergency stop")
	assert.False(t, m.IsTradingAllowed())

	halted, reason := m.Halted()
	assert.True(t, halted)
	assert.Equal(t, "manual emergency stop", reason)

	// idempotent: a second halt writes no second audit entry
	m.Halt(ctx, "again")
	assert.Len(t, sink.byType(domain.AuditSystemHalt), 1)

	m.Resume(ctx, "resolved")
	assert.True(t, m.IsTradingAllowed())
	assert.Len(t, sink.byType(domain.AuditSystemHalt), 2)
}

func TestManagerUnknownDomain(t *testing.T) {
	m := NewManager(nil, &captureSink{}, zerolog.Nop())
	err := m.Allow(context.Background(), domain.BreakerNetwork)
	require.Error(t, err)
	var openErr *OpenError
	assert.False(t, errors.As(err, &openErr), "unregistered domain is a wiring error, not a refusal")
}

func TestManagerSnapshots(t *testing.T) {
	ctx := context.Background()
	m, _, _ := defaultManager(t)
	m.RecordFailure(ctx, domain.BreakerNetwork, "timeout")

	snaps := m.Snapshots()
	require.Len(t, snaps, 7)

	byType := make(map[domain.BreakerType]domain.BreakerSnapshot, len(snaps))
	for _, s := range snaps {
		byType[s.Type] = s
	}
	assert.Equal(t, 1, byType[domain.BreakerNetwork].FailureCount)
	assert.Equal(t, domain.BreakerClosed, byType[domain.BreakerNetwork].State)
	assert.Equal(t, domain.HaltPriority, byType[domain.BreakerSystemError].Config.Priority)
}
