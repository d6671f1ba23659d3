package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstreamlabs/slipstream/internal/config"
	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/audit"
	"github.com/slipstreamlabs/slipstream/internal/modules/orchestrator"
)

type stubSafety struct {
	allowed    bool
	halted     bool
	haltReason string
	snapshots  []domain.BreakerSnapshot
	haltCalls  []string
}

func (s *stubSafety) IsTradingAllowed() bool                { return s.allowed }
func (s *stubSafety) Halted() (bool, string)                { return s.halted, s.haltReason }
func (s *stubSafety) Snapshots() []domain.BreakerSnapshot   { return s.snapshots }
func (s *stubSafety) Halt(_ context.Context, reason string) {
	s.halted = true
	s.haltReason = reason
	s.haltCalls = append(s.haltCalls, reason)
}

type stubUsers struct {
	profile *domain.UserRiskProfile
	byErr   error

	setWallet string
	setValue  bool
	setErr    error

	updWallet  string
	updProfile domain.RiskProfile
	updMax     uint64
	updErr     error
}

func (s *stubUsers) ByWallet(_ context.Context, wallet string) (*domain.UserRiskProfile, error) {
	if s.byErr != nil {
		return nil, s.byErr
	}
	if s.profile != nil && s.profile.WalletAddress == wallet {
		copied := *s.profile
		return &copied, nil
	}
	return nil, nil
}

func (s *stubUsers) SetActiveByWallet(_ context.Context, wallet string, active bool) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.setWallet = wallet
	s.setValue = active
	return nil
}

func (s *stubUsers) UpdateRiskProfile(_ context.Context, wallet string, profile domain.RiskProfile, maxPositionNative uint64) error {
	if s.updErr != nil {
		return s.updErr
	}
	if _, err := profile.TrustScoreThreshold(); err != nil {
		return err
	}
	s.updWallet = wallet
	s.updProfile = profile
	s.updMax = maxPositionNative
	return nil
}

type stubCycles struct {
	report *orchestrator.CycleReport
}

func (s *stubCycles) LastReport() *orchestrator.CycleReport { return s.report }

type stubTrades struct {
	entries []domain.AuditEntry
	err     error
	filter  audit.QueryFilter
}

func (s *stubTrades) Query(_ context.Context, filter audit.QueryFilter) ([]domain.AuditEntry, error) {
	s.filter = filter
	return s.entries, s.err
}

type stubAudit struct {
	entries []domain.AuditEntry
}

func (s *stubAudit) Log(_ context.Context, entry domain.AuditEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubAudit) byType(eventType domain.AuditEventType) []domain.AuditEntry {
	var matched []domain.AuditEntry
	for _, entry := range s.entries {
		if entry.EventType == eventType {
			matched = append(matched, entry)
		}
	}
	return matched
}

type gatewayStubs struct {
	safety *stubSafety
	users  *stubUsers
	cycles *stubCycles
	trades *stubTrades
	audit  *stubAudit
}

func testGateway(secret string) (*Server, *gatewayStubs) {
	stubs := &gatewayStubs{
		safety: &stubSafety{allowed: true},
		users:  &stubUsers{},
		cycles: &stubCycles{},
		trades: &stubTrades{},
		audit:  &stubAudit{},
	}
	srv := New(config.GatewayConfig{Port: 8090, JWTSecret: secret, SessionTTLMinutes: 60}, Deps{
		Safety: stubs.safety,
		Users:  stubs.users,
		Cycles: stubs.cycles,
		Trades: stubs.trades,
		Audit:  stubs.audit,
	}, zerolog.Nop())
	return srv, stubs
}

func testWallet(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return solana.PublicKeyFromBytes(pub).String(), priv
}

// login walks the challenge/response flow and returns a session token.
func login(t *testing.T, srv *Server, wallet string, priv ed25519.PrivateKey) string {
	t.Helper()

	rec := doJSON(t, srv, http.MethodPost, "/auth/challenge", map[string]string{"wallet_address": wallet}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	nonce, _ := decodeBody[map[string]any](t, rec)["nonce"].(string)
	require.NotEmpty(t, nonce)

	sig := ed25519.Sign(priv, []byte(nonce))
	rec = doJSON(t, srv, http.MethodPost, "/auth/authenticate", map[string]string{
		"wallet_address": wallet,
		"signature":      solana.SignatureFromBytes(sig).String(),
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	token, _ := decodeBody[map[string]any](t, rec)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func subscribedProfile(wallet string) *domain.UserRiskProfile {
	return &domain.UserRiskProfile{
		UserID:                "3e6f4d6e-8a7b-4f31-9d3e-2a1b5c7d9e0f",
		WalletAddress:         wallet,
		VaultAddress:          "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		RiskProfile:           domain.RiskModerate,
		MaxPositionSizeNative: 2_000_000_000,
		Active:                true,
	}
}

func tradeEntry(eventType domain.AuditEventType, tradeID string) domain.AuditEntry {
	return domain.AuditEntry{
		EntryID:       "entry-" + tradeID,
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		EventType:     eventType,
		Severity:      domain.SeverityInfo,
		CorrelationID: "cycle-1",
		TradeDetails:  map[string]any{"trade_id": tradeID},
	}
}

func TestStatusReportsBreakerPanel(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	stubs.safety.allowed = false
	stubs.safety.halted = true
	stubs.safety.haltReason = "daily loss limit breached"
	stubs.safety.snapshots = []domain.BreakerSnapshot{
		{Name: "drawdown", State: domain.BreakerOpen},
	}
	stubs.cycles.report = &orchestrator.CycleReport{CycleID: "cycle-42", Confirmed: 3}

	rec := doJSON(t, srv, http.MethodGet, "/bot/status", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, body["trading_allowed"])
	assert.Equal(t, true, body["halted"])
	assert.Equal(t, "daily loss limit breached", body["halt_reason"])

	breakers, ok := body["breakers"].([]any)
	require.True(t, ok)
	assert.Len(t, breakers, 1)

	lastCycle, ok := body["last_cycle"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cycle-42", lastCycle["cycle_id"])
	assert.Equal(t, float64(3), lastCycle["confirmed"])
}

func TestStatusOmitsLastCycleBeforeFirstRun(t *testing.T) {
	srv, _ := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodGet, "/bot/status", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["trading_allowed"])
	assert.NotContains(t, body, "last_cycle")
	assert.NotContains(t, body, "halt_reason")
}

func TestGetConfiguration(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodGet, "/bot/configuration", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	profile := decodeBody[domain.UserRiskProfile](t, rec)
	assert.Equal(t, wallet, profile.WalletAddress)
	assert.Equal(t, domain.RiskModerate, profile.RiskProfile)
	assert.Equal(t, uint64(2_000_000_000), profile.MaxPositionSizeNative)
}

func TestConfigurationUnknownWallet(t *testing.T) {
	srv, _ := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodGet, "/bot/configuration", nil, token)

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Contains(t, body["error"], "no subscription")
}

func TestPutConfigurationUpdatesProfile(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodPut, "/bot/configuration", map[string]any{
		"risk_profile":             "aggressive",
		"max_position_size_native": 500_000_000,
	}, token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wallet, stubs.users.updWallet)
	assert.Equal(t, domain.RiskAggressive, stubs.users.updProfile)
	assert.Equal(t, uint64(500_000_000), stubs.users.updMax)

	updated := decodeBody[domain.UserRiskProfile](t, rec)
	assert.Equal(t, domain.RiskAggressive, updated.RiskProfile)
	assert.Equal(t, uint64(500_000_000), updated.MaxPositionSizeNative)

	changes := stubs.audit.byType(domain.AuditConfigurationChange)
	require.Len(t, changes, 1)
	assert.Equal(t, wallet, changes[0].WalletAddress)
	assert.Equal(t, "aggressive", changes[0].EventData["risk_profile"])
	assert.Equal(t, "moderate", changes[0].EventData["previous_risk_profile"])
}

func TestPutConfigurationKeepsMaxPositionWhenOmitted(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodPut, "/bot/configuration", map[string]any{
		"risk_profile": "conservative",
	}, token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RiskConservative, stubs.users.updProfile)
	assert.Equal(t, uint64(2_000_000_000), stubs.users.updMax)
}

func TestPutConfigurationRejectsUnknownProfile(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodPut, "/bot/configuration", map[string]any{
		"risk_profile": "reckless",
	}, token)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Contains(t, body["error"], "unknown risk profile")
	assert.Empty(t, stubs.audit.byType(domain.AuditConfigurationChange))
}

func TestEnableAndDisable(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodPost, "/bot/enable", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, wallet, stubs.users.setWallet)
	assert.True(t, stubs.users.setValue)

	rec = doJSON(t, srv, http.MethodPost, "/bot/disable", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, stubs.users.setValue)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, body["active"])

	changes := stubs.audit.byType(domain.AuditConfigurationChange)
	require.Len(t, changes, 2)
	assert.Equal(t, true, changes[0].EventData["active"])
	assert.Equal(t, false, changes[1].EventData["active"])
}

func TestEnableUnknownWallet(t *testing.T) {
	srv, _ := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodPost, "/bot/enable", nil, token)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTradesFiltersToTradeEvents(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	stubs.trades.entries = []domain.AuditEntry{
		tradeEntry(domain.AuditTradeConfirmed, "t-3"),
		{EntryID: "cycle-entry", EventType: domain.AuditCycleCompleted},
		tradeEntry(domain.AuditTradeFailed, "t-2"),
		{EntryID: "strategy-entry", EventType: domain.AuditStrategySelected},
		tradeEntry(domain.AuditTradeGenerated, "t-1"),
	}

	rec := doJSON(t, srv, http.MethodGet, "/bot/trades", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stubs.users.profile.UserID, stubs.trades.filter.UserID)
	assert.Equal(t, defaultTradeLimit*2, stubs.trades.filter.Limit)

	body := decodeBody[struct {
		Trades []tradeEvent `json:"trades"`
		Count  int          `json:"count"`
	}](t, rec)
	require.Equal(t, 3, body.Count)
	assert.Equal(t, domain.AuditTradeConfirmed, body.Trades[0].EventType)
	assert.Equal(t, domain.AuditTradeFailed, body.Trades[1].EventType)
	assert.Equal(t, domain.AuditTradeGenerated, body.Trades[2].EventType)
	assert.Equal(t, "t-3", body.Trades[0].Details["trade_id"])
	assert.Equal(t, "cycle-1", body.Trades[0].CycleID)
}

func TestTradesHonorsLimit(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	stubs.trades.entries = []domain.AuditEntry{
		tradeEntry(domain.AuditTradeConfirmed, "t-3"),
		tradeEntry(domain.AuditTradeConfirmed, "t-2"),
		tradeEntry(domain.AuditTradeConfirmed, "t-1"),
	}

	rec := doJSON(t, srv, http.MethodGet, "/bot/trades?limit=2", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Trades []tradeEvent `json:"trades"`
		Count  int          `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, body.Count)
}

func TestTradesCapsOversizedLimit(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodGet, "/bot/trades?limit=5000", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxTradeLimit*2, stubs.trades.filter.Limit)
}

func TestTradesRejectsBadLimit(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	stubs.users.profile = subscribedProfile(wallet)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodGet, "/bot/trades?limit=bogus", nil, token)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmergencyHaltsBeforeAuditing(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodPost, "/bot/emergency", map[string]string{
		"reason": "suspicious leader behavior",
	}, token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"suspicious leader behavior"}, stubs.safety.haltCalls)
	assert.True(t, stubs.safety.halted)

	stops := stubs.audit.byType(domain.AuditEmergencyStop)
	require.Len(t, stops, 1)
	assert.Equal(t, domain.SeverityCritical, stops[0].Severity)
	assert.Equal(t, wallet, stops[0].WalletAddress)
	assert.Equal(t, "suspicious leader behavior", stops[0].DecisionRationale)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["halted"])
}

func TestEmergencyDefaultsReason(t *testing.T) {
	srv, stubs := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	rec := doJSON(t, srv, http.MethodPost, "/bot/emergency", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"manual emergency stop"}, stubs.safety.haltCalls)
}

func TestHealthAggregatesProbes(t *testing.T) {
	srv, _ := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	srv.RegisterProbe("database", func(context.Context) error { return nil })
	srv.RegisterProbe("rpc", func(context.Context) error { return errors.New("connection refused") })

	rec := doJSON(t, srv, http.MethodGet, "/bot/health", nil, token)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, body["healthy"])

	components, ok := body["components"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "healthy", components["database"])
	assert.Equal(t, "unhealthy: connection refused", components["rpc"])
}

func TestHealthAllProbesPassing(t *testing.T) {
	srv, _ := testGateway("s3cret")
	wallet, priv := testWallet(t)
	token := login(t, srv, wallet, priv)

	srv.RegisterProbe("database", func(context.Context) error { return nil })

	rec := doJSON(t, srv, http.MethodGet, "/bot/health", nil, token)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, true, body["trading_allowed"])
}
