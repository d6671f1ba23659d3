package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/domain"
	"github.com/slipstreamlabs/slipstream/internal/modules/audit"
)

const (
	probeTimeout = 3 * time.Second

	defaultTradeLimit = 50
	maxTradeLimit     = 200
)

// handleHealth handles GET /bot/health. Degraded dependencies turn the
// response into a 503 so probes fail loudly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	components := make(map[string]string, len(s.probes))
	healthy := true
	for _, p := range s.probes {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.check(probeCtx)
		cancel()

		if err != nil {
			healthy = false
			components[p.name] = "unhealthy: " + err.Error()
			s.log.Warn().Err(err).Str("dependency", p.name).Msg("Health check failed")
			continue
		}
		components[p.name] = "healthy"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":               healthy,
		"components":            components,
		"trading_allowed":       s.deps.Safety.IsTradingAllowed(),
		"response_time_seconds": time.Since(start).Seconds(),
	})
}

// handleStatus handles GET /bot/status: the breaker panel plus the most
// recent cycle report, when one has run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	halted, reason := s.deps.Safety.Halted()

	payload := map[string]interface{}{
		"trading_allowed": s.deps.Safety.IsTradingAllowed(),
		"halted":          halted,
		"breakers":        s.deps.Safety.Snapshots(),
	}
	if reason != "" {
		payload["halt_reason"] = reason
	}
	if report := s.deps.Cycles.LastReport(); report != nil {
		payload["last_cycle"] = report
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleGetConfiguration handles GET /bot/configuration.
func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	profile := s.profileFor(w, r)
	if profile == nil {
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type configurationRequest struct {
	RiskProfile           string  `json:"risk_profile"`
	MaxPositionSizeNative *uint64 `json:"max_position_size_native"`
}

// handlePutConfiguration handles PUT /bot/configuration. The max position
// size is optional; omitting it keeps the current value.
func (s *Server) handlePutConfiguration(w http.ResponseWriter, r *http.Request) {
	var req configurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RiskProfile == "" {
		writeError(w, r, http.StatusBadRequest, "risk_profile is required")
		return
	}

	profile := s.profileFor(w, r)
	if profile == nil {
		return
	}

	maxPosition := profile.MaxPositionSizeNative
	if req.MaxPositionSizeNative != nil {
		maxPosition = *req.MaxPositionSizeNative
	}

	next := domain.RiskProfile(req.RiskProfile)
	if err := s.deps.Users.UpdateRiskProfile(r.Context(), profile.WalletAddress, next, maxPosition); err != nil {
		if _, thresholdErr := next.TrustScoreThreshold(); thresholdErr != nil {
			writeError(w, r, http.StatusBadRequest, thresholdErr.Error())
			return
		}
		s.log.Error().Err(err).Str("wallet", profile.WalletAddress).Msg("Failed to update configuration")
		writeError(w, r, http.StatusInternalServerError, "updating configuration")
		return
	}

	s.auditConfigChange(r, profile.UserID, profile.WalletAddress, map[string]any{
		"risk_profile":             string(next),
		"previous_risk_profile":    string(profile.RiskProfile),
		"max_position_size_native": maxPosition,
	})

	profile.RiskProfile = next
	profile.MaxPositionSizeNative = maxPosition
	writeJSON(w, http.StatusOK, profile)
}

// handleEnable handles POST /bot/enable.
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

// handleDisable handles POST /bot/disable.
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	profile := s.profileFor(w, r)
	if profile == nil {
		return
	}

	if err := s.deps.Users.SetActiveByWallet(r.Context(), profile.WalletAddress, active); err != nil {
		s.log.Error().Err(err).Str("wallet", profile.WalletAddress).Bool("active", active).
			Msg("Failed to update subscription")
		writeError(w, r, http.StatusInternalServerError, "updating subscription")
		return
	}

	s.auditConfigChange(r, profile.UserID, profile.WalletAddress, map[string]any{
		"active": active,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet_address": profile.WalletAddress,
		"active":         active,
	})
}

// tradeEvent is the compact trade-history view served to the backend.
type tradeEvent struct {
	EntryID     string                `json:"entry_id"`
	Timestamp   time.Time             `json:"timestamp"`
	EventType   domain.AuditEventType `json:"event_type"`
	Severity    domain.AuditSeverity  `json:"severity"`
	CycleID     string                `json:"cycle_id,omitempty"`
	TxSignature string                `json:"transaction_signature,omitempty"`
	Details     map[string]any        `json:"details,omitempty"`
	Rationale   string                `json:"rationale,omitempty"`
	Error       string                `json:"error,omitempty"`
}

var tradeEventTypes = map[domain.AuditEventType]struct{}{
	domain.AuditTradeGenerated: {},
	domain.AuditTradeExecuted:  {},
	domain.AuditTradeFailed:    {},
	domain.AuditTradeRejected:  {},
	domain.AuditTradeConfirmed: {},
}

// handleTrades handles GET /bot/trades: the user's slice of the audit
// trail, newest first, trimmed to trade events.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	profile := s.profileFor(w, r)
	if profile == nil {
		return
	}

	limit, err := queryInt(r, "limit", defaultTradeLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	// The store filters on a single event type, so fetch the user's
	// entries and trim to the trade families here. Over-fetching covers
	// the non-trade entries interleaved in the window.
	entries, err := s.deps.Trades.Query(r.Context(), audit.QueryFilter{
		UserID: profile.UserID,
		Limit:  limit * 2,
	})
	if err != nil {
		s.log.Error().Err(err).Str("user_id", profile.UserID).Msg("Failed to query trade history")
		writeError(w, r, http.StatusInternalServerError, "querying trade history")
		return
	}

	trades := make([]tradeEvent, 0, limit)
	for _, entry := range entries {
		if _, ok := tradeEventTypes[entry.EventType]; !ok {
			continue
		}
		trades = append(trades, tradeEvent{
			EntryID:     entry.EntryID,
			Timestamp:   entry.Timestamp,
			EventType:   entry.EventType,
			Severity:    entry.Severity,
			CycleID:     entry.CorrelationID,
			TxSignature: entry.TxSignature,
			Details:     entry.TradeDetails,
			Rationale:   entry.DecisionRationale,
			Error:       entry.ErrorMessage,
		})
		if len(trades) == limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

// handleEmergency handles POST /bot/emergency. The halt lands before the
// paperwork: a failed audit write must not keep trading alive.
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	wallet := walletFrom(r)
	s.deps.Safety.Halt(r.Context(), req.Reason)

	entry := domain.AuditEntry{
		EventType:         domain.AuditEmergencyStop,
		Severity:          domain.SeverityCritical,
		WalletAddress:     wallet,
		DecisionRationale: req.Reason,
		EventData: map[string]any{
			"source": "gateway",
		},
	}
	if err := s.deps.Audit.Log(r.Context(), entry); err != nil {
		s.log.Error().Err(err).Msg("Failed to audit emergency stop")
	}

	s.log.Warn().Str("wallet", wallet).Str("reason", req.Reason).Msg("Emergency stop triggered")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"halted": true,
		"reason": req.Reason,
	})
}

// profileFor loads the authenticated wallet's subscription, writing the
// error response itself when there is none.
func (s *Server) profileFor(w http.ResponseWriter, r *http.Request) *domain.UserRiskProfile {
	wallet := walletFrom(r)

	profile, err := s.deps.Users.ByWallet(r.Context(), wallet)
	if err != nil {
		s.log.Error().Err(err).Str("wallet", wallet).Msg("Failed to load user profile")
		writeError(w, r, http.StatusInternalServerError, "loading user profile")
		return nil
	}
	if profile == nil {
		writeError(w, r, http.StatusNotFound, "no subscription for wallet")
		return nil
	}
	return profile
}

func (s *Server) auditConfigChange(r *http.Request, userID, wallet string, change map[string]any) {
	entry := domain.AuditEntry{
		EventType:     domain.AuditConfigurationChange,
		Severity:      domain.SeverityInfo,
		UserID:        userID,
		WalletAddress: wallet,
		EventData:     change,
	}
	if err := s.deps.Audit.Log(r.Context(), entry); err != nil {
		s.log.Error().Err(err).Str("wallet", wallet).Msg("Failed to audit configuration change")
	}
}

func (s *Server) auditAuthFailure(r *http.Request, wallet string, cause error) {
	entry := domain.AuditEntry{
		EventType:     domain.AuditSecurityViolation,
		Severity:      domain.SeverityWarning,
		WalletAddress: wallet,
		ErrorMessage:  cause.Error(),
		EventData: map[string]any{
			"remote_addr": r.RemoteAddr,
			"path":        r.URL.Path,
		},
	}
	if err := s.deps.Audit.Log(r.Context(), entry); err != nil {
		s.log.Error().Err(err).Msg("Failed to audit authentication failure")
	}
}
