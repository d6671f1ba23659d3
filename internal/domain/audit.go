package domain

import "time"

// AuditEventType names the event families written to the audit log.
type AuditEventType string

const (
	AuditCycleStarted        AuditEventType = "cycle_started"
	AuditCycleCompleted      AuditEventType = "cycle_completed"
	AuditPhaseCompleted      AuditEventType = "phase_completed"
	AuditStrategySelected    AuditEventType = "strategy_selected"
	AuditPortfolioReconciled AuditEventType = "portfolio_reconciled"
	AuditTradeGenerated      AuditEventType = "trade_generated"
	AuditTradeExecuted       AuditEventType = "trade_executed"
	AuditTradeFailed         AuditEventType = "trade_failed"
	AuditTradeRejected       AuditEventType = "trade_rejected"
	AuditTradeConfirmed      AuditEventType = "trade_confirmed"
	AuditKeyOperation        AuditEventType = "key_operation"
	AuditBreakerStateChange  AuditEventType = "circuit_breaker_state_change"
	AuditSystemHalt          AuditEventType = "system_halt"
	AuditEmergencyStop       AuditEventType = "emergency_stop"
	AuditSecurityViolation   AuditEventType = "security_violation"
	AuditConfigurationChange AuditEventType = "configuration_change"
	AuditBackupCompleted     AuditEventType = "backup_completed"
)

// AuditSeverity ranks audit events. Critical events are safety events: a
// failed write of one terminates the process.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// Safety reports whether a write failure for this severity must stop the
// process.
func (s AuditSeverity) Safety() bool {
	return s == SeverityCritical
}

// AuditEntry is one append-only, hash-chained audit event. EntryHash covers
// the canonicalized entry without the hash field, concatenated with
// PreviousEntryHash.
type AuditEntry struct {
	EntryID       string         `json:"entry_id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     AuditEventType `json:"event_type"`
	Severity      AuditSeverity  `json:"severity"`
	UserID        string         `json:"user_id,omitempty"`
	WalletAddress string         `json:"wallet_address,omitempty"`
	TraderAddress string         `json:"trader_address,omitempty"`

	EventData         map[string]any `json:"event_data,omitempty"`
	DecisionRationale string         `json:"decision_rationale,omitempty"`
	RiskAssessment    map[string]any `json:"risk_assessment,omitempty"`
	TradeDetails      map[string]any `json:"trade_details,omitempty"`
	TxSignature       string         `json:"transaction_signature,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`

	BotVersion  string         `json:"bot_version,omitempty"`
	SystemState map[string]any `json:"system_state,omitempty"`

	CalculationInputs  map[string]any `json:"calculation_inputs,omitempty"`
	CalculationOutputs map[string]any `json:"calculation_outputs,omitempty"`
	DecisionFactors    map[string]any `json:"decision_factors,omitempty"`
	ValidationResults  map[string]any `json:"validation_results,omitempty"`
	PerformanceMetrics map[string]any `json:"performance_metrics,omitempty"`
	ContextSnapshot    map[string]any `json:"context_snapshot,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`

	EntryHash         string `json:"entry_hash"`
	PreviousEntryHash string `json:"previous_entry_hash"`
}
