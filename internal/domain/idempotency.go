package domain

import (
	"encoding/json"
	"time"
)

// OperationType names the operation families protected by idempotency keys.
type OperationType string

const (
	OpTradeGeneration         OperationType = "trade_generation"
	OpTradeExecution          OperationType = "trade_execution"
	OpPortfolioReconciliation OperationType = "portfolio_reconciliation"
	OpStrategyIngestion       OperationType = "strategy_ingestion"
)

// IdempotencyState is the lifecycle state of an idempotency record.
type IdempotencyState string

const (
	IdemPending   IdempotencyState = "pending"
	IdemStarted   IdempotencyState = "started"
	IdemConfirmed IdempotencyState = "confirmed"
	IdemFailed    IdempotencyState = "failed"
	IdemCancelled IdempotencyState = "cancelled"
	IdemExpired   IdempotencyState = "expired"
)

// Terminal reports whether the state ends the record's lifecycle. Terminal
// records older than the retention window are purged.
func (s IdempotencyState) Terminal() bool {
	switch s {
	case IdemConfirmed, IdemFailed, IdemCancelled, IdemExpired:
		return true
	}
	return false
}

// IdempotencyRecord is the persistent, tamper-evident state of one guarded
// operation. Checksum covers the canonicalized payload and is verified on
// every read.
type IdempotencyRecord struct {
	Key           string           `json:"idempotency_key"`
	Operation     OperationType    `json:"operation"`
	UserID        string           `json:"user_id"`
	State         IdempotencyState `json:"state"`
	TradeID       string           `json:"trade_id,omitempty"`
	TxSignature   string           `json:"transaction_signature,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	OperationData json.RawMessage  `json:"operation_data,omitempty"`
	ResultData    json.RawMessage  `json:"result_data,omitempty"`
	ErrorDetails  string           `json:"error_details,omitempty"`
	Checksum      string           `json:"checksum"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
