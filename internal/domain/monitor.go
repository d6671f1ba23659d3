package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxState is the confirmation-monitor state of one submitted transaction.
type TxState string

const (
	TxSubmitted TxState = "submitted"
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFinalized TxState = "finalized"
	TxFailed    TxState = "failed"
	TxStuck     TxState = "stuck"
	TxReplaced  TxState = "replaced"
	TxDropped   TxState = "dropped"
	TxTimeout   TxState = "timeout"
)

// Terminal reports whether the monitor stops tracking at this state.
func (s TxState) Terminal() bool {
	switch s {
	case TxConfirmed, TxFinalized, TxFailed, TxReplaced, TxDropped, TxTimeout:
		return true
	}
	return false
}

// ConfirmationRequirement is the depth a transaction must reach before it
// counts as confirmed.
type ConfirmationRequirement struct {
	MinConfirmations    int           `json:"min_confirmations"`
	MaxWait             time.Duration `json:"max_wait"`
	RequireFinalization bool          `json:"require_finalization"`
}

// RequirementForUSD derives the confirmation requirement from the trade's
// USD value.
func RequirementForUSD(value decimal.Decimal) ConfirmationRequirement {
	switch {
	case value.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return ConfirmationRequirement{MinConfirmations: 3, MaxWait: 300 * time.Second, RequireFinalization: true}
	case value.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return ConfirmationRequirement{MinConfirmations: 2, MaxWait: 180 * time.Second}
	case value.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return ConfirmationRequirement{MinConfirmations: 1, MaxWait: 120 * time.Second}
	default:
		return ConfirmationRequirement{MinConfirmations: 1, MaxWait: 60 * time.Second}
	}
}

// TxErrorKind classifies submission and confirmation failures. The class
// picks the retry strategy.
type TxErrorKind string

const (
	TxErrNetwork           TxErrorKind = "network_error"
	TxErrRateLimited       TxErrorKind = "rate_limited"
	TxErrNodeUnhealthy     TxErrorKind = "node_unhealthy"
	TxErrUnknown           TxErrorKind = "unknown_error"
	TxErrBlockhashExpired  TxErrorKind = "blockhash_expired"
	TxErrComputeBudget     TxErrorKind = "compute_budget_exceeded"
	TxErrTimeout           TxErrorKind = "timeout_error"
	TxErrProgram           TxErrorKind = "program_error"
	TxErrInsufficientFunds TxErrorKind = "insufficient_funds"
	TxErrSlippageExceeded  TxErrorKind = "slippage_exceeded"
	TxErrTooLarge          TxErrorKind = "tx_too_large"
	TxErrDuplicate         TxErrorKind = "duplicate_tx"
)

// RetryStrategy picks how a failed transaction is retried.
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "exponential_backoff"
	RetryReplace     RetryStrategy = "replace_transaction"
	RetryLinear      RetryStrategy = "linear_backoff"
	RetryNone        RetryStrategy = "no_retry"
)

// Strategy maps an error class to its retry strategy.
func (k TxErrorKind) Strategy() RetryStrategy {
	switch k {
	case TxErrNetwork, TxErrRateLimited, TxErrNodeUnhealthy, TxErrUnknown:
		return RetryExponential
	case TxErrBlockhashExpired, TxErrComputeBudget, TxErrTimeout:
		return RetryReplace
	case TxErrProgram:
		return RetryLinear
	case TxErrInsufficientFunds, TxErrSlippageExceeded, TxErrTooLarge, TxErrDuplicate:
		return RetryNone
	default:
		return RetryExponential
	}
}

// TransactionMonitor tracks one submitted transaction until terminal state.
type TransactionMonitor struct {
	TradeID       string                  `json:"trade_id"`
	TxSignature   string                  `json:"tx_signature"`
	SubmittedAt   time.Time               `json:"submitted_at"`
	State         TxState                 `json:"state"`
	Confirmations int                     `json:"confirmations"`
	BlockHeight   uint64                  `json:"block_height"`
	Finalized     bool                    `json:"finalized"`
	Requirement   ConfirmationRequirement `json:"confirmation_requirement"`
	USDValue      decimal.Decimal         `json:"usd_value"`
	ErrorCount    int                     `json:"error_count"`
	RetryCount    int                     `json:"retry_count"`
	LastError     TxErrorKind             `json:"last_error,omitempty"`
	NextRetryAt   *time.Time              `json:"next_retry_at,omitempty"`
}
