package domain

import "time"

// BreakerType names the independent circuit-breaker failure domains.
type BreakerType string

const (
	BreakerTradeFailureRate    BreakerType = "trade_failure_rate"
	BreakerNetwork             BreakerType = "network"
	BreakerMarketVolatility    BreakerType = "market_volatility"
	BreakerSlippageRate        BreakerType = "slippage_rate"
	BreakerHSMFailure          BreakerType = "hsm_failure"
	BreakerSystemError         BreakerType = "system_error"
	BreakerConfirmationTimeout BreakerType = "confirmation_timeout"
)

// BreakerState is the classic three-state breaker lifecycle.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig carries the per-instance thresholds. A nil
// PercentageThreshold disables rate-based tripping for the instance.
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	TimeWindow               time.Duration `json:"time_window"`
	ConsecutiveFailureLimit  int           `json:"consecutive_failure_limit"`
	RecoveryTimeout          time.Duration `json:"recovery_timeout"`
	TestRequestLimit         int           `json:"test_request_limit"`
	RecoverySuccessThreshold int           `json:"recovery_success_threshold"`
	PercentageThreshold      *float64      `json:"percentage_threshold,omitempty"`
	Priority                 int           `json:"priority"` // breakers at or above HaltPriority halt the system when they open
}

// HaltPriority marks a breaker as system-halting when it opens.
const HaltPriority = 100

// BreakerSnapshot is the externally visible state of one breaker.
type BreakerSnapshot struct {
	Type                BreakerType   `json:"type"`
	Name                string        `json:"name"`
	State               BreakerState  `json:"state"`
	FailureCount        int           `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	Config              BreakerConfig `json:"config"`
}
