package domain

import "fmt"

// RiskProfile is the user's declared risk appetite. It selects the minimum
// trust score a leader must carry before the user will follow them.
type RiskProfile string

const (
	RiskConservative RiskProfile = "conservative"
	RiskModerate     RiskProfile = "moderate"
	RiskAggressive   RiskProfile = "aggressive"
)

// TrustScoreThreshold returns the minimum leader trust score for the
// profile.
func (p RiskProfile) TrustScoreThreshold() (float64, error) {
	switch p {
	case RiskConservative:
		return 85, nil
	case RiskModerate:
		return 70, nil
	case RiskAggressive:
		return 55, nil
	default:
		return 0, fmt.Errorf("unknown risk profile %q", p)
	}
}

// TierForTrustScore returns the most demanding risk profile a leader
// with the given score qualifies for, or "" below every threshold.
func TierForTrustScore(score float64) RiskProfile {
	switch {
	case score >= 85:
		return RiskConservative
	case score >= 70:
		return RiskModerate
	case score >= 55:
		return RiskAggressive
	default:
		return ""
	}
}

// UserRiskProfile is one subscribed user's execution configuration.
type UserRiskProfile struct {
	UserID                string      `json:"user_id"`
	WalletAddress         string      `json:"wallet_address"`
	VaultAddress          string      `json:"vault_address"`
	RiskProfile           RiskProfile `json:"risk_profile"`
	MaxPositionSizeNative uint64      `json:"max_position_size_native"` // lamports
	Active                bool        `json:"active"`
}
