// Package model defines the core data structures for the reward distributor.
// These are the values handed between the snapshot, allocation, settlement and
// verification stages of a distribution run.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// MarketParameters is the market and protocol state a distribution cycle is
// computed against. It is resolved once at the start of a run and never mutated.
type MarketParameters struct {
	// RewardTokenPrice is the USD price of the token paid out as reward
	RewardTokenPrice float64 `json:"reward_token_price"`

	// BaseAssetPrice is the USD price of the staked base asset
	BaseAssetPrice float64 `json:"base_asset_price"`

	// BaseYieldRatePct is the protocol's published base yield, in percent (0-100)
	BaseYieldRatePct float64 `json:"base_yield_rate_pct"`

	// LockedPrincipal is the total base asset locked with the agency
	LockedPrincipal float64 `json:"locked_principal"`

	// PlatformFeeFraction is the platform fee, as a fraction in [0,1)
	PlatformFeeFraction float64 `json:"platform_fee_fraction"`

	// CollectedAt is the Unix timestamp when the parameters were resolved
	CollectedAt int64 `json:"collected_at"`

	// Sources records which source served each value, for the audit trail
	Sources map[string]string `json:"sources,omitempty"`
}

// Validate rejects parameters that would corrupt downstream division.
// A zero or missing price, yield or principal aborts the cycle.
func (m MarketParameters) Validate() error {
	required := []struct {
		name  string
		value float64
	}{
		{"reward_token_price", m.RewardTokenPrice},
		{"base_asset_price", m.BaseAssetPrice},
		{"base_yield_rate_pct", m.BaseYieldRatePct},
		{"locked_principal", m.LockedPrincipal},
	}
	for _, r := range required {
		if math.IsNaN(r.value) || math.IsInf(r.value, 0) || r.value <= 0 {
			return fmt.Errorf("%w: %s is %v", ErrDataUnavailable, r.name, r.value)
		}
	}
	if m.BaseYieldRatePct > 100 {
		return fmt.Errorf("%w: base_yield_rate_pct %v outside [0,100]", ErrDataUnavailable, m.BaseYieldRatePct)
	}
	if math.IsNaN(m.PlatformFeeFraction) || m.PlatformFeeFraction < 0 || m.PlatformFeeFraction >= 1 {
		return fmt.Errorf("%w: platform_fee_fraction %v outside [0,1)", ErrDataUnavailable, m.PlatformFeeFraction)
	}
	return nil
}

// ParticipantStake is one staker's position in the snapshot.
type ParticipantStake struct {
	Address           Address `json:"address"`
	RewardTokenStaked float64 `json:"reward_token_staked"`
	BaseAssetStaked   float64 `json:"base_asset_staked"`
}

// BonusEligible reports whether the participant takes part in the bonus pool.
func (p ParticipantStake) BonusEligible() bool {
	return p.RewardTokenStaked > 0 && p.BaseAssetStaked > 0
}

// ProportionalEligible reports whether the participant takes part in the proportional pool.
func (p ParticipantStake) ProportionalEligible() bool {
	return p.RewardTokenStaked > 0
}

// AllocationRow is the derived payout line for one participant. Ratio,
// NormalizedRatio and BonusRatePct are nil unless the participant is bonus eligible.
type AllocationRow struct {
	Address            Address         `json:"address"`
	RewardTokenStaked  float64         `json:"reward_token_staked"`
	BaseAssetStaked    float64         `json:"base_asset_staked"`
	Ratio              *float64        `json:"ratio"`
	NormalizedRatio    *float64        `json:"normalized_ratio"`
	BonusRatePct       *float64        `json:"bonus_rate_pct"`
	BonusAmount        decimal.Decimal `json:"bonus_amount"`
	ProportionalAmount decimal.Decimal `json:"proportional_amount"`
}

// BonusEligible reports whether the row carries a bonus entry.
func (r AllocationRow) BonusEligible() bool {
	return r.Ratio != nil
}

// ProportionalEligible reports whether the row carries a proportional entry.
func (r AllocationRow) ProportionalEligible() bool {
	return r.RewardTokenStaked > 0
}

// Calibration describes how the bonus curve was fitted to its pool target.
type Calibration struct {
	CurveMax    float64 `json:"curve_max"`
	Iterations  int     `json:"iterations"`
	AchievedSum float64 `json:"achieved_sum"`
	Residual    float64 `json:"residual"`
	ScaleFactor float64 `json:"scale_factor"`
	Clamped     bool    `json:"clamped"`
	ClampBound  string  `json:"clamp_bound,omitempty"`
}

// PayoutTable is the reconciled output of the allocation engine. It is built
// fresh every cycle and treated as immutable once handed to settlement.
type PayoutTable struct {
	RunDate                 string           `json:"run_date"`
	Market                  MarketParameters `json:"market"`
	Rows                    []AllocationRow  `json:"rows"`
	BonusPoolTarget         decimal.Decimal  `json:"bonus_pool_target"`
	ProportionalPoolTarget  decimal.Decimal  `json:"proportional_pool_target"`
	Calibration             Calibration      `json:"calibration"`
	BonusDistributed        bool             `json:"bonus_distributed"`
	ProportionalDistributed bool             `json:"proportional_distributed"`
	Decimals                int32            `json:"decimals"`
	ComputedAt              time.Time        `json:"computed_at"`
}

// BonusTotal sums the bonus column.
func (t PayoutTable) BonusTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range t.Rows {
		sum = sum.Add(r.BonusAmount)
	}
	return sum
}

// ProportionalTotal sums the proportional column.
func (t PayoutTable) ProportionalTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, r := range t.Rows {
		sum = sum.Add(r.ProportionalAmount)
	}
	return sum
}

// Total is the full amount the table pays out.
func (t PayoutTable) Total() decimal.Decimal {
	return t.BonusTotal().Add(t.ProportionalTotal())
}
