// Package allocation turns a market snapshot and a stake snapshot into a
// reconciled payout table: a calibrated bonus pool and a proportional pool,
// each summing exactly to its target in the token's smallest unit.
package allocation

import (
	"fmt"
	"math"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// Policy holds the business constants of a distribution. None of these are
// algorithmic necessities, so they all come from configuration.
type Policy struct {
	// RateMinPct is the bonus rate every eligible participant receives at minimum
	RateMinPct float64 `json:"rate_min_pct"`

	// CurveCeilingPct bounds the calibrated curve parameter from above
	CurveCeilingPct float64 `json:"curve_ceiling_pct"`

	// MaxIterations is the bisection budget
	MaxIterations int `json:"max_iterations"`

	// Tolerance is the accepted distance from the bonus target, in reward tokens
	Tolerance float64 `json:"tolerance"`

	// BuybackFraction is the share of daily fee revenue turned into rewards
	BuybackFraction float64 `json:"buyback_fraction"`

	// BonusSplitFraction is the share of the reward budget going to the bonus pool;
	// the rest goes to the proportional pool
	BonusSplitFraction float64 `json:"bonus_split_fraction"`

	// ExpectedFeeFraction, when non-zero, is the platform fee the split constants
	// were agreed against
	ExpectedFeeFraction float64 `json:"expected_fee_fraction"`

	// FeeDriftTolerance is how far the live fee may move from ExpectedFeeFraction
	FeeDriftTolerance float64 `json:"fee_drift_tolerance"`

	// DaysPerYear converts annual rates to a daily cycle
	DaysPerYear float64 `json:"days_per_year"`

	// Decimals is the reward token's smallest-unit precision
	Decimals int32 `json:"decimals"`
}

// DefaultPolicy returns the constants the agency has been running with.
func DefaultPolicy() Policy {
	return Policy{
		RateMinPct:         1.0,
		CurveCeilingPct:    50.0,
		MaxIterations:      30,
		Tolerance:          0.001,
		BuybackFraction:    0.30,
		BonusSplitFraction: 0.66,
		FeeDriftTolerance:  0.01,
		DaysPerYear:        365,
		Decimals:           18,
	}
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	switch {
	case p.RateMinPct < 0:
		return fmt.Errorf("rate_min_pct must be non-negative, got %v", p.RateMinPct)
	case p.CurveCeilingPct <= p.RateMinPct:
		return fmt.Errorf("curve_ceiling_pct %v must exceed rate_min_pct %v", p.CurveCeilingPct, p.RateMinPct)
	case p.MaxIterations <= 0:
		return fmt.Errorf("max_iterations must be positive, got %d", p.MaxIterations)
	case p.Tolerance <= 0:
		return fmt.Errorf("tolerance must be positive, got %v", p.Tolerance)
	case p.BuybackFraction < 0 || p.BuybackFraction > 1:
		return fmt.Errorf("buyback_fraction %v outside [0,1]", p.BuybackFraction)
	case p.BonusSplitFraction < 0 || p.BonusSplitFraction > 1:
		return fmt.Errorf("bonus_split_fraction %v outside [0,1]", p.BonusSplitFraction)
	case p.ExpectedFeeFraction < 0 || p.ExpectedFeeFraction >= 1:
		return fmt.Errorf("expected_fee_fraction %v outside [0,1)", p.ExpectedFeeFraction)
	case p.DaysPerYear <= 0:
		return fmt.Errorf("days_per_year must be positive, got %v", p.DaysPerYear)
	case p.Decimals < 0 || p.Decimals > 36:
		return fmt.Errorf("decimals %d outside [0,36]", p.Decimals)
	}
	return nil
}

// CheckFee validates the policy against the live protocol fee.
func (p Policy) CheckFee(liveFee float64) error {
	if p.ExpectedFeeFraction == 0 {
		return nil
	}
	if drift := math.Abs(liveFee - p.ExpectedFeeFraction); drift > p.FeeDriftTolerance {
		return fmt.Errorf("%w: live fee %v, expected %v (tolerance %v)",
			model.ErrPolicyMismatch, liveFee, p.ExpectedFeeFraction, p.FeeDriftTolerance)
	}
	return nil
}
