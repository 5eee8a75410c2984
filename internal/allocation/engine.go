package allocation

import (
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/units"
)

// Engine computes payout tables under a fixed policy. It holds no state
// between cycles, so one engine can serve every snapshot source.
type Engine struct {
	policy Policy
}

// NewEngine validates the policy and returns an engine.
func NewEngine(p Policy) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &Engine{policy: p}, nil
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Allocate builds the payout table for one cycle.
//
// Every participant with reward-token stake gets a row and a proportional
// share; those that also stake the base asset get a ratio, a bonus rate from
// the calibrated curve and a bonus share. Both pools are reconciled to their
// targets in smallest units.
func (e *Engine) Allocate(runDate string, m model.MarketParameters, stakes []model.ParticipantStake, targets PoolTargets) (model.PayoutTable, error) {
	if err := m.Validate(); err != nil {
		return model.PayoutTable{}, err
	}
	if targets.Bonus < 0 || targets.Proportional < 0 || math.IsNaN(targets.Bonus) || math.IsNaN(targets.Proportional) {
		return model.PayoutTable{}, fmt.Errorf("%w: invalid pool targets %+v", model.ErrDataUnavailable, targets)
	}

	decimals := e.policy.Decimals
	bonusUnits, err := units.FromFloat(targets.Bonus, decimals)
	if err != nil {
		return model.PayoutTable{}, fmt.Errorf("bonus target: %w", err)
	}
	propUnits, err := units.FromFloat(targets.Proportional, decimals)
	if err != nil {
		return model.PayoutTable{}, fmt.Errorf("proportional target: %w", err)
	}

	table := model.PayoutTable{
		RunDate:                runDate,
		Market:                 m,
		BonusPoolTarget:        units.FromUnits(bonusUnits, decimals),
		ProportionalPoolTarget: units.FromUnits(propUnits, decimals),
		Decimals:               decimals,
		ComputedAt:             time.Now().UTC(),
	}

	var bonusIdx []int
	for _, s := range stakes {
		if !s.ProportionalEligible() {
			continue
		}
		if !finite(s.RewardTokenStaked) || !finite(s.BaseAssetStaked) {
			return model.PayoutTable{}, fmt.Errorf("%w: stake of %s is not finite", model.ErrDataUnavailable, s.Address)
		}
		row := model.AllocationRow{
			Address:           s.Address,
			RewardTokenStaked: s.RewardTokenStaked,
			BaseAssetStaked:   s.BaseAssetStaked,
		}
		if s.BonusEligible() {
			ratio := (s.RewardTokenStaked * m.RewardTokenPrice) / (s.BaseAssetStaked * m.BaseAssetPrice)
			if !finite(ratio) {
				return model.PayoutTable{}, fmt.Errorf("%w: stake ratio of %s overflows", model.ErrDataUnavailable, s.Address)
			}
			row.Ratio = &ratio
			bonusIdx = append(bonusIdx, len(table.Rows))
		}
		table.Rows = append(table.Rows, row)
	}

	e.allocateBonus(&table, bonusIdx, targets.Bonus, bonusUnits)
	e.allocateProportional(&table, propUnits)

	logrus.WithFields(logrus.Fields{
		"run_date":            runDate,
		"rows":                len(table.Rows),
		"bonus_eligible":      len(bonusIdx),
		"bonus_target":        table.BonusPoolTarget.String(),
		"proportional_target": table.ProportionalPoolTarget.String(),
		"curve_max":           table.Calibration.CurveMax,
		"scale_factor":        table.Calibration.ScaleFactor,
	}).Info("Payout table computed")

	return table, nil
}

func (e *Engine) allocateBonus(table *model.PayoutTable, idx []int, target float64, targetUnits *uint256.Int) {
	if len(idx) == 0 {
		logrus.WithField("run_date", table.RunDate).Warn("No bonus-eligible participants, bonus pool not distributed")
		return
	}

	minR, maxR := math.Inf(1), math.Inf(-1)
	for _, i := range idx {
		r := *table.Rows[i].Ratio
		minR = math.Min(minR, r)
		maxR = math.Max(maxR, r)
	}

	normalized := make([]float64, len(idx))
	baseStaked := make([]float64, len(idx))
	for k, i := range idx {
		n := 0.0
		if maxR != minR {
			n = (*table.Rows[i].Ratio - minR) / (maxR - minR)
		}
		normalized[k] = n
		baseStaked[k] = table.Rows[i].BaseAssetStaked
	}

	p := e.policy
	c := newCurve(p.RateMinPct, normalized, baseStaked, marketView{
		rewardTokenPrice: table.Market.RewardTokenPrice,
		baseAssetPrice:   table.Market.BaseAssetPrice,
		daysPerYear:      p.DaysPerYear,
	})
	res := calibrate(c, target, p.RateMinPct, p.CurveCeilingPct, p.MaxIterations, p.Tolerance)

	table.Calibration = model.Calibration{
		CurveMax:    res.curveMax,
		Iterations:  res.iterations,
		AchievedSum: res.achieved,
		Residual:    target - res.achieved,
		Clamped:     res.clamped,
	}
	if res.clamped {
		table.Calibration.ClampBound = res.bound
		logrus.WithFields(logrus.Fields{
			"run_date":  table.RunDate,
			"target":    target,
			"achieved":  res.achieved,
			"curve_max": res.curveMax,
			"bound":     res.bound,
		}).Warnf("%v: clamping curve and reconciling by scale", model.ErrCalibrationUnreachable)
	}

	for k, i := range idx {
		n := normalized[k]
		rate := c.rate(k, res.curveMax)
		table.Rows[i].NormalizedRatio = &n
		table.Rows[i].BonusRatePct = &rate
	}

	if res.achieved <= 0 || targetUnits.IsZero() {
		logrus.WithFields(logrus.Fields{
			"run_date": table.RunDate,
			"achieved": res.achieved,
			"target":   target,
		}).Warn("Bonus pool has nothing to scale, not distributed")
		return
	}

	scale := target / res.achieved
	table.Calibration.ScaleFactor = scale

	weights := make([]float64, len(idx))
	for k := range idx {
		weights[k] = c.amount(k, res.curveMax) * scale
	}
	shares := apportion(weights, targetUnits)
	for k, i := range idx {
		table.Rows[i].BonusAmount = units.FromUnits(shares[k], table.Decimals)
	}
	table.BonusDistributed = true
}

func (e *Engine) allocateProportional(table *model.PayoutTable, targetUnits *uint256.Int) {
	if len(table.Rows) == 0 {
		logrus.WithField("run_date", table.RunDate).Warn("No reward-token stakers, proportional pool not distributed")
		return
	}
	if targetUnits.IsZero() {
		logrus.WithField("run_date", table.RunDate).Warn("Proportional pool target is zero, not distributed")
		return
	}

	weights := make([]float64, len(table.Rows))
	for i, r := range table.Rows {
		weights[i] = r.RewardTokenStaked
	}
	shares := apportion(weights, targetUnits)
	for i := range table.Rows {
		table.Rows[i].ProportionalAmount = units.FromUnits(shares[i], table.Decimals)
	}
	table.ProportionalDistributed = true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
