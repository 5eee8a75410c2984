package allocation

import (
	"fmt"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// PoolTargets are the two pool sizes of a cycle, in reward tokens.
type PoolTargets struct {
	Bonus        float64 `json:"bonus"`
	Proportional float64 `json:"proportional"`
}

// TargetPools derives the day's pool sizes from the protocol parameters.
//
// The published base yield is net of the platform fee, so the gross rate is
// recovered first. The fee's daily value in base asset is split by the buyback
// fraction into the reward budget, which the bonus split divides between the
// two pools before converting to reward tokens at market prices.
func TargetPools(m model.MarketParameters, p Policy) (PoolTargets, error) {
	if err := m.Validate(); err != nil {
		return PoolTargets{}, err
	}
	if err := p.Validate(); err != nil {
		return PoolTargets{}, fmt.Errorf("invalid policy: %w", err)
	}
	if err := p.CheckFee(m.PlatformFeeFraction); err != nil {
		return PoolTargets{}, err
	}

	grossRate := (m.BaseYieldRatePct / 100) / (1 - m.PlatformFeeFraction)
	dailyFeeValue := m.LockedPrincipal * grossRate * m.PlatformFeeFraction / p.DaysPerYear
	budget := dailyFeeValue * p.BuybackFraction
	toRewardToken := m.BaseAssetPrice / m.RewardTokenPrice

	return PoolTargets{
		Bonus:        budget * p.BonusSplitFraction * toRewardToken,
		Proportional: budget * (1 - p.BonusSplitFraction) * toRewardToken,
	}, nil
}
