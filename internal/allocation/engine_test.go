package allocation

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

func testMarket() model.MarketParameters {
	return model.MarketParameters{
		RewardTokenPrice:    1,
		BaseAssetPrice:      10,
		BaseYieldRatePct:    3.5,
		LockedPrincipal:     10000,
		PlatformFeeFraction: 0.1,
	}
}

func addr(i int) model.Address {
	return model.MustParseAddress(fmt.Sprintf("0x%040x", i+1))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultPolicy())
	require.NoError(t, err)
	return e
}

func TestAllocate_ThreeParticipantScenario(t *testing.T) {
	e := newTestEngine(t)
	stakes := []model.ParticipantStake{
		{Address: addr(0), RewardTokenStaked: 100, BaseAssetStaked: 10},
		{Address: addr(1), RewardTokenStaked: 50, BaseAssetStaked: 10},
		{Address: addr(2), RewardTokenStaked: 10, BaseAssetStaked: 10},
	}

	table, err := e.Allocate("2024-05-01", testMarket(), stakes, PoolTargets{Bonus: 5, Proportional: 2})
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)

	assert.InDelta(t, 100, *table.Rows[0].Ratio, 1e-12)
	assert.InDelta(t, 50, *table.Rows[1].Ratio, 1e-12)
	assert.InDelta(t, 10, *table.Rows[2].Ratio, 1e-12)

	assert.InDelta(t, 1, *table.Rows[0].NormalizedRatio, 1e-12)
	assert.InDelta(t, 40.0/90.0, *table.Rows[1].NormalizedRatio, 1e-12)
	assert.Equal(t, 0.0, *table.Rows[2].NormalizedRatio)

	assert.True(t, table.BonusTotal().Equal(decimal.NewFromInt(5)), "bonus total %s", table.BonusTotal())
	assert.True(t, table.ProportionalTotal().Equal(decimal.NewFromInt(2)), "proportional total %s", table.ProportionalTotal())

	assert.True(t, table.Rows[0].BonusAmount.GreaterThan(table.Rows[1].BonusAmount))
	assert.True(t, table.Rows[1].BonusAmount.GreaterThan(table.Rows[2].BonusAmount))

	// The curve tops out far below the target for stakes this small.
	assert.True(t, table.Calibration.Clamped)
	assert.Equal(t, "ceiling", table.Calibration.ClampBound)
	assert.Equal(t, DefaultPolicy().CurveCeilingPct, table.Calibration.CurveMax)
	assert.Greater(t, table.Calibration.ScaleFactor, 1.0)
}

func TestAllocate_Conservation(t *testing.T) {
	e := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))

	for _, n := range []int{1, 2, 7, 100, 1000, 10000} {
		t.Run(fmt.Sprintf("%d participants", n), func(t *testing.T) {
			stakes := make([]model.ParticipantStake, n)
			for i := range stakes {
				stakes[i] = model.ParticipantStake{
					Address:           addr(i),
					RewardTokenStaked: 1 + rng.Float64()*5000,
					BaseAssetStaked:   0.01 + rng.Float64()*200,
				}
			}
			targets := PoolTargets{Bonus: 1234.567891, Proportional: 98.7654321}

			table, err := e.Allocate("2024-05-01", testMarket(), stakes, targets)
			require.NoError(t, err)

			assert.True(t, table.BonusTotal().Equal(table.BonusPoolTarget))
			assert.True(t, table.ProportionalTotal().Equal(table.ProportionalPoolTarget))

			bonus, _ := table.BonusTotal().Float64()
			prop, _ := table.ProportionalTotal().Float64()
			assert.InEpsilon(t, targets.Bonus, bonus, 1e-6)
			assert.InEpsilon(t, targets.Proportional, prop, 1e-6)

			for _, r := range table.Rows {
				assert.False(t, r.BonusAmount.IsNegative())
				assert.False(t, r.ProportionalAmount.IsNegative())
			}
		})
	}
}

func TestAllocate_CalibratesInsideRange(t *testing.T) {
	e := newTestEngine(t)
	stakes := []model.ParticipantStake{
		{Address: addr(0), RewardTokenStaked: 100, BaseAssetStaked: 10000},
		{Address: addr(1), RewardTokenStaked: 50, BaseAssetStaked: 10000},
		{Address: addr(2), RewardTokenStaked: 10, BaseAssetStaked: 10000},
	}
	// Curve sum at RATE_MIN is about 8.2 and at the ceiling about 232.
	table, err := e.Allocate("2024-05-01", testMarket(), stakes, PoolTargets{Bonus: 100, Proportional: 10})
	require.NoError(t, err)

	assert.False(t, table.Calibration.Clamped)
	assert.InDelta(t, 100, table.Calibration.AchievedSum, DefaultPolicy().Tolerance*2)
	assert.Greater(t, table.Calibration.CurveMax, DefaultPolicy().RateMinPct)
	assert.Less(t, table.Calibration.CurveMax, DefaultPolicy().CurveCeilingPct)
	assert.LessOrEqual(t, table.Calibration.Iterations, DefaultPolicy().MaxIterations)
	assert.True(t, table.BonusTotal().Equal(decimal.NewFromInt(100)))
}

func TestAllocate_DegenerateRatio(t *testing.T) {
	e := newTestEngine(t)
	stakes := []model.ParticipantStake{
		{Address: addr(0), RewardTokenStaked: 10, BaseAssetStaked: 1},
		{Address: addr(1), RewardTokenStaked: 20, BaseAssetStaked: 2},
		{Address: addr(2), RewardTokenStaked: 30, BaseAssetStaked: 3},
	}

	table, err := e.Allocate("2024-05-01", testMarket(), stakes, PoolTargets{Bonus: 3, Proportional: 6})
	require.NoError(t, err)

	for _, r := range table.Rows {
		require.NotNil(t, r.NormalizedRatio)
		assert.Equal(t, 0.0, *r.NormalizedRatio)
		assert.Equal(t, DefaultPolicy().RateMinPct, *r.BonusRatePct)
	}
	assert.True(t, table.BonusTotal().Equal(decimal.NewFromInt(3)))
	// Equal rates, so bonus follows base stake: 1:2:3.
	for i, want := range []float64{0.5, 1, 1.5} {
		got, _ := table.Rows[i].BonusAmount.Float64()
		assert.InDelta(t, want, got, 1e-9)
	}
}

func TestAllocate_Eligibility(t *testing.T) {
	e := newTestEngine(t)
	stakes := []model.ParticipantStake{
		{Address: addr(0), RewardTokenStaked: 30, BaseAssetStaked: 5},
		{Address: addr(1), RewardTokenStaked: 10, BaseAssetStaked: 0},
		{Address: addr(2), RewardTokenStaked: 0, BaseAssetStaked: 50},
	}

	table, err := e.Allocate("2024-05-01", testMarket(), stakes, PoolTargets{Bonus: 1, Proportional: 4})
	require.NoError(t, err)
	require.Len(t, table.Rows, 2, "base-only staker gets no row")

	assert.True(t, table.Rows[0].BonusEligible())
	assert.False(t, table.Rows[1].BonusEligible())
	assert.Nil(t, table.Rows[1].Ratio)
	assert.Nil(t, table.Rows[1].BonusRatePct)
	assert.True(t, table.Rows[1].BonusAmount.IsZero())

	assert.True(t, table.Rows[0].BonusAmount.Equal(decimal.NewFromInt(1)))
	assert.True(t, table.Rows[0].ProportionalAmount.Equal(decimal.NewFromInt(3)))
	assert.True(t, table.Rows[1].ProportionalAmount.Equal(decimal.NewFromInt(1)))
}

func TestAllocate_EmptyPools(t *testing.T) {
	e := newTestEngine(t)

	table, err := e.Allocate("2024-05-01", testMarket(), nil, PoolTargets{Bonus: 1, Proportional: 1})
	require.NoError(t, err)
	assert.Empty(t, table.Rows)
	assert.False(t, table.BonusDistributed)
	assert.False(t, table.ProportionalDistributed)

	noBase := []model.ParticipantStake{{Address: addr(0), RewardTokenStaked: 5}}
	table, err = e.Allocate("2024-05-01", testMarket(), noBase, PoolTargets{Bonus: 1, Proportional: 1})
	require.NoError(t, err)
	assert.False(t, table.BonusDistributed)
	assert.True(t, table.ProportionalDistributed)
	assert.True(t, table.BonusTotal().IsZero())
	assert.True(t, table.ProportionalTotal().Equal(decimal.NewFromInt(1)))
}

func TestAllocate_RejectsBadMarket(t *testing.T) {
	e := newTestEngine(t)
	m := testMarket()
	m.RewardTokenPrice = 0

	_, err := e.Allocate("2024-05-01", m, []model.ParticipantStake{{Address: addr(0), RewardTokenStaked: 1}}, PoolTargets{Bonus: 1})
	assert.ErrorIs(t, err, model.ErrDataUnavailable)
}

func TestAllocate_RejectsNonFiniteStakes(t *testing.T) {
	tests := []struct {
		name  string
		stake model.ParticipantStake
	}{
		{"ratio overflows", model.ParticipantStake{Address: addr(1), RewardTokenStaked: 1e200, BaseAssetStaked: 1e-200}},
		{"infinite reward stake", model.ParticipantStake{Address: addr(1), RewardTokenStaked: math.Inf(1)}},
		{"NaN base stake", model.ParticipantStake{Address: addr(1), RewardTokenStaked: 1, BaseAssetStaked: math.NaN()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			stakes := []model.ParticipantStake{
				{Address: addr(0), RewardTokenStaked: 10, BaseAssetStaked: 1},
				tt.stake,
			}
			_, err := e.Allocate("2024-05-01", testMarket(), stakes, PoolTargets{Bonus: 1, Proportional: 1})
			assert.ErrorIs(t, err, model.ErrDataUnavailable)
		})
	}
}

func TestNewEngine_InvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.CurveCeilingPct = p.RateMinPct
	_, err := NewEngine(p)
	assert.Error(t, err)
}
