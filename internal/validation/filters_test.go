package validation

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

func addr(i int) model.Address {
	return model.MustParseAddress(fmt.Sprintf("0x%040x", i+1))
}

func TestFilterInvalid_BasicCriteria(t *testing.T) {
	opts := ValidationOptions{MinRewardTokenStake: 0.01, MinBaseAssetStake: 0.001}

	tests := []struct {
		name   string
		stakes []model.ParticipantStake
		want   int
	}{
		{
			name: "all valid",
			stakes: []model.ParticipantStake{
				{Address: addr(0), RewardTokenStaked: 10, BaseAssetStaked: 1},
				{Address: addr(1), RewardTokenStaked: 5},
				{Address: addr(2), BaseAssetStaked: 3},
			},
			want: 3,
		},
		{
			name: "some invalid",
			stakes: []model.ParticipantStake{
				{Address: addr(0), RewardTokenStaked: 10, BaseAssetStaked: 1},
				{Address: addr(1), RewardTokenStaked: -1},                    // negative
				{Address: addr(2), RewardTokenStaked: math.NaN()},            // not finite
				{Address: addr(3), BaseAssetStaked: math.Inf(1)},             // not finite
				{Address: model.Address{}, RewardTokenStaked: 4},             // zero address
				{Address: addr(5), RewardTokenStaked: 0.001},                 // dust only
				{Address: addr(6), RewardTokenStaked: 0, BaseAssetStaked: 0}, // empty
			},
			want: 1,
		},
		{
			name:   "empty input",
			stakes: nil,
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered, err := FilterInvalid(tt.stakes, opts)
			require.NoError(t, err)
			assert.Len(t, filtered, tt.want)
		})
	}
}

func TestFilterInvalid_DustZeroesComponent(t *testing.T) {
	opts := ValidationOptions{MinRewardTokenStake: 1, MinBaseAssetStake: 1}
	filtered, err := FilterInvalid([]model.ParticipantStake{
		{Address: addr(0), RewardTokenStaked: 10, BaseAssetStaked: 0.5},
	}, opts)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, 10.0, filtered[0].RewardTokenStaked)
	assert.Equal(t, 0.0, filtered[0].BaseAssetStaked, "dust base stake no longer earns a bonus")
	assert.False(t, filtered[0].BonusEligible())
}

func TestFilterInvalid_DuplicateAddress(t *testing.T) {
	_, err := FilterInvalid([]model.ParticipantStake{
		{Address: addr(0), RewardTokenStaked: 1},
		{Address: addr(0), RewardTokenStaked: 2},
	}, DefaultValidationOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDataUnavailable)
}

func TestFilterInvalid_ConcurrentPreservesOrder(t *testing.T) {
	stakes := make([]model.ParticipantStake, 1000)
	for i := range stakes {
		stakes[i] = model.ParticipantStake{Address: addr(i), RewardTokenStaked: float64(i % 7)}
	}
	opts := DefaultValidationOptions()
	opts.ConcurrentThreshold = 10

	concurrent, err := FilterInvalid(stakes, opts)
	require.NoError(t, err)

	opts.ConcurrentThreshold = 0
	sequential, err := FilterInvalid(stakes, opts)
	require.NoError(t, err)

	assert.Equal(t, sequential, concurrent)
	assert.Len(t, concurrent, 1000-1000/7-1)
}

func TestOutliers(t *testing.T) {
	stakes := []model.ParticipantStake{
		{Address: addr(0), RewardTokenStaked: 10},
		{Address: addr(1), RewardTokenStaked: 11},
		{Address: addr(2), RewardTokenStaked: 12},
		{Address: addr(3), RewardTokenStaked: 13},
		{Address: addr(4), RewardTokenStaked: 10000},
	}
	out := Outliers(stakes, 1.5)
	assert.Equal(t, []model.Address{addr(4)}, out)

	assert.Nil(t, Outliers(stakes[:3], 1.5))
}
