// Package validation provides hygiene checks for stake snapshots before they
// reach the allocation engine.
package validation

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MinRewardTokenStake is the dust threshold for reward-token stake; smaller
	// positions are treated as zero
	MinRewardTokenStake float64

	// MinBaseAssetStake is the dust threshold for base-asset stake
	MinBaseAssetStake float64

	// FlagOutliers logs stakes far outside the interquartile range. Outliers
	// are reported, never dropped: a large staker is still a staker.
	FlagOutliers bool

	// OutlierIQRMultiplier defines sensitivity for outlier detection (1.5 is standard)
	OutlierIQRMultiplier float64

	// ConcurrentThreshold is the record count above which filtering is chunked
	// across workers
	ConcurrentThreshold int
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		FlagOutliers:         true,
		OutlierIQRMultiplier: 3,
		ConcurrentThreshold:  5000,
	}
}

// FilterInvalid removes records that cannot take part in a distribution and
// zeroes dust positions. Order is preserved. Two records for one address mean
// the snapshot is corrupt, so that aborts with model.ErrDataUnavailable.
func FilterInvalid(stakes []model.ParticipantStake, opts ValidationOptions) ([]model.ParticipantStake, error) {
	seen := make(map[model.Address]struct{}, len(stakes))
	for _, s := range stakes {
		if _, dup := seen[s.Address]; dup {
			return nil, fmt.Errorf("%w: duplicate address %s in stake snapshot", model.ErrDataUnavailable, s.Address)
		}
		seen[s.Address] = struct{}{}
	}

	var valid []model.ParticipantStake
	if opts.ConcurrentThreshold > 0 && len(stakes) > opts.ConcurrentThreshold {
		valid = filterConcurrently(stakes, opts)
	} else {
		valid = filterBasicCriteria(stakes, opts)
	}

	if opts.FlagOutliers {
		for _, a := range Outliers(valid, opts.OutlierIQRMultiplier) {
			logrus.WithField("address", a.String()).Info("Stake is a statistical outlier")
		}
	}

	logrus.WithFields(logrus.Fields{
		"total":    len(stakes),
		"valid":    len(valid),
		"filtered": len(stakes) - len(valid),
	}).Debug("Stake filtering complete")
	return valid, nil
}

// filterConcurrently runs filterBasicCriteria over fixed chunks and joins
// them back in input order
func filterConcurrently(stakes []model.ParticipantStake, opts ValidationOptions) []model.ParticipantStake {
	workerCount := 4
	chunkSize := (len(stakes) + workerCount - 1) / workerCount
	results := make([][]model.ParticipantStake, workerCount)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		start := i * chunkSize
		if start >= len(stakes) {
			break
		}
		end := start + chunkSize
		if end > len(stakes) {
			end = len(stakes)
		}

		wg.Add(1)
		go func(i int, chunk []model.ParticipantStake) {
			defer wg.Done()
			results[i] = filterBasicCriteria(chunk, opts)
		}(i, stakes[start:end])
	}
	wg.Wait()

	var valid []model.ParticipantStake
	for _, chunk := range results {
		valid = append(valid, chunk...)
	}
	return valid
}

// filterBasicCriteria applies the per-record rules
func filterBasicCriteria(stakes []model.ParticipantStake, opts ValidationOptions) []model.ParticipantStake {
	valid := make([]model.ParticipantStake, 0, len(stakes))
	for _, s := range stakes {
		if reason := invalidReason(s); reason != "" {
			logrus.WithFields(logrus.Fields{
				"address":             s.Address.String(),
				"reward_token_staked": s.RewardTokenStaked,
				"base_asset_staked":   s.BaseAssetStaked,
				"reason":              reason,
			}).Warn("Dropped invalid stake record")
			continue
		}

		if s.RewardTokenStaked > 0 && s.RewardTokenStaked < opts.MinRewardTokenStake {
			s.RewardTokenStaked = 0
		}
		if s.BaseAssetStaked > 0 && s.BaseAssetStaked < opts.MinBaseAssetStake {
			s.BaseAssetStaked = 0
		}
		if s.RewardTokenStaked == 0 && s.BaseAssetStaked == 0 {
			logrus.WithField("address", s.Address.String()).Debug("Dropped empty or dust stake record")
			continue
		}
		valid = append(valid, s)
	}
	return valid
}

// invalidReason returns why a record cannot be used, or "" if it can
func invalidReason(s model.ParticipantStake) string {
	switch {
	case s.Address.IsZero():
		return "zero address"
	case math.IsNaN(s.RewardTokenStaked) || math.IsInf(s.RewardTokenStaked, 0):
		return "reward token stake not finite"
	case math.IsNaN(s.BaseAssetStaked) || math.IsInf(s.BaseAssetStaked, 0):
		return "base asset stake not finite"
	case s.RewardTokenStaked < 0 || s.BaseAssetStaked < 0:
		return "negative stake"
	}
	return ""
}

// Outliers returns the addresses whose reward-token stake lies above the IQR
// fence. At least four positive stakes are needed for a meaningful fence.
func Outliers(stakes []model.ParticipantStake, iqrMultiplier float64) []model.Address {
	values := make([]float64, 0, len(stakes))
	for _, s := range stakes {
		if s.RewardTokenStaked > 0 {
			values = append(values, s.RewardTokenStaked)
		}
	}
	if len(values) <= 3 {
		return nil
	}

	sort.Float64s(values)
	q1 := values[len(values)/4]
	q3 := values[len(values)*3/4]
	upperBound := q3 + iqrMultiplier*(q3-q1)

	var out []model.Address
	for _, s := range stakes {
		if s.RewardTokenStaked > upperBound {
			out = append(out, s.Address)
		}
	}
	return out
}
