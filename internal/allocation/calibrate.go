package allocation

import "math"

// curve evaluates the bonus payout for a fixed set of eligible participants
// as a function of the single free parameter curveMax.
type curve struct {
	rateMin  float64
	sqrtNorm []float64
	// dailyValue is base stake value per percent of rate, already converted
	// to reward tokens for one day.
	dailyValue []float64
}

func newCurve(rateMin float64, normalized, baseStaked []float64, m marketView) curve {
	c := curve{
		rateMin:    rateMin,
		sqrtNorm:   make([]float64, len(normalized)),
		dailyValue: make([]float64, len(normalized)),
	}
	for i, n := range normalized {
		c.sqrtNorm[i] = math.Sqrt(n)
		c.dailyValue[i] = baseStaked[i] * m.baseAssetPrice / m.daysPerYear / m.rewardTokenPrice / 100
	}
	return c
}

type marketView struct {
	rewardTokenPrice float64
	baseAssetPrice   float64
	daysPerYear      float64
}

func (c curve) rate(i int, curveMax float64) float64 {
	return c.rateMin + (curveMax-c.rateMin)*c.sqrtNorm[i]
}

func (c curve) amount(i int, curveMax float64) float64 {
	return c.rate(i, curveMax) * c.dailyValue[i]
}

func (c curve) sum(curveMax float64) float64 {
	var total float64
	for i := range c.sqrtNorm {
		total += c.amount(i, curveMax)
	}
	return total
}

type calibrationResult struct {
	curveMax   float64
	achieved   float64
	iterations int
	clamped    bool
	bound      string
}

// calibrate bisects curveMax over [lo, hi] until the summed payout is within
// tol of target. The sum is non-decreasing in curveMax, so a target outside
// [sum(lo), sum(hi)] is clamped to the nearest bound.
func calibrate(c curve, target, lo, hi float64, maxIter int, tol float64) calibrationResult {
	sLo, sHi := c.sum(lo), c.sum(hi)

	if target <= sLo {
		return calibrationResult{curveMax: lo, achieved: sLo, clamped: sLo-target >= tol, bound: "min"}
	}
	if target >= sHi {
		return calibrationResult{curveMax: hi, achieved: sHi, clamped: target-sHi >= tol, bound: "ceiling"}
	}

	res := calibrationResult{}
	for res.iterations = 1; res.iterations <= maxIter; res.iterations++ {
		mid := (lo + hi) / 2
		s := c.sum(mid)
		res.curveMax, res.achieved = mid, s

		if math.Abs(s-target) < tol {
			return res
		}
		if s < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	res.iterations = maxIter
	return res
}
