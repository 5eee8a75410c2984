package allocation

import (
	"math/big"
	"sort"

	"github.com/holiman/uint256"
)

const apportionPrec = 256

// apportion splits total smallest units across weights with the largest
// remainder method. The result always sums to exactly total; rows with a
// non-positive weight receive zero.
func apportion(weights []float64, total *uint256.Int) []*uint256.Int {
	out := make([]*uint256.Int, len(weights))
	for i := range out {
		out[i] = new(uint256.Int)
	}

	sum := new(big.Float).SetPrec(apportionPrec)
	positive := 0
	for _, w := range weights {
		if w > 0 {
			sum.Add(sum, new(big.Float).SetPrec(apportionPrec).SetFloat64(w))
			positive++
		}
	}
	if positive == 0 || total == nil || total.IsZero() {
		return out
	}

	totalF := new(big.Float).SetPrec(apportionPrec).SetInt(total.ToBig())
	allocated := new(big.Int)
	type remainder struct {
		index int
		frac  *big.Float
	}
	remainders := make([]remainder, 0, positive)

	for i, w := range weights {
		if w <= 0 {
			continue
		}
		raw := new(big.Float).SetPrec(apportionPrec).SetFloat64(w)
		raw.Mul(raw, totalF).Quo(raw, sum)

		floor, _ := raw.Int(nil)
		frac := new(big.Float).SetPrec(apportionPrec).Sub(raw, new(big.Float).SetPrec(apportionPrec).SetInt(floor))

		out[i], _ = uint256.FromBig(floor)
		allocated.Add(allocated, floor)
		remainders = append(remainders, remainder{index: i, frac: frac})
	}

	sort.SliceStable(remainders, func(a, b int) bool {
		return remainders[a].frac.Cmp(remainders[b].frac) > 0
	})

	deficit := new(big.Int).Sub(total.ToBig(), allocated)
	one := uint256.NewInt(1)
	for k := 0; deficit.Sign() > 0; k++ {
		idx := remainders[k%len(remainders)].index
		out[idx].Add(out[idx], one)
		deficit.Sub(deficit, big.NewInt(1))
	}
	return out
}
