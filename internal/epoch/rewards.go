package epoch

import (
	"math/big"
)

// WinnerCount returns how many of n ranked agents win: ceil(0.30 * n).
func WinnerCount(n int) int {
	if n <= 0 {
		return 0
	}
	k := (n*3 + 9) / 10 // ceil(n * 0.3) in integer arithmetic
	if k < 1 {
		k = 1
	}
	return k
}

// SplitRewards divides pool wei across k winners with linear weights
// (k, k-1, ..., 1). Integer division truncates each share; the remainder
// goes to rank 1 so the shares always sum to the pool exactly.
func SplitRewards(pool *big.Int, k int) []*big.Int {
	if pool == nil || pool.Sign() <= 0 || k <= 0 {
		return nil
	}

	// Sum of weights k..1 = k(k+1)/2.
	totalWeight := big.NewInt(int64(k) * int64(k+1) / 2)

	shares := make([]*big.Int, k)
	distributed := big.NewInt(0)
	for i := 0; i < k; i++ {
		weight := big.NewInt(int64(k - i))
		share := new(big.Int).Mul(pool, weight)
		share.Div(share, totalWeight)
		shares[i] = share
		distributed.Add(distributed, share)
	}

	remainder := new(big.Int).Sub(pool, distributed)
	shares[0].Add(shares[0], remainder)
	return shares
}
