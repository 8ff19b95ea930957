package epoch

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRewardsLinearWeights(t *testing.T) {
	shares := SplitRewards(big.NewInt(1000), 3)

	require.Len(t, shares, 3)
	assert.Equal(t, int64(501), shares[0].Int64())
	assert.Equal(t, int64(333), shares[1].Int64())
	assert.Equal(t, int64(166), shares[2].Int64())
}

func TestSplitRewardsSumsToPool(t *testing.T) {
	pool, ok := new(big.Int).SetString("123456789123456789123", 10)
	require.True(t, ok)

	for k := 1; k <= 10; k++ {
		shares := SplitRewards(pool, k)
		require.Len(t, shares, k)

		sum := big.NewInt(0)
		for i, s := range shares {
			sum.Add(sum, s)
			if i > 0 {
				assert.LessOrEqual(t, s.Cmp(shares[i-1]), 0, "shares decrease by rank")
			}
		}
		assert.Zero(t, sum.Cmp(pool), "k=%d", k)
	}
}

func TestSplitRewardsSingleWinner(t *testing.T) {
	shares := SplitRewards(big.NewInt(777), 1)
	require.Len(t, shares, 1)
	assert.Equal(t, int64(777), shares[0].Int64())
}

func TestSplitRewardsDegenerate(t *testing.T) {
	assert.Nil(t, SplitRewards(nil, 3))
	assert.Nil(t, SplitRewards(big.NewInt(0), 3))
	assert.Nil(t, SplitRewards(big.NewInt(100), 0))
}

func TestWinnerCount(t *testing.T) {
	cases := map[int]int{
		0:  0,
		1:  1,
		2:  1,
		3:  1,
		4:  2,
		7:  3,
		10: 3,
		11: 4,
		20: 6,
	}
	for n, want := range cases {
		assert.Equal(t, want, WinnerCount(n), "n=%d", n)
	}
}
