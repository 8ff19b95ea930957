// Package chain is the contract boundary: read-only state queries, operator
// lifecycle transactions, calldata packing for user operations, and revert
// decoding. Amounts cross this boundary as wei (*big.Int); everything above
// works in MON floats.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"
)

const arenaABIJSON = `[
  {"type":"function","name":"getPortfolio","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"arenaId","type":"uint256"}],"outputs":[{"name":"moltiLocked","type":"uint256"},{"name":"tokenUnits","type":"uint256"}]},
  {"type":"function","name":"nextEpochId","stateMutability":"view","inputs":[{"name":"arenaId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"epochs","stateMutability":"view","inputs":[{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"}],"outputs":[{"name":"startTime","type":"uint64"},{"name":"endTime","type":"uint64"},{"name":"ended","type":"bool"}]},
  {"type":"function","name":"getEpochPhase","stateMutability":"view","inputs":[{"name":"arenaId","type":"uint256"},{"name":"nowSec","type":"uint256"}],"outputs":[{"name":"hasToEnd","type":"bool"},{"name":"toEndId","type":"uint256"},{"name":"hasActive","type":"bool"},{"name":"activeId","type":"uint256"}]},
  {"type":"function","name":"getPendingReward","stateMutability":"view","inputs":[{"name":"agentId","type":"uint256"},{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"epochRewardPool","stateMutability":"view","inputs":[{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"createEpoch","stateMutability":"nonpayable","inputs":[{"name":"arenaId","type":"uint256"},{"name":"startSec","type":"uint256"},{"name":"endSec","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"endEpoch","stateMutability":"nonpayable","inputs":[{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"autoRenewEpoch","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"uint256"},{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setPendingRewardsBatch","stateMutability":"nonpayable","inputs":[{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"},{"name":"agentIds","type":"uint256[]"},{"name":"amounts","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"sweepUnclaimedRewards","stateMutability":"nonpayable","inputs":[{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"},{"name":"agentIds","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"executeTrade","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"uint256"},{"name":"arenaId","type":"uint256"},{"name":"epochId","type":"uint256"},{"name":"action","type":"uint8"},{"name":"sizePctWei","type":"uint256"},{"name":"buyAmountWei","type":"uint256"},{"name":"priceWei","type":"uint256"},{"name":"tick","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"EpochCreated","inputs":[{"name":"arenaId","type":"uint256","indexed":true},{"name":"epochId","type":"uint256","indexed":true},{"name":"startTime","type":"uint64","indexed":false},{"name":"endTime","type":"uint64","indexed":false}]},
  {"type":"error","name":"InsufficientAgentBalance","inputs":[]},
  {"type":"error","name":"NotRegistered","inputs":[]},
  {"type":"error","name":"EpochNotFound","inputs":[]},
  {"type":"error","name":"EpochAlreadyEnded","inputs":[]},
  {"type":"error","name":"AgentNotFound","inputs":[]},
  {"type":"error","name":"ArenaNotFound","inputs":[]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const entryPointABIJSON = `[
  {"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	arenaABI      abi.ABI
	erc20ABI      abi.ABI
	entryPointABI abi.ABI
)

func init() {
	var err error
	arenaABI, err = abi.JSON(strings.NewReader(arenaABIJSON))
	if err != nil {
		panic(fmt.Sprintf("arena ABI: %v", err))
	}
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("erc20 ABI: %v", err))
	}
	entryPointABI, err = abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(fmt.Sprintf("entry point ABI: %v", err))
	}
}

// Trade action enum as the contract encodes it.
const (
	TradeActionBuy  uint8 = 0
	TradeActionSell uint8 = 1
	TradeActionHold uint8 = 2
)

// PackExecuteTrade builds executeTrade calldata for a user operation.
func PackExecuteTrade(agentID, arenaID, epochID uint64, action uint8, sizePctWei, buyAmountWei, priceWei *big.Int, tick int) ([]byte, error) {
	return arenaABI.Pack("executeTrade",
		new(big.Int).SetUint64(agentID),
		new(big.Int).SetUint64(arenaID),
		new(big.Int).SetUint64(epochID),
		action, sizePctWei, buyAmountWei, priceWei,
		big.NewInt(int64(tick)))
}

// PackAutoRenewEpoch builds autoRenewEpoch calldata for a user operation.
func PackAutoRenewEpoch(agentID, arenaID, epochID uint64) ([]byte, error) {
	return arenaABI.Pack("autoRenewEpoch",
		new(big.Int).SetUint64(agentID),
		new(big.Int).SetUint64(arenaID),
		new(big.Int).SetUint64(epochID))
}

// PackApprove builds an ERC-20 approve calldata payload.
func PackApprove(spender string, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", mustAddress(spender), amount)
}

// MaxUint256 is the infinite-approval amount.
func MaxUint256() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}

// WeiToMon converts an 18-decimal wei amount to a MON float.
func WeiToMon(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	return decimal.NewFromBigInt(wei, -18).InexactFloat64()
}

// MonToWei converts a MON float to 18-decimal wei.
func MonToWei(mon float64) *big.Int {
	return decimal.NewFromFloat(mon).Shift(18).BigInt()
}

// FractionOfWei scales a wei amount by pct in [0, 1].
func FractionOfWei(amount *big.Int, pct float64) *big.Int {
	if amount == nil || pct <= 0 {
		return big.NewInt(0)
	}
	scaled := decimal.NewFromBigInt(amount, 0).Mul(decimal.NewFromFloat(pct))
	return scaled.BigInt()
}
