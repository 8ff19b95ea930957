package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

const readTimeout = 10 * time.Second

// Client is the read-only contract view. All reads carry a short deadline
// and are safe to drop on timeout.
type Client struct {
	eth       *ethclient.Client
	arenaAddr common.Address
	moltiAddr common.Address
	chainID   *big.Int
}

// OnChainPortfolio is the contract's view of an agent position.
type OnChainPortfolio struct {
	MoltiLockedWei *big.Int
	TokenUnitsWei  *big.Int
}

// EpochInfo mirrors the contract's epochs() record.
type EpochInfo struct {
	StartTime time.Time
	EndTime   time.Time
	Ended     bool
}

// EpochPhase is getEpochPhase's answer: which epoch must end, which is live.
type EpochPhase struct {
	ToEnd  *uint64
	Active *uint64
}

func NewClient(rpcURL, arenaContract, moltiToken string, chainID int64) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	log.Info().Str("rpc", rpcURL).Int64("chain_id", chainID).Msg("chain client connected")
	return &Client{
		eth:       eth,
		arenaAddr: mustAddress(arenaContract),
		moltiAddr: mustAddress(moltiToken),
		chainID:   big.NewInt(chainID),
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

// Eth exposes the underlying RPC client for receipt polling.
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Client) ArenaAddress() common.Address {
	return c.arenaAddr
}

func (c *Client) MoltiAddress() common.Address {
	return c.moltiAddr
}

// call runs a view function against the arena contract and unpacks outputs.
func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := arenaABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.arenaAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := arenaABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// GetPortfolio reads the agent's on-chain position in an arena.
func (c *Client) GetPortfolio(ctx context.Context, agentID, arenaID uint64) (*OnChainPortfolio, error) {
	values, err := c.call(ctx, "getPortfolio",
		new(big.Int).SetUint64(agentID), new(big.Int).SetUint64(arenaID))
	if err != nil {
		return nil, err
	}
	return &OnChainPortfolio{
		MoltiLockedWei: values[0].(*big.Int),
		TokenUnitsWei:  values[1].(*big.Int),
	}, nil
}

// MoltiBalance reads the wallet's MOLTI token balance in wei.
func (c *Client) MoltiBalance(ctx context.Context, wallet string) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", mustAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.moltiAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return values[0].(*big.Int), nil
}

// MoltiAllowance reads the wallet's MOLTI allowance toward the arena contract.
func (c *Client) MoltiAllowance(ctx context.Context, wallet string) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", mustAddress(wallet), c.arenaAddr)
	if err != nil {
		return nil, fmt.Errorf("pack allowance: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.moltiAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance: %w", err)
	}
	values, err := erc20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	return values[0].(*big.Int), nil
}

// UserOpNonce reads a smart account's next user-op nonce from the entry
// point, key 0, so the returned value is the sequential nonce itself.
func (c *Client) UserOpNonce(ctx context.Context, entryPoint, sender common.Address) (uint64, error) {
	data, err := entryPointABI.Pack("getNonce", sender, big.NewInt(0))
	if err != nil {
		return 0, fmt.Errorf("pack getNonce: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("getNonce: %w", err)
	}
	values, err := entryPointABI.Unpack("getNonce", out)
	if err != nil {
		return 0, fmt.Errorf("unpack getNonce: %w", err)
	}
	return values[0].(*big.Int).Uint64(), nil
}

// NativeBalance reads the wallet's MON balance in wei.
func (c *Client) NativeBalance(ctx context.Context, wallet string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	bal, err := c.eth.BalanceAt(ctx, mustAddress(wallet), nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", wallet, err)
	}
	return bal, nil
}

// NextEpochID reads the arena's next unassigned epoch id.
func (c *Client) NextEpochID(ctx context.Context, arenaID uint64) (uint64, error) {
	values, err := c.call(ctx, "nextEpochId", new(big.Int).SetUint64(arenaID))
	if err != nil {
		return 0, err
	}
	return values[0].(*big.Int).Uint64(), nil
}

// Epoch reads the on-chain epoch record.
func (c *Client) Epoch(ctx context.Context, arenaID, epochID uint64) (*EpochInfo, error) {
	values, err := c.call(ctx, "epochs",
		new(big.Int).SetUint64(arenaID), new(big.Int).SetUint64(epochID))
	if err != nil {
		return nil, err
	}
	return &EpochInfo{
		StartTime: time.Unix(int64(values[0].(uint64)), 0).UTC(),
		EndTime:   time.Unix(int64(values[1].(uint64)), 0).UTC(),
		Ended:     values[2].(bool),
	}, nil
}

// GetEpochPhase asks the contract which epoch transition is due at now.
func (c *Client) GetEpochPhase(ctx context.Context, arenaID uint64, now time.Time) (*EpochPhase, error) {
	values, err := c.call(ctx, "getEpochPhase",
		new(big.Int).SetUint64(arenaID), big.NewInt(now.Unix()))
	if err != nil {
		return nil, err
	}
	phase := &EpochPhase{}
	if values[0].(bool) {
		id := values[1].(*big.Int).Uint64()
		phase.ToEnd = &id
	}
	if values[2].(bool) {
		id := values[3].(*big.Int).Uint64()
		phase.Active = &id
	}
	return phase, nil
}

// RewardPool reads the epoch's accumulated reward pool in wei.
func (c *Client) RewardPool(ctx context.Context, arenaID, epochID uint64) (*big.Int, error) {
	values, err := c.call(ctx, "epochRewardPool",
		new(big.Int).SetUint64(arenaID), new(big.Int).SetUint64(epochID))
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// PendingReward reads the unclaimed reward wei for a winner.
func (c *Client) PendingReward(ctx context.Context, agentID, arenaID, epochID uint64) (*big.Int, error) {
	values, err := c.call(ctx, "getPendingReward",
		new(big.Int).SetUint64(agentID),
		new(big.Int).SetUint64(arenaID),
		new(big.Int).SetUint64(epochID))
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// SimulateAutoRenew dry-runs autoRenewEpoch from the agent's wallet so
// reverts surface before a user operation is paid for.
func (c *Client) SimulateAutoRenew(ctx context.Context, wallet string, agentID, arenaID, epochID uint64) error {
	data, err := PackAutoRenewEpoch(agentID, arenaID, epochID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	from := mustAddress(wallet)
	_, err = c.eth.CallContract(ctx, ethereum.CallMsg{From: from, To: &c.arenaAddr, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("simulate autoRenewEpoch: %w", err)
	}
	return nil
}

func mustAddress(s string) common.Address {
	return common.HexToAddress(s)
}
