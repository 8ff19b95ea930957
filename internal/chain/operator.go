package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

const (
	txTimeout   = 90 * time.Second
	gasLimitCap = 1_500_000
)

// Operator signs arena-lifecycle transactions with the operator key:
// createEpoch, endEpoch, setPendingRewardsBatch, sweepUnclaimedRewards.
// Agent trades never go through here; they are user operations.
type Operator struct {
	client  *Client
	key     *ecdsa.PrivateKey
	address common.Address
	dryRun  bool
}

func NewOperator(client *Client, privateKeyHex string, dryRun bool) (*Operator, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("operator key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	log.Info().Str("operator", addr.Hex()).Bool("dry_run", dryRun).Msg("operator wallet loaded")
	return &Operator{client: client, key: key, address: addr, dryRun: dryRun}, nil
}

func (o *Operator) Address() common.Address {
	return o.address
}

// CreateEpoch creates an on-chain epoch and returns its id, parsed from the
// EpochCreated event. When the log is missing it falls back to
// nextEpochId - 1.
func (o *Operator) CreateEpoch(ctx context.Context, arenaID uint64, start, end time.Time) (uint64, string, error) {
	if o.dryRun {
		next, err := o.client.NextEpochID(ctx, arenaID)
		if err != nil {
			return 0, "", err
		}
		log.Info().Uint64("arena", arenaID).Uint64("epoch", next).Msg("dry run: createEpoch skipped")
		return next, dryRunHash(), nil
	}

	receipt, err := o.send(ctx, "createEpoch",
		new(big.Int).SetUint64(arenaID),
		big.NewInt(start.Unix()),
		big.NewInt(end.Unix()))
	if err != nil {
		return 0, "", err
	}
	txHash := receipt.TxHash.Hex()

	if id, ok := o.epochIDFromLogs(receipt); ok {
		return id, txHash, nil
	}
	log.Warn().Uint64("arena", arenaID).Str("tx", txHash).
		Msg("EpochCreated log missing, falling back to nextEpochId")
	next, err := o.client.NextEpochID(ctx, arenaID)
	if err != nil {
		return 0, txHash, fmt.Errorf("epoch id fallback: %w", err)
	}
	if next == 0 {
		return 0, txHash, fmt.Errorf("nextEpochId is zero after createEpoch")
	}
	return next - 1, txHash, nil
}

// EndEpoch ends an on-chain epoch. EpochAlreadyEnded counts as success so
// the controller can re-run safely.
func (o *Operator) EndEpoch(ctx context.Context, arenaID, epochID uint64) (string, error) {
	if o.dryRun {
		log.Info().Uint64("arena", arenaID).Uint64("epoch", epochID).Msg("dry run: endEpoch skipped")
		return dryRunHash(), nil
	}
	receipt, err := o.send(ctx, "endEpoch",
		new(big.Int).SetUint64(arenaID), new(big.Int).SetUint64(epochID))
	if err != nil {
		if reason, ok := DecodeRevert(err); ok && reason == "EpochAlreadyEnded" {
			log.Info().Uint64("arena", arenaID).Uint64("epoch", epochID).
				Msg("epoch already ended on chain")
			return "", nil
		}
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// SetPendingRewardsBatch records winner rewards on chain.
func (o *Operator) SetPendingRewardsBatch(ctx context.Context, arenaID, epochID uint64, agentIDs []uint64, amountsWei []*big.Int) (string, error) {
	if len(agentIDs) != len(amountsWei) {
		return "", fmt.Errorf("ids/amounts length mismatch: %d vs %d", len(agentIDs), len(amountsWei))
	}
	if o.dryRun {
		log.Info().Uint64("arena", arenaID).Uint64("epoch", epochID).Int("winners", len(agentIDs)).
			Msg("dry run: setPendingRewardsBatch skipped")
		return dryRunHash(), nil
	}
	receipt, err := o.send(ctx, "setPendingRewardsBatch",
		new(big.Int).SetUint64(arenaID), new(big.Int).SetUint64(epochID),
		toBigInts(agentIDs), amountsWei)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// SweepUnclaimedRewards reclaims rewards left unclaimed past the claim window.
func (o *Operator) SweepUnclaimedRewards(ctx context.Context, arenaID, epochID uint64, agentIDs []uint64) (string, error) {
	if o.dryRun {
		log.Info().Uint64("arena", arenaID).Uint64("epoch", epochID).Int("agents", len(agentIDs)).
			Msg("dry run: sweepUnclaimedRewards skipped")
		return dryRunHash(), nil
	}
	receipt, err := o.send(ctx, "sweepUnclaimedRewards",
		new(big.Int).SetUint64(arenaID), new(big.Int).SetUint64(epochID), toBigInts(agentIDs))
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// send signs, submits and waits out one contract transaction.
func (o *Operator) send(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := arenaABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	eth := o.client.Eth()
	nonce, err := eth.PendingNonceAt(ctx, o.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tipCap, err := eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	to := o.client.ArenaAddress()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   o.client.ChainID(),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimitCap,
		To:        &to,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(o.client.ChainID()), o.key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	log.Debug().Str("method", method).Str("tx", signed.Hash().Hex()).Msg("operator tx submitted")
	receipt, err := bind.WaitMined(ctx, eth, signed)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s reverted in tx %s", method, signed.Hash().Hex())
	}
	return receipt, nil
}

// epochIDFromLogs finds the EpochCreated event in the receipt.
func (o *Operator) epochIDFromLogs(receipt *types.Receipt) (uint64, bool) {
	topic := arenaABI.Events["EpochCreated"].ID
	arenaAddr := o.client.ArenaAddress()
	for _, lg := range receipt.Logs {
		if lg.Address != arenaAddr || len(lg.Topics) < 3 || lg.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[2].Bytes()).Uint64(), true
	}
	return 0, false
}

func toBigInts(ids []uint64) []*big.Int {
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = new(big.Int).SetUint64(id)
	}
	return out
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func dryRunHash() string {
	return fmt.Sprintf("0xdryrun%058x", time.Now().UnixNano())
}
