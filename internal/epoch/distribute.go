package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/retry"
)

// distributeRewards splits the on-chain reward pool across the final
// leaderboard's winners. Idempotent via rewardsDistributedAt.
func (c *Controller) distributeRewards(ctx context.Context, arena *database.Arena, arenaChainID uint64, epoch *database.Epoch) error {
	if epoch.RewardsDistributedAt != nil {
		return nil
	}

	pool, err := c.reader.RewardPool(ctx, arenaChainID, epoch.OnChainID)
	if err != nil {
		return fmt.Errorf("reward pool: %w", err)
	}
	if pool.Sign() == 0 {
		// Nothing to pay out; stamp so the retry loop stops picking it up.
		now := time.Now().UTC()
		epoch.RewardsDistributedAt = &now
		return c.db.SaveEpoch(epoch)
	}

	snap, err := c.db.FinalLeaderboardSnapshot(arena.ID, epoch.ID)
	if err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("no leaderboard snapshot for epoch %d", epoch.OnChainID)
	}
	var rows []database.RankingRow
	if err := json.Unmarshal([]byte(snap.Rankings), &rows); err != nil {
		return fmt.Errorf("decode rankings: %w", err)
	}

	k := WinnerCount(len(rows))
	if k == 0 {
		now := time.Now().UTC()
		epoch.RewardsDistributedAt = &now
		return c.db.SaveEpoch(epoch)
	}
	winners := rows[:k]
	amounts := SplitRewards(pool, k)

	onChainIDs := make([]uint64, 0, k)
	for _, w := range winners {
		agent, err := c.db.GetAgent(w.AgentID)
		if err != nil {
			return fmt.Errorf("winner agent %d: %w", w.AgentID, err)
		}
		if agent.OnChainID == nil {
			return fmt.Errorf("winner agent %d has no on-chain id", w.AgentID)
		}
		onChainIDs = append(onChainIDs, *agent.OnChainID)
	}

	txHash, err := retry.Do(ctx, "setPendingRewardsBatch", func() (string, error) {
		return c.operator.SetPendingRewardsBatch(ctx, arenaChainID, epoch.OnChainID, onChainIDs, amounts)
	})
	if err != nil {
		return fmt.Errorf("setPendingRewardsBatch: %w", err)
	}

	for i, w := range winners {
		reg, err := c.epochRegistration(epoch.ID, w.AgentID)
		if err != nil {
			log.Error().Err(err).Uint("agent", w.AgentID).Msg("winner registration lookup failed")
			continue
		}
		reg.PendingRewardWei = decimal.NewFromBigInt(amounts[i], 0)
		if err := c.db.SaveEpochRegistration(reg); err != nil {
			log.Error().Err(err).Uint("agent", w.AgentID).Msg("persist pending reward failed")
		}
	}

	now := time.Now().UTC()
	epoch.RewardsDistributedAt = &now
	epoch.DistributionTxHash = txHash
	if err := c.db.SaveEpoch(epoch); err != nil {
		return fmt.Errorf("stamp distribution: %w", err)
	}
	log.Info().Uint("arena", arena.ID).Uint64("epoch", epoch.OnChainID).
		Int("winners", k).Str("pool", pool.String()).Str("tx", txHash).Msg("rewards distributed")
	c.notify("Rewards distributed for arena %s epoch %d: %d winners, pool %s wei",
		arena.Name, epoch.OnChainID, k, pool.String())
	return nil
}

// epochRegistration fetches the (epoch, agent) registration row.
func (c *Controller) epochRegistration(epochID, agentID uint) (*database.EpochRegistration, error) {
	regs, err := c.db.EpochRegistrations(epochID)
	if err != nil {
		return nil, err
	}
	for i := range regs {
		if regs[i].AgentID == agentID {
			return &regs[i], nil
		}
	}
	return nil, fmt.Errorf("no registration for agent %d in epoch %d", agentID, epochID)
}

// sweepExpired reclaims rewards left unclaimed past the claim window.
// Idempotent via rewardsSweptAt.
func (c *Controller) sweepExpired(ctx context.Context, arena *database.Arena, arenaChainID uint64, now time.Time) {
	epochs, err := c.db.SweepableEpochs(arena.ID, now.Add(-claimWindow))
	if err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Msg("sweepable epochs lookup failed")
		return
	}
	for i := range epochs {
		if err := c.sweepEpoch(ctx, arena, arenaChainID, &epochs[i]); err != nil {
			log.Error().Err(err).Uint("epoch", epochs[i].ID).Msg("sweep failed")
		}
	}
}

func (c *Controller) sweepEpoch(ctx context.Context, arena *database.Arena, arenaChainID uint64, epoch *database.Epoch) error {
	winners, err := c.db.UnclaimedWinners(epoch.ID)
	if err != nil {
		return fmt.Errorf("unclaimed winners: %w", err)
	}

	now := time.Now().UTC()
	if len(winners) == 0 {
		epoch.RewardsSweptAt = &now
		return c.db.SaveEpoch(epoch)
	}

	onChainIDs := make([]uint64, 0, len(winners))
	for i := range winners {
		agent, err := c.db.GetAgent(winners[i].AgentID)
		if err != nil || agent.OnChainID == nil {
			continue
		}
		onChainIDs = append(onChainIDs, *agent.OnChainID)
	}

	txHash, err := retry.Do(ctx, "sweepUnclaimedRewards", func() (string, error) {
		return c.operator.SweepUnclaimedRewards(ctx, arenaChainID, epoch.OnChainID, onChainIDs)
	})
	if err != nil {
		return fmt.Errorf("sweepUnclaimedRewards: %w", err)
	}

	epoch.RewardsSweptAt = &now
	epoch.SweepTxHash = txHash
	if err := c.db.SaveEpoch(epoch); err != nil {
		return fmt.Errorf("stamp sweep: %w", err)
	}
	log.Info().Uint("arena", arena.ID).Uint64("epoch", epoch.OnChainID).
		Int("agents", len(onChainIDs)).Str("tx", txHash).Msg("unclaimed rewards swept")
	return nil
}
