package epoch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/chain"
	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/retry"
)

// CatchUpRenew renews agents that missed the epoch boundary, invoked from
// the tick engine when it notices unregistered active agents.
func (c *Controller) CatchUpRenew(ctx context.Context, arena *database.Arena, epoch *database.Epoch, agents []database.Agent) {
	for i := range agents {
		c.renewAgent(ctx, arena, epoch, &agents[i])
	}
}

// renewAgent pays one agent's epoch fee from its smart account: balance
// check, allowance top-up, simulation, then the renewal user operation.
func (c *Controller) renewAgent(ctx context.Context, arena *database.Arena, epoch *database.Epoch, agent *database.Agent) {
	if agent.OnChainID == nil || agent.SmartAccountAddress == "" || agent.EncryptedSignerKey == "" {
		return
	}
	registered, err := c.db.HasEpochRegistration(epoch.ID, agent.ID)
	if err != nil || registered {
		return
	}

	balance, err := c.reader.MoltiBalance(ctx, agent.SmartAccountAddress)
	if err != nil {
		log.Warn().Err(err).Uint("agent", agent.ID).Msg("renewal: balance read failed")
		return
	}
	if balance.Cmp(c.renewalFeeWei) < 0 {
		log.Info().Uint("agent", agent.ID).Str("balance", balance.String()).
			Str("fee", c.renewalFeeWei.String()).Msg("renewal skipped: balance below fee")
		return
	}

	if !c.ensureAllowance(ctx, agent) {
		return
	}

	arenaChainID := *arena.OnChainID
	if err := c.reader.SimulateAutoRenew(ctx, agent.SmartAccountAddress, *agent.OnChainID, arenaChainID, epoch.OnChainID); err != nil {
		log.Warn().Uint("agent", agent.ID).Uint64("epoch", epoch.OnChainID).
			Str("reason", chain.RevertReason(err)).Msg("renewal simulation reverted")
		return
	}

	callData, err := chain.PackAutoRenewEpoch(*agent.OnChainID, arenaChainID, epoch.OnChainID)
	if err != nil {
		log.Error().Err(err).Uint("agent", agent.ID).Msg("pack autoRenewEpoch failed")
		return
	}
	session, err := c.wallets.Open(agent.ID, agent.SmartAccountAddress, agent.EncryptedSignerKey)
	if err != nil {
		log.Error().Err(err).Uint("agent", agent.ID).Msg("renewal: wallet session failed")
		return
	}
	defer session.Close()

	txHash, err := retry.Do(ctx, "autoRenewEpoch", func() (string, error) {
		return c.submitter.Execute(ctx, session, c.reader.ArenaAddress(), callData)
	})
	if err != nil {
		log.Error().Uint("agent", agent.ID).Uint64("epoch", epoch.OnChainID).
			Str("reason", chain.RevertReason(err)).Msg("renewal failed")
		return
	}

	if err := c.db.CreateEpochRegistration(&database.EpochRegistration{
		EpochID:       epoch.ID,
		AgentID:       agent.ID,
		RenewalTxHash: txHash,
	}); err != nil {
		log.Error().Err(err).Uint("agent", agent.ID).Msg("persist epoch registration failed")
		return
	}
	log.Info().Uint("agent", agent.ID).Uint64("epoch", epoch.OnChainID).Str("tx", txHash).
		Msg("agent renewed for epoch")
}

// ensureAllowance grants the arena contract an infinite MOLTI approval when
// the current allowance cannot cover the fee.
func (c *Controller) ensureAllowance(ctx context.Context, agent *database.Agent) bool {
	allowance, err := c.reader.MoltiAllowance(ctx, agent.SmartAccountAddress)
	if err != nil {
		log.Warn().Err(err).Uint("agent", agent.ID).Msg("allowance read failed")
		return false
	}
	if allowance.Cmp(c.renewalFeeWei) >= 0 {
		return true
	}

	callData, err := chain.PackApprove(c.reader.ArenaAddress().Hex(), chain.MaxUint256())
	if err != nil {
		log.Error().Err(err).Uint("agent", agent.ID).Msg("pack approve failed")
		return false
	}
	session, err := c.wallets.Open(agent.ID, agent.SmartAccountAddress, agent.EncryptedSignerKey)
	if err != nil {
		log.Error().Err(err).Uint("agent", agent.ID).Msg("approval: wallet session failed")
		return false
	}
	defer session.Close()

	txHash, err := retry.Do(ctx, "approve", func() (string, error) {
		return c.submitter.Execute(ctx, session, c.reader.MoltiAddress(), callData)
	})
	if err != nil {
		log.Error().Err(err).Uint("agent", agent.ID).Msg("approval failed")
		return false
	}
	log.Info().Uint("agent", agent.ID).Str("tx", txHash).Msg("infinite approval granted")
	return true
}
