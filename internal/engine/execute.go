package engine

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/moltiverse/arenad/internal/chain"
	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/guardrails"
	"github.com/moltiverse/arenad/internal/ledger"
	"github.com/moltiverse/arenad/internal/planner"
)

// executeDecision takes one (context, proposed decision) pair through
// guardrails, gas check, on-chain execution and atomic finalization.
// Failures stay inside this call; the tick always continues.
func (e *Engine) executeDecision(ctx context.Context, c *tradeContext, proposed planner.Decision) {
	tick := c.snapshot.Tick
	price := c.snapshot.Price

	final := guardrails.Apply(
		guardrails.Market{
			Tick:     tick,
			Price:    price,
			Events1h: c.snapshot.Events1h,
			Volume1h: c.snapshot.Volume1h,
		},
		guardrails.Portfolio{
			CashMon:          c.portfolio.CashMon,
			TokenUnits:       c.portfolio.TokenUnits,
			TradesThisWindow: c.portfolio.TradesThisWindow,
			LastTradeTick:    c.portfolio.LastTradeTick,
		},
		c.profileCfg, proposed)

	// Gas gate for anything that will touch the chain.
	if final.Action != planner.ActionHold {
		native, err := e.chain.NativeBalance(ctx, c.agent.SmartAccountAddress)
		if err != nil {
			log.Warn().Err(err).Uint("agent", c.agent.ID).Uint("arena", c.arena.ID).
				Msg("native balance read failed, dropping decision")
			return
		}
		if native.Cmp(GasThresholdWei) < 0 {
			e.persistSkippedNoGas(c, final, tick, price)
			return
		}
	}

	state := c.ledgerState()
	decision := &database.AgentDecision{
		AgentID:          c.agent.ID,
		ArenaID:          c.arena.ID,
		Tick:             tick,
		EpochID:          c.epoch.ID,
		Action:           final.Action,
		SizePct:          final.SizePct,
		Confidence:       final.Confidence,
		Reason:           final.Reason,
		Price:            price,
		PnlPctAtDecision: state.PnlPct(price),
		Status:           database.DecisionPending,
	}
	if final.Action == planner.ActionHold {
		decision.Status = database.DecisionSuccess
	}
	if err := e.db.CreateDecision(decision); err != nil {
		log.Error().Err(err).Uint("agent", c.agent.ID).Int("tick", tick).Msg("persist decision failed")
		return
	}
	if final.Action == planner.ActionHold {
		return
	}

	txHash, ok := e.submitTrade(ctx, c, final, decision, tick, price)
	if !ok {
		return
	}

	// On-chain truth wins over the paper projection.
	nextState, record := ledger.ExecutePaperTrade(tick, price, state, final)
	e.reconcileOnChain(ctx, c, &nextState)

	if err := e.finalizeTrade(c, decision, final, record, nextState, txHash, tick); err != nil {
		log.Error().Err(err).Uint("decision", decision.ID).Msg("finalize trade failed")
		return
	}
	log.Info().Uint("agent", c.agent.ID).Uint("arena", c.arena.ID).Int("tick", tick).
		Str("action", final.Action).Float64("size_pct", final.SizePct).Str("tx", txHash).
		Msg("trade executed")
}

func (e *Engine) persistSkippedNoGas(c *tradeContext, final planner.Decision, tick int, price float64) {
	state := c.ledgerState()
	decision := &database.AgentDecision{
		AgentID:          c.agent.ID,
		ArenaID:          c.arena.ID,
		Tick:             tick,
		EpochID:          c.epoch.ID,
		Action:           final.Action,
		SizePct:          final.SizePct,
		Confidence:       final.Confidence,
		Reason:           "insufficient gas",
		Price:            price,
		PnlPctAtDecision: state.PnlPct(price),
		Status:           database.DecisionSkippedNoGas,
	}
	if err := e.db.CreateDecision(decision); err != nil {
		log.Error().Err(err).Uint("agent", c.agent.ID).Msg("persist skipped_no_gas failed")
	}
	log.Info().Uint("agent", c.agent.ID).Uint("arena", c.arena.ID).Int("tick", tick).
		Msg("trade skipped: wallet below gas threshold")
}

// submitTrade sends executeTrade through the agent's smart account. Returns
// the tx hash, or marks the decision failed and reports false.
func (e *Engine) submitTrade(ctx context.Context, c *tradeContext, final planner.Decision, decision *database.AgentDecision, tick int, price float64) (string, bool) {
	action := chain.TradeActionSell
	buyAmountWei := big.NewInt(0)
	if final.Action == planner.ActionBuy {
		action = chain.TradeActionBuy
		buyAmountWei = chain.FractionOfWei(c.walletMoltiWei, final.SizePct)
		if buyAmountWei.Sign() == 0 {
			e.failDecision(decision.ID, "buy amount rounds to zero")
			return "", false
		}
	}

	callData, err := chain.PackExecuteTrade(
		*c.agent.OnChainID, *c.arena.OnChainID, c.epoch.OnChainID,
		action, chain.MonToWei(final.SizePct), buyAmountWei, chain.MonToWei(price), tick)
	if err != nil {
		e.failDecision(decision.ID, "pack executeTrade: "+err.Error())
		return "", false
	}

	session, err := e.wallets.Open(c.agent.ID, c.agent.SmartAccountAddress, c.agent.EncryptedSignerKey)
	if err != nil {
		e.failDecision(decision.ID, "wallet session: "+err.Error())
		return "", false
	}
	defer session.Close()

	txHash, err := e.submitter.Execute(ctx, session, e.chain.ArenaAddress(), callData)
	if err != nil {
		e.failDecision(decision.ID, chain.RevertReason(err))
		return "", false
	}
	if txHash == "" {
		e.failDecision(decision.ID, "empty transaction hash")
		return "", false
	}
	return txHash, true
}

// reconcileOnChain overwrites the paper projection's balances with fresh
// on-chain reads. Read failures keep the projection; the next tick's
// context preparation corrects any drift.
func (e *Engine) reconcileOnChain(ctx context.Context, c *tradeContext, state *ledger.State) {
	molti, err := e.chain.MoltiBalance(ctx, c.agent.SmartAccountAddress)
	if err == nil {
		state.CashMon = chain.WeiToMon(molti)
		c.walletMoltiWei = molti
	} else {
		log.Warn().Err(err).Uint("agent", c.agent.ID).Msg("post-trade balance read failed")
	}
	onChain, err := e.chain.GetPortfolio(ctx, *c.agent.OnChainID, *c.arena.OnChainID)
	if err == nil {
		state.TokenUnits = chain.WeiToMon(onChain.TokenUnitsWei)
		state.MoltiLocked = chain.WeiToMon(onChain.MoltiLockedWei)
	} else {
		log.Warn().Err(err).Uint("agent", c.agent.ID).Msg("post-trade portfolio read failed")
	}
}

// finalizeTrade commits portfolio, trade and decision in one transaction.
func (e *Engine) finalizeTrade(c *tradeContext, decision *database.AgentDecision, final planner.Decision, record *ledger.TradeRecord, state ledger.State, txHash string, tick int) error {
	c.portfolio.CashMon = state.CashMon
	c.portfolio.TokenUnits = state.TokenUnits
	c.portfolio.MoltiLocked = state.MoltiLocked
	c.portfolio.AvgEntryPrice = state.AvgEntryPrice
	c.portfolio.TradesThisWindow = state.TradesThisWindow
	c.portfolio.LastTradeTick = state.LastTradeTick

	return e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(c.portfolio).Error; err != nil {
			return err
		}
		if record != nil {
			trade := &database.Trade{
				AgentID:             c.agent.ID,
				ArenaID:             c.arena.ID,
				Tick:                tick,
				EpochID:             c.epoch.ID,
				Action:              record.Action,
				SizePct:             record.SizePct,
				Price:               record.Price,
				TradeValueMon:       record.TradeValueMon,
				AvgEntryPriceBefore: record.AvgEntryPriceBefore,
				CashAfter:           state.CashMon,
				TokenAfter:          state.TokenUnits,
				Reason:              final.Reason,
				TxHash:              txHash,
				CreatedAt:           time.Now().UTC(),
			}
			if err := tx.Create(trade).Error; err != nil {
				return err
			}
		}
		decision.Status = database.DecisionSuccess
		decision.TxHash = txHash
		return tx.Save(decision).Error
	})
}

func (e *Engine) failDecision(id uint, reason string) {
	if err := e.db.MarkDecisionFailed(id, reason); err != nil {
		log.Error().Err(err).Uint("decision", id).Msg("mark failed failed")
	}
	log.Warn().Uint("decision", id).Str("reason", reason).Msg("trade failed")
}
