// Package epoch drives arena epoch lifecycle: create, auto-renew, end,
// distribute rewards and sweep unclaimed ones. The chain is the source of
// truth; DB rows mirror it.
package epoch

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/chain"
	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/retry"
	"github.com/moltiverse/arenad/internal/wallet"
)

// claimWindow is how long winners have to claim before a sweep.
const claimWindow = 30 * 24 * time.Hour

// ChainReader is the subset of chain reads the controller needs.
type ChainReader interface {
	GetEpochPhase(ctx context.Context, arenaID uint64, now time.Time) (*chain.EpochPhase, error)
	Epoch(ctx context.Context, arenaID, epochID uint64) (*chain.EpochInfo, error)
	MoltiBalance(ctx context.Context, wallet string) (*big.Int, error)
	MoltiAllowance(ctx context.Context, wallet string) (*big.Int, error)
	SimulateAutoRenew(ctx context.Context, wallet string, agentID, arenaID, epochID uint64) error
	RewardPool(ctx context.Context, arenaID, epochID uint64) (*big.Int, error)
	ArenaAddress() common.Address
	MoltiAddress() common.Address
}

// Lifecycle is the operator-signed contract surface.
type Lifecycle interface {
	CreateEpoch(ctx context.Context, arenaID uint64, start, end time.Time) (uint64, string, error)
	EndEpoch(ctx context.Context, arenaID, epochID uint64) (string, error)
	SetPendingRewardsBatch(ctx context.Context, arenaID, epochID uint64, agentIDs []uint64, amountsWei []*big.Int) (string, error)
	SweepUnclaimedRewards(ctx context.Context, arenaID, epochID uint64, agentIDs []uint64) (string, error)
}

// Submitter ships user operations for agent smart accounts.
type Submitter interface {
	Execute(ctx context.Context, session *wallet.Session, target common.Address, callData []byte) (string, error)
}

// Notifier receives operational announcements. May be nil.
type Notifier interface {
	Notify(msg string)
}

// Controller owns the per-minute epoch scheduler.
type Controller struct {
	db            *database.Database
	reader        ChainReader
	operator      Lifecycle
	submitter     Submitter
	wallets       *wallet.Manager
	notifier      Notifier
	renewalFeeWei *big.Int
	duration      time.Duration
	demoMode      bool

	cron          *cron.Cron
	transitioning atomic.Bool
	lastDailyRun  atomic.Value // "2006-01-02" of the last completed daily run
}

func NewController(db *database.Database, reader ChainReader, operator Lifecycle, submitter Submitter, wallets *wallet.Manager, notifier Notifier, renewalFeeWei *big.Int, duration time.Duration, demoMode bool) *Controller {
	return &Controller{
		db:            db,
		reader:        reader,
		operator:      operator,
		submitter:     submitter,
		wallets:       wallets,
		notifier:      notifier,
		renewalFeeWei: renewalFeeWei,
		duration:      duration,
		demoMode:      demoMode,
	}
}

// Start schedules the minute check.
func (c *Controller) Start() error {
	c.cron = cron.New()
	if _, err := c.cron.AddFunc("* * * * *", c.check); err != nil {
		return err
	}
	c.cron.Start()
	log.Info().Bool("demo", c.demoMode).Dur("duration", c.duration).Msg("epoch controller started")
	return nil
}

// Stop halts the scheduler and waits for a running check.
func (c *Controller) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	log.Info().Msg("epoch controller stopped")
}

// check fires every minute. Daily mode only acts in the first two minutes
// of 00:00 UTC and at most once per day; demo mode acts every minute.
func (c *Controller) check() {
	now := time.Now().UTC()
	if !c.demoMode {
		if now.Hour() != 0 || now.Minute() > 1 {
			return
		}
		if done, _ := c.lastDailyRun.Load().(string); done == now.Format("2006-01-02") {
			return
		}
	}
	c.RunTransitions(context.Background(), now, false)
}

// RunTransitions processes every arena once. The transitioning flag keeps
// concurrent triggers from overlapping; force overrides the daily
// already-ran guard.
func (c *Controller) RunTransitions(ctx context.Context, now time.Time, force bool) {
	if !c.transitioning.CompareAndSwap(false, true) {
		log.Debug().Msg("epoch transition already running")
		return
	}
	defer c.transitioning.Store(false)

	if !c.demoMode && !force {
		if done, _ := c.lastDailyRun.Load().(string); done == now.Format("2006-01-02") {
			return
		}
	}

	arenas, err := c.db.AllArenas()
	if err != nil {
		log.Error().Err(err).Msg("load arenas failed")
		return
	}
	for i := range arenas {
		c.processArena(ctx, &arenas[i], now)
	}
	if !c.demoMode {
		c.lastDailyRun.Store(now.Format("2006-01-02"))
	}
}

// processArena runs the end -> distribute -> create -> renew -> sweep flow
// for one arena. Failures stay inside the arena.
func (c *Controller) processArena(ctx context.Context, arena *database.Arena, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Uint("arena", arena.ID).Msg("arena transition panicked")
		}
	}()
	if arena.OnChainID == nil {
		return
	}
	arenaChainID := *arena.OnChainID

	phase, err := c.reader.GetEpochPhase(ctx, arenaChainID, now)
	if err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Msg("getEpochPhase failed")
		return
	}

	if phase.ToEnd != nil {
		c.endAndDistribute(ctx, arena, arenaChainID, *phase.ToEnd)
	}
	if phase.Active == nil {
		c.createAndRenew(ctx, arena, arenaChainID, now)
	}

	c.retryPendingDistributions(ctx, arena, arenaChainID)
	c.sweepExpired(ctx, arena, arenaChainID, now)
}

// endAndDistribute ends the due epoch on chain, mirrors it in the DB, then
// attempts distribution.
func (c *Controller) endAndDistribute(ctx context.Context, arena *database.Arena, arenaChainID, epochChainID uint64) {
	row, err := c.ensureEpochRow(ctx, arena, arenaChainID, epochChainID)
	if err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Uint64("epoch", epochChainID).Msg("ensure epoch row failed")
		return
	}

	if _, err := retry.Do(ctx, "endEpoch", func() (string, error) {
		return c.operator.EndEpoch(ctx, arenaChainID, epochChainID)
	}); err != nil {
		log.Error().Err(err).Uint64("epoch", epochChainID).Msg("endEpoch failed")
		return
	}

	row.Status = database.EpochEnded
	if err := c.db.SaveEpoch(row); err != nil {
		log.Error().Err(err).Uint("epoch", row.ID).Msg("mark epoch ended failed")
		return
	}
	c.notify("Epoch %d ended for arena %s", epochChainID, arena.Name)

	if err := c.distributeRewards(ctx, arena, arenaChainID, row); err != nil {
		log.Error().Err(err).Uint("epoch", row.ID).Msg("distribution failed, will retry next trigger")
	}
}

// createAndRenew opens the next epoch and fans out agent renewals.
func (c *Controller) createAndRenew(ctx context.Context, arena *database.Arena, arenaChainID uint64, now time.Time) {
	prev, err := c.db.LatestEpoch(arena.ID)
	if err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Msg("latest epoch lookup failed")
		return
	}
	if prev != nil && prev.Status != database.EpochEnded {
		log.Warn().Uint("arena", arena.ID).Uint64("epoch", prev.OnChainID).
			Msg("previous epoch not ended, skipping create")
		return
	}

	regs, err := c.db.ActiveRegistrations(arena.ID)
	if err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Msg("load registrations failed")
		return
	}
	eligible := make([]database.Agent, 0, len(regs))
	for i := range regs {
		if regs[i].Agent.OnChainID != nil {
			eligible = append(eligible, regs[i].Agent)
		}
	}
	if len(eligible) == 0 {
		log.Debug().Uint("arena", arena.ID).Msg("no registered agents, skipping create")
		return
	}

	start, end := c.epochWindow(now)
	type created struct {
		id uint64
		tx string
	}
	result, err := retry.Do(ctx, "createEpoch", func() (created, error) {
		id, tx, err := c.operator.CreateEpoch(ctx, arenaChainID, start, end)
		return created{id: id, tx: tx}, err
	})
	if err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Msg("createEpoch failed")
		return
	}

	row := &database.Epoch{
		ArenaID:   arena.ID,
		OnChainID: result.id,
		StartAt:   start,
		EndAt:     end,
		Status:    database.EpochActive,
	}
	if err := c.db.SaveEpoch(row); err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Uint64("epoch", result.id).Msg("persist epoch failed")
		return
	}
	log.Info().Uint("arena", arena.ID).Uint64("epoch", result.id).
		Time("start", start).Time("end", end).Str("tx", result.tx).Msg("epoch created")
	c.notify("Epoch %d created for arena %s", result.id, arena.Name)

	for i := range eligible {
		c.renewAgent(ctx, arena, row, &eligible[i])
	}
}

// epochWindow computes the next epoch's bounds. Daily epochs anchor to
// 00:00 UTC; demo epochs anchor to the transition moment.
func (c *Controller) epochWindow(now time.Time) (time.Time, time.Time) {
	if c.demoMode {
		start := now.Truncate(time.Minute)
		return start, start.Add(c.duration)
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// ensureEpochRow mirrors an on-chain epoch into the DB, creating the row
// from on-chain times when it is missing.
func (c *Controller) ensureEpochRow(ctx context.Context, arena *database.Arena, arenaChainID, epochChainID uint64) (*database.Epoch, error) {
	row, err := c.db.GetEpochByOnChainID(arena.ID, epochChainID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}

	info, err := c.reader.Epoch(ctx, arenaChainID, epochChainID)
	if err != nil {
		return nil, err
	}
	row = &database.Epoch{
		ArenaID:   arena.ID,
		OnChainID: epochChainID,
		StartAt:   info.StartTime,
		EndAt:     info.EndTime,
		Status:    database.EpochActive,
	}
	if info.Ended {
		row.Status = database.EpochEnded
	}
	if err := c.db.SaveEpoch(row); err != nil {
		return nil, err
	}
	log.Info().Uint("arena", arena.ID).Uint64("epoch", epochChainID).Msg("epoch row backfilled from chain")
	return row, nil
}

// retryPendingDistributions picks up epochs whose distribution failed on a
// previous trigger.
func (c *Controller) retryPendingDistributions(ctx context.Context, arena *database.Arena, arenaChainID uint64) {
	epochs, err := c.db.EndedEpochsPendingDistribution(arena.ID)
	if err != nil {
		log.Error().Err(err).Uint("arena", arena.ID).Msg("pending distributions lookup failed")
		return
	}
	for i := range epochs {
		if err := c.distributeRewards(ctx, arena, arenaChainID, &epochs[i]); err != nil {
			log.Error().Err(err).Uint("epoch", epochs[i].ID).Msg("distribution retry failed")
		}
	}
}

func (c *Controller) notify(format string, args ...interface{}) {
	if c.notifier != nil {
		c.notifier.Notify(fmt.Sprintf(format, args...))
	}
}
