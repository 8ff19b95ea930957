// Package engine runs the per-tick decision pipeline: snapshot the
// markets, prepare per-(agent, arena) contexts from DB and chain state,
// ask the planner once per agent, guard and execute each decision, and
// score the leaderboard. One tick runs to completion before the next is
// scheduled; overlap is impossible.
package engine

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/chain"
	"github.com/moltiverse/arenad/internal/database"
	"github.com/moltiverse/arenad/internal/ledger"
	"github.com/moltiverse/arenad/internal/market"
	"github.com/moltiverse/arenad/internal/planner"
	"github.com/moltiverse/arenad/internal/profile"
	"github.com/moltiverse/arenad/internal/wallet"
)

// GasThresholdWei is the native balance floor below which trades are
// skipped instead of submitted (1 MON).
var GasThresholdWei = chain.MonToWei(1)

// ChainReader is the subset of chain reads the tick needs.
type ChainReader interface {
	GetPortfolio(ctx context.Context, agentID, arenaID uint64) (*chain.OnChainPortfolio, error)
	MoltiBalance(ctx context.Context, wallet string) (*big.Int, error)
	NativeBalance(ctx context.Context, wallet string) (*big.Int, error)
	ArenaAddress() common.Address
}

// Submitter ships a user operation for an agent's smart account.
type Submitter interface {
	Execute(ctx context.Context, session *wallet.Session, target common.Address, callData []byte) (string, error)
}

// Planner produces one decision per arena for an agent.
type Planner interface {
	DecideTradesForAllArenas(ctx context.Context, in planner.AgentInput) []planner.Decision
}

// Renewer lets the tick trigger catch-up renewals for late-funded agents.
type Renewer interface {
	CatchUpRenew(ctx context.Context, arena *database.Arena, epoch *database.Epoch, agents []database.Agent)
}

// MemoryNotifier hears about each processed agent so the memory subsystem
// can summarize on its own cadence, and serves the current recap back for
// the prompt.
type MemoryNotifier interface {
	TickProcessed(agentID uint, tick int)
	Summary(agentID uint) string
}

// Engine is the tick loop.
type Engine struct {
	db        *database.Database
	agg       *market.Aggregator
	chain     ChainReader
	submitter Submitter
	planner   Planner
	renewer   Renewer
	memory    MemoryNotifier
	wallets   *wallet.Manager
	interval  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(db *database.Database, agg *market.Aggregator, reader ChainReader, submitter Submitter, pl Planner, renewer Renewer, memory MemoryNotifier, wallets *wallet.Manager, interval time.Duration) *Engine {
	return &Engine{
		db:        db,
		agg:       agg,
		chain:     reader,
		submitter: submitter,
		planner:   pl,
		renewer:   renewer,
		memory:    memory,
		wallets:   wallets,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the self-rescheduling tick loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
	log.Info().Dur("interval", e.interval).Msg("tick engine started")
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	log.Info().Msg("tick engine stopped")
}

// loop runs each tick to completion before arming the next timer, so a
// long tick delays rather than interleaves.
func (e *Engine) loop() {
	defer e.wg.Done()
	timer := time.NewTimer(e.interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			e.safeTick()
			timer.Reset(e.interval)
		case <-e.stopCh:
			return
		}
	}
}

// safeTick keeps a panicking tick from killing the loop.
func (e *Engine) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("tick panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), e.interval*3)
	defer cancel()
	e.RunTick(ctx)
}

// tradeContext is everything one (agent, arena) pair needs this tick.
type tradeContext struct {
	agent      database.Agent
	arena      database.Arena
	epoch      *database.Epoch
	profileCfg *profile.Config
	portfolio  *database.Portfolio
	snapshot   *market.Snapshot

	// Authoritative on-chain values read at context preparation.
	walletMoltiWei *big.Int
	onChain        *chain.OnChainPortfolio
}

// ledgerState maps the portfolio row into the paper ledger's state.
func (c *tradeContext) ledgerState() ledger.State {
	return ledger.State{
		CashMon:          c.portfolio.CashMon,
		TokenUnits:       c.portfolio.TokenUnits,
		MoltiLocked:      c.portfolio.MoltiLocked,
		AvgEntryPrice:    c.portfolio.AvgEntryPrice,
		InitialCapital:   c.portfolio.InitialCapital,
		TradesThisWindow: c.portfolio.TradesThisWindow,
		LastTradeTick:    c.portfolio.LastTradeTick,
	}
}

// RunTick executes one full tick. Exported so tests and a manual trigger
// can drive it without the timer.
func (e *Engine) RunTick(ctx context.Context) {
	now := time.Now().UTC()
	snapshots := e.agg.ComputeTick(now)

	arenas, err := e.db.ArenasWithActiveRegistrations()
	if err != nil {
		log.Error().Err(err).Msg("load workset failed, skipping tick")
		return
	}

	byAgent := make(map[uint][]*tradeContext)
	arenaContexts := make(map[uint][]*tradeContext)
	arenaByID := make(map[uint]*database.Arena)
	epochByArena := make(map[uint]*database.Epoch)

	for i := range arenas {
		arena := &arenas[i]
		snapshot, ok := snapshots[arena.TokenAddress]
		if !ok {
			continue
		}
		regs, err := e.db.ActiveRegistrations(arena.ID)
		if err != nil {
			log.Error().Err(err).Uint("arena", arena.ID).Msg("load registrations failed")
			continue
		}
		epoch, err := e.db.CurrentEpoch(arena.ID, now)
		if err != nil {
			log.Error().Err(err).Uint("arena", arena.ID).Msg("load epoch failed")
			continue
		}
		arenaByID[arena.ID] = arena
		epochByArena[arena.ID] = epoch

		e.catchUpRenewals(ctx, arena, epoch, regs)

		for i := range regs {
			c := e.prepareContext(ctx, arena, epoch, &regs[i].Agent, snapshot)
			if c == nil {
				continue
			}
			byAgent[c.agent.ID] = append(byAgent[c.agent.ID], c)
			arenaContexts[arena.ID] = append(arenaContexts[arena.ID], c)
		}
	}

	agentIDs := make([]uint, 0, len(byAgent))
	for id := range byAgent {
		agentIDs = append(agentIDs, id)
	}
	sort.Slice(agentIDs, func(i, j int) bool { return agentIDs[i] < agentIDs[j] })

	for _, agentID := range agentIDs {
		contexts := byAgent[agentID]
		sort.Slice(contexts, func(i, j int) bool { return contexts[i].arena.ID < contexts[j].arena.ID })
		e.processAgent(ctx, contexts)
	}

	for arenaID, contexts := range arenaContexts {
		epoch := epochByArena[arenaID]
		if epoch == nil || len(contexts) == 0 {
			continue
		}
		tick := contexts[0].snapshot.Tick
		if err := e.snapshotLeaderboard(arenaByID[arenaID], epoch, contexts, tick); err != nil {
			log.Error().Err(err).Uint("arena", arenaID).Msg("leaderboard snapshot failed")
		}
	}
}

// catchUpRenewals hands agents that missed the epoch boundary to the epoch
// controller so they can still trade this epoch.
func (e *Engine) catchUpRenewals(ctx context.Context, arena *database.Arena, epoch *database.Epoch, regs []database.ArenaRegistration) {
	if epoch == nil || e.renewer == nil {
		return
	}
	registered, err := e.db.RegisteredAgentIDs(epoch.ID)
	if err != nil {
		log.Error().Err(err).Uint("epoch", epoch.ID).Msg("catch-up: load registrations failed")
		return
	}
	var missing []database.Agent
	for i := range regs {
		if !registered[regs[i].AgentID] {
			missing = append(missing, regs[i].Agent)
		}
	}
	if len(missing) > 0 {
		log.Info().Uint("arena", arena.ID).Int("agents", len(missing)).Msg("catch-up renewals")
		e.renewer.CatchUpRenew(ctx, arena, epoch, missing)
	}
}

// prepareContext assembles one (agent, arena) trade context, reading the
// authoritative on-chain balances. Returns nil when the pair cannot trade
// this tick; those skips are silent by design.
func (e *Engine) prepareContext(ctx context.Context, arena *database.Arena, epoch *database.Epoch, agent *database.Agent, snapshot *market.Snapshot) *tradeContext {
	if agent.EncryptedSignerKey == "" || agent.SmartAccountAddress == "" ||
		agent.OnChainID == nil || arena.OnChainID == nil || epoch == nil {
		return nil
	}
	registered, err := e.db.HasEpochRegistration(epoch.ID, agent.ID)
	if err != nil || !registered {
		return nil
	}
	cfg, err := profile.Parse(agent.ProfileJSON)
	if err != nil {
		log.Warn().Err(err).Uint("agent", agent.ID).Msg("invalid profile, skipping")
		return nil
	}
	portfolio, err := e.db.GetPortfolio(agent.ID, arena.ID)
	if err != nil {
		return nil
	}

	// Both chain reads in flight at once; either failing drops the context.
	var (
		wg       sync.WaitGroup
		molti    *big.Int
		onChain  *chain.OnChainPortfolio
		moltiErr error
		portErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		molti, moltiErr = e.chain.MoltiBalance(ctx, agent.SmartAccountAddress)
	}()
	go func() {
		defer wg.Done()
		onChain, portErr = e.chain.GetPortfolio(ctx, *agent.OnChainID, *arena.OnChainID)
	}()
	wg.Wait()
	if moltiErr != nil || portErr != nil {
		log.Warn().AnErr("molti", moltiErr).AnErr("portfolio", portErr).
			Uint("agent", agent.ID).Uint("arena", arena.ID).Msg("chain read failed, skipping context")
		return nil
	}

	// Missing rows are backfilled from chain truth, so a restarted daemon
	// never silently skips a funded agent.
	if portfolio == nil {
		portfolio = &database.Portfolio{
			AgentID:        agent.ID,
			ArenaID:        arena.ID,
			CashMon:        chain.WeiToMon(molti),
			TokenUnits:     chain.WeiToMon(onChain.TokenUnitsWei),
			MoltiLocked:    chain.WeiToMon(onChain.MoltiLockedWei),
			InitialCapital: chain.WeiToMon(new(big.Int).Add(molti, onChain.MoltiLockedWei)),
		}
		if err := e.db.SavePortfolio(portfolio); err != nil {
			log.Error().Err(err).Uint("agent", agent.ID).Uint("arena", arena.ID).Msg("portfolio backfill failed")
			return nil
		}
		log.Info().Uint("agent", agent.ID).Uint("arena", arena.ID).Msg("portfolio backfilled from chain")
	}

	portfolio.CashMon = chain.WeiToMon(molti)
	portfolio.TokenUnits = chain.WeiToMon(onChain.TokenUnitsWei)
	portfolio.MoltiLocked = chain.WeiToMon(onChain.MoltiLockedWei)

	return &tradeContext{
		agent:          *agent,
		arena:          *arena,
		epoch:          epoch,
		profileCfg:     cfg,
		portfolio:      portfolio,
		snapshot:       snapshot,
		walletMoltiWei: molti,
		onChain:        onChain,
	}
}

// processAgent runs the planner once over all the agent's arenas, executes
// each decision, then pings the memory subsystem.
func (e *Engine) processAgent(ctx context.Context, contexts []*tradeContext) {
	agent := contexts[0].agent

	in := planner.AgentInput{
		AgentName: agent.Name,
		Profile:   contexts[0].profileCfg,
		Memory:    e.memory.Summary(agent.ID),
		Arenas:    make([]planner.ArenaInput, 0, len(contexts)),
	}
	for _, c := range contexts {
		in.Arenas = append(in.Arenas, planner.ArenaInput{
			ArenaID:   c.arena.ID,
			Label:     c.arena.TokenAddress,
			Snapshot:  c.snapshot,
			Portfolio: portfolioBlock(c),
		})
	}

	decisions := e.planner.DecideTradesForAllArenas(ctx, in)
	if len(decisions) != len(contexts) {
		log.Error().Uint("agent", agent.ID).Int("want", len(contexts)).Int("got", len(decisions)).
			Msg("planner cardinality mismatch, holding")
		decisions = make([]planner.Decision, len(contexts))
		for i := range decisions {
			decisions[i] = planner.Fallback()
		}
	}

	for i, c := range contexts {
		e.executeDecision(ctx, c, decisions[i])
	}

	if e.memory != nil {
		e.memory.TickProcessed(agent.ID, contexts[0].snapshot.Tick)
	}
}

func portfolioBlock(c *tradeContext) planner.PortfolioBlock {
	state := c.ledgerState()
	price := c.snapshot.Price
	equity := state.Equity(price)
	var posPct float64
	if equity > 0 {
		posPct = state.TokenUnits * price / equity
	}
	block := planner.PortfolioBlock{
		Cash:        state.CashMon,
		Tokens:      state.TokenUnits,
		Equity:      equity,
		PositionPct: posPct,
		InitCapital: state.InitialCapital,
		AvgEntry:    state.AvgEntryPrice,
		TradesWin:   state.TradesThisWindow,
		LastTick:    state.LastTradeTick,
	}
	if state.LastTradeTick != nil {
		since := c.snapshot.Tick - *state.LastTradeTick
		block.TicksSince = &since
	}
	return block
}
