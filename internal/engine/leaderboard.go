package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moltiverse/arenad/internal/database"
)

// Points weights: activity dominates, profit matters, raw trade count is a
// light tiebreaker.
const (
	weightVolume = 0.50
	weightPnl    = 0.35
	weightTrades = 0.15
)

// AgentPerf is one agent's raw per-epoch performance feeding the scorer.
type AgentPerf struct {
	AgentID     uint
	AgentName   string
	Equity      float64
	PnlPct      float64
	CashMon     float64
	TokenUnits  float64
	MoltiLocked float64
	Volume      float64
	Trades      int
}

// Score converts raw performance into ranked leaderboard rows. Volume and
// trade count normalize to the per-arena max; pnl maps [-50%, +50%] onto
// [0, 1]. Agents with no activity get the neutral pnl score so they tie.
func Score(perfs []AgentPerf) []database.RankingRow {
	var maxVolume float64
	var maxTrades int
	for _, p := range perfs {
		if p.Volume > maxVolume {
			maxVolume = p.Volume
		}
		if p.Trades > maxTrades {
			maxTrades = p.Trades
		}
	}

	rows := make([]database.RankingRow, 0, len(perfs))
	for _, p := range perfs {
		var normVol, normTrades float64
		if maxVolume > 0 {
			normVol = p.Volume / maxVolume
		}
		if maxTrades > 0 {
			normTrades = float64(p.Trades) / float64(maxTrades)
		}

		normPnl := clamp((p.PnlPct+50)/100, 0, 1)
		if p.Volume == 0 && p.Trades == 0 {
			normPnl = 0.5
		}

		rows = append(rows, database.RankingRow{
			AgentID:     p.AgentID,
			AgentName:   p.AgentName,
			Equity:      p.Equity,
			PnlPct:      p.PnlPct,
			CashMon:     p.CashMon,
			TokenUnits:  p.TokenUnits,
			MoltiLocked: p.MoltiLocked,
			Volume:      p.Volume,
			Trades:      p.Trades,
			Points:      weightVolume*normVol + weightPnl*normPnl + weightTrades*normTrades,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Points != rows[j].Points {
			return rows[i].Points > rows[j].Points
		}
		return rows[i].AgentID < rows[j].AgentID
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// snapshotLeaderboard scores the arena's renewed agents at the end of a
// tick and persists the ranking.
func (e *Engine) snapshotLeaderboard(arena *database.Arena, epoch *database.Epoch, contexts []*tradeContext, tick int) error {
	registered, err := e.db.RegisteredAgentIDs(epoch.ID)
	if err != nil {
		return fmt.Errorf("registered agents: %w", err)
	}
	stats, err := e.db.TradeStatsForEpoch(arena.ID, epoch.ID)
	if err != nil {
		return fmt.Errorf("trade stats: %w", err)
	}

	perfs := make([]AgentPerf, 0, len(contexts))
	for _, c := range contexts {
		if !registered[c.agent.ID] {
			continue
		}
		s := stats[c.agent.ID]
		state := c.ledgerState()
		perfs = append(perfs, AgentPerf{
			AgentID:     c.agent.ID,
			AgentName:   c.agent.Name,
			Equity:      state.Equity(c.snapshot.Price),
			PnlPct:      state.PnlPct(c.snapshot.Price),
			CashMon:     state.CashMon,
			TokenUnits:  state.TokenUnits,
			MoltiLocked: state.MoltiLocked,
			Volume:      s.Volume,
			Trades:      s.Trades,
		})
	}
	if len(perfs) == 0 {
		return nil
	}

	rankings, err := json.Marshal(Score(perfs))
	if err != nil {
		return fmt.Errorf("marshal rankings: %w", err)
	}
	snap := &database.LeaderboardSnapshot{
		ArenaID:   arena.ID,
		EpochID:   epoch.ID,
		Tick:      tick,
		Rankings:  string(rankings),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.db.SaveLeaderboardSnapshot(snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	log.Debug().Uint("arena", arena.ID).Int("tick", tick).Int("agents", len(perfs)).
		Msg("leaderboard snapshot saved")
	return nil
}
