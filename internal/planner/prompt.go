package planner

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/moltiverse/arenad/internal/market"
	"github.com/moltiverse/arenad/internal/profile"
)

const systemPrompt = `You are a trading agent competing in on-chain token arenas.

Each tick you receive market and portfolio state and must decide BUY, SELL or HOLD per arena.

Output schema (strict JSON, no prose):
{"action":"BUY"|"SELL"|"HOLD","sizePct":0..1,"confidence":0..1,"reason":"short string"}
For multiple arenas output a JSON array with exactly one object per arena, in the given order.

Units: prices and volumes are in MON. sizePct is the fraction of cash (BUY) or tokens (SELL) to trade.

Hard constraints you must never exceed:
- sizePct <= maxTradePct
- never BUY past maxPositionPct token exposure
- respect cooldownTicks between trades and maxTradesPerWindow
- a BUY or SELL must carry sizePct > 0; use HOLD otherwise

Vocabulary: event types Buy/Sell/Swap; momentum B=buy-heavy S=sell-heavy N=neutral; volumeTrend I=increasing D=decreasing S=stable; priceVolatility H=high M=medium L=low.`

// SystemPrompt exposes the fixed instruction block.
func SystemPrompt() string {
	return systemPrompt
}

// PortfolioBlock is the compact portfolio view embedded in prompts.
type PortfolioBlock struct {
	Cash        float64  `json:"c"`
	Tokens      float64  `json:"t"`
	Equity      float64  `json:"eq"`
	PositionPct float64  `json:"posPct"`
	InitCapital float64  `json:"init"`
	AvgEntry    *float64 `json:"aep"`
	TradesWin   int      `json:"tw"`
	LastTick    *int     `json:"ltt"`
	TicksSince  *int     `json:"tsl"`
}

// ArenaInput is one arena's contribution to a prompt.
type ArenaInput struct {
	ArenaID   uint
	Label     string
	Snapshot  *market.Snapshot
	Portfolio PortfolioBlock
}

// AgentInput is everything one batched model call needs.
type AgentInput struct {
	AgentName string
	Profile   *profile.Config
	Memory    string
	Arenas    []ArenaInput
}

// BuildUserMessage renders the compact numeric-rounded JSON message for an
// agent across all its arenas, one labeled block per arena in fixed order.
func BuildUserMessage(in AgentInput) string {
	var b strings.Builder

	profileJSON, _ := json.Marshal(map[string]interface{}{
		"goal":        in.Profile.Goal,
		"style":       in.Profile.Style,
		"constraints": in.Profile.Constraints,
		"filters":     effectiveFilters(in.Profile),
	})
	fmt.Fprintf(&b, "PROFILE: %s\n", profileJSON)

	if rules := profile.Sanitize(in.Profile.CustomRules, 500); rules != "" {
		fmt.Fprintf(&b, "CUSTOM RULES: %s\n", rules)
	}
	if mem := profile.Sanitize(in.Memory, 1000); mem != "" {
		fmt.Fprintf(&b, "MEMORY: %s\n", mem)
	}

	fmt.Fprintf(&b, "\nARENAS (%d), decide each in order:\n", len(in.Arenas))
	for i, arena := range in.Arenas {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, arena.Label)
		fmt.Fprintf(&b, "market: %s\n", marketJSON(arena.Snapshot))
		fmt.Fprintf(&b, "portfolio: %s\n", portfolioJSON(arena.Portfolio))
	}
	return b.String()
}

// effectiveFilters signals disabled filters to the planner as zeros.
func effectiveFilters(cfg *profile.Config) profile.Filters {
	if cfg.FiltersDisabled() {
		return profile.Filters{}
	}
	return cfg.Filters
}

func marketJSON(s *market.Snapshot) string {
	tail := make([]float64, len(s.PriceTail))
	for i, p := range s.PriceTail {
		tail[i] = round(p, 6)
	}
	recent := make([][3]interface{}, 0, len(s.RecentEvents))
	for _, e := range s.RecentEvents {
		recent = append(recent, [3]interface{}{e.Type, round(e.Price, 6), round(e.Volume, 2)})
	}
	payload := map[string]interface{}{
		"tick":     s.Tick,
		"price":    round(s.Price, 6),
		"ret1m":    round(s.Ret1mPct, 3),
		"ret5m":    round(s.Ret5mPct, 3),
		"vol5m":    round(s.Vol5mPct, 3),
		"ev1h":     s.Events1h,
		"vol1h":    round(s.Volume1h, 2),
		"tail":     tail,
		"bsr":      round(s.BuySellRatio, 2),
		"recent":   recent,
		"traders":  s.UniqueTraders,
		"avgVolTr": round(s.AvgVolumePerTrader, 2),
		"maxTrade": round(s.LargestTrade, 2),
		"whale":    s.WhaleActivity,
		"mom":      s.Momentum,
		"volTrend": s.VolumeTrend,
		"priceVol": s.PriceVolatility,
	}
	out, _ := json.Marshal(payload)
	return string(out)
}

func portfolioJSON(p PortfolioBlock) string {
	rounded := p
	rounded.Cash = round(p.Cash, 6)
	rounded.Tokens = round(p.Tokens, 6)
	rounded.Equity = round(p.Equity, 6)
	rounded.PositionPct = round(p.PositionPct, 4)
	rounded.InitCapital = round(p.InitCapital, 6)
	if p.AvgEntry != nil {
		v := round(*p.AvgEntry, 6)
		rounded.AvgEntry = &v
	}
	out, _ := json.Marshal(rounded)
	return string(out)
}

func round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
