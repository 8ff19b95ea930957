// Package market maintains live bounded per-token state from the event
// stream and derives the per-tick snapshots the planner consumes.
package market

import (
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/moltiverse/arenad/internal/events"
)

const (
	priceTailLen    = 10
	recentEventsLen = 5
	defaultPrice    = 1.0
)

// Momentum labels
const (
	MomentumBuy     = "B"
	MomentumSell    = "S"
	MomentumNeutral = "N"
)

// Volume trend labels
const (
	TrendIncreasing = "I"
	TrendDecreasing = "D"
	TrendStable     = "S"
)

// Volatility labels
const (
	VolHigh   = "H"
	VolMedium = "M"
	VolLow    = "L"
)

// StatsSource serves windowed aggregates; the event store implements it.
type StatsSource interface {
	AggregatedStats(token string, start, end time.Time) events.Stats
	RecentEvents(token string, n int) []events.CompactEvent
	TraderMetrics(token string, start, end time.Time, whaleThreshold float64) events.TraderMetrics
	LatestPrice(token string) float64
}

// Snapshot is the immutable per-tick view of one token's market.
type Snapshot struct {
	Token              string                `json:"token"`
	Tick               int                   `json:"tick"`
	Price              float64               `json:"price"`
	Ret1mPct           float64               `json:"ret1m"`
	Ret5mPct           float64               `json:"ret5m"`
	Vol5mPct           float64               `json:"vol5m"`
	Events1h           int                   `json:"events1h"`
	Volume1h           float64               `json:"volume1h"`
	PriceTail          []float64             `json:"priceTail"`
	Buys               int                   `json:"buys"`
	Sells              int                   `json:"sells"`
	Swaps              int                   `json:"swaps"`
	BuySellRatio       float64               `json:"buySellRatio"`
	RecentEvents       []events.CompactEvent `json:"recentEvents"`
	UniqueTraders      int                   `json:"uniqueTraders"`
	AvgVolumePerTrader float64               `json:"avgVolumePerTrader"`
	LargestTrade       float64               `json:"largestTrade"`
	WhaleActivity      bool                  `json:"whaleActivity"`
	Momentum           string                `json:"momentum"`
	VolumeTrend        string                `json:"volumeTrend"`
	PriceVolatility    string                `json:"priceVolatility"`
}

// tokenState is the mutable aggregator state for one token.
type tokenState struct {
	lastPrice      float64
	priceTail      []float64
	eventsThisTick int
	volumeThisTick float64
	traders        map[string]bool
	tick           int
	prevTickVolume float64
}

// ApplyInput is one ingested event's fields relevant to the aggregator.
type ApplyInput struct {
	Price     *float64
	VolumeMon *float64
	Trader    *string
}

// Aggregator keeps per-token state and derives snapshots on demand. The
// engine drives ComputeTick so snapshots and decisions share one cadence.
type Aggregator struct {
	store  StatsSource
	tokens []string

	mu     sync.RWMutex
	states map[string]*tokenState
	latest map[string]*Snapshot
}

func NewAggregator(store StatsSource, tokens []string) *Aggregator {
	a := &Aggregator{
		store:  store,
		tokens: make([]string, 0, len(tokens)),
		states: make(map[string]*tokenState),
		latest: make(map[string]*Snapshot),
	}
	for _, t := range tokens {
		t = strings.ToLower(t)
		a.tokens = append(a.tokens, t)
		a.states[t] = newTokenState()
	}
	return a
}

func newTokenState() *tokenState {
	return &tokenState{
		lastPrice: defaultPrice,
		priceTail: make([]float64, 0, priceTailLen),
		traders:   make(map[string]bool),
	}
}

// SeedTick fast-forwards a token's tick counter to next, so a restarted
// process continues the persisted sequence instead of reissuing old tick
// numbers. Seeding never moves the counter backwards.
func (a *Aggregator) SeedTick(token string, next int) {
	token = strings.ToLower(token)

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[token]
	if ok && next > st.tick {
		st.tick = next
	}
}

// ApplyEvent ingests one event. O(1), never blocks, never fails. Unknown
// tokens are ignored.
func (a *Aggregator) ApplyEvent(token string, in ApplyInput) {
	token = strings.ToLower(token)

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[token]
	if !ok {
		return
	}
	if in.Price != nil && isFinite(*in.Price) {
		st.lastPrice = *in.Price
		st.priceTail = append(st.priceTail, *in.Price)
		if len(st.priceTail) > priceTailLen {
			st.priceTail = st.priceTail[len(st.priceTail)-priceTailLen:]
		}
	}
	if in.VolumeMon != nil && isFinite(*in.VolumeMon) {
		st.volumeThisTick += *in.VolumeMon
	}
	if in.Trader != nil && *in.Trader != "" {
		st.traders[strings.ToLower(*in.Trader)] = true
	}
	st.eventsThisTick++
}

// ComputeTick derives a snapshot for every token, then resets the per-tick
// counters. The price tail is retained across ticks.
func (a *Aggregator) ComputeTick(now time.Time) map[string]*Snapshot {
	out := make(map[string]*Snapshot, len(a.tokens))
	for _, token := range a.tokens {
		snap := a.computeToken(token, now)
		if snap != nil {
			out[token] = snap
		}
	}

	a.mu.Lock()
	for token, snap := range out {
		a.latest[token] = snap
	}
	a.mu.Unlock()
	return out
}

func (a *Aggregator) computeToken(token string, now time.Time) *Snapshot {
	// Copy local state under the lock; store calls happen outside it so a
	// slow store never stalls ingestion.
	a.mu.Lock()
	st, ok := a.states[token]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	tick := st.tick
	price := st.lastPrice
	tail := append([]float64(nil), st.priceTail...)
	localEvents := st.eventsThisTick
	localVolume := st.volumeThisTick
	prevVolume := st.prevTickVolume
	localTraders := len(st.traders)

	st.tick++
	st.prevTickVolume = st.volumeThisTick
	st.eventsThisTick = 0
	st.volumeThisTick = 0
	st.traders = make(map[string]bool)
	a.mu.Unlock()

	hourAgo := now.Add(-time.Hour)
	stats := a.store.AggregatedStats(token, hourAgo, now)
	recent := a.store.RecentEvents(token, recentEventsLen)
	traders := a.store.TraderMetrics(token, hourAgo, now, events.DefaultWhaleThreshold)

	// Price fallback: still at the default and the store knows better.
	if price == defaultPrice && len(tail) == 0 {
		if stored := a.store.LatestPrice(token); stored > 0 {
			price = stored
		}
	}

	events1h := stats.Total
	volume1h := stats.Volume
	if stats.Total == 0 && localEvents > 0 {
		// Store unavailable or behind: per-tick counters stand in.
		events1h = localEvents
		volume1h = localVolume
	}

	uniqueTraders := traders.UniqueTraders
	avgVolPerTrader := traders.AvgVolumePerTrader
	largestTrade := traders.LargestTrade
	if uniqueTraders == 0 && localTraders > 0 {
		uniqueTraders = localTraders
		avgVolPerTrader = localVolume / float64(localTraders)
		// Conservative: the whole tick's volume bounds the largest trade.
		largestTrade = localVolume
	}

	snap := &Snapshot{
		Token:              token,
		Tick:               tick,
		Price:              price,
		Ret1mPct:           tailReturn(tail, price, 2),
		Ret5mPct:           tailReturn(tail, price, 5),
		Vol5mPct:           tailVolatility(tail),
		Events1h:           events1h,
		Volume1h:           volume1h,
		PriceTail:          tail,
		Buys:               stats.Buys,
		Sells:              stats.Sells,
		Swaps:              stats.Swaps,
		BuySellRatio:       buySellRatio(stats.Buys, stats.Sells),
		RecentEvents:       recent,
		UniqueTraders:      uniqueTraders,
		AvgVolumePerTrader: avgVolPerTrader,
		LargestTrade:       largestTrade,
		WhaleActivity:      largestTrade >= events.DefaultWhaleThreshold,
	}
	snap.Momentum = momentumLabel(snap.BuySellRatio)
	snap.VolumeTrend = volumeTrendLabel(localVolume, prevVolume)
	snap.PriceVolatility = volatilityLabel(snap.Vol5mPct)
	return snap
}

// Latest returns the most recent snapshot for a token.
func (a *Aggregator) Latest(token string) (*Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.latest[strings.ToLower(token)]
	return snap, ok
}

// LatestAll returns the most recent snapshot per token.
func (a *Aggregator) LatestAll() map[string]*Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*Snapshot, len(a.latest))
	for k, v := range a.latest {
		out[k] = v
	}
	return out
}

// tailReturn computes the % return of price vs. the tail entry `back`
// positions from the end (2 = previous entry).
func tailReturn(tail []float64, price float64, back int) float64 {
	if len(tail) < back {
		return 0
	}
	ref := tail[len(tail)-back]
	if ref == 0 {
		return 0
	}
	return (price - ref) / ref * 100
}

// tailVolatility is the population std-dev of per-step % returns over the
// tail, scaled to percent.
func tailVolatility(tail []float64) float64 {
	if len(tail) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(tail)-1)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] == 0 {
			continue
		}
		returns = append(returns, (tail[i]-tail[i-1])/tail[i-1])
	}
	if len(returns) == 0 {
		return 0
	}
	return stat.PopStdDev(returns, nil) * 100
}

func buySellRatio(buys, sells int) float64 {
	if sells > 0 {
		return float64(buys) / float64(sells)
	}
	return math.Max(float64(buys), 1)
}

func momentumLabel(ratio float64) string {
	switch {
	case ratio > 1.5:
		return MomentumBuy
	case ratio < 0.67:
		return MomentumSell
	default:
		return MomentumNeutral
	}
}

func volumeTrendLabel(current, prev float64) string {
	if prev <= 0 {
		if current > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	change := (current - prev) / prev
	switch {
	case change > 0.10:
		return TrendIncreasing
	case change < -0.10:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func volatilityLabel(vol5m float64) string {
	switch {
	case vol5m > 5:
		return VolHigh
	case vol5m > 2:
		return VolMedium
	default:
		return VolLow
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
