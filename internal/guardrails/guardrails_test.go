package guardrails

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moltiverse/arenad/internal/planner"
	"github.com/moltiverse/arenad/internal/profile"
)

func baseProfile() *profile.Config {
	return &profile.Config{
		Goal:  profile.GoalMaximizePnl,
		Style: profile.StyleModerate,
		Constraints: profile.Constraints{
			MaxTradePct:        0.2,
			MaxPositionPct:     0.5,
			CooldownTicks:      5,
			MaxTradesPerWindow: 10,
		},
		Filters: profile.Filters{
			MinEvents1h:    100,
			MinVolumeMon1h: 10000,
		},
	}
}

func baseMarket() Market {
	return Market{Tick: 96, Price: 1.5, Events1h: 500, Volume1h: 50000}
}

func basePortfolio() Portfolio {
	last := 90
	return Portfolio{CashMon: 100, TokenUnits: 0, TradesThisWindow: 2, LastTradeTick: &last}
}

func TestPassThroughBuy(t *testing.T) {
	got := Apply(baseMarket(), basePortfolio(), baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.15, Confidence: 0.8})

	assert.Equal(t, planner.ActionBuy, got.Action)
	assert.InDelta(t, 0.15, got.SizePct, 1e-9)
}

func TestSizeCappedAtMaxTradePct(t *testing.T) {
	got := Apply(baseMarket(), basePortfolio(), baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.5, Confidence: 0.8})

	assert.Equal(t, planner.ActionBuy, got.Action)
	assert.InDelta(t, 0.2, got.SizePct, 1e-9)
}

func TestCooldownHolds(t *testing.T) {
	m := baseMarket()
	m.Tick = 92
	got := Apply(m, basePortfolio(), baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.15})

	assert.Equal(t, planner.ActionHold, got.Action)
	assert.Contains(t, got.Reason, "cooldown")
}

func TestCooldownBoundaryIsStrict(t *testing.T) {
	m := baseMarket()
	m.Tick = 95 // exactly cooldownTicks since lastTradeTick=90
	got := Apply(m, basePortfolio(), baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.1})

	assert.Equal(t, planner.ActionBuy, got.Action, "tick - lastTradeTick == cooldownTicks passes")
}

func TestPositionCapOnBuy(t *testing.T) {
	m := baseMarket()
	m.Price = 1
	p := basePortfolio()
	p.CashMon = 50
	p.TokenUnits = 100 // exposure 100/150 > 0.5

	got := Apply(m, p, baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.1})

	assert.Equal(t, planner.ActionHold, got.Action)
	assert.Contains(t, got.Reason, "position")
}

func TestSellNeverPositionCapped(t *testing.T) {
	m := baseMarket()
	m.Price = 1
	p := basePortfolio()
	p.CashMon = 50
	p.TokenUnits = 100

	got := Apply(m, p, baseProfile(),
		planner.Decision{Action: planner.ActionSell, SizePct: 0.1})

	assert.Equal(t, planner.ActionSell, got.Action)
}

func TestEventsFilterBoundary(t *testing.T) {
	m := baseMarket()
	m.Events1h = 99 // minEvents1h - 1
	got := Apply(m, basePortfolio(), baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.1})

	assert.Equal(t, planner.ActionHold, got.Action)
	assert.Contains(t, got.Reason, "events_1h")
}

func TestVolumeFilter(t *testing.T) {
	m := baseMarket()
	m.Volume1h = 9999
	got := Apply(m, basePortfolio(), baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.1})

	assert.Equal(t, planner.ActionHold, got.Action)
	assert.Contains(t, got.Reason, "volume_1h")
}

func TestFiltersDisabledWhenBothZero(t *testing.T) {
	cfg := baseProfile()
	cfg.Filters = profile.Filters{}
	m := baseMarket()
	m.Events1h = 0
	m.Volume1h = 0

	got := Apply(m, basePortfolio(), cfg,
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.1})

	assert.Equal(t, planner.ActionBuy, got.Action)
}

func TestMaxTradesPerWindow(t *testing.T) {
	p := basePortfolio()
	p.TradesThisWindow = 10
	got := Apply(baseMarket(), p, baseProfile(),
		planner.Decision{Action: planner.ActionSell, SizePct: 0.1})

	assert.Equal(t, planner.ActionHold, got.Action)
	assert.Contains(t, got.Reason, "max trades")
}

func TestZeroSizeTradeHolds(t *testing.T) {
	got := Apply(baseMarket(), basePortfolio(), baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0})

	assert.Equal(t, planner.ActionHold, got.Action)
	assert.Contains(t, got.Reason, "invalid size")
}

func TestHoldPassesUnchanged(t *testing.T) {
	in := planner.Decision{Action: planner.ActionHold, SizePct: 0, Confidence: 0.4, Reason: "waiting"}
	got := Apply(baseMarket(), basePortfolio(), baseProfile(), in)
	assert.Equal(t, in, got)
}

func TestApplyIsPure(t *testing.T) {
	m, p, cfg := baseMarket(), basePortfolio(), baseProfile()
	in := planner.Decision{Action: planner.ActionBuy, SizePct: 0.3, Confidence: 0.7}

	first := Apply(m, p, cfg, in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Apply(m, p, cfg, in))
	}
}

func TestNoTradesYetSkipsCooldown(t *testing.T) {
	p := basePortfolio()
	p.LastTradeTick = nil
	m := baseMarket()
	m.Tick = 0

	got := Apply(m, p, baseProfile(),
		planner.Decision{Action: planner.ActionBuy, SizePct: 0.1})

	assert.Equal(t, planner.ActionBuy, got.Action)
}
