// Package guardrails is the deterministic override layer between the model
// planner and execution. Apply is pure: same input, same output, no
// external calls.
package guardrails

import (
	"fmt"

	"github.com/moltiverse/arenad/internal/planner"
	"github.com/moltiverse/arenad/internal/profile"
)

// Market is the slice of the snapshot the rules read.
type Market struct {
	Tick     int
	Price    float64
	Events1h int
	Volume1h float64
}

// Portfolio is the slice of portfolio state the rules read.
type Portfolio struct {
	CashMon          float64
	TokenUnits       float64
	TradesThisWindow int
	LastTradeTick    *int
}

// Apply evaluates the override rules in order; the first that fires
// downgrades the proposal to HOLD with a reason. Otherwise the proposal
// passes through with its size capped at maxTradePct.
func Apply(m Market, p Portfolio, cfg *profile.Config, proposed planner.Decision) planner.Decision {
	filtersEnabled := !cfg.FiltersDisabled()

	if filtersEnabled && m.Events1h < cfg.Filters.MinEvents1h {
		return hold(proposed, fmt.Sprintf("events_1h %d below minimum %d", m.Events1h, cfg.Filters.MinEvents1h))
	}
	if filtersEnabled && m.Volume1h < cfg.Filters.MinVolumeMon1h {
		return hold(proposed, fmt.Sprintf("volume_1h %.2f below minimum %.2f", m.Volume1h, cfg.Filters.MinVolumeMon1h))
	}
	if p.LastTradeTick != nil && m.Tick-*p.LastTradeTick < cfg.Constraints.CooldownTicks {
		return hold(proposed, fmt.Sprintf("cooldown: %d ticks since last trade, need %d",
			m.Tick-*p.LastTradeTick, cfg.Constraints.CooldownTicks))
	}
	if p.TradesThisWindow >= cfg.Constraints.MaxTradesPerWindow {
		return hold(proposed, fmt.Sprintf("max trades reached: %d of %d this window",
			p.TradesThisWindow, cfg.Constraints.MaxTradesPerWindow))
	}
	if proposed.Action == planner.ActionBuy {
		if exposure(p, m.Price) >= cfg.Constraints.MaxPositionPct {
			return hold(proposed, fmt.Sprintf("position cap: exposure %.3f at or above %.3f",
				exposure(p, m.Price), cfg.Constraints.MaxPositionPct))
		}
	}
	if proposed.Action != planner.ActionHold && proposed.SizePct <= 0 {
		return hold(proposed, fmt.Sprintf("invalid size %.4f for %s", proposed.SizePct, proposed.Action))
	}

	final := proposed
	if final.Action != planner.ActionHold && final.SizePct > cfg.Constraints.MaxTradePct {
		final.SizePct = cfg.Constraints.MaxTradePct
	}
	return final
}

// exposure is the token share of total equity. SELL is never capped here
// because it only reduces exposure.
func exposure(p Portfolio, price float64) float64 {
	tokenValue := p.TokenUnits * price
	total := p.CashMon + tokenValue
	if total <= 0 {
		return 0
	}
	return tokenValue / total
}

func hold(proposed planner.Decision, reason string) planner.Decision {
	return planner.Decision{
		Action:     planner.ActionHold,
		SizePct:    0,
		Confidence: proposed.Confidence,
		Reason:     reason,
	}
}
