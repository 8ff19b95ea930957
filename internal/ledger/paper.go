// Package ledger computes the off-chain projection of a trade. The result
// is bookkeeping only: cash, tokens and locked stake are overwritten by the
// on-chain read that follows execution. ExecutePaperTrade is pure.
package ledger

import (
	"github.com/moltiverse/arenad/internal/planner"
)

// State is the in-process portfolio snapshot the projection runs on.
type State struct {
	CashMon          float64
	TokenUnits       float64
	MoltiLocked      float64
	AvgEntryPrice    *float64
	InitialCapital   float64
	TradesThisWindow int
	LastTradeTick    *int
}

// TradeRecord captures what the projected trade did.
type TradeRecord struct {
	Action              string
	SizePct             float64
	Price               float64
	TradeValueMon       float64
	AvgEntryPriceBefore *float64
	CashAfter           float64
	TokenAfter          float64
}

// ExecutePaperTrade applies a decision to the portfolio state at the given
// price and returns the next state plus the trade record. HOLD returns the
// state unchanged and a nil record.
func ExecutePaperTrade(tick int, price float64, s State, d planner.Decision) (State, *TradeRecord) {
	next := s
	if s.AvgEntryPrice != nil {
		aep := *s.AvgEntryPrice
		next.AvgEntryPrice = &aep
	}
	if s.LastTradeTick != nil {
		ltt := *s.LastTradeTick
		next.LastTradeTick = &ltt
	}

	if d.Action == planner.ActionHold {
		return next, nil
	}

	record := &TradeRecord{
		Action:              d.Action,
		SizePct:             d.SizePct,
		Price:               price,
		AvgEntryPriceBefore: s.AvgEntryPrice,
	}

	switch d.Action {
	case planner.ActionBuy:
		spent := s.CashMon * d.SizePct
		bought := 0.0
		if price > 0 {
			bought = spent / price
		}
		next.CashMon = s.CashMon - spent
		next.TokenUnits = s.TokenUnits + bought
		record.TradeValueMon = spent

		// Value-weighted entry price across the whole position.
		if next.TokenUnits > 0 {
			prior := 0.0
			if s.AvgEntryPrice != nil {
				prior = s.TokenUnits * *s.AvgEntryPrice
			}
			avg := (prior + spent) / next.TokenUnits
			next.AvgEntryPrice = &avg
		}

	case planner.ActionSell:
		delivered := s.TokenUnits * d.SizePct
		proceeds := delivered * price
		next.TokenUnits = s.TokenUnits - delivered
		next.CashMon = s.CashMon + proceeds
		record.TradeValueMon = proceeds

		// Entry price lineage survives partial exits, clears on full exit.
		if next.TokenUnits <= 0 {
			next.TokenUnits = 0
			next.AvgEntryPrice = nil
		}
	}

	next.TradesThisWindow = s.TradesThisWindow + 1
	t := tick
	next.LastTradeTick = &t

	record.CashAfter = next.CashMon
	record.TokenAfter = next.TokenUnits
	return next, record
}

// Equity values the state at a price.
func (s State) Equity(price float64) float64 {
	return s.CashMon + s.TokenUnits*price
}

// PnlPct is the % gain of equity over initial capital.
func (s State) PnlPct(price float64) float64 {
	if s.InitialCapital <= 0 {
		return 0
	}
	return (s.Equity(price) - s.InitialCapital) / s.InitialCapital * 100
}
