// Package portfolio tracks open positions and revalues them against the
// streaming price feed to produce mark-to-market P&L.
package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Summary aggregates valuation figures over all open positions. It is
// recomputed in the same pass as the positions, never cached
// independently, so the totals cannot drift from the rows.
type Summary struct {
	TotalInvestment   decimal.Decimal `json:"total_investment"`
	TotalCurrentValue decimal.Decimal `json:"total_current_value"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent   decimal.Decimal `json:"total_pnl_percent"`
}

// Revalue recomputes the valuation fields of every position against the
// given quotes. Pure: the input slice is not mutated, identical inputs
// yield identical outputs, and applying it twice is a no-op beyond the
// first pass. A position whose instrument has no quote keeps its last
// computed CurrentValue rather than showing a gap.
func Revalue(positions []model.Position, quotes map[string]model.PriceQuote) []model.Position {
	out := make([]model.Position, len(positions))
	for i, p := range positions {
		p.InvestedValue = p.Quantity.Mul(p.AverageCost)

		if q, ok := quotes[p.InstrumentSymbol]; ok {
			p.CurrentQuote = q.Price
			p.CurrentValue = p.Quantity.Mul(q.Price)
		}

		p.UnrealizedPnL = p.CurrentValue.Sub(p.InvestedValue)
		if p.InvestedValue.IsPositive() {
			p.UnrealizedPnLPercent = p.UnrealizedPnL.Div(p.InvestedValue).Mul(hundred)
		} else {
			p.UnrealizedPnLPercent = decimal.Zero
		}
		out[i] = p
	}
	return out
}

// Summarize computes the aggregate figures for a set of revalued positions.
func Summarize(positions []model.Position) Summary {
	var s Summary
	for _, p := range positions {
		s.TotalInvestment = s.TotalInvestment.Add(p.InvestedValue)
		s.TotalCurrentValue = s.TotalCurrentValue.Add(p.CurrentValue)
	}
	s.TotalPnL = s.TotalCurrentValue.Sub(s.TotalInvestment)
	if s.TotalInvestment.IsPositive() {
		s.TotalPnLPercent = s.TotalPnL.Div(s.TotalInvestment).Mul(hundred)
	}
	return s
}
