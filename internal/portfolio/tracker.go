package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/model"
	"github.com/papertrade/sync-engine/internal/store"
)

var (
	// ErrNoPosition is returned when selling an instrument with no open
	// position.
	ErrNoPosition = errors.New("portfolio: no open position")

	// ErrExcessQuantity is returned when a sell exceeds the held quantity.
	ErrExcessQuantity = errors.New("portfolio: sell exceeds held quantity")
)

// Tracker owns the open position set for one principal. Buys and sells
// mutate the set; Revalue refreshes the valuation fields in place from
// the latest quotes.
type Tracker struct {
	store       store.Store
	principalID string

	mu        sync.Mutex
	positions map[string]model.Position
}

// NewTracker creates a position tracker for a principal.
func NewTracker(st store.Store, principalID string) *Tracker {
	return &Tracker{
		store:       st,
		principalID: principalID,
		positions:   make(map[string]model.Position),
	}
}

func portfolioKey(principalID string) string {
	return store.Key("portfolio", principalID, "positions")
}

// Load seeds the position set from the persistent store at startup.
func (t *Tracker) Load(ctx context.Context) error {
	var positions []model.Position
	err := t.store.Get(ctx, portfolioKey(t.principalID), &positions)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.positions = make(map[string]model.Position, len(positions))
	for _, p := range positions {
		t.positions[p.InstrumentSymbol] = p
	}
	t.mu.Unlock()
	return nil
}

// ApplyBuy opens a position when exposure goes from zero, or folds the
// fill into the existing one with a quantity-weighted average cost.
func (t *Tracker) ApplyBuy(ctx context.Context, symbol string, quantity, price decimal.Decimal, at time.Time) (model.Position, error) {
	if !quantity.IsPositive() {
		return model.Position{}, fmt.Errorf("portfolio: buy quantity must be positive, got %s", quantity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		p = model.Position{
			InstrumentSymbol: symbol,
			Quantity:         quantity,
			AverageCost:      price,
			OpenedAt:         at,
		}
	} else {
		// newAvg = (heldQty*heldAvg + fillQty*fillPrice) / (heldQty+fillQty)
		totalQty := p.Quantity.Add(quantity)
		totalCost := p.Quantity.Mul(p.AverageCost).Add(quantity.Mul(price))
		p.AverageCost = totalCost.Div(totalQty)
		p.Quantity = totalQty
	}
	p.InvestedValue = p.Quantity.Mul(p.AverageCost)

	t.positions[symbol] = p
	t.persistLocked(ctx)
	return p, nil
}

// ApplySell decrements the held quantity; selling the full quantity
// closes and removes the position. The average cost is unchanged by a
// partial sell.
func (t *Tracker) ApplySell(ctx context.Context, symbol string, quantity decimal.Decimal) (model.Position, error) {
	if !quantity.IsPositive() {
		return model.Position{}, fmt.Errorf("portfolio: sell quantity must be positive, got %s", quantity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if quantity.GreaterThan(p.Quantity) {
		return model.Position{}, fmt.Errorf("%w: have %s, selling %s",
			ErrExcessQuantity, p.Quantity, quantity)
	}

	p.Quantity = p.Quantity.Sub(quantity)
	if p.Quantity.IsZero() {
		delete(t.positions, symbol)
		t.persistLocked(ctx)
		return p, nil
	}

	p.InvestedValue = p.Quantity.Mul(p.AverageCost)
	t.positions[symbol] = p
	t.persistLocked(ctx)
	return p, nil
}

// Revalue refreshes the valuation fields of every open position from the
// given quotes and stores the result, so a later pass with a missing
// quote still shows the last computed value.
func (t *Tracker) Revalue(ctx context.Context, quotes map[string]model.PriceQuote) []model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	revalued := Revalue(t.snapshotLocked(), quotes)
	for _, p := range revalued {
		t.positions[p.InstrumentSymbol] = p
	}
	t.persistLocked(ctx)
	return revalued
}

// Positions returns the open positions sorted by symbol.
func (t *Tracker) Positions() []model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Symbols returns the symbols with open positions, sorted.
func (t *Tracker) Symbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	syms := make([]string, 0, len(t.positions))
	for sym := range t.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

// Clear drops all positions, in memory and persisted. Called when the
// owning session is torn down and the principal's state is cleared.
func (t *Tracker) Clear(ctx context.Context) {
	t.mu.Lock()
	t.positions = make(map[string]model.Position)
	if err := t.store.Delete(ctx, portfolioKey(t.principalID)); err != nil {
		slog.Warn("failed to clear persisted positions", "err", err)
	}
	t.mu.Unlock()
}

func (t *Tracker) snapshotLocked() []model.Position {
	out := make([]model.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InstrumentSymbol < out[j].InstrumentSymbol
	})
	return out
}

func (t *Tracker) persistLocked(ctx context.Context) {
	if err := t.store.Set(ctx, portfolioKey(t.principalID), t.snapshotLocked()); err != nil {
		slog.Warn("failed to persist positions", "err", err)
	}
}
