package portfolio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/papertrade/sync-engine/internal/model"
	"github.com/papertrade/sync-engine/internal/portfolio"
	"github.com/papertrade/sync-engine/internal/store"
)

func newTestTracker(t *testing.T) *portfolio.Tracker {
	t.Helper()
	return portfolio.NewTracker(store.NewMemoryStore(), "u1")
}

var openedAt = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// Scenario: buy 5 @100 then buy 5 @120 → qty=10, averageCost=110.
func TestApplyBuy_WeightedAverageCost(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.ApplyBuy(ctx, "TCS", d(5), d(100), openedAt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	p, err := tr.ApplyBuy(ctx, "TCS", d(5), d(120), openedAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	if !p.Quantity.Equal(d(10)) {
		t.Errorf("expected qty 10, got %s", p.Quantity)
	}
	if !p.AverageCost.Equal(d(110)) {
		t.Errorf("expected average cost 110, got %s", p.AverageCost)
	}
	if !p.OpenedAt.Equal(openedAt) {
		t.Errorf("expected OpenedAt from first buy, got %v", p.OpenedAt)
	}
}

func TestApplySell_PartialKeepsAverageCost(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.ApplyBuy(ctx, "TCS", d(10), d(110), openedAt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	p, err := tr.ApplySell(ctx, "TCS", d(4))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if !p.Quantity.Equal(d(6)) {
		t.Errorf("expected qty 6, got %s", p.Quantity)
	}
	if !p.AverageCost.Equal(d(110)) {
		t.Errorf("partial sell changed average cost: %s", p.AverageCost)
	}
}

func TestApplySell_FullClosureRemovesPosition(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.ApplyBuy(ctx, "TCS", d(10), d(110), openedAt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := tr.ApplySell(ctx, "TCS", d(10)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	if n := len(tr.Positions()); n != 0 {
		t.Errorf("expected no open positions after full closure, got %d", n)
	}
}

func TestApplySell_Rejections(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.ApplySell(ctx, "TCS", d(1)); !errors.Is(err, portfolio.ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}

	if _, err := tr.ApplyBuy(ctx, "TCS", d(5), d(100), openedAt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := tr.ApplySell(ctx, "TCS", d(6)); !errors.Is(err, portfolio.ErrExcessQuantity) {
		t.Errorf("expected ErrExcessQuantity, got %v", err)
	}

	// Rejected sell leaves the position untouched.
	if got := tr.Positions()[0].Quantity; !got.Equal(d(5)) {
		t.Errorf("expected qty 5 after rejected sell, got %s", got)
	}
}

func TestTracker_RevalueStoresLastValuation(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.ApplyBuy(ctx, "RELIANCE", d(10), d(2450), openedAt); err != nil {
		t.Fatalf("buy: %v", err)
	}

	tr.Revalue(ctx, quotes(map[string]float64{"RELIANCE": 2500}))

	// A later pass without a quote keeps the last computed value.
	got := tr.Revalue(ctx, map[string]model.PriceQuote{})
	if !got[0].CurrentValue.Equal(d(25000)) {
		t.Errorf("expected retained currentValue 25000, got %s", got[0].CurrentValue)
	}
}

func TestTracker_LoadResumesPositions(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	first := portfolio.NewTracker(st, "u1")
	if _, err := first.ApplyBuy(ctx, "TCS", d(5), d(100), openedAt); err != nil {
		t.Fatalf("buy: %v", err)
	}

	second := portfolio.NewTracker(st, "u1")
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	got := second.Positions()
	if len(got) != 1 || !got[0].Quantity.Equal(d(5)) {
		t.Errorf("expected resumed TCS position, got %+v", got)
	}
}

func TestTracker_Clear(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	tr := portfolio.NewTracker(st, "u1")
	if _, err := tr.ApplyBuy(ctx, "TCS", d(5), d(100), openedAt); err != nil {
		t.Fatalf("buy: %v", err)
	}
	tr.Clear(ctx)

	if n := len(tr.Positions()); n != 0 {
		t.Errorf("expected no positions after clear, got %d", n)
	}

	fresh := portfolio.NewTracker(st, "u1")
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n := len(fresh.Positions()); n != 0 {
		t.Errorf("expected cleared persisted positions, got %d", n)
	}
}
