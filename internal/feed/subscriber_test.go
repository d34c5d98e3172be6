package feed_test

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/feed"
	"github.com/papertrade/sync-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func quote(symbol string, price float64, at time.Time) model.PriceQuote {
	return model.PriceQuote{InstrumentSymbol: symbol, Price: d(price), AsOf: at}
}

// recordingTransport records upstream subscribe/unsubscribe calls.
type recordingTransport struct {
	mu           sync.Mutex
	subscribed   [][]string
	unsubscribed [][]string
}

func (r *recordingTransport) Subscribe(symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed = append(r.subscribed, symbols)
	return nil
}

func (r *recordingTransport) Unsubscribe(symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribed = append(r.unsubscribed, symbols)
	return nil
}

func TestSubscribe_DeliversTicks(t *testing.T) {
	s := feed.NewSubscriber()
	base := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)

	var got []model.PriceQuote
	unsub := s.Subscribe([]string{"RELIANCE"}, func(q model.PriceQuote) {
		got = append(got, q)
	})
	defer unsub()

	s.Dispatch(quote("RELIANCE", 2450, base))
	s.Dispatch(quote("TCS", 3900, base)) // not subscribed: no delivery
	s.Dispatch(quote("RELIANCE", 2500, base.Add(time.Second)))

	if len(got) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(got))
	}
	if !got[1].Price.Equal(d(2500)) {
		t.Errorf("expected latest price 2500, got %s", got[1].Price)
	}

	// The quote map still holds unsubscribed symbols' latest quotes.
	if q, ok := s.Quote("TCS"); !ok || !q.Price.Equal(d(3900)) {
		t.Errorf("expected TCS quote cached, got %v ok=%v", q, ok)
	}
}

func TestDispatch_DropsOutOfOrderTick(t *testing.T) {
	s := feed.NewSubscriber()
	base := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)

	s.Dispatch(quote("INFY", 1500, base.Add(time.Second)))
	s.Dispatch(quote("INFY", 1400, base)) // older than cached: dropped

	q, ok := s.Quote("INFY")
	if !ok {
		t.Fatal("expected INFY quote")
	}
	if !q.Price.Equal(d(1500)) {
		t.Errorf("stale tick overwrote newer quote: %s", q.Price)
	}
}

func TestSubscribe_RefCountsUpstream(t *testing.T) {
	s := feed.NewSubscriber()
	tr := &recordingTransport{}
	s.SetTransport(tr)

	noop := func(model.PriceQuote) {}
	unsubA := s.Subscribe([]string{"RELIANCE", "TCS"}, noop)
	unsubB := s.Subscribe([]string{"RELIANCE"}, noop)

	// Only the first consumer per symbol opens an upstream subscription.
	if len(tr.subscribed) != 1 {
		t.Fatalf("expected 1 upstream subscribe, got %d", len(tr.subscribed))
	}

	// First consumer leaves: TCS is released, RELIANCE still has B.
	unsubA()
	if len(tr.unsubscribed) != 1 || len(tr.unsubscribed[0]) != 1 || tr.unsubscribed[0][0] != "TCS" {
		t.Fatalf("expected TCS released, got %v", tr.unsubscribed)
	}

	// Last consumer leaves: RELIANCE released too.
	unsubB()
	if len(tr.unsubscribed) != 2 || tr.unsubscribed[1][0] != "RELIANCE" {
		t.Fatalf("expected RELIANCE released, got %v", tr.unsubscribed)
	}

	if n := len(s.ActiveSymbols()); n != 0 {
		t.Errorf("expected no active symbols, got %d", n)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	s := feed.NewSubscriber()
	tr := &recordingTransport{}
	s.SetTransport(tr)

	unsub := s.Subscribe([]string{"HDFC"}, func(model.PriceQuote) {})
	unsub()
	unsub() // second call is a no-op

	if len(tr.unsubscribed) != 1 {
		t.Errorf("expected 1 upstream unsubscribe, got %d", len(tr.unsubscribed))
	}
}

func TestQuotes_SnapshotIsCopy(t *testing.T) {
	s := feed.NewSubscriber()
	base := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	s.Dispatch(quote("RELIANCE", 2450, base))

	snap := s.Quotes()
	snap["RELIANCE"] = quote("RELIANCE", 1, base.Add(time.Minute))

	if q, _ := s.Quote("RELIANCE"); !q.Price.Equal(d(2450)) {
		t.Errorf("quote map mutated through snapshot: %s", q.Price)
	}
}
