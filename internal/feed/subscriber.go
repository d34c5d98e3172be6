// Package feed maintains the live instrument → quote map pushed by the
// platform's streaming price feed. Quotes are whole replacements, never
// deltas; ticks for one symbol apply in non-decreasing timestamp order,
// with no ordering guarantee across symbols.
package feed

import (
	"log/slog"
	"sync"

	"github.com/papertrade/sync-engine/internal/metrics"
	"github.com/papertrade/sync-engine/internal/model"
)

// TickFunc receives a whole-quote replacement for a subscribed symbol.
type TickFunc func(model.PriceQuote)

// Transport is the upstream feed connection. The subscriber tells it which
// symbols to stream; it calls Dispatch for every received quote.
type Transport interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// Subscriber fans quote ticks out to consumers. Subscriptions are
// ref-counted per symbol: the first consumer for a symbol opens the
// upstream subscription, the last unsubscribe releases it.
type Subscriber struct {
	mu        sync.Mutex
	transport Transport
	quotes    map[string]model.PriceQuote
	consumers map[string]map[int]TickFunc
	nextID    int
}

// NewSubscriber creates a subscriber. Attach a transport with SetTransport
// before Subscribe, or drive ticks directly via Dispatch in tests.
func NewSubscriber() *Subscriber {
	return &Subscriber{
		quotes:    make(map[string]model.PriceQuote),
		consumers: make(map[string]map[int]TickFunc),
	}
}

// SetTransport attaches the upstream connection.
func (s *Subscriber) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Subscribe registers onTick for the given symbols and returns an
// unsubscribe func. Calling unsubscribe more than once is a no-op.
func (s *Subscriber) Subscribe(symbols []string, onTick TickFunc) func() {
	s.mu.Lock()

	id := s.nextID
	s.nextID++

	var opened []string
	for _, sym := range symbols {
		if s.consumers[sym] == nil {
			s.consumers[sym] = make(map[int]TickFunc)
		}
		if len(s.consumers[sym]) == 0 {
			opened = append(opened, sym)
		}
		s.consumers[sym][id] = onTick
	}
	transport := s.transport
	metrics.FeedSubscriptions.Set(float64(s.activeSymbolsLocked()))
	s.mu.Unlock()

	if transport != nil && len(opened) > 0 {
		if err := transport.Subscribe(opened); err != nil {
			slog.Warn("feed subscribe failed", "symbols", opened, "err", err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id, symbols) })
	}
}

func (s *Subscriber) unsubscribe(id int, symbols []string) {
	s.mu.Lock()

	var released []string
	for _, sym := range symbols {
		delete(s.consumers[sym], id)
		if len(s.consumers[sym]) == 0 {
			delete(s.consumers, sym)
			released = append(released, sym)
		}
	}
	transport := s.transport
	metrics.FeedSubscriptions.Set(float64(s.activeSymbolsLocked()))
	s.mu.Unlock()

	if transport != nil && len(released) > 0 {
		if err := transport.Unsubscribe(released); err != nil {
			slog.Warn("feed unsubscribe failed", "symbols", released, "err", err)
		}
	}
}

// Dispatch applies one tick: the quote replaces the cached one wholesale
// and fans out to every consumer of the symbol. A tick older than the
// cached quote for the same symbol is dropped.
func (s *Subscriber) Dispatch(quote model.PriceQuote) {
	s.mu.Lock()
	if prev, ok := s.quotes[quote.InstrumentSymbol]; ok && quote.AsOf.Before(prev.AsOf) {
		s.mu.Unlock()
		return
	}
	s.quotes[quote.InstrumentSymbol] = quote

	callbacks := make([]TickFunc, 0, len(s.consumers[quote.InstrumentSymbol]))
	for _, fn := range s.consumers[quote.InstrumentSymbol] {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	metrics.FeedTicks.WithLabelValues(quote.InstrumentSymbol).Inc()
	for _, fn := range callbacks {
		fn(quote)
	}
}

// Quote returns the current quote for a symbol, if any.
func (s *Subscriber) Quote(symbol string) (model.PriceQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// Quotes returns a snapshot of the full quote map.
func (s *Subscriber) Quotes() map[string]model.PriceQuote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.PriceQuote, len(s.quotes))
	for sym, q := range s.quotes {
		out[sym] = q
	}
	return out
}

// ActiveSymbols returns the symbols with at least one consumer. The
// transport resubscribes to these after a reconnect.
func (s *Subscriber) ActiveSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	syms := make([]string, 0, len(s.consumers))
	for sym := range s.consumers {
		syms = append(syms, sym)
	}
	return syms
}

func (s *Subscriber) activeSymbolsLocked() int {
	return len(s.consumers)
}
