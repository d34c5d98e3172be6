package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/metrics"
	"github.com/papertrade/sync-engine/internal/model"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	dialTimeout  = 10 * time.Second

	// reconnectMax caps the exponential backoff between redial attempts.
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// wsFrame is the wire format in both directions: the feed emits quote
// frames, the client sends subscribe/unsubscribe ops.
type wsFrame struct {
	Op      string   `json:"op,omitempty"` // "subscribe" | "unsubscribe"
	Symbols []string `json:"symbols,omitempty"`

	Symbol string `json:"symbol,omitempty"`
	Price  string `json:"price,omitempty"`
	AsOf   string `json:"as_of,omitempty"` // RFC 3339
}

// WSClient is the websocket transport for a Subscriber. It owns the
// connection lifecycle: dial, read pump, keepalive pings, and reconnect
// with resubscribe.
type WSClient struct {
	url string
	sub *Subscriber

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a websocket transport bound to sub and attaches
// itself as the subscriber's transport.
func NewWSClient(url string, sub *Subscriber) *WSClient {
	c := &WSClient{url: url, sub: sub}
	sub.SetTransport(c)
	return c
}

// Run dials the feed and pumps quotes into the subscriber until ctx is
// cancelled, redialing with backoff on connection loss.
func (c *WSClient) Run(ctx context.Context) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connect(ctx); err != nil {
			slog.Warn("feed dial failed", "url", c.url, "err", err)
			metrics.FeedReconnects.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase

		// After a reconnect the upstream has no memory of us: replay the
		// active subscription set before pumping.
		if active := c.sub.ActiveSymbols(); len(active) > 0 {
			if err := c.Subscribe(active); err != nil {
				slog.Warn("feed resubscribe failed", "err", err)
			}
		}

		c.readPump(ctx)
		c.close()
		if ctx.Err() == nil {
			metrics.FeedReconnects.Inc()
			slog.Info("feed connection lost, reconnecting")
		}
	}
}

func (c *WSClient) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WSClient) readPump(ctx context.Context) {
	pingDone := make(chan struct{})
	defer close(pingDone)

	go c.pingLoop(ctx, pingDone)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("feed frame decode failed", "err", err)
			continue
		}
		if frame.Symbol == "" {
			continue
		}

		quote, err := frameToQuote(frame)
		if err != nil {
			slog.Warn("feed frame invalid", "symbol", frame.Symbol, "err", err)
			continue
		}
		c.sub.Dispatch(quote)
	}
}

func (c *WSClient) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		case <-done:
			return
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

// ping writes a keepalive frame under the same lock as data frames;
// the connection permits only one concurrent writer, so a ping must
// never interleave with a subscribe write. Reports whether the
// connection is still usable.
func (c *WSClient) ping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil) == nil
}

// Subscribe sends a subscribe op for the given symbols.
func (c *WSClient) Subscribe(symbols []string) error {
	return c.send(wsFrame{Op: "subscribe", Symbols: symbols})
}

// Unsubscribe sends an unsubscribe op for the given symbols.
func (c *WSClient) Unsubscribe(symbols []string) error {
	return c.send(wsFrame{Op: "unsubscribe", Symbols: symbols})
}

func (c *WSClient) send(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		// Not connected yet; Run replays the active set after dial.
		return nil
	}
	return c.conn.WriteJSON(frame)
}

func (c *WSClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func frameToQuote(frame wsFrame) (model.PriceQuote, error) {
	price, err := decimal.NewFromString(frame.Price)
	if err != nil {
		return model.PriceQuote{}, err
	}
	asOf, err := time.Parse(time.RFC3339Nano, frame.AsOf)
	if err != nil {
		return model.PriceQuote{}, err
	}
	return model.PriceQuote{
		InstrumentSymbol: frame.Symbol,
		Price:            price,
		AsOf:             asOf,
	}, nil
}
