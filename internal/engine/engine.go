// Package engine wires the sync engine together: the persistent store
// seeds the session manager and ledger cache at startup, the session
// manager gates all authenticated calls, the ledger cache applies
// optimistic deltas and reconciles on a timer, and the price feed drives
// portfolio revaluation. Session teardown cancels every session-scoped
// timer and discards in-flight responses.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/feed"
	"github.com/papertrade/sync-engine/internal/ledger"
	"github.com/papertrade/sync-engine/internal/model"
	"github.com/papertrade/sync-engine/internal/portfolio"
	"github.com/papertrade/sync-engine/internal/session"
	"github.com/papertrade/sync-engine/internal/store"
)

var (
	// ErrNoQuote is returned when a trade is submitted for an instrument
	// the feed has no quote for yet.
	ErrNoQuote = errors.New("engine: no current quote for instrument")

	// ErrNotAuthenticated is returned by operations that need an active
	// session.
	ErrNotAuthenticated = errors.New("engine: not authenticated")
)

// Options tune the recurring timers.
type Options struct {
	SessionCheckInterval time.Duration
	ReconcileInterval    time.Duration
}

// Engine owns the per-session runtime: the ledger cache, the position
// tracker, the feed subscriptions for held instruments, and the two
// session-scoped timer loops.
type Engine struct {
	store     store.Store
	sessions  *session.Manager
	ledgerSvc ledger.Service
	feed      *feed.Subscriber
	opts      Options

	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	cache   *ledger.Cache
	tracker *portfolio.Tracker
	unsubs  map[string]func()
	notice  string
}

// New creates an engine. ledgerSvc may be nil in tests (reconciliation is
// then driven directly through the cache).
func New(st store.Store, sessions *session.Manager, ledgerSvc ledger.Service, sub *feed.Subscriber, opts Options) *Engine {
	e := &Engine{
		store:     st,
		sessions:  sessions,
		ledgerSvc: ledgerSvc,
		feed:      sub,
		opts:      opts,
		unsubs:    make(map[string]func()),
	}
	sessions.OnTerminal(e.onSessionTerminal)
	return e
}

// Start resumes a persisted session, if any, so the client comes back
// without a fresh authentication round-trip.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.parent = ctx
	e.mu.Unlock()

	sess, err := e.sessions.Resume(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.activate(ctx, sess)
}

// Login authenticates and brings up the session-scoped runtime.
func (e *Engine) Login(ctx context.Context, creds session.Credentials) (model.Session, error) {
	e.mu.Lock()
	parent := e.parent
	active := e.cancel != nil
	e.mu.Unlock()
	if parent == nil {
		parent = ctx
	}

	// A new login replaces the current instance; tear it down first so
	// its timers and feed watches are released.
	if active {
		_ = e.sessions.Logout(ctx)
	}

	sess, err := e.sessions.Authenticate(ctx, creds)
	if err != nil {
		return model.Session{}, err
	}
	if err := e.activate(parent, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// activate builds the principal-scoped components, seeds them from the
// persistent store, and starts the session-scoped timers.
func (e *Engine) activate(parent context.Context, sess model.Session) error {
	sessCtx, cancel := context.WithCancel(parent)

	cache := ledger.NewCache(e.store, e.ledgerSvc, sess.PrincipalID)
	tracker := portfolio.NewTracker(e.store, sess.PrincipalID)

	if err := cache.Load(sessCtx); err != nil {
		cancel()
		return fmt.Errorf("engine: load ledger state: %w", err)
	}
	if err := tracker.Load(sessCtx); err != nil {
		cancel()
		return fmt.Errorf("engine: load positions: %w", err)
	}
	// Initial pull so the first render shows fresh balances; a failure
	// here is the same as any transient pull failure and the timer
	// retries it.
	if err := cache.SyncOnce(sessCtx); err != nil {
		slog.Warn("initial ledger sync failed", "err", err)
	}

	e.mu.Lock()
	e.cancel = cancel
	e.cache = cache
	e.tracker = tracker
	e.notice = ""
	e.mu.Unlock()

	// Re-open feed subscriptions for instruments held before the restart.
	for _, sym := range tracker.Symbols() {
		e.watch(sym)
	}

	go e.sessions.Run(sessCtx, e.opts.SessionCheckInterval)
	go cache.Run(sessCtx, e.opts.ReconcileInterval)

	slog.Info("engine activated", "principal", sess.PrincipalID)
	return nil
}

// onSessionTerminal runs after the session reaches a terminal state: it
// cancels the timers, releases feed subscriptions, and clears the
// principal-scoped cached state.
func (e *Engine) onSessionTerminal(state model.SessionState, cause error) {
	e.mu.Lock()
	cancel := e.cancel
	cache := e.cache
	tracker := e.tracker
	unsubs := e.unsubs
	e.cancel = nil
	e.cache = nil
	e.tracker = nil
	e.unsubs = make(map[string]func())
	if errors.Is(cause, session.ErrConcurrentSession) {
		// Distinguish a takeover from a normal expiry for the view layer.
		e.notice = "You have been signed out because your account was used on another device."
	} else if state == model.SessionExpired {
		e.notice = "Your session expired. Please sign in again."
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsub := range unsubs {
		unsub()
	}

	ctx := context.Background()
	if cache != nil {
		cache.Clear(ctx)
	}
	if tracker != nil {
		tracker.Clear(ctx)
	}
	slog.Info("engine deactivated", "state", string(state))
}

// Logout tears down the local session.
func (e *Engine) Logout(ctx context.Context) error {
	return e.sessions.Logout(ctx)
}

// LogoutAllDevices revokes the active-session slot for every device.
func (e *Engine) LogoutAllDevices(ctx context.Context) error {
	return e.sessions.LogoutAllDevices(ctx)
}

// Session returns the current session snapshot, lifecycle state, and any
// pending user-visible notice.
func (e *Engine) Session() (model.Session, model.SessionState, string) {
	sess, state := e.sessions.Session()
	e.mu.Lock()
	notice := e.notice
	e.mu.Unlock()
	return sess, state, notice
}

// Balance returns the optimistic cached balance.
func (e *Engine) Balance() (model.LedgerBalance, error) {
	cache, _, err := e.runtime()
	if err != nil {
		return model.LedgerBalance{}, err
	}
	return cache.Balance(), nil
}

// AddCoins credits the reward balance optimistically.
func (e *Engine) AddCoins(ctx context.Context, amount decimal.Decimal, reason string) (model.LedgerBalance, error) {
	cache, _, err := e.runtime()
	if err != nil {
		return model.LedgerBalance{}, err
	}
	return cache.ApplyOptimisticDelta(ctx, ledger.DeltaCredit, ledger.AccountReward, amount, reason)
}

// DeductCoins debits the reward balance; insufficient funds fail before
// any mutation.
func (e *Engine) DeductCoins(ctx context.Context, amount decimal.Decimal, reason string) (model.LedgerBalance, error) {
	cache, _, err := e.runtime()
	if err != nil {
		return model.LedgerBalance{}, err
	}
	return cache.ApplyOptimisticDelta(ctx, ledger.DeltaDebit, ledger.AccountReward, amount, reason)
}

// ValidateSufficientCoins checks amount against the authoritative reward
// balance.
func (e *Engine) ValidateSufficientCoins(amount decimal.Decimal) (bool, error) {
	cache, _, err := e.runtime()
	if err != nil {
		return false, err
	}
	return cache.ValidateSufficientBalance(ledger.AccountReward, amount), nil
}

// Buy executes a market buy at the current quote: wallet debit, position
// open/average, trade record, and a feed watch on the instrument.
func (e *Engine) Buy(ctx context.Context, symbol string, quantity decimal.Decimal) (model.Position, model.Transaction, error) {
	cache, tracker, err := e.runtime()
	if err != nil {
		return model.Position{}, model.Transaction{}, err
	}

	q, ok := e.feed.Quote(symbol)
	if !ok {
		return model.Position{}, model.Transaction{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	cost := quantity.Mul(q.Price)

	// Check against the authoritative balance first so we do not submit
	// trades the server is likely to reject, then debit optimistically.
	if !cache.ValidateSufficientBalance(ledger.AccountWallet, cost) {
		return model.Position{}, model.Transaction{}, fmt.Errorf(
			"%w: cost %s", ledger.ErrInsufficientBalance, cost)
	}
	if _, err := cache.ApplyOptimisticDelta(ctx, ledger.DeltaDebit, ledger.AccountWallet, cost, "trade:buy:"+symbol); err != nil {
		return model.Position{}, model.Transaction{}, err
	}

	pos, err := tracker.ApplyBuy(ctx, symbol, quantity, q.Price, time.Now().UTC())
	if err != nil {
		// Roll the debit back; the tracker rejected the trade.
		_, _ = cache.ApplyOptimisticDelta(ctx, ledger.DeltaCredit, ledger.AccountWallet, cost, "trade:buy-rollback:"+symbol)
		return model.Position{}, model.Transaction{}, err
	}

	tx := cache.RecordTrade(ctx, model.TxBuy, symbol, quantity, q.Price, cost)
	e.watch(symbol)

	revalued := tracker.Revalue(ctx, e.feed.Quotes())
	for _, p := range revalued {
		if p.InstrumentSymbol == symbol {
			pos = p
		}
	}
	return pos, tx, nil
}

// Sell executes a market sell at the current quote: quantity decrement
// (full closure removes the position and its feed watch), wallet credit,
// trade record.
func (e *Engine) Sell(ctx context.Context, symbol string, quantity decimal.Decimal) (model.Position, model.Transaction, error) {
	cache, tracker, err := e.runtime()
	if err != nil {
		return model.Position{}, model.Transaction{}, err
	}

	q, ok := e.feed.Quote(symbol)
	if !ok {
		return model.Position{}, model.Transaction{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	pos, err := tracker.ApplySell(ctx, symbol, quantity)
	if err != nil {
		return model.Position{}, model.Transaction{}, err
	}

	proceeds := quantity.Mul(q.Price)
	if _, err := cache.ApplyOptimisticDelta(ctx, ledger.DeltaCredit, ledger.AccountWallet, proceeds, "trade:sell:"+symbol); err != nil {
		return model.Position{}, model.Transaction{}, err
	}
	tx := cache.RecordTrade(ctx, model.TxSell, symbol, quantity, q.Price, proceeds)

	if pos.Quantity.IsZero() {
		e.unwatch(symbol)
	}

	tracker.Revalue(ctx, e.feed.Quotes())
	return pos, tx, nil
}

// Portfolio returns the open positions revalued against the latest quotes
// plus the aggregate figures, computed in the same pass.
func (e *Engine) Portfolio(ctx context.Context) ([]model.Position, portfolio.Summary, error) {
	_, tracker, err := e.runtime()
	if err != nil {
		return nil, portfolio.Summary{}, err
	}
	positions := tracker.Revalue(ctx, e.feed.Quotes())
	return positions, portfolio.Summarize(positions), nil
}

// Transactions returns the append-only trade/balance log.
func (e *Engine) Transactions() ([]model.Transaction, error) {
	cache, _, err := e.runtime()
	if err != nil {
		return nil, err
	}
	return cache.Transactions(), nil
}

// watch opens a feed subscription for a held instrument; every tick
// triggers a revaluation pass.
func (e *Engine) watch(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.unsubs[symbol]; ok {
		return
	}
	e.unsubs[symbol] = e.feed.Subscribe([]string{symbol}, func(model.PriceQuote) {
		e.mu.Lock()
		tracker := e.tracker
		e.mu.Unlock()
		if tracker == nil {
			// Tick arrived after teardown: discard.
			return
		}
		tracker.Revalue(context.Background(), e.feed.Quotes())
	})
}

func (e *Engine) unwatch(symbol string) {
	e.mu.Lock()
	unsub, ok := e.unsubs[symbol]
	delete(e.unsubs, symbol)
	e.mu.Unlock()
	if ok {
		unsub()
	}
}

// runtime returns the session-scoped components, or ErrNotAuthenticated
// when no session is active.
func (e *Engine) runtime() (*ledger.Cache, *portfolio.Tracker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cache == nil || e.tracker == nil {
		return nil, nil, ErrNotAuthenticated
	}
	return e.cache, e.tracker, nil
}
