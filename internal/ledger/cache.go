// Package ledger maintains the locally cached wallet and reward balances.
// Trade execution applies optimistic deltas synchronously; a polling timer
// reconciles against the authoritative remote ledger by full-snapshot
// replacement (server wins). Balances never go negative: a debit that
// would overdraw fails before any mutation is applied.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/metrics"
	"github.com/papertrade/sync-engine/internal/model"
	"github.com/papertrade/sync-engine/internal/store"
)

// ErrInsufficientBalance is returned when a debit exceeds the current
// cached amount. Nothing is mutated.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// DefaultReconcileInterval is the cadence of authoritative pulls.
const DefaultReconcileInterval = 5 * time.Second

// DeltaKind is the direction of an optimistic balance mutation.
type DeltaKind string

const (
	DeltaCredit DeltaKind = "credit"
	DeltaDebit  DeltaKind = "debit"
)

// Account selects which cached amount a delta applies to.
type Account string

const (
	AccountWallet Account = "wallet"
	AccountReward Account = "reward"
)

// BalanceSnapshot is the authoritative state returned by the remote
// ledger service. AsOf orders snapshots so a late-arriving stale pull
// cannot overwrite a newer one.
type BalanceSnapshot struct {
	WalletAmount         decimal.Decimal `json:"wallet_amount"`
	RewardAmount         decimal.Decimal `json:"reward_amount"`
	TotalRewardEarned    decimal.Decimal `json:"total_reward_earned"`
	TotalRewardPurchased decimal.Decimal `json:"total_reward_purchased"`
	AsOf                 time.Time       `json:"as_of"`
}

// Service is the remote ledger collaborator.
type Service interface {
	// Snapshot returns the authoritative balance for a principal.
	Snapshot(ctx context.Context, principalID string) (BalanceSnapshot, error)

	// Apply submits a debit/credit tied to a transaction reason so the
	// server records the same mutation the cache applied optimistically.
	Apply(ctx context.Context, principalID string, kind DeltaKind, account Account, amount decimal.Decimal, reason string) error
}

// Cache is the locally cached ledger for one principal. All balance
// mutations are serialized under one mutex; reconciliation replaces the
// cached balance wholesale.
type Cache struct {
	store       store.Store
	svc         Service
	principalID string

	mu            sync.Mutex
	balance       model.LedgerBalance // optimistic view served to callers
	authoritative model.LedgerBalance // last snapshot applied as-is
	transactions  []model.Transaction
	reconciling   bool
}

// persisted is the blob written under the ledger key namespace on every
// state transition, so the next load resumes consistently.
type persisted struct {
	Balance       model.LedgerBalance `json:"balance"`
	Authoritative model.LedgerBalance `json:"authoritative"`
	Transactions  []model.Transaction `json:"transactions"`
}

// NewCache creates a ledger cache for a principal. Pass a nil service to
// run without a remote ledger (tests drive Reconcile directly).
func NewCache(st store.Store, svc Service, principalID string) *Cache {
	return &Cache{
		store:       st,
		svc:         svc,
		principalID: principalID,
	}
}

func ledgerKey(principalID string) string {
	return store.Key("ledger", principalID, "state")
}

// Load seeds the cache from the persistent store at startup. A missing
// entry leaves the cache zeroed until the first reconciliation.
func (c *Cache) Load(ctx context.Context) error {
	var p persisted
	err := c.store.Get(ctx, ledgerKey(c.principalID), &p)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.balance = p.Balance
	c.authoritative = p.Authoritative
	c.transactions = p.Transactions
	c.mu.Unlock()
	return nil
}

// Balance returns the current optimistic balance.
func (c *Cache) Balance() model.LedgerBalance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// ApplyOptimisticDelta mutates the cached amount synchronously and returns
// the new balance; the caller does not wait for server confirmation. A
// debit exceeding the current amount returns ErrInsufficientBalance with
// nothing applied (all-or-nothing).
func (c *Cache) ApplyOptimisticDelta(ctx context.Context, kind DeltaKind, account Account, amount decimal.Decimal, reason string) (model.LedgerBalance, error) {
	if amount.IsNegative() {
		return model.LedgerBalance{}, fmt.Errorf("ledger: negative delta amount %s", amount)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.amountLocked(account)
	if kind == DeltaDebit && current.LessThan(amount) {
		metrics.BalanceRejections.Inc()
		return model.LedgerBalance{}, fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance, current, amount)
	}

	switch kind {
	case DeltaCredit:
		c.setAmountLocked(account, current.Add(amount))
		if account == AccountReward {
			if reason == "purchase" {
				c.balance.TotalRewardPurchased = c.balance.TotalRewardPurchased.Add(amount)
			} else {
				c.balance.TotalRewardEarned = c.balance.TotalRewardEarned.Add(amount)
			}
		}
	case DeltaDebit:
		c.setAmountLocked(account, current.Sub(amount))
	default:
		return model.LedgerBalance{}, fmt.Errorf("ledger: unknown delta kind %q", kind)
	}

	txKind := model.TxCredit
	if kind == DeltaDebit {
		txKind = model.TxDebit
	}
	c.transactions = append(c.transactions, model.Transaction{
		ID:        uuid.New().String(),
		Kind:      txKind,
		Amount:    amount,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})

	metrics.OptimisticDeltas.WithLabelValues(string(kind)).Inc()
	c.persistLocked(ctx)

	// The server records the same mutation; its effect is already
	// reflected here, so the next full-snapshot pull converges.
	if c.svc != nil {
		go func(kind DeltaKind, account Account, amount decimal.Decimal, reason string) {
			if err := c.svc.Apply(context.WithoutCancel(ctx), c.principalID, kind, account, amount, reason); err != nil {
				slog.Warn("ledger apply failed, reconciliation will correct", "err", err)
			}
		}(kind, account, amount, reason)
	}

	return c.balance, nil
}

// RecordTrade appends a buy/sell entry to the append-only transaction log.
// The log is audit data only; balances are mutated separately through
// ApplyOptimisticDelta.
func (c *Cache) RecordTrade(ctx context.Context, kind model.TransactionKind, symbol string, quantity, price, amount decimal.Decimal) model.Transaction {
	tx := model.Transaction{
		ID:               uuid.New().String(),
		Kind:             kind,
		InstrumentSymbol: symbol,
		Quantity:         quantity,
		Price:            price,
		Amount:           amount,
		Timestamp:        time.Now().UTC(),
	}

	c.mu.Lock()
	c.transactions = append(c.transactions, tx)
	c.persistLocked(ctx)
	c.mu.Unlock()
	return tx
}

// Transactions returns a copy of the append-only log, newest last.
func (c *Cache) Transactions() []model.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Transaction, len(c.transactions))
	copy(out, c.transactions)
	return out
}

// Reconcile replaces the cached balance wholesale with the authoritative
// snapshot. Any optimistic delta applied strictly before the snapshot was
// taken is overwritten — the server is the durable source of truth. A
// snapshot older than the last applied one is skipped; returns whether
// the snapshot was applied.
func (c *Cache) Reconcile(ctx context.Context, snap BalanceSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !snap.AsOf.IsZero() && snap.AsOf.Before(c.authoritative.AsOf) {
		slog.Debug("skipping stale ledger snapshot",
			"snapshot_as_of", snap.AsOf, "applied_as_of", c.authoritative.AsOf)
		return false
	}

	next := model.LedgerBalance{
		WalletAmount:         snap.WalletAmount,
		RewardAmount:         snap.RewardAmount,
		TotalRewardEarned:    snap.TotalRewardEarned,
		TotalRewardPurchased: snap.TotalRewardPurchased,
		AsOf:                 snap.AsOf,
	}
	c.balance = next
	c.authoritative = next
	c.persistLocked(ctx)
	return true
}

// ValidateSufficientBalance checks an amount against the last
// authoritative (not optimistic) balance. Used before submitting a trade,
// to avoid accepting trades the server is likely to reject.
func (c *Cache) ValidateSufficientBalance(account Account, amount decimal.Decimal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch account {
	case AccountReward:
		return c.authoritative.RewardAmount.GreaterThanOrEqual(amount)
	default:
		return c.authoritative.WalletAmount.GreaterThanOrEqual(amount)
	}
}

// Clear drops the cached balances and transaction log, in memory and
// persisted. Called when the owning session is torn down: the entries are
// principal-scoped, so they go with the session.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.balance = model.LedgerBalance{}
	c.authoritative = model.LedgerBalance{}
	c.transactions = nil
	if err := c.store.Delete(ctx, ledgerKey(c.principalID)); err != nil {
		slog.Warn("failed to clear persisted ledger state", "err", err)
	}
	c.mu.Unlock()
}

// Run drives the reconciliation tick until ctx is cancelled. An in-flight
// pull is never duplicated by an overlapping tick, and a failed pull
// leaves the last-known balance untouched until the next tick.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if c.svc == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// SyncOnce performs one guarded authoritative pull outside the timer,
// used at session activation so the first render shows fresh balances.
func (c *Cache) SyncOnce(ctx context.Context) error {
	if c.svc == nil {
		return nil
	}
	snap, err := c.svc.Snapshot(ctx, c.principalID)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return fmt.Errorf("ledger: initial sync: %w", err)
	}
	c.Reconcile(ctx, snap)
	metrics.Reconciliations.WithLabelValues("ok").Inc()
	return nil
}

func (c *Cache) tick(ctx context.Context) {
	c.mu.Lock()
	if c.reconciling {
		c.mu.Unlock()
		return
	}
	c.reconciling = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconciling = false
		c.mu.Unlock()
	}()

	snap, err := c.svc.Snapshot(ctx, c.principalID)
	if err != nil {
		// Transient: retried on the next tick.
		metrics.Reconciliations.WithLabelValues("error").Inc()
		slog.Warn("ledger reconciliation pull failed", "err", err)
		return
	}
	if ctx.Err() != nil {
		// Teardown happened while the pull was in flight; the response
		// must not be applied to a since-cleared cache.
		return
	}

	c.Reconcile(ctx, snap)
	metrics.Reconciliations.WithLabelValues("ok").Inc()
}

// --- internal helpers (callers hold c.mu) ---

func (c *Cache) amountLocked(account Account) decimal.Decimal {
	if account == AccountReward {
		return c.balance.RewardAmount
	}
	return c.balance.WalletAmount
}

func (c *Cache) setAmountLocked(account Account, v decimal.Decimal) {
	if account == AccountReward {
		c.balance.RewardAmount = v
	} else {
		c.balance.WalletAmount = v
	}
}

func (c *Cache) persistLocked(ctx context.Context) {
	p := persisted{
		Balance:       c.balance,
		Authoritative: c.authoritative,
		Transactions:  c.transactions,
	}
	// Persistence failure is not fatal to the mutation: the server-side
	// ledger remains the source of truth for the next load.
	if err := c.store.Set(ctx, ledgerKey(c.principalID), p); err != nil {
		slog.Warn("failed to persist ledger state", "err", err)
	}
}
