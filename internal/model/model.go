// Package model defines the core domain types shared across the sync engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the authorization role carried in the bearer token's claims.
// Decoded client-side for display only; the server enforces authorization.
type Role string

const (
	RoleStandard      Role = "standard"
	RoleOperator      Role = "operator"
	RoleSuperOperator Role = "super-operator"
)

// SessionState is the lifecycle state of one session instance.
// Expired and Invalidated are terminal; a new Authenticate call
// starts a fresh instance.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticating  SessionState = "authenticating"
	SessionActive          SessionState = "active"
	SessionRefreshing      SessionState = "refreshing"
	SessionExpired         SessionState = "expired"
	SessionInvalidated     SessionState = "invalidated"
)

// Session is the authenticated session held by this client instance.
// The fencing token ties it to the single-active-session slot in the
// persistent store; a mismatch means another device has claimed the slot.
type Session struct {
	PrincipalID  string    `json:"principal_id"`
	Role         Role      `json:"role"`
	BearerToken  string    `json:"bearer_token"`
	TokenExpiry  time.Time `json:"token_expiry"`
	FencingToken string    `json:"fencing_token"`
}

// LedgerBalance is the locally cached financial state for a principal.
// Amounts are never negative; a deduction that would go negative fails
// before any mutation is applied.
type LedgerBalance struct {
	WalletAmount         decimal.Decimal `json:"wallet_amount"`
	RewardAmount         decimal.Decimal `json:"reward_amount"`
	TotalRewardEarned    decimal.Decimal `json:"total_reward_earned"`
	TotalRewardPurchased decimal.Decimal `json:"total_reward_purchased"`
	AsOf                 time.Time       `json:"as_of"`
}

// Position is a principal's aggregate holding in one instrument.
// The valuation fields (CurrentQuote through UnrealizedPnLPercent) are
// recomputed by every valuation pass, never persisted independently.
type Position struct {
	InstrumentSymbol     string          `json:"instrument_symbol"`
	Quantity             decimal.Decimal `json:"quantity"`
	AverageCost          decimal.Decimal `json:"average_cost"`
	CurrentQuote         decimal.Decimal `json:"current_quote"`
	InvestedValue        decimal.Decimal `json:"invested_value"`
	CurrentValue         decimal.Decimal `json:"current_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	OpenedAt             time.Time       `json:"opened_at"`
}

// PriceQuote is the current market quote for one instrument. Quotes are
// replaced wholesale on each feed tick, never partially merged.
type PriceQuote struct {
	InstrumentSymbol string          `json:"instrument_symbol"`
	Price            decimal.Decimal `json:"price"`
	AsOf             time.Time       `json:"as_of"`
}

// TransactionKind classifies an entry in the append-only transaction log.
type TransactionKind string

const (
	TxBuy    TransactionKind = "buy"
	TxSell   TransactionKind = "sell"
	TxCredit TransactionKind = "credit"
	TxDebit  TransactionKind = "debit"
)

// Transaction is an immutable record of a balance mutation or trade.
// It is audit data only — never the source of truth for current balances.
type Transaction struct {
	ID               string          `json:"id"`
	Kind             TransactionKind `json:"kind"`
	InstrumentSymbol string          `json:"instrument_symbol,omitempty"`
	Quantity         decimal.Decimal `json:"quantity,omitempty"`
	Price            decimal.Decimal `json:"price,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Reason           string          `json:"reason,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}
