package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/api"
	"github.com/papertrade/sync-engine/internal/engine"
	"github.com/papertrade/sync-engine/internal/feed"
	"github.com/papertrade/sync-engine/internal/ledger"
	"github.com/papertrade/sync-engine/internal/model"
	"github.com/papertrade/sync-engine/internal/session"
	"github.com/papertrade/sync-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func signToken(t *testing.T, principal string, expiry time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  principal,
		"role": "standard",
		"exp":  expiry.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

type fakeAuth struct {
	t         *testing.T
	principal string
	loginErr  error
}

func (f *fakeAuth) Login(_ context.Context, _ session.Credentials) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return signToken(f.t, f.principal, time.Now().Add(time.Hour)), nil
}

func (f *fakeAuth) Exchange(_ context.Context, _ string) (string, error) {
	return signToken(f.t, f.principal, time.Now().Add(time.Hour)), nil
}

// fakeLedger serves a fixed authoritative snapshot and swallows applies.
type fakeLedger struct {
	mu   sync.Mutex
	snap ledger.BalanceSnapshot
}

func (f *fakeLedger) Snapshot(_ context.Context, _ string) (ledger.BalanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

func (f *fakeLedger) Apply(_ context.Context, _ string, _ ledger.DeltaKind, _ ledger.Account, _ decimal.Decimal, _ string) error {
	return nil
}

type testEnv struct {
	router *chi.Mux
	auth   *fakeAuth
	remote *fakeLedger
	feed   *feed.Subscriber
}

// newTestEnv wires the full stack over an in-memory store. The timer
// loops run at an hour cadence so nothing ticks during a test; the
// initial sync at login still seeds the authoritative balance.
func newTestEnv(t *testing.T, wallet, reward float64) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	auth := &fakeAuth{t: t, principal: "u1"}
	remote := &fakeLedger{snap: ledger.BalanceSnapshot{
		WalletAmount: d(wallet),
		RewardAmount: d(reward),
		AsOf:         time.Now().UTC(),
	}}
	sub := feed.NewSubscriber()

	sessions := session.NewManager(st, auth, nil)
	eng := engine.New(st, sessions, remote, sub, engine.Options{
		SessionCheckInterval: time.Hour,
		ReconcileInterval:    time.Hour,
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewService(eng).Routes)
	return &testEnv{router: r, auth: auth, remote: remote, feed: sub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/session/login",
		session.Credentials{Username: "u1", Password: "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestLoginAndGetSession(t *testing.T) {
	env := newTestEnv(t, 10000, 0)
	env.login(t)

	rec := env.do(t, http.MethodGet, "/api/v1/session", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp api.SessionResponse
	decodeInto(t, rec, &resp)
	if resp.State != model.SessionActive {
		t.Errorf("expected state active, got %s", resp.State)
	}
	if resp.PrincipalID != "u1" {
		t.Errorf("expected principal u1, got %s", resp.PrincipalID)
	}
	if resp.TokenExpiry == "" {
		t.Error("expected a token expiry")
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	env.auth.loginErr = errors.New("invalid credentials")

	rec := env.do(t, http.MethodPost, "/api/v1/session/login",
		session.Credentials{Username: "u1", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	rec := env.do(t, http.MethodPost, "/api/v1/session/login",
		session.Credentials{Username: "u1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestBalance_RequiresSession(t *testing.T) {
	env := newTestEnv(t, 0, 0)
	rec := env.do(t, http.MethodGet, "/api/v1/balance", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestCoinLifecycle(t *testing.T) {
	env := newTestEnv(t, 0, 500)
	env.login(t)

	rec := env.do(t, http.MethodGet, "/api/v1/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", rec.Code)
	}
	var bal model.LedgerBalance
	decodeInto(t, rec, &bal)
	if !bal.RewardAmount.Equal(d(500)) {
		t.Fatalf("expected initial reward 500, got %s", bal.RewardAmount)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/balance/add",
		api.CoinRequest{Amount: d(100), Reason: "purchase"})
	if rec.Code != http.StatusOK {
		t.Fatalf("add: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &bal)
	if !bal.RewardAmount.Equal(d(600)) {
		t.Errorf("expected reward 600 after add, got %s", bal.RewardAmount)
	}
	if !bal.TotalRewardPurchased.Equal(d(100)) {
		t.Errorf("expected total purchased 100, got %s", bal.TotalRewardPurchased)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/balance/deduct",
		api.CoinRequest{Amount: d(50), Reason: "contest-entry"})
	if rec.Code != http.StatusOK {
		t.Fatalf("deduct: expected 200, got %d", rec.Code)
	}
	decodeInto(t, rec, &bal)
	if !bal.RewardAmount.Equal(d(550)) {
		t.Errorf("expected reward 550 after deduct, got %s", bal.RewardAmount)
	}

	// Overdraw: nothing applied, balance unchanged.
	rec = env.do(t, http.MethodPost, "/api/v1/balance/deduct",
		api.CoinRequest{Amount: d(10000), Reason: "contest-entry"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for overdraw, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/balance", nil)
	decodeInto(t, rec, &bal)
	if !bal.RewardAmount.Equal(d(550)) {
		t.Errorf("expected reward unchanged at 550, got %s", bal.RewardAmount)
	}
}

func TestValidateCoins(t *testing.T) {
	env := newTestEnv(t, 0, 500)
	env.login(t)

	rec := env.do(t, http.MethodGet, "/api/v1/balance/validate?amount=400", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	decodeInto(t, rec, &resp)
	if !resp["sufficient"] {
		t.Error("expected 400 coins to be sufficient against authoritative 500")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/balance/validate?amount=600", nil)
	decodeInto(t, rec, &resp)
	if resp["sufficient"] {
		t.Error("expected 600 coins to be insufficient against authoritative 500")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/balance/validate?amount=-5", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", rec.Code)
	}
}

func TestTrade_BuySellRoundTrip(t *testing.T) {
	env := newTestEnv(t, 100000, 0)
	env.login(t)
	env.feed.Dispatch(model.PriceQuote{
		InstrumentSymbol: "RELIANCE",
		Price:            d(2500),
		AsOf:             time.Now().UTC(),
	})

	rec := env.do(t, http.MethodPost, "/api/v1/trade",
		api.TradeRequest{InstrumentSymbol: "RELIANCE", Side: "buy", Quantity: d(10)})
	if rec.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var trade api.TradeResponse
	decodeInto(t, rec, &trade)
	if trade.Transaction.Kind != model.TxBuy {
		t.Errorf("expected buy transaction, got %s", trade.Transaction.Kind)
	}
	if !trade.Position.Quantity.Equal(d(10)) {
		t.Errorf("expected position quantity 10, got %s", trade.Position.Quantity)
	}
	if !trade.Position.AverageCost.Equal(d(2500)) {
		t.Errorf("expected average cost 2500, got %s", trade.Position.AverageCost)
	}
	if !trade.Balance.WalletAmount.Equal(d(75000)) {
		t.Errorf("expected wallet 75000 after buy, got %s", trade.Balance.WalletAmount)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/portfolio", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("portfolio: expected 200, got %d", rec.Code)
	}
	var pf api.PortfolioResponse
	decodeInto(t, rec, &pf)
	if len(pf.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(pf.Positions))
	}
	if !pf.Summary.TotalCurrentValue.Equal(d(25000)) {
		t.Errorf("expected current value 25000, got %s", pf.Summary.TotalCurrentValue)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/trade",
		api.TradeRequest{InstrumentSymbol: "RELIANCE", Side: "sell", Quantity: d(10)})
	if rec.Code != http.StatusOK {
		t.Fatalf("sell: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeInto(t, rec, &trade)
	if !trade.Balance.WalletAmount.Equal(d(100000)) {
		t.Errorf("expected wallet restored to 100000, got %s", trade.Balance.WalletAmount)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/portfolio", nil)
	decodeInto(t, rec, &pf)
	if len(pf.Positions) != 0 {
		t.Errorf("expected empty portfolio after full closure, got %d positions", len(pf.Positions))
	}
}

func TestTrade_NoQuote(t *testing.T) {
	env := newTestEnv(t, 100000, 0)
	env.login(t)

	rec := env.do(t, http.MethodPost, "/api/v1/trade",
		api.TradeRequest{InstrumentSymbol: "TCS", Side: "buy", Quantity: d(1)})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 without a quote, got %d", rec.Code)
	}
}

func TestTrade_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, 1000, 0)
	env.login(t)
	env.feed.Dispatch(model.PriceQuote{
		InstrumentSymbol: "RELIANCE",
		Price:            d(2500),
		AsOf:             time.Now().UTC(),
	})

	rec := env.do(t, http.MethodPost, "/api/v1/trade",
		api.TradeRequest{InstrumentSymbol: "RELIANCE", Side: "buy", Quantity: d(10)})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient balance, got %d", rec.Code)
	}

	// The rejected trade must leave the wallet untouched.
	rec = env.do(t, http.MethodGet, "/api/v1/balance", nil)
	var bal model.LedgerBalance
	decodeInto(t, rec, &bal)
	if !bal.WalletAmount.Equal(d(1000)) {
		t.Errorf("expected wallet unchanged at 1000, got %s", bal.WalletAmount)
	}
}

func TestTrade_Validation(t *testing.T) {
	env := newTestEnv(t, 1000, 0)
	env.login(t)

	cases := []struct {
		name string
		req  api.TradeRequest
	}{
		{"missing symbol", api.TradeRequest{Side: "buy", Quantity: d(1)}},
		{"bad side", api.TradeRequest{InstrumentSymbol: "TCS", Side: "hold", Quantity: d(1)}},
		{"zero quantity", api.TradeRequest{InstrumentSymbol: "TCS", Side: "buy"}},
		{"negative quantity", api.TradeRequest{InstrumentSymbol: "TCS", Side: "buy", Quantity: d(-1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/trade", tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestTransactions(t *testing.T) {
	env := newTestEnv(t, 100000, 0)
	env.login(t)
	env.feed.Dispatch(model.PriceQuote{
		InstrumentSymbol: "TCS",
		Price:            d(4000),
		AsOf:             time.Now().UTC(),
	})

	rec := env.do(t, http.MethodPost, "/api/v1/trade",
		api.TradeRequest{InstrumentSymbol: "TCS", Side: "buy", Quantity: d(2)})
	if rec.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var txs []model.Transaction
	decodeInto(t, rec, &txs)

	// One debit for the cost plus the trade record itself.
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	last := txs[len(txs)-1]
	if last.Kind != model.TxBuy || last.InstrumentSymbol != "TCS" {
		t.Errorf("expected trailing buy record for TCS, got %s %s", last.Kind, last.InstrumentSymbol)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, 1000, 0)
	env.login(t)

	rec := env.do(t, http.MethodPost, "/api/v1/session/logout", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/balance", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/session", nil)
	var resp api.SessionResponse
	decodeInto(t, rec, &resp)
	if resp.State != model.SessionInvalidated {
		t.Errorf("expected state invalidated after logout, got %s", resp.State)
	}
}

func TestLogoutAllDevices(t *testing.T) {
	env := newTestEnv(t, 1000, 0)
	env.login(t)

	rec := env.do(t, http.MethodPost, "/api/v1/session/logout-all", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout-all: expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/v1/balance", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout-all, got %d", rec.Code)
	}
}
