// Package api exposes the engine to the view layer over HTTP: session
// state, balances, coin operations, trades, and the revalued portfolio.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/sync-engine/internal/engine"
	"github.com/papertrade/sync-engine/internal/ledger"
	"github.com/papertrade/sync-engine/internal/model"
	"github.com/papertrade/sync-engine/internal/portfolio"
	"github.com/papertrade/sync-engine/internal/session"
)

// Service holds the HTTP handlers over one engine.
type Service struct {
	engine *engine.Engine
}

// NewService creates the view-layer HTTP service.
func NewService(e *engine.Engine) *Service {
	return &Service{engine: e}
}

// Routes mounts the handlers on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/session", s.GetSession)
	r.Post("/session/login", s.Login)
	r.Post("/session/logout", s.Logout)
	r.Post("/session/logout-all", s.LogoutAllDevices)

	r.Get("/balance", s.GetBalance)
	r.Post("/balance/add", s.AddCoins)
	r.Post("/balance/deduct", s.DeductCoins)
	r.Get("/balance/validate", s.ValidateCoins)

	r.Post("/trade", s.ExecuteTrade)
	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/transactions", s.GetTransactions)
}

// --- Request/Response types ---

// SessionResponse is the session snapshot shown to the view layer. The
// bearer token stays server-side of this API; the view never needs it.
type SessionResponse struct {
	State       model.SessionState `json:"state"`
	PrincipalID string             `json:"principal_id,omitempty"`
	Role        model.Role         `json:"role,omitempty"`
	TokenExpiry string             `json:"token_expiry,omitempty"`
	Notice      string             `json:"notice,omitempty"`
}

// CoinRequest is the JSON body for balance add/deduct.
type CoinRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	InstrumentSymbol string          `json:"instrument_symbol"`
	Side             string          `json:"side"` // "buy" or "sell"
	Quantity         decimal.Decimal `json:"quantity"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	Transaction model.Transaction   `json:"transaction"`
	Position    model.Position      `json:"position"`
	Balance     model.LedgerBalance `json:"balance"`
}

// PortfolioResponse carries the revalued positions and the aggregate
// figures computed in the same pass.
type PortfolioResponse struct {
	Positions []model.Position  `json:"positions"`
	Summary   portfolio.Summary `json:"summary"`
}

// --- Handlers ---

// GetSession handles GET /api/v1/session
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, state, notice := s.engine.Session()

	resp := SessionResponse{State: state, Notice: notice}
	if state == model.SessionActive || state == model.SessionRefreshing {
		resp.PrincipalID = sess.PrincipalID
		resp.Role = sess.Role
		resp.TokenExpiry = sess.TokenExpiry.Format("2006-01-02T15:04:05Z07:00")
	}
	writeJSON(w, http.StatusOK, resp)
}

// Login handles POST /api/v1/session/login
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	var creds session.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if creds.Username == "" || creds.Password == "" {
		writeError(w, "username and password are required", http.StatusBadRequest)
		return
	}

	sess, err := s.engine.Login(r.Context(), creds)
	if errors.Is(err, session.ErrAuthFailed) {
		writeError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		State:       model.SessionActive,
		PrincipalID: sess.PrincipalID,
		Role:        sess.Role,
		TokenExpiry: sess.TokenExpiry.Format("2006-01-02T15:04:05Z07:00"),
	})
}

// Logout handles POST /api/v1/session/logout
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Logout(r.Context()); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAllDevices handles POST /api/v1/session/logout-all
func (s *Service) LogoutAllDevices(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.LogoutAllDevices(r.Context()); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance handles GET /api/v1/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.engine.Balance()
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// AddCoins handles POST /api/v1/balance/add
func (s *Service) AddCoins(w http.ResponseWriter, r *http.Request) {
	s.applyCoins(w, r, s.engine.AddCoins)
}

// DeductCoins handles POST /api/v1/balance/deduct
func (s *Service) DeductCoins(w http.ResponseWriter, r *http.Request) {
	s.applyCoins(w, r, s.engine.DeductCoins)
}

// ValidateCoins handles GET /api/v1/balance/validate?amount=
func (s *Service) ValidateCoins(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || amount.IsNegative() {
		writeError(w, "amount must be a non-negative number", http.StatusBadRequest)
		return
	}

	ok, err := s.engine.ValidateSufficientCoins(amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sufficient": ok})
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstrumentSymbol == "" {
		writeError(w, "instrument_symbol is required", http.StatusBadRequest)
		return
	}
	if req.Side != "buy" && req.Side != "sell" {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	var (
		pos model.Position
		tx  model.Transaction
		err error
	)
	if req.Side == "buy" {
		pos, tx, err = s.engine.Buy(r.Context(), req.InstrumentSymbol, req.Quantity)
	} else {
		pos, tx, err = s.engine.Sell(r.Context(), req.InstrumentSymbol, req.Quantity)
	}

	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotAuthenticated):
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, portfolio.ErrNoPosition), errors.Is(err, portfolio.ErrExcessQuantity):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, engine.ErrNoQuote):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	bal, _ := s.engine.Balance()
	writeJSON(w, http.StatusOK, TradeResponse{Transaction: tx, Position: pos, Balance: bal})
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	positions, summary, err := s.engine.Portfolio(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, PortfolioResponse{Positions: positions, Summary: summary})
}

// GetTransactions handles GET /api/v1/transactions
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.engine.Transactions()
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- helpers ---

func (s *Service) applyCoins(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, amount decimal.Decimal, reason string) (model.LedgerBalance, error)) {

	var req CoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	bal, err := apply(r.Context(), req.Amount, req.Reason)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotAuthenticated):
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
