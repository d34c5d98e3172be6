package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// TokenSource supplies the bearer token for authenticated ledger calls.
// The session manager implements it; calls fail once the session is gone.
type TokenSource interface {
	BearerToken() (string, error)
}

// HTTPClient implements Service against the remote ledger endpoint.
// Outbound calls are rate limited so a misbehaving timer cannot hammer
// the service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	limiter *rate.Limiter
}

// NewHTTPClient creates a ledger client. requestsPerMinute bounds the
// outbound call rate; zero or negative disables limiting.
func NewHTTPClient(baseURL string, tokens TokenSource, requestsPerMinute int) *HTTPClient {
	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), 1)
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		tokens:  tokens,
		limiter: limiter,
	}
}

func (c *HTTPClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *HTTPClient) Snapshot(ctx context.Context, principalID string) (BalanceSnapshot, error) {
	if err := c.wait(ctx); err != nil {
		return BalanceSnapshot{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/ledger/"+principalID, nil)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	if err := c.authorize(req); err != nil {
		return BalanceSnapshot{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return BalanceSnapshot{}, fmt.Errorf("ledger: snapshot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BalanceSnapshot{}, fmt.Errorf("ledger: snapshot returned status %d", resp.StatusCode)
	}

	var snap BalanceSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return BalanceSnapshot{}, fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	return snap, nil
}

type applyRequest struct {
	Kind    DeltaKind       `json:"kind"`
	Account Account         `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
}

func (c *HTTPClient) Apply(ctx context.Context, principalID string, kind DeltaKind, account Account, amount decimal.Decimal, reason string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(applyRequest{Kind: kind, Account: account, Amount: amount, Reason: reason})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/ledger/"+principalID+"/apply", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: apply request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("ledger: apply returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) error {
	token, err := c.tokens.BearerToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
