package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
)

// Unlimited approves every charge. For development without a ledger.
type Unlimited struct{}

func (Unlimited) Balance(context.Context, string) (int64, error) { return math.MaxInt64, nil }

func (Unlimited) Deduct(context.Context, string, int64, string) error { return nil }

// HTTPLedger talks to the credit ledger service:
//
//	GET  {base}/v1/users/{id}/balance     -> {"balance": n}
//	POST {base}/v1/users/{id}/deductions  <- {"amount": n, "reference": "..."}
//
// A 402 from the deduction endpoint means insufficient credits.
type HTTPLedger struct {
	base    *url.URL
	token   string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPLedger(baseURL, token string, timeout time.Duration, client *http.Client) (*HTTPLedger, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errs.Configf("invalid ledger url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLedger{base: u, token: token, timeout: timeout, client: client}, nil
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

type deductRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (l *HTTPLedger) Balance(ctx context.Context, userID string) (int64, error) {
	res, body, err := l.do(ctx, http.MethodGet, userID, "balance", nil)
	if err != nil {
		return 0, err
	}
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ledger balance returned %s", res.Status)
	}
	var out balanceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	return out.Balance, nil
}

func (l *HTTPLedger) Deduct(ctx context.Context, userID string, amount int64, reference string) error {
	payload, err := json.Marshal(deductRequest{Amount: amount, Reference: reference})
	if err != nil {
		return err
	}
	res, body, err := l.do(ctx, http.MethodPost, userID, "deductions", payload)
	if err != nil {
		return err
	}
	switch res.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusPaymentRequired:
		var out balanceResponse
		_ = json.Unmarshal(body, &out)
		return &errs.InsufficientCreditsError{UserID: userID, Needed: amount, Available: out.Balance}
	default:
		return fmt.Errorf("ledger deduct returned %s: %s", res.Status, strings.TrimSpace(string(body)))
	}
}

func (l *HTTPLedger) do(ctx context.Context, method, userID, leaf string, payload []byte) (*http.Response, []byte, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	u := *l.base
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/users/" + url.PathEscape(userID) + "/" + leaf

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	res, err := l.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger %s %s: %w", method, leaf, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return nil, nil, err
	}
	return res, b, nil
}
