// Package verify checks extracted emails against a quota-limited verification
// API, spending keys from a keypool.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/keypool"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

// Statuses the verification API reports.
const (
	StatusValid    = "valid"
	StatusInvalid  = "invalid"
	StatusCatchAll = "catch_all"
	StatusUnknown  = "unknown"
)

type response struct {
	Email  string `json:"email"`
	Status string `json:"status"`
}

// Verifier calls GET {base}/v1/verify?email=... with a pooled key.
type Verifier struct {
	pool    *keypool.Pool
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	log     *zap.Logger
}

func New(pool *keypool.Pool, baseURL string, timeout time.Duration, client *http.Client, log *zap.Logger) (*Verifier, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errs.Configf("invalid verification url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{
		pool:    pool,
		base:    u,
		client:  client,
		timeout: timeout,
		log:     logging.OrNop(log).With(logging.Component("verify")),
	}, nil
}

// Verify reports whether email is deliverable. The key is always released,
// and usage is tracked once the API has answered.
func (v *Verifier) Verify(ctx context.Context, email string) (bool, error) {
	lease, err := v.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer lease.Release()

	callCtx := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	u := *v.base
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/verify"
	u.RawQuery = url.Values{"email": {email}}.Encode()
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+lease.Key())
	req.Header.Set("Accept", "application/json")

	res, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", email, err)
	}
	defer res.Body.Close()
	lease.TrackUsage()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return false, fmt.Errorf("read verification response: %w", err)
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return false, &errs.RateLimitExceededError{Key: logging.Redact(lease.Key()), RetryAfter: retryAfter(res.Header.Get("Retry-After"))}
	}
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verification api returned %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode verification response: %w", err)
	}
	return out.Status == StatusValid, nil
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// VerifyAll verifies leads in parallel, at most one call per key at a time.
// A lead whose check fails stays unverified; only context errors abort.
func (v *Verifier) VerifyAll(ctx context.Context, leads []models.Lead) ([]models.Lead, error) {
	out := make([]models.Lead, len(leads))
	copy(out, leads)

	g, gctx := errgroup.WithContext(ctx)
	limit := v.pool.Size()
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i := range out {
		if out[i].Email == "" || out[i].Verified {
			continue
		}
		g.Go(func() error {
			ok, err := v.Verify(gctx, out[i].Email)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				v.log.Warn("lead verification failed", zap.String("email", out[i].Email), zap.Error(err))
				return nil
			}
			out[i].Verified = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}
