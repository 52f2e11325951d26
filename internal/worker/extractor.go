// Package worker runs scrapes against a remote extractor service, one page
// per call, over the lane's browser endpoint.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/scheduler"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

type pageRequest struct {
	URL      string `json:"url"`
	Page     int    `json:"page"`
	Endpoint string `json:"endpoint"`
	Profile  string `json:"profile"`
}

type pageResponse struct {
	Leads   []models.Lead `json:"leads"`
	HasMore bool          `json:"hasMore"`
}

// Extractor posts each page to {base}/v1/extract.
type Extractor struct {
	endpoint    string
	client      *http.Client
	pageTimeout time.Duration
	log         *zap.Logger
}

var _ scheduler.Worker = (*Extractor)(nil)

func NewExtractor(baseURL string, pageTimeout time.Duration, client *http.Client, log *zap.Logger) (*Extractor, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errs.Configf("invalid extractor url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/extract"
	return &Extractor{
		endpoint:    u.String(),
		client:      client,
		pageTimeout: pageTimeout,
		log:         logging.OrNop(log).With(logging.Component("extractor")),
	}, nil
}

// Scrape walks pages 1..job.Pages, checking cancel before each one. Leads are
// de-duplicated by email. It stops early when the extractor reports no more pages.
func (e *Extractor) Scrape(ctx context.Context, job scheduler.Job, cancel scheduler.CancelToken, progress scheduler.ProgressFunc) (models.ScrapeResult, error) {
	log := e.log.With(logging.ScrapeID(job.ScrapeID), logging.Lane(job.LaneID))
	var result models.ScrapeResult
	seen := make(map[string]bool)

	for page := 1; page <= job.Pages; page++ {
		if cancel != nil && cancel.Cancelled(ctx) {
			log.Info("scrape cancelled, stopping", zap.Int("next_page", page))
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		res, err := e.fetch(ctx, pageRequest{URL: job.URL, Page: page, Endpoint: job.Endpoint, Profile: job.ProfileID})
		if err != nil {
			return result, fmt.Errorf("page %d: %w", page, err)
		}
		for _, l := range res.Leads {
			key := strings.ToLower(strings.TrimSpace(l.Email))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			l.Verified = false
			result.Leads = append(result.Leads, l)
		}
		result.PagesScraped = page
		if progress != nil {
			progress(ctx, result.PagesScraped, len(result.Leads))
		}
		log.Debug("page scraped", zap.Int("page", page), zap.Int("leads", len(result.Leads)))
		if !res.HasMore {
			break
		}
	}
	return result, nil
}

func (e *Extractor) fetch(ctx context.Context, in pageRequest) (*pageResponse, error) {
	if e.pageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.pageTimeout)
		defer cancel()
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor returned %s: %s", res.Status, strings.TrimSpace(string(b)))
	}
	var out pageResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode extractor response: %w", err)
	}
	return &out, nil
}
