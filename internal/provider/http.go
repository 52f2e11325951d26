package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTP talks to an anti-detect browser service:
//
//	GET {base}/api/v1/browser/start?user_id=<profile>
//	GET {base}/api/v1/browser/stop?user_id=<profile>
//
// authenticated with the lane token as a bearer token.
type HTTP struct {
	base   *url.URL
	client *http.Client
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		WS struct {
			Puppeteer string `json:"puppeteer"`
			Selenium  string `json:"selenium"`
		} `json:"ws"`
		DebugPort string `json:"debug_port"`
	} `json:"data"`
}

// NewHTTP returns an HTTP backend. A nil client uses http.DefaultClient;
// deadlines come from the caller's context.
func NewHTTP(baseURL string, client *http.Client) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid provider base url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{base: u, client: client}, nil
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) StartProfile(ctx context.Context, token, profileID string) (string, error) {
	if profileID == "" {
		return "", ErrNoProfile
	}
	resp, err := h.call(ctx, "/api/v1/browser/start", token, profileID)
	if err != nil {
		return "", err
	}
	if resp.Data.WS.Puppeteer == "" {
		return "", fmt.Errorf("provider returned no debugging endpoint")
	}
	return resp.Data.WS.Puppeteer, nil
}

func (h *HTTP) StopProfile(ctx context.Context, token, profileID string) error {
	if profileID == "" {
		return ErrNoProfile
	}
	_, err := h.call(ctx, "/api/v1/browser/stop", token, profileID)
	return err
}

func (h *HTTP) call(ctx context.Context, path, token, profileID string) (*apiResponse, error) {
	u := *h.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("user_id", profileID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("provider error %d: %s", out.Code, out.Msg)
	}
	return &out, nil
}
