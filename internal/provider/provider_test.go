package provider

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shehryarbajwa/scrapelane/internal/config"
)

func TestHTTPStartProfile(t *testing.T) {
	var gotAuth, gotPath, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotUser = r.URL.Query().Get("user_id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"msg":"success","data":{"ws":{"puppeteer":"ws://127.0.0.1:9222/devtools/browser/abc"}}}`))
	}))
	defer srv.Close()

	p, err := NewHTTP(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	endpoint, err := p.StartProfile(context.Background(), "tok-1", "profile-9")
	if err != nil {
		t.Fatalf("StartProfile: %v", err)
	}
	if endpoint != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Fatalf("endpoint = %q", endpoint)
	}
	if gotAuth != "Bearer tok-1" || gotPath != "/api/v1/browser/start" || gotUser != "profile-9" {
		t.Fatalf("request = %q %q %q", gotAuth, gotPath, gotUser)
	}
}

func TestHTTPErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "api error code", status: 200, body: `{"code":-1,"msg":"profile does not exist"}`, wantErr: "profile does not exist"},
		{name: "http status", status: 502, body: "bad gateway", wantErr: "502"},
		{name: "missing endpoint", status: 200, body: `{"code":0,"data":{}}`, wantErr: "no debugging endpoint"},
		{name: "garbage", status: 200, body: `not json`, wantErr: "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := NewHTTP(srv.URL, srv.Client())
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.StartProfile(context.Background(), "tok", "p1")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPRequiresProfile(t *testing.T) {
	p, err := NewHTTP("http://localhost:1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.StartProfile(context.Background(), "tok", ""); !errors.Is(err, ErrNoProfile) {
		t.Fatalf("err = %v, want ErrNoProfile", err)
	}
}

func TestNewHTTPRejectsBadURL(t *testing.T) {
	if _, err := NewHTTP("not a url", nil); err == nil {
		t.Fatal("expected error for invalid base url")
	}
}

func TestWithTimeoutBoundsCalls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	backend, err := NewHTTP(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	p := WithTimeout(backend, 50*time.Millisecond, nil)

	start := time.Now()
	err = p.StopProfile(context.Background(), "tok", "p1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default().Provider
	p, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "none" {
		t.Fatalf("Name = %q, want none", p.Name())
	}
	endpoint, err := p.StartProfile(context.Background(), "tok", "p")
	if err != nil || endpoint != "" {
		t.Fatalf("none backend StartProfile = %q, %v", endpoint, err)
	}

	cfg.Mode = config.ModeHTTP
	cfg.BaseURL = "http://provider.local:50325"
	p, err = New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "http" {
		t.Fatalf("Name = %q, want http", p.Name())
	}

	cfg.Mode = "carrier-pigeon"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestProfileStoreRoundTrip(t *testing.T) {
	ps, err := NewProfileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir, err := ps.Restore("p1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "Default"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Default", "Cookies"), []byte("session=1"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ps.Save("p1", dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ps.Discard(dir)
	if !ps.HasData("p1") {
		t.Fatal("archive missing after Save")
	}

	restored, err := ps.Restore("p1")
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Discard(restored)
	b, err := os.ReadFile(filepath.Join(restored, "Default", "Cookies"))
	if err != nil {
		t.Fatalf("restored file: %v", err)
	}
	if string(b) != "session=1" {
		t.Fatalf("restored content = %q", b)
	}

	if err := ps.Delete("p1"); err != nil {
		t.Fatal(err)
	}
	if ps.HasData("p1") {
		t.Fatal("archive still present after Delete")
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("x")
	if err := tw.WriteHeader(&tar.Header{Name: "../../escape", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gz.Close()
	f.Close()

	if err := extractArchive(archive, t.TempDir()); err == nil {
		t.Fatal("expected escaping entry to be rejected")
	}
}

func TestProfileKey(t *testing.T) {
	if got := profileKey("tok", "abc/../x"); strings.ContainsAny(got, "/") {
		t.Fatalf("profile key not sanitized: %q", got)
	}
	k1 := profileKey("secret-token", "")
	if strings.Contains(k1, "secret") || !strings.HasPrefix(k1, "lane-") {
		t.Fatalf("token leaked into key: %q", k1)
	}
	if k1 != profileKey("secret-token", "") {
		t.Fatal("profile key not stable")
	}
}

type preparing struct {
	None
	calls int
}

func (p *preparing) Prepare(context.Context) error {
	p.calls++
	return nil
}

func TestPrepareReachesWrappedBackend(t *testing.T) {
	inner := &preparing{}
	p := WithTimeout(inner, time.Second, nil)
	if err := Prepare(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 1 {
		t.Fatalf("prepare calls = %d", inner.calls)
	}
	if err := Prepare(context.Background(), None{}); err != nil {
		t.Fatalf("None: %v", err)
	}
}
