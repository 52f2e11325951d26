package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
)

func TestHTTPLedger(t *testing.T) {
	var gotAuth string
	var gotDeduct deductRequest
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/users/{id}/balance", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(balanceResponse{Balance: 42})
	})
	mux.HandleFunc("POST /v1/users/{id}/deductions", func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, json.NewDecoder(r.Body).Decode(&gotDeduct))
		if r.PathValue("id") == "broke" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(balanceResponse{Balance: 1})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	l, err := NewHTTPLedger(srv.URL, "secret", time.Second, srv.Client())
	assert.NilError(t, err)

	bal, err := l.Balance(context.Background(), "alice")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(bal, int64(42)))
	assert.Check(t, is.Equal(gotAuth, "Bearer secret"))

	assert.NilError(t, l.Deduct(context.Background(), "alice", 5, "req-1"))
	assert.Check(t, is.DeepEqual(gotDeduct, deductRequest{Amount: 5, Reference: "req-1"}))

	err = l.Deduct(context.Background(), "broke", 5, "req-2")
	var short *errs.InsufficientCreditsError
	assert.Assert(t, errors.As(err, &short))
	assert.Check(t, is.Equal(short.Available, int64(1)))
}

func TestNewHTTPLedgerRejectsBadURL(t *testing.T) {
	_, err := NewHTTPLedger("::", "", time.Second, nil)
	assert.Check(t, errs.IsConfiguration(err))
}
