package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/keypool"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

type fakeAPI struct {
	mu       sync.Mutex
	statuses map[string]string
	keys     []string
	code     int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.keys = append(f.keys, r.Header.Get("Authorization"))
	code := f.code
	f.mu.Unlock()
	if code != 0 {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(code)
		return
	}
	email := r.URL.Query().Get("email")
	status, ok := f.statuses[email]
	if !ok {
		status = StatusUnknown
	}
	_ = json.NewEncoder(w).Encode(response{Email: email, Status: status})
}

func newVerifier(t *testing.T, api http.Handler, keys ...string) (*Verifier, *keypool.Pool) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	pool, err := keypool.New(keys, keypool.Options{Window: time.Minute, WindowCap: 100, DailyCap: 1000}, nil)
	assert.NilError(t, err)
	v, err := New(pool, srv.URL, 5*time.Second, srv.Client(), nil)
	assert.NilError(t, err)
	return v, pool
}

func totalUses(pool *keypool.Pool) int {
	n := 0
	for _, s := range pool.Stats() {
		n += s.DayCount
	}
	return n
}

func TestVerifyTracksEachCompletedCall(t *testing.T) {
	api := &fakeAPI{statuses: map[string]string{"a@x.io": StatusValid, "b@x.io": StatusInvalid}}
	v, pool := newVerifier(t, api, "key-aaaaaaaa")

	ok, err := v.Verify(context.Background(), "a@x.io")
	assert.NilError(t, err)
	assert.Check(t, ok)

	ok, err = v.Verify(context.Background(), "b@x.io")
	assert.NilError(t, err)
	assert.Check(t, !ok)

	assert.Check(t, is.Equal(totalUses(pool), 2))
	assert.Check(t, is.DeepEqual(api.keys, []string{"Bearer key-aaaaaaaa", "Bearer key-aaaaaaaa"}))

	// the key is back in the pool
	lease, err := pool.TryAcquire()
	assert.NilError(t, err)
	lease.Release()
}

func TestVerifyRateLimitedByAPI(t *testing.T) {
	api := &fakeAPI{code: http.StatusTooManyRequests}
	v, pool := newVerifier(t, api, "key-aaaaaaaa")

	_, err := v.Verify(context.Background(), "a@x.io")
	var rl *errs.RateLimitExceededError
	assert.Assert(t, errors.As(err, &rl))
	assert.Check(t, is.Equal(rl.RetryAfter, 7*time.Second))
	assert.Check(t, is.Equal(rl.Key, "key-…aa"))
	assert.Check(t, is.Equal(totalUses(pool), 1))
}

func TestVerifyTransportErrorNotTracked(t *testing.T) {
	pool, err := keypool.New([]string{"k1"}, keypool.Options{Window: time.Minute, WindowCap: 10, DailyCap: 10}, nil)
	assert.NilError(t, err)
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	v, err := New(pool, srv.URL, time.Second, nil, nil)
	assert.NilError(t, err)

	_, err = v.Verify(context.Background(), "a@x.io")
	assert.Check(t, err != nil)
	assert.Check(t, is.Equal(totalUses(pool), 0))
}

func TestVerifyAll(t *testing.T) {
	api := &fakeAPI{statuses: map[string]string{"a@x.io": StatusValid, "c@x.io": StatusValid}}
	v, pool := newVerifier(t, api, "k1-aaaaaaa", "k2-bbbbbbb")

	leads := []models.Lead{
		{Email: "a@x.io"},
		{Email: "b@x.io"},
		{Email: "c@x.io"},
		{Name: "no email"},
	}
	out, err := v.VerifyAll(context.Background(), leads)
	assert.NilError(t, err)
	assert.Check(t, is.Len(out, 4))
	assert.Check(t, out[0].Verified)
	assert.Check(t, !out[1].Verified)
	assert.Check(t, out[2].Verified)
	assert.Check(t, !out[3].Verified)
	assert.Check(t, !leads[0].Verified, "input must not be modified")
	assert.Check(t, is.Equal(models.ScrapeResult{Leads: out}.VerifiedCount(), 2))
	assert.Check(t, is.Equal(totalUses(pool), 3))
}

func TestVerifyAllCancelled(t *testing.T) {
	api := &fakeAPI{statuses: map[string]string{}}
	v, _ := newVerifier(t, api, "k1-aaaaaaa")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.VerifyAll(ctx, []models.Lead{{Email: "a@x.io"}})
	assert.Check(t, errors.Is(err, context.Canceled))
}

func TestNewRejectsBadURL(t *testing.T) {
	pool, err := keypool.New([]string{"k1"}, keypool.Options{Window: time.Minute, WindowCap: 1, DailyCap: 1}, nil)
	assert.NilError(t, err)
	_, err = New(pool, "not a url", time.Second, nil, nil)
	assert.Check(t, errs.IsConfiguration(err))
}
