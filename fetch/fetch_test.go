package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ramadanpath/offline/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, f Fetcher, rawURL string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return f.Fetch(context.Background(), req)
}

func TestClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}))
	defer srv.Close()

	c := NewClient(logger.NewTestLogger(), WithUserAgent("offline-worker/test"))
	resp, err := get(t, c, srv.URL+"/pot")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", string(body))
	assert.Equal(t, "offline-worker/test", resp.Header.Get("X-Agent"))
	assert.False(t, IsOK(resp.StatusCode))
}

func TestClientBreakerFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	log := logger.NewTestLogger()
	c := NewClient(log, WithBreaker(BreakerConfig{MaxFailures: 2, Cooldown: time.Hour}))
	for i := 0; i < 2; i++ {
		_, err := get(t, c, addr)
		assert.Error(t, err)
	}
	_, err := get(t, c, addr)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.True(t, log.Contains("WARNING", "circuit open"))
}

func TestFetcherFunc(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 204, Body: http.NoBody, Request: req}, nil
	})
	resp, err := get(t, f, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	_, err = NewClient(logger.NewTestLogger()).Fetch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoRequest)
}

func TestClientCancelledFetchKeepsBreakerClosed(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(logger.NewTestLogger(), WithBreaker(BreakerConfig{MaxFailures: 2, Cooldown: time.Hour}))
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		_, err = c.Fetch(ctx, req)
		cancel()
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}
	b := c.Breaker(strings.TrimPrefix(srv.URL, "http://"))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerAbandonReleasesHalfOpenSlot(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }
	require.NoError(t, b.Allow())
	b.Done(assert.AnError)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	b.Abandon()
	assert.NoError(t, b.Allow(), "an abandoned request must not block the next one")
}
