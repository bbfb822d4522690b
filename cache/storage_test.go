package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ramadanpath/offline/fetch"
	"github.com/ramadanpath/offline/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemory() },
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			return b
		},
		"redis": func(t *testing.T) Backend {
			_, client := newTestRedis(t)
			return NewRedis(client, WithPrefix("test"))
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s *Storage)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(factory(t))
			defer s.Close()
			fn(t, s)
		})
	}
}

func mustEntry(t *testing.T, url, body string) *Entry {
	t.Helper()
	e, err := NewEntry(url, http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, []byte(body))
	require.NoError(t, err)
	return e
}

func TestStorageOpenHasKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		ok, err := s.Has(ctx, "ramadan-app-v2.0")
		assert.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Open(ctx, "ramadan-app-v1.0")
		require.NoError(t, err)
		ns, err := s.Open(ctx, "ramadan-app-v2.0")
		require.NoError(t, err)
		assert.Equal(t, "ramadan-app-v2.0", ns.Name())

		ok, err = s.Has(ctx, "ramadan-app-v2.0")
		assert.NoError(t, err)
		assert.True(t, ok)

		names, err := s.Keys(ctx)
		assert.NoError(t, err)
		assert.ElementsMatch(t, []string{"ramadan-app-v1.0", "ramadan-app-v2.0"}, names)

		_, err = s.Open(ctx, "")
		assert.ErrorIs(t, err, ErrNamespaceRequired)
	})
}

func TestNamespacePutMatchDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		ns, err := s.Open(ctx, "static")
		require.NoError(t, err)

		_, found, err := ns.Match(ctx, "https://app.test/app.js")
		assert.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, ns.Put(ctx, mustEntry(t, "https://app.test/app.js#top", "v1")))
		e, found, err := ns.Match(ctx, "https://app.test/app.js")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "v1", string(e.Body))
		assert.Equal(t, "https://app.test/app.js", e.URL)
		assert.Equal(t, "text/plain", e.Header.Get("Content-Type"))

		// overwrite
		require.NoError(t, ns.Put(ctx, mustEntry(t, "https://app.test/app.js", "v2")))
		e, _, err = ns.Match(ctx, "https://app.test/app.js")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(e.Body))

		keys, err := ns.Keys(ctx)
		assert.NoError(t, err)
		assert.Equal(t, []string{"https://app.test/app.js"}, keys)

		deleted, err := ns.Delete(ctx, "https://app.test/app.js")
		assert.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = ns.Delete(ctx, "https://app.test/app.js")
		assert.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestStorageDeletePurgesEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		old, err := s.Open(ctx, "ramadan-api-cache-v1.0")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, mustEntry(t, "https://app.test/api/a", "a")))
		require.NoError(t, old.Put(ctx, mustEntry(t, "https://app.test/api/b", "b")))

		deleted, err := s.Delete(ctx, "ramadan-api-cache-v1.0")
		assert.NoError(t, err)
		assert.True(t, deleted)

		ok, err := s.Has(ctx, "ramadan-api-cache-v1.0")
		assert.NoError(t, err)
		assert.False(t, ok)

		reopened, err := s.Open(ctx, "ramadan-api-cache-v1.0")
		require.NoError(t, err)
		keys, err := reopened.Keys(ctx)
		assert.NoError(t, err)
		assert.Empty(t, keys)

		deleted, err = s.Delete(ctx, "missing")
		assert.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestStorageMatchAcrossNamespaces(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		a, _ := s.Open(ctx, "a")
		b, _ := s.Open(ctx, "b")
		require.NoError(t, b.Put(ctx, mustEntry(t, "https://app.test/x", "from-b")))
		e, found, err := s.Match(ctx, "https://app.test/x")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "from-b", string(e.Body))

		require.NoError(t, a.Put(ctx, mustEntry(t, "https://app.test/x", "from-a")))
		e, _, err = s.Match(ctx, "https://app.test/x")
		require.NoError(t, err)
		assert.Equal(t, "from-a", string(e.Body))
	})
}

func TestNamespaceConcurrentPut(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		ns, _ := s.Open(ctx, "static")
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, ns.Put(ctx, mustEntry(t, fmt.Sprintf("https://app.test/%d.png", i), "x")))
			}(i)
		}
		wg.Wait()
		keys, err := ns.Keys(ctx)
		assert.NoError(t, err)
		assert.Len(t, keys, 20)
	})
}

func newOrigin(t *testing.T, failing string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == failing {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "content of "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNamespaceAddAll(t *testing.T) {
	srv := newOrigin(t, "/missing.png")
	client := fetch.NewClient(logger.NewTestLogger())
	forEachBackend(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		ns, _ := s.Open(ctx, "static")
		urls := []string{srv.URL + "/", srv.URL + "/index.html", srv.URL + "/manifest.json"}
		require.NoError(t, ns.AddAll(ctx, client, urls))
		keys, err := ns.Keys(ctx)
		assert.NoError(t, err)
		assert.Len(t, keys, 3)
		e, found, err := ns.Match(ctx, srv.URL+"/index.html")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "content of /index.html", string(e.Body))
	})
}

func TestNamespaceAddAllIsAllOrNothing(t *testing.T) {
	srv := newOrigin(t, "/missing.png")
	client := fetch.NewClient(logger.NewTestLogger())
	forEachBackend(t, func(t *testing.T, s *Storage) {
		ctx := context.Background()
		ns, _ := s.Open(ctx, "static")
		err := ns.AddAll(ctx, client, []string{srv.URL + "/", srv.URL + "/missing.png"})
		assert.ErrorIs(t, err, ErrBadStatus)
		keys, err := ns.Keys(ctx)
		assert.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestNamespaceAddAllNetworkError(t *testing.T) {
	failing := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "b") {
			return nil, errors.New("connection refused")
		}
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok")), Header: http.Header{}}, nil
	})
	s := New(NewMemory())
	ctx := context.Background()
	ns, _ := s.Open(ctx, "static")
	err := ns.AddAll(ctx, failing, []string{"https://app.test/a", "https://app.test/b"})
	assert.ErrorContains(t, err, "connection refused")
	keys, _ := ns.Keys(ctx)
	assert.Empty(t, keys)
}

func TestNamespaceAdd(t *testing.T) {
	srv := newOrigin(t, "/missing.png")
	client := fetch.NewClient(logger.NewTestLogger())
	s := New(NewMemory())
	ctx := context.Background()
	ns, _ := s.Open(ctx, "static")
	e, err := ns.Add(ctx, client, srv.URL+"/app.css")
	require.NoError(t, err)
	assert.Equal(t, "content of /app.css", string(e.Body))
	_, err = ns.Add(ctx, client, srv.URL+"/missing.png")
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestSQLiteFilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	b, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	s := New(b)
	ns, err := s.Open(ctx, "ramadan-app-v2.0")
	require.NoError(t, err)
	require.NoError(t, ns.Put(ctx, mustEntry(t, "https://app.test/", "shell")))
	require.NoError(t, s.Close())
	// Close is idempotent
	assert.NoError(t, b.Close())

	b, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	s = New(b)
	defer s.Close()
	e, found, err := s.Match(ctx, "https://app.test/")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "shell", string(e.Body))
}

func TestRedisLayout(t *testing.T) {
	mr, client := newTestRedis(t)
	s := New(NewRedis(client, WithPrefix("sw")))
	ctx := context.Background()
	ns, err := s.Open(ctx, "ramadan-app-v2.0")
	require.NoError(t, err)
	require.NoError(t, ns.Put(ctx, mustEntry(t, "https://app.test/", "shell")))
	assert.True(t, mr.Exists("sw:namespaces"))
	assert.True(t, mr.Exists("sw:ns:ramadan-app-v2.0"))
	_, err = s.Delete(ctx, "ramadan-app-v2.0")
	require.NoError(t, err)
	assert.False(t, mr.Exists("sw:ns:ramadan-app-v2.0"))
}

func TestMemoryClosed(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())
	_, err := b.Namespaces(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
