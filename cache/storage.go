package cache

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ramadanpath/offline/fetch"
	"golang.org/x/sync/errgroup"
)

// Storage is the set of named namespaces, the equivalent of a browser CacheStorage.
type Storage struct {
	backend Backend
}

// New returns a Storage over backend
func New(backend Backend) *Storage {
	return &Storage{backend: backend}
}

// Open returns the namespace called name, creating it if needed
func (s *Storage) Open(ctx context.Context, name string) (*Namespace, error) {
	if name == "" {
		return nil, ErrNamespaceRequired
	}
	if err := s.backend.CreateNamespace(ctx, name); err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", name, err)
	}
	return &Namespace{name: name, backend: s.backend}, nil
}

// Has reports whether a namespace called name exists
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	names, err := s.backend.Namespaces(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Delete drops the namespace called name with every entry in it
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, ErrNamespaceRequired
	}
	return s.backend.DropNamespace(ctx, name)
}

// Keys lists namespace names in creation order
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Namespaces(ctx)
}

// Match looks rawURL up in every namespace, oldest first
func (s *Storage) Match(ctx context.Context, rawURL string) (*Entry, bool, error) {
	names, err := s.backend.Namespaces(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		e, ok, err := (&Namespace{name: name, backend: s.backend}).Match(ctx, rawURL)
		if err != nil || ok {
			return e, ok, err
		}
	}
	return nil, false, nil
}

// Close closes the backend
func (s *Storage) Close() error {
	return s.backend.Close()
}

// Namespace is one named cache.
type Namespace struct {
	name    string
	backend Backend
}

// Name returns the namespace name
func (n *Namespace) Name() string {
	return n.name
}

// Match returns the entry stored for rawURL
func (n *Namespace) Match(ctx context.Context, rawURL string) (*Entry, bool, error) {
	key, err := Key(rawURL)
	if err != nil {
		return nil, false, err
	}
	data, ok, err := n.backend.Get(ctx, n.name, key)
	if !ok || err != nil {
		return nil, false, err
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Put stores e, overwriting any entry for the same URL
func (n *Namespace) Put(ctx context.Context, e *Entry) error {
	return n.putAll(ctx, []*Entry{e})
}

// Delete removes the entry stored for rawURL
func (n *Namespace) Delete(ctx context.Context, rawURL string) (bool, error) {
	key, err := Key(rawURL)
	if err != nil {
		return false, err
	}
	return n.backend.Del(ctx, n.name, key)
}

// Keys lists the URLs stored in the namespace
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	return n.backend.Keys(ctx, n.name)
}

// Add fetches rawURL and stores the response. A non-2xx status is an error.
func (n *Namespace) Add(ctx context.Context, f fetch.Fetcher, rawURL string) (*Entry, error) {
	e, err := fetchEntry(ctx, f, rawURL)
	if err != nil {
		return nil, err
	}
	return e, n.Put(ctx, e)
}

// AddAll fetches every URL and stores them together. If any fetch fails or
// returns a non-2xx status nothing is written.
func (n *Namespace) AddAll(ctx context.Context, f fetch.Fetcher, urls []string) error {
	entries := make([]*Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			e, err := fetchEntry(gctx, f, u)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return n.putAll(ctx, entries)
}

func (n *Namespace) putAll(ctx context.Context, entries []*Entry) error {
	values := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := e.encode()
		if err != nil {
			return fmt.Errorf("cache: encode %s: %w", e.URL, err)
		}
		values[e.URL] = data
	}
	if err := n.backend.Set(ctx, n.name, values); err != nil {
		return fmt.Errorf("cache: put into %s: %w", n.name, err)
	}
	return nil
}

func fetchEntry(ctx context.Context, f fetch.Fetcher, rawURL string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s: %w", rawURL, err)
	}
	if !fetch.IsOK(resp.StatusCode) {
		resp.Body.Close()
		return nil, fmt.Errorf("cache: fetch %s: %w: %d", rawURL, ErrBadStatus, resp.StatusCode)
	}
	return FromResponse(req, resp)
}
