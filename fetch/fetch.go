package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/ramadanpath/offline/logger"
)

// ErrNoRequest is returned when Fetch is called without a request
var ErrNoRequest = errors.New("fetch: nil request")

// Fetcher performs a network round trip. An error means the network failed; any HTTP status,
// including 4xx and 5xx, is returned as a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Client is the default Fetcher backed by an *http.Client with a breaker per host.
type Client struct {
	http     *http.Client
	logger   logger.Logger
	config   BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
	agent    string
}

var _ Fetcher = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBreaker sets the per-host breaker configuration
func WithBreaker(config BreakerConfig) Option {
	return func(cl *Client) { cl.config = config }
}

// WithUserAgent sets the User-Agent header added to requests without one
func WithUserAgent(agent string) Option {
	return func(cl *Client) { cl.agent = agent }
}

// NewClient returns a new Client. The default http client has no timeout.
func NewClient(log logger.Logger, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{},
		logger:   log.With(map[string]interface{}{"component": "fetch"}),
		config:   DefaultBreakerConfig(),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker returns the breaker tracking host
func (c *Client) Breaker(host string) *Breaker {
	host = strings.ToLower(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = NewBreaker(c.config)
		c.breakers[host] = b
	}
	return b
}

func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, ErrNoRequest
	}
	b := c.Breaker(req.URL.Host)
	if err := b.Allow(); err != nil {
		c.logger.Debug("skipping %s: %s", req.URL.Host, err)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	out := req.WithContext(ctx)
	if c.agent != "" && out.Header.Get("User-Agent") == "" {
		out.Header = out.Header.Clone()
		if out.Header == nil {
			out.Header = http.Header{}
		}
		out.Header.Set("User-Agent", c.agent)
	}
	resp, err := c.http.Do(out)
	if err != nil && ctx.Err() != nil {
		// the caller cancelled, the host did not fail
		b.Abandon()
		return nil, err
	}
	b.Done(err)
	if err != nil {
		if b.State() == StateOpen {
			c.logger.Warn("host %s unreachable, circuit open after %d failures", req.URL.Host, b.Failures())
		}
		return nil, err
	}
	return resp, nil
}

// IsOK reports whether status is 2xx
func IsOK(status int) bool {
	return status >= 200 && status < 300
}
