package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNamespaceRequired is returned when an operation is given an empty namespace name
	ErrNamespaceRequired = errors.New("cache: namespace name required")
	// ErrBadStatus is returned by Add and AddAll when the network answered with a non-2xx status
	ErrBadStatus = errors.New("cache: bad response status")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("cache: closed")
)

// Backend is the byte store behind Storage. Namespaces partition keys; a namespace exists from
// CreateNamespace (or the first Set) until DropNamespace, even when it holds no keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// CreateNamespace creates ns if it does not exist.
	CreateNamespace(ctx context.Context, ns string) error
	// Namespaces lists namespace names in creation order.
	Namespaces(ctx context.Context) ([]string, error)
	// DropNamespace removes ns and every key in it.
	DropNamespace(ctx context.Context, ns string) (bool, error)
	// Get returns the value stored under key in ns.
	Get(ctx context.Context, ns, key string) ([]byte, bool, error)
	// Set stores values in ns, creating it when needed. The batch is written atomically.
	Set(ctx context.Context, ns string, values map[string][]byte) error
	// Del removes key from ns.
	Del(ctx context.Context, ns, key string) (bool, error)
	// Keys lists every key in ns.
	Keys(ctx context.Context, ns string) ([]string, error)
	// Close releases the backend.
	Close() error
}

// DefaultQueryTimeout is the per-operation timeout for backends that perform I/O (SQLite, Redis).
// Prevents indefinite hangs on slow or unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// config holds the resolved configuration for a backend.
type config struct {
	queryTimeout time.Duration
	prefix       string
}

// Option configures a Backend implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{queryTimeout: DefaultQueryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix sets the key prefix for namespacing Redis keys.
// Applies to the Redis backend. Defaults to "sw".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

func queryCtx(parent context.Context, cfg config) (context.Context, context.CancelFunc) {
	if cfg.queryTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, cfg.queryTimeout)
}
