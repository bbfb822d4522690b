// Package worker assembles the offline worker: it owns the cache store, the
// strategies, the release lifecycle, notifications, background tasks and the
// message bridge, and delivers typed events to them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ramadanpath/offline/background"
	"github.com/ramadanpath/offline/bridge"
	"github.com/ramadanpath/offline/cache"
	"github.com/ramadanpath/offline/clients"
	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/eventing"
	"github.com/ramadanpath/offline/fetch"
	"github.com/ramadanpath/offline/keepalive"
	"github.com/ramadanpath/offline/lifecycle"
	"github.com/ramadanpath/offline/logger"
	"github.com/ramadanpath/offline/notify"
	"github.com/ramadanpath/offline/strategy"
	"github.com/redis/go-redis/v9"
)

// Lifetime keeps the worker alive until the work started by events settles
type Lifetime = keepalive.Scope

// Pending is the eventual outcome of a dispatched event
type Pending = keepalive.Pending

const openWindowTimeout = 10 * time.Second

// Worker is one running release of the offline worker
type Worker struct {
	cfg       *config.Config
	logger    logger.Logger
	storage   *cache.Storage
	fetcher   fetch.Fetcher
	lifetime  *Lifetime
	registry  *clients.Registry
	hub       *clients.Hub
	engine    *strategy.Engine
	lifecycle *lifecycle.Manager
	notifier  *notify.Dispatcher
	runner    *background.Runner
	scheduler *background.Scheduler
	bridge    *bridge.Bridge
	bus       eventing.Client
	rdb       *redis.Client

	subsMu sync.Mutex
	subs   []eventing.Subscriber
	once   sync.Once
}

type options struct {
	backend cache.Backend
	bus     eventing.Client
	fetcher fetch.Fetcher
	surface notify.Surface
	opener  clients.Opener
	clock   func() time.Time
}

// Option overrides a component the worker would otherwise build from config
type Option func(*options)

// WithBackend uses backend instead of the configured store
func WithBackend(backend cache.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithBus uses bus for ingress and egress instead of connecting to Redis
func WithBus(bus eventing.Client) Option {
	return func(o *options) { o.bus = bus }
}

// WithFetcher replaces the network
func WithFetcher(f fetch.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithSurface replaces where notifications are displayed
func WithSurface(s notify.Surface) Option {
	return func(o *options) { o.surface = s }
}

// WithOpener replaces how new windows are opened
func WithOpener(opener clients.Opener) Option {
	return func(o *options) { o.opener = opener }
}

// WithClock replaces time.Now for notifications and background tasks
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds a Worker from cfg
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	w := &Worker{cfg: cfg, logger: log.With(map[string]interface{}{"component": "worker"})}

	if (o.backend == nil && cfg.Store == config.StoreRedis) || (o.bus == nil && cfg.EventBus) {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		w.rdb = redis.NewClient(ropts)
	}

	backend := o.backend
	if backend == nil {
		var err error
		if backend, err = w.openBackend(ctx); err != nil {
			w.closeRedis()
			return nil, err
		}
	}
	w.storage = cache.New(backend)

	w.bus = o.bus
	if w.bus == nil && cfg.EventBus {
		bus, err := eventing.NewRedisClient(ctx, log, w.rdb)
		if err != nil {
			w.storage.Close()
			w.closeRedis()
			return nil, fmt.Errorf("event bus: %w", err)
		}
		w.bus = bus
	}

	w.fetcher = o.fetcher
	if w.fetcher == nil {
		w.fetcher = fetch.NewClient(log, fetch.WithBreaker(fetch.BreakerConfig{
			MaxFailures:      cfg.BreakerFailures,
			Cooldown:         cfg.BreakerCooldown,
			SuccessThreshold: 1,
		}), fetch.WithUserAgent("ramadan-offline-worker/"+cfg.Version))
	}

	w.lifetime = keepalive.New(log)
	w.registry = clients.NewRegistry(log, o.opener)
	if o.opener == nil && w.bus != nil {
		w.registry.SetOpener(clients.NewEventOpener(w.bus, w.registry, openWindowTimeout))
	}
	w.hub = clients.NewHub(log, w.registry, w.inbound,
		clients.WithOriginPatterns(cfg.ClientOrigins...),
		clients.WithWriteTimeout(cfg.ClientWriteTimeout))

	surface := o.surface
	if surface == nil {
		if w.bus != nil {
			surface = notify.NewEventSurface(w.bus)
		} else {
			surface = notify.NewMemorySurface()
		}
	}
	notifyOpts := []notify.Option{notify.WithClickDelay(cfg.ClickDelay)}
	runnerOpts := []background.Option{}
	if o.clock != nil {
		notifyOpts = append(notifyOpts, notify.WithClock(o.clock))
		runnerOpts = append(runnerOpts, background.WithClock(o.clock))
	}
	w.notifier = notify.New(log, surface, w.registry, cfg.OriginURL(), notifyOpts...)

	var err error
	if w.engine, err = strategy.New(cfg, log, w.storage, w.fetcher, w.lifetime); err != nil {
		return nil, w.abort(err)
	}
	if w.lifecycle, err = lifecycle.New(cfg, log, w.storage, w.fetcher, w.registry); err != nil {
		return nil, w.abort(err)
	}
	if w.runner, err = background.NewRunner(cfg, log, w.storage, w.fetcher, w.notifier, runnerOpts...); err != nil {
		return nil, w.abort(err)
	}
	w.scheduler = background.NewScheduler(log, w.fire)
	w.bridge = bridge.New(cfg, log, bridge.Deps{
		Lifecycle: w.lifecycle,
		Scheduler: w.scheduler,
		Notifier:  w.notifier,
		Storage:   w.storage,
		Fetcher:   w.fetcher,
	})
	return w, nil
}

func (w *Worker) openBackend(ctx context.Context) (cache.Backend, error) {
	switch w.cfg.Store {
	case config.StoreSQLite:
		return cache.NewSQLite(ctx, w.cfg.SQLitePath)
	case config.StoreRedis:
		return cache.NewRedis(w.rdb, cache.WithPrefix(w.cfg.RedisPrefix)), nil
	default:
		return cache.NewMemory(), nil
	}
}

func (w *Worker) abort(err error) error {
	w.storage.Close()
	if w.bus != nil {
		w.bus.Close()
	}
	w.closeRedis()
	return err
}

func (w *Worker) closeRedis() {
	if w.rdb != nil {
		w.rdb.Close()
	}
}

// fire delivers scheduler triggers
func (w *Worker) fire(ctx context.Context, tag string, periodic bool) {
	w.Dispatch(ctx, SyncEvent{Tag: tag, Periodic: periodic})
}

// Start installs the release, subscribes to the event bus and registers the
// periodic content refresh. It returns once installation has settled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Dispatch(ctx, InstallEvent{}).Wait(ctx); err != nil {
		w.logger.Warn("release installed but waiting: %s", err)
	}
	if w.bus != nil {
		if err := w.subscribe(ctx); err != nil {
			return err
		}
	}
	if w.cfg.PeriodicInterval > 0 {
		if err := w.scheduler.Register(background.TagUpdateContent, background.Periodic, w.cfg.PeriodicInterval); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until all in-flight work has settled
func (w *Worker) Wait(ctx context.Context) error {
	return w.lifetime.Wait(ctx)
}

// Close stops the scheduler and the subscriptions, waits for in-flight work
// up to ctx and releases the store and the bus.
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		w.scheduler.Close()
		w.subsMu.Lock()
		for _, sub := range w.subs {
			sub.Close()
		}
		w.subs = nil
		w.subsMu.Unlock()
		w.hub.Close()
		if herr := w.hub.Wait(ctx); herr != nil {
			w.logger.Warn("windows still connected at shutdown: %s", herr)
		}
		if werr := w.lifetime.Close(ctx); werr != nil {
			w.logger.Warn("shutdown with work still running: %s", werr)
			err = werr
		}
		w.lifecycle.Retire()
		var errs []error
		if w.bus != nil {
			errs = append(errs, w.bus.Close())
		}
		errs = append(errs, w.storage.Close())
		w.closeRedis()
		if cerr := errors.Join(errs...); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Storage exposes the cache store
func (w *Worker) Storage() *cache.Storage {
	return w.storage
}

// Clients exposes the window registry
func (w *Worker) Clients() *clients.Registry {
	return w.registry
}

// Lifecycle exposes the release lifecycle
func (w *Worker) Lifecycle() *lifecycle.Manager {
	return w.lifecycle
}

// Scheduler exposes the sync registrations
func (w *Worker) Scheduler() *background.Scheduler {
	return w.scheduler
}
