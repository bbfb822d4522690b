// Package strategy answers intercepted requests from the network, the cache or
// both, depending on how the request is classified.
package strategy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ramadanpath/offline/cache"
	"github.com/ramadanpath/offline/classify"
	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/fetch"
	"github.com/ramadanpath/offline/keepalive"
	"github.com/ramadanpath/offline/logger"
)

// Engine selects and runs the strategy for each request
type Engine struct {
	classifier     *classify.Classifier
	storage        *cache.Storage
	fetcher        fetch.Fetcher
	scope          *keepalive.Scope
	origin         *url.URL
	staticName     string
	apiName        string
	shell          []string
	offlineMessage string
	now            func() time.Time
	logger         logger.Logger
}

// New returns an Engine for cfg
func New(cfg *config.Config, log logger.Logger, storage *cache.Storage, fetcher fetch.Fetcher, scope *keepalive.Scope) (*Engine, error) {
	origin := cfg.OriginURL()
	var shell []string
	for _, ref := range []string{"./", "./index.html"} {
		u, err := cfg.ResolveURL(ref)
		if err != nil {
			return nil, err
		}
		shell = append(shell, u)
	}
	return &Engine{
		classifier:     classify.New(origin, cfg.ExcludedHosts),
		storage:        storage,
		fetcher:        fetcher,
		scope:          scope,
		origin:         origin,
		staticName:     cfg.StaticCache,
		apiName:        cfg.APICache,
		shell:          shell,
		offlineMessage: cfg.OfflineMessage,
		now:            time.Now,
		logger:         log.With(map[string]interface{}{"component": "strategy"}),
	}, nil
}

// Classify exposes the classification used by Handle
func (e *Engine) Classify(req *http.Request) classify.Class {
	return e.classifier.Classify(req)
}

// Handle answers req. An error means the network failed and no fallback applied.
func (e *Engine) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	class := e.classifier.Classify(req)
	e.logger.Trace("%s %s classified as %s", req.Method, req.URL, class)
	switch class {
	case classify.API:
		return e.networkFirst(ctx, req)
	case classify.StaticAsset:
		return e.cacheFirst(ctx, req)
	case classify.Navigation:
		return e.navigation(ctx, req)
	default:
		return e.fetcher.Fetch(ctx, req)
	}
}

func (e *Engine) match(ctx context.Context, namespace, rawURL string) (*cache.Entry, bool) {
	ns, err := e.storage.Open(ctx, namespace)
	if err != nil {
		e.logger.Warn("cache %s unavailable: %s", namespace, err)
		return nil, false
	}
	entry, found, err := ns.Match(ctx, rawURL)
	if err != nil {
		e.logger.Warn("cache lookup of %s in %s failed: %s", rawURL, namespace, err)
		return nil, false
	}
	return entry, found
}

// store writes entry in the background; failures are logged and dropped
func (e *Engine) store(ctx context.Context, namespace string, entry *cache.Entry) {
	e.scope.Go(ctx, "cache-put", func(ctx context.Context) error {
		ns, err := e.storage.Open(ctx, namespace)
		if err == nil {
			err = ns.Put(ctx, entry)
		}
		if err != nil {
			e.logger.Warn("failed to cache %s in %s: %s", entry.URL, namespace, err)
		}
		return err
	})
}

// capture reads a 2xx response into an entry and schedules the write
func (e *Engine) capture(ctx context.Context, namespace string, req *http.Request, resp *http.Response) error {
	entry, err := cache.FromResponse(req, resp)
	if err != nil {
		return err
	}
	e.store(ctx, namespace, entry)
	return nil
}

// networkFirst serves API requests: live response when the network answers 2xx,
// else the cached copy, else a 503 JSON body.
func (e *Engine) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil && fetch.IsOK(resp.StatusCode) {
		if err = e.capture(ctx, e.apiName, req, resp); err == nil {
			return resp, nil
		}
	}
	if err != nil {
		e.logger.Debug("network failed for %s: %s", req.URL, err)
	} else {
		e.logger.Debug("network answered %d for %s", resp.StatusCode, req.URL)
		resp.Body.Close()
	}
	if entry, ok := e.match(ctx, e.apiName, req.URL.String()); ok {
		e.logger.Debug("serving %s from %s", req.URL, e.apiName)
		return entry.Response(req), nil
	}
	return OfflineJSON(req, e.offlineMessage, e.now()), nil
}

// cacheFirst serves static assets from cache and refreshes them in the background
func (e *Engine) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	if entry, ok := e.match(ctx, e.staticName, req.URL.String()); ok {
		e.revalidate(ctx, req, entry)
		return entry.Response(req), nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if fetch.IsOK(resp.StatusCode) {
		if err := e.capture(ctx, e.staticName, req, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (e *Engine) revalidate(ctx context.Context, req *http.Request, stale *cache.Entry) {
	target := req.URL.String()
	header := req.Header.Clone()
	e.scope.Go(ctx, "revalidate", func(ctx context.Context) error {
		fresh, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		fresh.Header = header
		resp, err := e.fetcher.Fetch(ctx, fresh)
		if err != nil {
			e.logger.Debug("revalidation of %s failed: %s", target, err)
			return nil
		}
		if !fetch.IsOK(resp.StatusCode) {
			resp.Body.Close()
			e.logger.Debug("revalidation of %s answered %d", target, resp.StatusCode)
			return nil
		}
		entry, err := cache.FromResponse(fresh, resp)
		if err != nil {
			e.logger.Debug("revalidation of %s failed: %s", target, err)
			return nil
		}
		ns, err := e.storage.Open(ctx, e.staticName)
		if err == nil {
			err = ns.Put(ctx, entry)
		}
		if err != nil {
			e.logger.Warn("failed to refresh %s: %s", target, err)
			return nil
		}
		if entry.Digest != stale.Digest {
			e.logger.Debug("refreshed %s with new content", target)
		}
		return nil
	})
}

// navigation serves documents from the network, falling back to the cached app shell
func (e *Engine) navigation(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	e.logger.Debug("navigation to %s failed: %s", req.URL, err)
	for _, u := range e.shell {
		if entry, ok := e.match(ctx, e.staticName, u); ok {
			return entry.Response(req), nil
		}
	}
	return OfflineText(req), nil
}
