// Package lifecycle installs the app shell for the current release and
// activates it, purging caches left behind by earlier releases.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ramadanpath/offline/cache"
	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/fetch"
	"github.com/ramadanpath/offline/logger"
)

// State of the worker release
type State int32

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MessageActivated is broadcast to windows once activation completes
const MessageActivated = "SW_ACTIVATED"

// ActivatedMessage announces the release now controlling the windows
type ActivatedMessage struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// Controller is the set of windows a release takes over on activation
type Controller interface {
	Claim(version string) int
	Broadcast(ctx context.Context, msg interface{}) error
}

// Manager drives the install and activate steps
type Manager struct {
	mu          sync.Mutex
	activateMu  sync.Mutex
	state       State
	skipWaiting bool

	storage  *cache.Storage
	fetcher  fetch.Fetcher
	clients  Controller
	version  string
	current  map[string]bool
	manifest []string
	now      func() time.Time
	logger   logger.Logger
}

// New returns a Manager in the Parsed state
func New(cfg *config.Config, log logger.Logger, storage *cache.Storage, fetcher fetch.Fetcher, clients Controller) (*Manager, error) {
	manifest, err := cfg.ManifestURLs()
	if err != nil {
		return nil, err
	}
	current := make(map[string]bool)
	for _, name := range cfg.CacheNames() {
		current[name] = true
	}
	return &Manager{
		storage:  storage,
		fetcher:  fetcher,
		clients:  clients,
		version:  cfg.StaticCache,
		current:  current,
		manifest: manifest,
		now:      time.Now,
		logger:   log.With(map[string]interface{}{"component": "lifecycle", "version": cfg.StaticCache}),
	}, nil
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.logger.Debug("state %s", s)
}

// Version is the release name, which is also the static namespace
func (m *Manager) Version() string {
	return m.version
}

// Install caches the manifest all-or-nothing and then skips waiting. When the
// manifest cannot be cached the release stays Installed until SkipWaiting is called.
func (m *Manager) Install(ctx context.Context) error {
	m.setState(Installing)
	m.logger.Info("installing, caching %d urls", len(m.manifest))
	ns, err := m.storage.Open(ctx, m.version)
	if err == nil {
		err = ns.AddAll(ctx, m.fetcher, m.manifest)
	}
	m.setState(Installed)
	if err != nil {
		m.logger.Error("failed to cache app shell: %s", err)
		return fmt.Errorf("install %s: %w", m.version, err)
	}
	m.logger.Info("app shell cached")
	return m.SkipWaiting(ctx)
}

// SkipWaiting makes the release eligible for activation and activates it if installed
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.mu.Lock()
	m.skipWaiting = true
	state := m.state
	m.mu.Unlock()
	if state != Installed {
		m.logger.Debug("skip waiting recorded while %s", state)
		return nil
	}
	return m.Activate(ctx)
}

// Activate deletes every namespace that is not current, claims the windows and
// announces the release. Repeated calls repeat the purge and the announcement.
func (m *Manager) Activate(ctx context.Context) error {
	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	m.setState(Activating)
	names, err := m.storage.Keys(ctx)
	if err != nil {
		m.setState(Installed)
		return fmt.Errorf("activate %s: listing caches: %w", m.version, err)
	}
	for _, name := range names {
		if m.current[name] {
			continue
		}
		m.logger.Info("deleting stale cache %s", name)
		if _, err := m.storage.Delete(ctx, name); err != nil {
			m.setState(Installed)
			return fmt.Errorf("activate %s: deleting %s: %w", m.version, name, err)
		}
	}
	claimed := m.clients.Claim(m.version)
	m.setState(Activated)
	m.logger.Info("activated, controlling %d windows", claimed)

	msg := ActivatedMessage{Type: MessageActivated, Version: m.version, Timestamp: m.now().UnixMilli()}
	if err := m.clients.Broadcast(ctx, msg); err != nil {
		m.logger.Warn("activation broadcast incomplete: %s", err)
	}
	return nil
}

// Retire marks a release that never activated as redundant
func (m *Manager) Retire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Activated {
		m.state = Redundant
	}
}
