// Package clients tracks the app windows connected to the worker and lets
// other components focus them, message them or ask the host to open new ones.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/ramadanpath/offline/logger"
)

// ErrNoOpener is returned by OpenWindow when the registry cannot open windows
var ErrNoOpener = errors.New("clients: no window opener configured")

// Window is an open app window
type Window interface {
	// ID uniquely identifies the window for its lifetime
	ID() string
	// URL is the document url the window currently shows
	URL() string
	// Focus brings the window to the foreground
	Focus(ctx context.Context) error
	// PostMessage delivers a JSON serializable message to the window
	PostMessage(ctx context.Context, msg interface{}) error
}

// Opener asks the host environment to open a window. It may return a nil
// Window when the new window is not yet known to the registry.
type Opener interface {
	OpenWindow(ctx context.Context, url string) (Window, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, url string) (Window, error)

func (f OpenerFunc) OpenWindow(ctx context.Context, url string) (Window, error) {
	return f(ctx, url)
}

// Registry holds connected windows in connection order
type Registry struct {
	mu         sync.RWMutex
	windows    []Window
	controlled map[string]string
	controller string
	opener     Opener
	logger     logger.Logger
}

// NewRegistry returns an empty registry. opener may be nil.
func NewRegistry(log logger.Logger, opener Opener) *Registry {
	return &Registry{
		controlled: make(map[string]string),
		opener:     opener,
		logger:     log.With(map[string]interface{}{"component": "clients"}),
	}
}

// SetOpener replaces the window opener
func (r *Registry) SetOpener(opener Opener) {
	r.mu.Lock()
	r.opener = opener
	r.mu.Unlock()
}

// Add registers w. A window connecting after activation is controlled straight away.
func (r *Registry) Add(w Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = append(r.windows, w)
	if r.controller != "" {
		r.controlled[w.ID()] = r.controller
	}
	r.logger.Debug("window %s connected at %s", w.ID(), w.URL())
}

// Remove forgets the window with id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.windows {
		if w.ID() == id {
			r.windows = append(r.windows[:i], r.windows[i+1:]...)
			break
		}
	}
	delete(r.controlled, id)
}

// MatchAll returns the connected windows. Uncontrolled windows are only included when asked.
func (r *Registry) MatchAll(includeUncontrolled bool) []Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Window, 0, len(r.windows))
	for _, w := range r.windows {
		if _, ok := r.controlled[w.ID()]; ok || includeUncontrolled {
			out = append(out, w)
		}
	}
	return out
}

// Claim makes version the controller of every connected window and returns how many were claimed
func (r *Registry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controller = version
	for _, w := range r.windows {
		r.controlled[w.ID()] = version
	}
	return len(r.windows)
}

// Controller returns the version controlling window id
func (r *Registry) Controller(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.controlled[id]
	return v, ok
}

// Broadcast posts msg to every controlled window. Delivery failures are logged and returned joined.
func (r *Registry) Broadcast(ctx context.Context, msg interface{}) error {
	var errs []error
	for _, w := range r.MatchAll(false) {
		if err := w.PostMessage(ctx, msg); err != nil {
			r.logger.Warn("failed to post to window %s: %s", w.ID(), err)
			errs = append(errs, fmt.Errorf("window %s: %w", w.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// FindByURL returns the first window showing target, ignoring the fragment
func (r *Registry) FindByURL(target string) Window {
	want := normalize(target)
	for _, w := range r.MatchAll(true) {
		if normalize(w.URL()) == want {
			return w
		}
	}
	return nil
}

// FindSameOrigin returns the first window whose url has the given origin
func (r *Registry) FindSameOrigin(origin *url.URL) Window {
	for _, w := range r.MatchAll(true) {
		u, err := url.Parse(w.URL())
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host) {
			return w
		}
	}
	return nil
}

// OpenWindow asks the opener for a new window at target
func (r *Registry) OpenWindow(ctx context.Context, target string) (Window, error) {
	r.mu.RLock()
	opener := r.opener
	r.mu.RUnlock()
	if opener == nil {
		return nil, ErrNoOpener
	}
	return opener.OpenWindow(ctx, target)
}

func normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
