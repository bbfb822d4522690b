// Package classify maps an intercepted request to the strategy that serves it.
//
// The rules are string heuristics, not content negotiation: a same-origin
// path that merely contains "api" is never treated as a static asset, and
// any path containing "/api/" is treated as an API call.
package classify

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is the outcome of classification
type Class int

const (
	// Unhandled requests are passed to the network and never cached
	Unhandled Class = iota
	// Skip is for non-GET requests and excluded hosts
	Skip
	// API requests are served network-first
	API
	// StaticAsset requests are served cache-first with background revalidation
	StaticAsset
	// Navigation requests are served network-first with the cached shell as fallback
	Navigation
)

func (c Class) String() string {
	switch c {
	case Skip:
		return "skip"
	case API:
		return "api"
	case StaticAsset:
		return "static"
	case Navigation:
		return "navigation"
	default:
		return "unhandled"
	}
}

var staticExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".css":  true,
	".js":   true,
	".json": true,
}

// Classifier holds the origin and the excluded host list
type Classifier struct {
	origin   *url.URL
	excluded []string
}

// New returns a Classifier for origin. Excluded entries match any host containing them.
func New(origin *url.URL, excluded []string) *Classifier {
	lower := make([]string, 0, len(excluded))
	for _, e := range excluded {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			lower = append(lower, e)
		}
	}
	return &Classifier{origin: origin, excluded: lower}
}

// Classify returns the class of req. Rules apply in order: Skip, API, Navigation, StaticAsset.
func (c *Classifier) Classify(req *http.Request) Class {
	if req.Method != http.MethodGet {
		return Skip
	}
	u := req.URL
	host := strings.ToLower(u.Hostname())
	for _, e := range c.excluded {
		if strings.Contains(host, e) {
			return Skip
		}
	}
	if strings.Contains(u.Path, "/api/") || strings.HasPrefix(host, "api.") {
		return API
	}
	sameOrigin := c.SameOrigin(u)
	if IsNavigation(req, sameOrigin) {
		return Navigation
	}
	if sameOrigin && staticExtensions[strings.ToLower(path.Ext(u.Path))] && !strings.Contains(u.Path, "api") {
		return StaticAsset
	}
	return Unhandled
}

// SameOrigin reports whether u shares scheme and host with the origin.
// Relative URLs are same-origin.
func (c *Classifier) SameOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

// IsNavigation reports whether req is a top-level document load
func IsNavigation(req *http.Request, sameOrigin bool) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return sameOrigin && acceptsHTML(req.Header.Get("Accept"))
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		media, _, _ := strings.Cut(part, ";")
		if strings.EqualFold(strings.TrimSpace(media), "text/html") {
			return true
		}
	}
	return false
}
