package strategy

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ramadanpath/offline/message"
)

// hop-by-hop headers are not forwarded by a gateway
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ServeHTTP makes the Engine a gateway in front of the app origin. Origin-form
// requests are resolved against the origin; absolute-form proxy requests are used as is.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	if !r.URL.IsAbs() {
		out.URL = e.resolve(r.URL)
	}
	out.Host = out.URL.Host
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if r.ContentLength == 0 {
		out.Body = nil
	}

	resp, err := e.Handle(r.Context(), out)
	if err != nil {
		e.logger.Warn("%s %s: %s", r.Method, out.URL, err)
		if message.WantsHTML(r) {
			if err := message.Unavailable(w, r, err.Error()); err != nil {
				e.logger.Error("rendering error page: %s", err)
			}
			return
		}
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Debug("copying body of %s: %s", out.URL, err)
	}
}

// resolve maps an origin-form request path below the origin's base path, so
// "/index.html" in front of "https://host/app" is "https://host/app/index.html".
func (e *Engine) resolve(u *url.URL) *url.URL {
	base := *e.origin
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		base.RawPath = ""
	}
	ref := &url.URL{
		Path:     "./" + strings.TrimPrefix(u.Path, "/"),
		RawQuery: u.RawQuery,
	}
	return base.ResolveReference(ref)
}
