package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ramadanpath/offline/logger"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame types exchanged with windows
const (
	FrameFocus = "FOCUS"
	FrameReply = "REPLY"
)

// ReplyFrame answers a window request carrying replyId
type ReplyFrame struct {
	Type    string      `json:"type"`
	ReplyID string      `json:"replyId"`
	Data    interface{} `json:"data"`
}

// InboundFunc receives every frame a window sends
type InboundFunc func(ctx context.Context, from Window, frame []byte)

type socketWindow struct {
	id    string
	conn  *websocket.Conn
	mu    sync.Mutex
	url   string
	write time.Duration
}

var _ Window = (*socketWindow)(nil)

func (w *socketWindow) ID() string { return w.id }

func (w *socketWindow) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

func (w *socketWindow) setURL(u string) {
	w.mu.Lock()
	w.url = u
	w.mu.Unlock()
}

func (w *socketWindow) send(ctx context.Context, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, w.write)
	defer cancel()
	return wsjson.Write(ctx, w.conn, v)
}

func (w *socketWindow) Focus(ctx context.Context) error {
	return w.send(ctx, map[string]string{"type": FrameFocus})
}

func (w *socketWindow) PostMessage(ctx context.Context, msg interface{}) error {
	return w.send(ctx, msg)
}

// Hub accepts window websocket connections and registers them
type Hub struct {
	registry     *Registry
	inbound      InboundFunc
	logger       logger.Logger
	origins      []string
	writeTimeout time.Duration
	wg           sync.WaitGroup

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithOriginPatterns allows cross origin websocket upgrades from the given host patterns
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = append(h.origins, patterns...) }
}

// WithWriteTimeout bounds a single frame write to a window
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.writeTimeout = d }
}

// NewHub returns a Hub adding windows to registry and handing their frames to inbound
func NewHub(log logger.Logger, registry *Registry, inbound InboundFunc, opts ...HubOption) *Hub {
	h := &Hub{
		registry:     registry,
		inbound:      inbound,
		logger:       log.With(map[string]interface{}{"component": "clients-hub"}),
		writeTimeout: 5 * time.Second,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type navigateFrame struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ServeHTTP upgrades the request. The window url is taken from the "url" query
// parameter, falling back to the Referer header.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket accept failed: %s", err)
		return
	}
	if !h.track(conn) {
		conn.Close(websocket.StatusGoingAway, "worker shutting down")
		return
	}
	defer h.untrack(conn)

	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = r.Referer()
	}
	win := &socketWindow{id: uuid.NewString(), conn: conn, url: pageURL, write: h.writeTimeout}
	h.registry.Add(win)
	defer h.registry.Remove(win.id)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				h.logger.Debug("window %s disconnected: %s", win.id, err)
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		var nav navigateFrame
		if json.Unmarshal(data, &nav) == nil && nav.Type == "NAVIGATE" && nav.URL != "" {
			win.setURL(nav.URL)
			continue
		}
		if h.inbound != nil {
			h.inbound(ctx, win, data)
		}
	}
}

func (h *Hub) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.wg.Done()
}

// Close refuses new windows and closes the connected ones. Their handlers
// return once the close handshake ends; use Wait to block on that.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for conn := range h.conns {
		go conn.Close(websocket.StatusGoingAway, "worker shutting down")
	}
}

// Wait blocks until every connection handler has returned or ctx is done
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WindowReply answers one request sent by a window
type WindowReply struct {
	Window Window
	ID     string
}

// Send posts v to the window as the reply to the request
func (r WindowReply) Send(ctx context.Context, v interface{}) error {
	return r.Window.PostMessage(ctx, ReplyFrame{Type: FrameReply, ReplyID: r.ID, Data: v})
}
