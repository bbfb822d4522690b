package clients

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ramadanpath/offline/eventing"
	"github.com/ramadanpath/offline/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestHubRegistersWindowsAndRoutesFrames(t *testing.T) {
	registry := NewRegistry(logger.NewTestLogger(), nil)
	frames := make(chan string, 1)
	hub := NewHub(logger.NewTestLogger(), registry, func(ctx context.Context, from Window, frame []byte) {
		assert.NoError(t, WindowReply{Window: from, ID: "r1"}.Send(ctx, map[string]bool{"success": true}))
		frames <- string(frame)
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?url=" + "https://ramadan.example/"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return len(registry.MatchAll(true)) == 1 })
	win := registry.MatchAll(true)[0]
	assert.Equal(t, "https://ramadan.example/", win.URL())

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "NAVIGATE", "url": "https://ramadan.example/quran"}))
	waitFor(t, func() bool { return win.URL() == "https://ramadan.example/quran" })

	require.NoError(t, wsjson.Write(ctx, conn, map[string]string{"type": "GET_VERSION"}))
	var reply ReplyFrame
	require.NoError(t, wsjson.Read(ctx, conn, &reply))
	assert.Equal(t, FrameReply, reply.Type)
	assert.Equal(t, "r1", reply.ReplyID)
	assert.Contains(t, <-frames, "GET_VERSION")

	require.NoError(t, win.Focus(ctx))
	var focus map[string]string
	require.NoError(t, wsjson.Read(ctx, conn, &focus))
	assert.Equal(t, FrameFocus, focus["type"])

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return len(registry.MatchAll(true)) == 0 })
}

func TestHubCloseDisconnectsWindows(t *testing.T) {
	registry := NewRegistry(logger.NewTestLogger(), nil)
	hub := NewHub(logger.NewTestLogger(), registry, nil, WithWriteTimeout(time.Second))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?url=https://ramadan.example/"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	waitFor(t, func() bool { return len(registry.MatchAll(true)) == 1 })

	// the client answers the close handshake from its read loop
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		readErr <- err
	}()

	hub.Close()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Wait(waitCtx))
	assert.Empty(t, registry.MatchAll(true))
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))

	late, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer late.CloseNow()
	_, _, err = late.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestHubWaitHonoursContext(t *testing.T) {
	registry := NewRegistry(logger.NewTestLogger(), nil)
	hub := NewHub(logger.NewTestLogger(), registry, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	waitFor(t, func() bool { return len(registry.MatchAll(true)) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, hub.Wait(ctx), context.DeadlineExceeded)
}

func TestEventOpener(t *testing.T) {
	bus := eventing.NewMemoryClient()
	defer bus.Close()
	registry := NewRegistry(logger.NewTestLogger(), nil)
	registry.Add(&fakeWindow{id: "opened", url: "https://ramadan.example/"})

	_, err := bus.Subscribe(context.Background(), eventing.SubjectClientsOpen, func(ctx context.Context, msg eventing.Message) {
		var req openRequest
		assert.NoError(t, json.Unmarshal(msg.Data(), &req))
		assert.NoError(t, eventing.ReplyJSON(ctx, msg, openReply{URL: req.URL}))
	})
	require.NoError(t, err)

	opener := NewEventOpener(bus, registry, time.Second)
	w, err := opener.OpenWindow(context.Background(), "https://ramadan.example/")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "opened", w.ID())

	w, err = opener.OpenWindow(context.Background(), "https://ramadan.example/quran")
	require.NoError(t, err)
	assert.Nil(t, w)
}
