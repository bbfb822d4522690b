package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ramadanpath/offline/clients"
	"github.com/ramadanpath/offline/eventing"
	"github.com/ramadanpath/offline/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin, _ = url.Parse("https://ramadan.example")

type testWindow struct {
	id       string
	url      string
	mu       sync.Mutex
	focused  bool
	messages []interface{}
}

func (w *testWindow) ID() string  { return w.id }
func (w *testWindow) URL() string { return w.url }
func (w *testWindow) Focus(context.Context) error {
	w.mu.Lock()
	w.focused = true
	w.mu.Unlock()
	return nil
}
func (w *testWindow) PostMessage(_ context.Context, msg interface{}) error {
	w.mu.Lock()
	w.messages = append(w.messages, msg)
	w.mu.Unlock()
	return nil
}

func fixedNow() time.Time { return time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC) }

func newDispatcher(t *testing.T, registry *clients.Registry) (*Dispatcher, *MemorySurface, *logger.TestLogger) {
	t.Helper()
	log := logger.NewTestLogger()
	surface := NewMemorySurface()
	if registry == nil {
		registry = clients.NewRegistry(log, nil)
	}
	return New(log, surface, registry, origin, WithClickDelay(10*time.Millisecond), WithClock(fixedNow)), surface, log
}

func TestDecodePushDefaults(t *testing.T) {
	d := DecodePush([]byte(`{"title":"T","body":"B"}`), fixedNow())
	assert.Equal(t, "T", d.Title)
	assert.Equal(t, "B", d.Body)
	assert.Equal(t, DefaultIcon, d.Icon)
	assert.Equal(t, DefaultBadge, d.Badge)
	assert.Equal(t, DefaultTag, d.Tag)
	assert.True(t, d.RequireInteraction)
	assert.Equal(t, []int{200, 100, 200, 100, 200}, d.Vibrate)
	assert.Equal(t, DefaultURL, d.Data.URL)
	assert.Equal(t, SourcePush, d.Data.Source)
	assert.NotEmpty(t, d.Data.CorrelationKey)
	assert.Equal(t, fixedNow().UnixMilli(), d.Timestamp)
	require.Len(t, d.Actions, 2)
	assert.Equal(t, ActionOpen, d.Actions[0].ID)
	assert.Equal(t, ActionDismiss, d.Actions[1].ID)
}

func TestDecodePushFields(t *testing.T) {
	d := DecodePush([]byte(`{"tag":"iftar","actionUrl":"./prayers","requireInteraction":false,"primaryKey":2,"timestamp":1700000000000,"image":"./img/iftar.jpg"}`), fixedNow())
	assert.Equal(t, DefaultTitle, d.Title)
	assert.Equal(t, DefaultBody, d.Body)
	assert.Equal(t, "iftar", d.Tag)
	assert.Equal(t, "./prayers", d.Data.URL)
	assert.False(t, d.RequireInteraction)
	assert.Equal(t, "2", d.Data.CorrelationKey)
	assert.Equal(t, int64(1700000000000), d.Timestamp)
	assert.Equal(t, "./img/iftar.jpg", d.Image)

	d = DecodePush([]byte(`{"url":"./quran","actionUrl":"./prayers"}`), fixedNow())
	assert.Equal(t, "./quran", d.Data.URL)
}

func TestDecodePushMistypedFieldsUseDefaults(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, d Descriptor)
	}{
		{"string timestamp", `{"title":"T","body":"B","timestamp":"1700000000000"}`, func(t *testing.T, d Descriptor) {
			assert.Equal(t, fixedNow().UnixMilli(), d.Timestamp)
		}},
		{"string requireInteraction", `{"title":"T","body":"B","requireInteraction":"false"}`, func(t *testing.T, d Descriptor) {
			assert.True(t, d.RequireInteraction)
		}},
		{"numeric tag", `{"title":"T","body":"B","tag":7,"icon":null}`, func(t *testing.T, d Descriptor) {
			assert.Equal(t, DefaultTag, d.Tag)
			assert.Equal(t, DefaultIcon, d.Icon)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecodePush([]byte(tt.payload), fixedNow())
			assert.Equal(t, "T", d.Title)
			assert.Equal(t, "B", d.Body)
			tt.check(t, d)
		})
	}
}

func TestDecodePushPlainText(t *testing.T) {
	for _, payload := range []string{"Время ифтара", `"quoted"`, "42", `{"title":"T"`} {
		d := DecodePush([]byte(payload), fixedNow())
		assert.Equal(t, DefaultTitle, d.Title)
		assert.Equal(t, payload, d.Body)
		assert.Equal(t, DefaultIcon, d.Icon)
		assert.Equal(t, DefaultBadge, d.Badge)
	}
}

func TestHandlePush(t *testing.T) {
	n, surface, log := newDispatcher(t, nil)
	require.NoError(t, n.HandlePush(context.Background(), []byte(`{"title":"T","body":"B"}`)))
	shown := surface.Shown()
	require.Len(t, shown, 1)
	assert.Equal(t, "T", shown[0].Title)

	require.NoError(t, n.HandlePush(context.Background(), nil))
	assert.Len(t, surface.Shown(), 1)
	assert.True(t, log.Contains("INFO", "without data"))
}

type failingSurface struct{ MemorySurface }

func (f *failingSurface) Show(context.Context, Descriptor) error {
	return errors.New("permission denied")
}

func TestShowFailureIsLogged(t *testing.T) {
	log := logger.NewTestLogger()
	n := New(log, &failingSurface{}, clients.NewRegistry(log, nil), origin)
	err := n.HandlePush(context.Background(), []byte("hi"))
	assert.ErrorContains(t, err, "permission denied")
	assert.True(t, log.Contains("ERROR", "failed to show notification"))
}

func TestClickFocusesExistingWindow(t *testing.T) {
	log := logger.NewTestLogger()
	registry := clients.NewRegistry(log, nil)
	other := &testWindow{id: "other", url: "https://other.example/"}
	app := &testWindow{id: "app", url: "https://ramadan.example/quran"}
	registry.Add(other)
	registry.Add(app)
	n, surface, _ := newDispatcher(t, registry)

	d := DecodePush([]byte(`{"title":"T","tag":"t1"}`), fixedNow())
	require.NoError(t, n.HandleClick(context.Background(), Interaction{Action: ActionOpen, Notification: d}))

	assert.Equal(t, []string{"t1"}, surface.Closed())
	assert.True(t, app.focused)
	require.Len(t, app.messages, 1)
	msg := app.messages[0].(ClickMessage)
	assert.Equal(t, MessageNotificationClick, msg.Type)
	assert.Equal(t, ActionOpen, msg.Action)
	assert.Equal(t, d.Data, msg.Data)
	assert.Equal(t, fixedNow().UnixMilli(), msg.Timestamp)
	assert.Empty(t, other.messages)
}

func TestClickOpensWindowAndMessagesAfterDelay(t *testing.T) {
	log := logger.NewTestLogger()
	registry := clients.NewRegistry(log, nil)
	var opened string
	registry.SetOpener(clients.OpenerFunc(func(ctx context.Context, u string) (clients.Window, error) {
		opened = u
		// the window connects on its own, after the opener returned
		registry.Add(&testWindow{id: "new", url: u})
		return nil, nil
	}))
	n, _, _ := newDispatcher(t, registry)

	d := DecodePush([]byte(`{"url":"./prayers"}`), fixedNow())
	require.NoError(t, n.HandleClick(context.Background(), Interaction{Notification: d}))
	assert.Equal(t, "https://ramadan.example/prayers", opened)

	w := registry.FindByURL(opened).(*testWindow)
	require.Len(t, w.messages, 1)
	assert.Equal(t, "", w.messages[0].(ClickMessage).Action)
}

func TestClickOpenFailure(t *testing.T) {
	n, _, log := newDispatcher(t, nil)
	err := n.HandleClick(context.Background(), Interaction{Action: ActionExplore, Notification: DecodePush([]byte("x"), fixedNow())})
	assert.ErrorIs(t, err, clients.ErrNoOpener)
	assert.True(t, log.Contains("ERROR", "failed to open window"))
}

func TestClickSnooze(t *testing.T) {
	n, surface, _ := newDispatcher(t, nil)
	d := DecodePush([]byte(`{"tag":"prayer-Maghrib"}`), fixedNow())
	require.NoError(t, n.HandleClick(context.Background(), Interaction{Action: ActionSnooze, Notification: d}))
	assert.Equal(t, []string{"prayer-Maghrib"}, surface.Closed())
	ack, ok := surface.Active(SnoozeTag)
	require.True(t, ok)
	assert.NotEmpty(t, ack.Title)
}

func TestClickDismiss(t *testing.T) {
	n, surface, _ := newDispatcher(t, nil)
	for _, action := range []string{ActionDismiss, ActionClose, "later"} {
		require.NoError(t, n.HandleClick(context.Background(), Interaction{Action: action, Notification: Descriptor{Tag: "x"}}))
	}
	assert.Len(t, surface.Closed(), 3)
	assert.Empty(t, surface.Shown())
}

func TestHandleClose(t *testing.T) {
	n, surface, log := newDispatcher(t, nil)
	n.HandleClose(context.Background(), Interaction{Notification: Descriptor{Tag: "t"}})
	assert.True(t, log.Contains("INFO", "notification closed: t"))
	assert.Empty(t, surface.Closed())
}

func TestFromOptions(t *testing.T) {
	d := FromOptions("Сухур", Options{Body: "Через 15 минут", Tag: "suhoor", Silent: true}, fixedNow())
	assert.Equal(t, "Сухур", d.Title)
	assert.Equal(t, "Через 15 минут", d.Body)
	assert.Equal(t, "", d.Icon)
	assert.True(t, d.Silent)
	assert.Equal(t, fixedNow().UnixMilli(), d.Timestamp)
}

func TestEventSurface(t *testing.T) {
	bus := eventing.NewMemoryClient()
	defer bus.Close()
	got := make(chan eventing.Message, 2)
	ctx := context.Background()
	_, err := bus.Subscribe(ctx, eventing.SubjectNotificationShow, func(_ context.Context, m eventing.Message) { got <- m })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, eventing.SubjectNotificationClose, func(_ context.Context, m eventing.Message) { got <- m })
	require.NoError(t, err)

	s := NewEventSurface(bus)
	require.NoError(t, s.Show(ctx, DecodePush([]byte(`{"title":"T"}`), fixedNow())))
	msg := <-got
	var d Descriptor
	require.NoError(t, json.Unmarshal(msg.Data(), &d))
	assert.Equal(t, "T", d.Title)
	assert.Equal(t, DefaultTag, msg.Headers().Get("tag"))

	require.NoError(t, s.Close(ctx, "t1"))
	msg = <-got
	assert.JSONEq(t, `{"tag":"t1"}`, string(msg.Data()))
}
