package background

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ramadanpath/offline/cache"
	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/fetch"
	"github.com/ramadanpath/offline/logger"
	"github.com/ramadanpath/offline/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var moscow = time.FixedZone("MSK", 3*60*60)

type fixture struct {
	runner  *Runner
	storage *cache.Storage
	surface *notify.MemorySurface
	log     *logger.TestLogger
	cfg     *config.Config
	hits    *sync.Map
}

func newFixture(t *testing.T, now time.Time, handler http.HandlerFunc) *fixture {
	t.Helper()
	hits := &sync.Map{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		if handler != nil {
			handler(w, r)
			return
		}
		w.Write([]byte("asset " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Origin = srv.URL
	cfg.Manifest = []string{"./", "./index.html", "./manifest.json"}
	cfg.PrayerTimesURL = srv.URL + "/v1/timings"
	cfg.QuranURL = srv.URL + "/v1/surah"
	cfg.Timezone = "Europe/Moscow"

	log := logger.NewTestLogger()
	storage := cache.New(cache.NewMemory())
	t.Cleanup(func() { storage.Close() })
	surface := notify.NewMemorySurface()
	dispatcher := notify.New(log, surface, nil, cfg.OriginURL())
	r, err := NewRunner(cfg, log, storage, fetch.NewClient(log), dispatcher, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	r.location = moscow
	return &fixture{runner: r, storage: storage, surface: surface, log: log, cfg: cfg, hits: hits}
}

func (f *fixture) hitCount(path string) int32 {
	n, ok := f.hits.Load(path)
	if !ok {
		return 0
	}
	return n.(*atomic.Int32).Load()
}

func TestDueReminders(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 10, 0, 0, moscow)
	prayers := config.Prayers{
		{Name: "Fajr", Time: "05:00"},
		{Name: "Dhuhr", Time: "12:30"},
		{Name: "Asr", Time: "12:50"},
	}
	due, err := DueReminders(now, prayers, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Dhuhr", due[0].Prayer)
	assert.Equal(t, 20*time.Minute, due[0].In)
}

func TestDueRemindersRollsToTomorrow(t *testing.T) {
	now := time.Date(2025, 3, 10, 23, 50, 0, 0, moscow)
	due, err := DueReminders(now, config.Prayers{{Name: "Midnight", Time: "00:10"}}, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 11, due[0].At.Day())
	assert.Equal(t, 20*time.Minute, due[0].In)
}

func TestDueRemindersInvalidTime(t *testing.T) {
	_, err := DueReminders(time.Now(), config.Prayers{{Name: "Bad", Time: "25:99"}}, time.Minute)
	assert.Error(t, err)
}

func TestPrayerNotificationsUsesConfiguredTimes(t *testing.T) {
	// Maghrib is configured at 18:30
	f := newFixture(t, time.Date(2025, 3, 10, 18, 10, 0, 0, moscow), nil)
	require.NoError(t, f.runner.Run(context.Background(), TagPrayerNotifications))

	shown := f.surface.Shown()
	require.Len(t, shown, 1)
	d := shown[0]
	assert.Equal(t, "prayer-maghrib", d.Tag)
	assert.True(t, d.RequireInteraction)
	assert.Equal(t, notify.SourceBackground, d.Data.Source)
	require.Len(t, d.Actions, 2)
	assert.Equal(t, notify.ActionSnooze, d.Actions[0].ID)
	assert.Equal(t, notify.ActionDismiss, d.Actions[1].ID)
	assert.Equal(t, Succeeded, f.runner.Status(TagPrayerNotifications))
}

func TestPrayerNotificationsOutsideWindow(t *testing.T) {
	// Maghrib 18:30 is 40 minutes away
	f := newFixture(t, time.Date(2025, 3, 10, 17, 50, 0, 0, moscow), nil)
	require.NoError(t, f.runner.Run(context.Background(), TagPrayerNotifications))
	assert.Empty(t, f.surface.Shown())
}

func TestPrayerNotificationsPreferCachedTimings(t *testing.T) {
	now := time.Date(2025, 3, 10, 18, 10, 0, 0, moscow)
	f := newFixture(t, now, nil)
	ctx := context.Background()
	ns, err := f.storage.Open(ctx, f.cfg.APICache)
	require.NoError(t, err)
	body := `{"code":200,"data":{"timings":{"Fajr":"05:10","Dhuhr":"12:25","Asr":"15:40","Maghrib":"19:30 (MSK)","Isha":"18:20"}}}`
	e, err := cache.NewEntry(f.runner.TimingsURL(now), http.StatusOK, nil, []byte(body))
	require.NoError(t, err)
	require.NoError(t, ns.Put(ctx, e))

	require.NoError(t, f.runner.Run(ctx, TagPrayerNotifications))
	shown := f.surface.Shown()
	require.Len(t, shown, 1)
	assert.Equal(t, "prayer-isha", shown[0].Tag)
}

func TestRefreshContentSkipsFailures(t *testing.T) {
	f := newFixture(t, time.Now(), func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("fresh " + r.URL.Path))
	})
	ctx := context.Background()
	require.NoError(t, f.runner.Run(ctx, TagRefreshContent))

	ns, err := f.storage.Open(ctx, f.cfg.StaticCache)
	require.NoError(t, err)
	keys, err := ns.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	e, ok, err := ns.Match(ctx, f.cfg.Origin+"/index.html")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh /index.html", string(e.Body))
	assert.True(t, f.log.Contains("WARNING", "manifest.json"))
}

func TestUpdatePrayerTimesStoresTimingsAndNotifies(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, moscow)
	f := newFixture(t, now, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/timings/") {
			assert.Equal(t, "42.98", r.URL.Query().Get("latitude"))
			assert.Equal(t, "47.5", r.URL.Query().Get("longitude"))
			assert.Equal(t, "2", r.URL.Query().Get("method"))
			w.Write([]byte(`{"data":{"timings":{"Fajr":"05:01"}}}`))
			return
		}
		w.Write([]byte("asset"))
	})
	ctx := context.Background()
	require.NoError(t, f.runner.Run(ctx, TagUpdatePrayerTimes))

	e, ok, err := f.storage.Match(ctx, f.runner.TimingsURL(now))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(e.Body), "05:01")
	_, ok = f.surface.Active("prayer-update")
	assert.True(t, ok)
	assert.Equal(t, int32(1), f.hitCount("/index.html"))
}

func TestUpdateQuranDataFailureIsReported(t *testing.T) {
	f := newFixture(t, time.Now(), func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	err := f.runner.Run(context.Background(), TagUpdateQuranData)
	require.Error(t, err)
	assert.Equal(t, Failed, f.runner.Status(TagUpdateQuranData))
	assert.Empty(t, f.surface.Shown())
	assert.True(t, f.log.Contains("ERROR", "failed"))
}

func TestUpdateContentRunsEverything(t *testing.T) {
	f := newFixture(t, time.Now(), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	require.NoError(t, f.runner.Run(context.Background(), TagUpdateContent))
	_, ok := f.surface.Active("prayer-update")
	assert.True(t, ok)
	_, ok = f.surface.Active("quran-update")
	assert.True(t, ok)
	assert.Equal(t, int32(1), f.hitCount("/v1/surah"))
}

func TestRunUnknownTag(t *testing.T) {
	f := newFixture(t, time.Now(), nil)
	err := f.runner.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.True(t, f.log.Contains("WARNING", "nope"))
}

func TestTaskTable(t *testing.T) {
	f := newFixture(t, time.Now(), nil)
	var tags []string
	for _, task := range f.runner.Tasks() {
		tags = append(tags, task.Tag)
	}
	assert.Equal(t, []string{TagPrayerNotifications, TagRefreshContent, TagUpdateContent, TagUpdatePrayerTimes, TagUpdateQuranData}, tags)
	task, ok := f.runner.Lookup(TagRefreshContent)
	require.True(t, ok)
	assert.Equal(t, Periodic, task.Kind)
}
