package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ramadanpath/offline/eventing"
	"github.com/ramadanpath/offline/logger"
	"github.com/ramadanpath/offline/notify"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, origin string) {
	t.Helper()
	t.Setenv("RAMADAN_SW_ORIGIN", origin)
	t.Setenv("RAMADAN_SW_QURAN_URL", origin+"/quran")
	t.Setenv("RAMADAN_SW_STORE", "memory")
	t.Setenv("RAMADAN_SW_LOG_LEVEL", "error")
}

func TestSyncPublishesNotificationsOnTheBus(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":[{"number":1,"name":"Al-Fatiha"}]}`)
	}))
	defer origin.Close()

	mr := miniredis.RunT(t)
	setEnv(t, origin.URL)
	t.Setenv("RAMADAN_SW_EVENT_BUS", "true")
	t.Setenv("RAMADAN_SW_REDIS_URL", "redis://"+mr.Addr())

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	bus, err := eventing.NewRedisClient(context.Background(), logger.NewTestLogger(), rdb)
	require.NoError(t, err)
	defer bus.Close()

	shown := make(chan notify.Descriptor, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = bus.Subscribe(ctx, eventing.SubjectNotificationShow, func(ctx context.Context, msg eventing.Message) {
		var d notify.Descriptor
		if json.Unmarshal(msg.Data(), &d) == nil {
			shown <- d
		}
	})
	require.NoError(t, err)

	cmd := newRootCommand()
	cmd.SetArgs([]string{"sync", "update-quran-data"})
	cmd.SetOut(io.Discard)
	require.NoError(t, cmd.Execute())

	select {
	case d := <-shown:
		assert.Equal(t, "quran-update", d.Tag)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification published for the one-shot sync")
	}
}

func TestVersionCommand(t *testing.T) {
	setEnv(t, "https://ramadan.example")
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"version", "--store", "memory"})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ramadan-app-v2.0")
	assert.Contains(t, out.String(), "ramadan-api-cache-v2.0")
}
