package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ramadanpath/offline/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	fired map[string]int
}

func (r *recorder) fire(_ context.Context, tag string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired[tag]++
}

func (r *recorder) count(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired[tag]
}

func TestSchedulerOneShotFiresOnce(t *testing.T) {
	rec := &recorder{fired: map[string]int{}}
	s := NewScheduler(logger.NewTestLogger(), rec.fire)
	require.NoError(t, s.Register(TagPrayerNotifications, OneShot, 0))

	assert.Eventually(t, func() bool { return rec.count(TagPrayerNotifications) == 1 }, time.Second, 5*time.Millisecond)
	s.Close()
	assert.Equal(t, 1, rec.count(TagPrayerNotifications))
	assert.Empty(t, s.Registrations())
}

func TestSchedulerPeriodicFiresUntilClose(t *testing.T) {
	rec := &recorder{fired: map[string]int{}}
	s := NewScheduler(logger.NewTestLogger(), rec.fire)
	require.NoError(t, s.Register(TagRefreshContent, Periodic, 5*time.Millisecond))

	assert.Eventually(t, func() bool { return rec.count(TagRefreshContent) >= 3 }, time.Second, 5*time.Millisecond)
	regs := s.Registrations()
	require.Len(t, regs, 1)
	assert.Equal(t, Periodic, regs[0].Kind)

	s.Close()
	after := rec.count(TagRefreshContent)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, rec.count(TagRefreshContent))
	assert.ErrorIs(t, s.Register(TagRefreshContent, Periodic, time.Millisecond), ErrSchedulerClosed)
}

func TestSchedulerRejectsPeriodicWithoutInterval(t *testing.T) {
	s := NewScheduler(logger.NewTestLogger(), func(context.Context, string, bool) {})
	defer s.Close()
	assert.ErrorIs(t, s.Register(TagUpdateContent, Periodic, 0), ErrInvalidInterval)
}

func TestSchedulerUnregister(t *testing.T) {
	rec := &recorder{fired: map[string]int{}}
	s := NewScheduler(logger.NewTestLogger(), rec.fire)
	defer s.Close()
	require.NoError(t, s.Register(TagUpdatePrayerTimes, Periodic, time.Hour))
	assert.True(t, s.Unregister(TagUpdatePrayerTimes))
	assert.False(t, s.Unregister(TagUpdatePrayerTimes))
	assert.Empty(t, s.Registrations())
}
