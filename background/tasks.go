package background

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ramadanpath/offline/cache"
	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/notify"
	"golang.org/x/sync/errgroup"
)

const (
	prayerUpdateTag = "prayer-update"
	quranUpdateTag  = "quran-update"
)

// Reminder is a prayer due within the lookahead window
type Reminder struct {
	Prayer string
	At     time.Time
	In     time.Duration
}

// nextOccurrence is today at the prayer's time, or tomorrow if that has passed
func nextOccurrence(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if next.Before(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DueReminders returns the prayers whose next occurrence is within lookahead of now
func DueReminders(now time.Time, prayers config.Prayers, lookahead time.Duration) ([]Reminder, error) {
	var out []Reminder
	for _, p := range prayers {
		h, m, err := p.Clock()
		if err != nil {
			return out, err
		}
		next := nextOccurrence(now, h, m)
		until := next.Sub(now)
		if until >= 0 && until <= lookahead {
			out = append(out, Reminder{Prayer: p.Name, At: next, In: until})
		}
	}
	return out, nil
}

func (r *Runner) reminder(rem Reminder) notify.Descriptor {
	minutes := int(rem.In.Round(time.Minute) / time.Minute)
	return notify.Descriptor{
		Title:              "Скоро " + rem.Prayer,
		Body:               fmt.Sprintf("Намаз %s в %s, через %d мин.", rem.Prayer, rem.At.Format("15:04"), minutes),
		Icon:               notify.DefaultIcon,
		Badge:              notify.DefaultBadge,
		Tag:                "prayer-" + strings.ToLower(rem.Prayer),
		RequireInteraction: true,
		Vibrate:            notify.DefaultVibrate,
		Timestamp:          r.now().UnixMilli(),
		Data: notify.Data{
			URL:       notify.DefaultURL,
			Source:    notify.SourceBackground,
			Prayer:    rem.Prayer,
			Timestamp: rem.At.UnixMilli(),
		},
		Actions: []notify.Action{
			{ID: notify.ActionSnooze, Label: "Напомнить через 5 минут"},
			{ID: notify.ActionDismiss, Label: "Закрыть"},
		},
	}
}

func (r *Runner) notifyPrayers(ctx context.Context) error {
	now := r.now().In(r.location)
	due, err := DueReminders(now, r.prayerTimes(ctx), r.lookahead)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		r.logger.Debug("no prayer within %s", r.lookahead)
		return nil
	}
	for _, rem := range due {
		if err := r.notifier.Show(ctx, r.reminder(rem)); err != nil {
			r.logger.Warn("reminder for %s not shown: %s", rem.Prayer, err)
		}
	}
	return nil
}

// timingsResponse is the part of the prayer-times payload the reminders use
type timingsResponse struct {
	Data struct {
		Timings map[string]string `json:"timings"`
	} `json:"data"`
}

// prayerTimes returns the configured prayers with times taken from the most
// recently cached prayer-times response when one is available.
func (r *Runner) prayerTimes(ctx context.Context) config.Prayers {
	timings, ok := r.cachedTimings(ctx)
	if !ok {
		return r.prayers
	}
	out := make(config.Prayers, 0, len(r.prayers))
	for _, p := range r.prayers {
		if t, ok := timings[p.Name]; ok && len(t) >= 5 {
			p.Time = t[:5]
		}
		out = append(out, p)
	}
	return out
}

func (r *Runner) cachedTimings(ctx context.Context) (map[string]string, bool) {
	ns, err := r.storage.Open(ctx, r.apiName)
	if err != nil {
		return nil, false
	}
	keys, err := ns.Keys(ctx)
	if err != nil {
		return nil, false
	}
	var latest *cache.Entry
	for _, key := range keys {
		if !strings.HasPrefix(key, r.timingsURL) {
			continue
		}
		e, ok, err := ns.Match(ctx, key)
		if err != nil || !ok {
			continue
		}
		if latest == nil || e.StoredAt.After(latest.StoredAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, false
	}
	var resp timingsResponse
	if err := json.Unmarshal(latest.Body, &resp); err != nil || len(resp.Data.Timings) == 0 {
		r.logger.Debug("cached prayer times unusable: %v", err)
		return nil, false
	}
	return resp.Data.Timings, true
}

// TimingsURL is the prayer-times request for the instant now
func (r *Runner) TimingsURL(now time.Time) string {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(r.latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(r.longitude, 'f', -1, 64))
	q.Set("method", strconv.Itoa(r.method))
	return fmt.Sprintf("%s/%d?%s", strings.TrimSuffix(r.timingsURL, "/"), now.Unix(), q.Encode())
}

// refreshContent re-fetches every manifest url. Individual failures are logged and skipped.
func (r *Runner) refreshContent(ctx context.Context) error {
	ns, err := r.storage.Open(ctx, r.staticName)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, u := range r.manifest {
		g.Go(func() error {
			if _, err := ns.Add(ctx, r.fetcher, u); err != nil {
				r.logger.Warn("refresh of %s skipped: %s", u, err)
			}
			return nil
		})
	}
	g.Wait()
	r.logger.Info("content refreshed")
	return nil
}

func (r *Runner) fetchInto(ctx context.Context, namespace, rawURL string) error {
	ns, err := r.storage.Open(ctx, namespace)
	if err != nil {
		return err
	}
	e, err := ns.Add(ctx, r.fetcher, rawURL)
	if err != nil {
		return err
	}
	if !json.Valid(e.Body) {
		return fmt.Errorf("%s: response is not json", rawURL)
	}
	return nil
}

func (r *Runner) updateNotice(tag, title, body string) notify.Descriptor {
	return notify.Descriptor{
		Title:     title,
		Body:      body,
		Icon:      notify.DefaultIcon,
		Tag:       tag,
		Timestamp: r.now().UnixMilli(),
		Data:      notify.Data{URL: notify.DefaultURL, Source: notify.SourceBackground},
	}
}

func (r *Runner) fetchPrayerTimes(ctx context.Context) error {
	if err := r.fetchInto(ctx, r.apiName, r.TimingsURL(r.now())); err != nil {
		return fmt.Errorf("prayer times: %w", err)
	}
	r.logger.Info("prayer times updated")
	return r.notifier.Show(ctx, r.updateNotice(prayerUpdateTag, "Время намазов обновлено", "Актуальные времена намазов загружены"))
}

func (r *Runner) updateQuranData(ctx context.Context) error {
	if err := r.fetchInto(ctx, r.apiName, r.quranURL); err != nil {
		return fmt.Errorf("quran data: %w", err)
	}
	r.logger.Info("quran data updated")
	return r.notifier.Show(ctx, r.updateNotice(quranUpdateTag, "Данные Корана обновлены", "Актуальные данные Корана загружены"))
}

func (r *Runner) updatePrayerTimes(ctx context.Context) error {
	if err := r.refreshContent(ctx); err != nil {
		return err
	}
	return r.fetchPrayerTimes(ctx)
}

// updateContent refreshes the app shell, prayer times and the surah listing together
func (r *Runner) updateContent(ctx context.Context) error {
	if err := r.refreshContent(ctx); err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error { return r.fetchPrayerTimes(ctx) })
	g.Go(func() error { return r.updateQuranData(ctx) })
	return g.Wait()
}
