// Package background runs the named tasks triggered by sync and periodic sync
// registrations: prayer reminders and refreshes of cached content.
package background

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramadanpath/offline/cache"
	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/fetch"
	"github.com/ramadanpath/offline/logger"
	"github.com/ramadanpath/offline/notify"
)

// Task tags
const (
	TagPrayerNotifications = "prayer-notifications"
	TagUpdatePrayerTimes   = "update-prayer-times"
	TagRefreshContent      = "refresh-content"
	TagUpdateContent       = "update-content"
	TagUpdateQuranData     = "update-quran-data"
)

// ErrUnknownTask is returned by Run for a tag with no task
var ErrUnknownTask = errors.New("background: unknown task")

// Kind says how a task is registered with the scheduler
type Kind int

const (
	OneShot Kind = iota
	Periodic
)

func (k Kind) String() string {
	if k == Periodic {
		return "periodic"
	}
	return "one-shot"
}

// Status of the most recent run of a task
type Status int

const (
	Idle Status = iota
	Triggered
	Running
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Triggered:
		return "triggered"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Task is an entry of the static task table
type Task struct {
	Tag     string
	Kind    Kind
	Handler func(ctx context.Context) error
}

// Notifier shows notifications; notify.Dispatcher implements it
type Notifier interface {
	Show(ctx context.Context, d notify.Descriptor) error
}

// Runner owns the task table and runs tasks by tag
type Runner struct {
	tasks    map[string]Task
	status   map[string]Status
	statusMu sync.Mutex

	storage     *cache.Storage
	fetcher     fetch.Fetcher
	notifier    Notifier
	staticName  string
	apiName     string
	manifest    []string
	prayers     config.Prayers
	location    *time.Location
	lookahead   time.Duration
	concurrency int
	latitude    float64
	longitude   float64
	method      int
	timingsURL  string
	quranURL    string
	now         func() time.Time
	logger      logger.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner returns a Runner with the standard task table
func NewRunner(cfg *config.Config, log logger.Logger, storage *cache.Storage, fetcher fetch.Fetcher, notifier Notifier, opts ...Option) (*Runner, error) {
	manifest, err := cfg.ManifestURLs()
	if err != nil {
		return nil, err
	}
	r := &Runner{
		status:      make(map[string]Status),
		storage:     storage,
		fetcher:     fetcher,
		notifier:    notifier,
		staticName:  cfg.StaticCache,
		apiName:     cfg.APICache,
		manifest:    manifest,
		prayers:     cfg.Prayers,
		location:    cfg.Location(),
		lookahead:   cfg.Lookahead,
		concurrency: cfg.RefreshConcurrency,
		latitude:    cfg.Latitude,
		longitude:   cfg.Longitude,
		method:      cfg.Method,
		timingsURL:  cfg.PrayerTimesURL,
		quranURL:    cfg.QuranURL,
		now:         time.Now,
		logger:      log.With(map[string]interface{}{"component": "background"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.tasks = map[string]Task{
		TagPrayerNotifications: {Tag: TagPrayerNotifications, Kind: OneShot, Handler: r.notifyPrayers},
		TagUpdatePrayerTimes:   {Tag: TagUpdatePrayerTimes, Kind: Periodic, Handler: r.updatePrayerTimes},
		TagRefreshContent:      {Tag: TagRefreshContent, Kind: Periodic, Handler: r.refreshContent},
		TagUpdateContent:       {Tag: TagUpdateContent, Kind: Periodic, Handler: r.updateContent},
		TagUpdateQuranData:     {Tag: TagUpdateQuranData, Kind: OneShot, Handler: r.updateQuranData},
	}
	return r, nil
}

// Tasks returns the task table sorted by tag
func (r *Runner) Tasks() []Task {
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Lookup returns the task for tag
func (r *Runner) Lookup(tag string) (Task, bool) {
	t, ok := r.tasks[tag]
	return t, ok
}

// Status returns the state of the latest run of tag
func (r *Runner) Status(tag string) Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status[tag]
}

func (r *Runner) setStatus(tag string, s Status) {
	r.statusMu.Lock()
	r.status[tag] = s
	r.statusMu.Unlock()
}

// Run executes the task registered under tag. Failures are logged and returned, never retried.
func (r *Runner) Run(ctx context.Context, tag string) error {
	task, ok := r.tasks[tag]
	if !ok {
		r.logger.Warn("no background task for tag %s", tag)
		return fmt.Errorf("%w: %s", ErrUnknownTask, tag)
	}
	r.setStatus(tag, Triggered)
	log := r.logger.WithPrefix("[" + tag + "]")
	started := r.now()
	r.setStatus(tag, Running)
	log.Debug("running")
	if err := task.Handler(ctx); err != nil {
		r.setStatus(tag, Failed)
		log.Error("failed: %s", err)
		return fmt.Errorf("%s: %w", tag, err)
	}
	r.setStatus(tag, Succeeded)
	log.Debug("succeeded in %s", r.now().Sub(started))
	return nil
}
