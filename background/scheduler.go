package background

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ramadanpath/offline/logger"
)

// ErrInvalidInterval is returned when a periodic registration has no interval
var ErrInvalidInterval = errors.New("background: periodic registration needs a positive interval")

// ErrSchedulerClosed is returned by Register after Close
var ErrSchedulerClosed = errors.New("background: scheduler closed")

// FireFunc delivers a trigger for tag
type FireFunc func(ctx context.Context, tag string, periodic bool)

// Registration is a sync or periodic sync registration
type Registration struct {
	Tag      string        `json:"tag"`
	Kind     Kind          `json:"kind"`
	Interval time.Duration `json:"interval,omitempty"`
}

type entry struct {
	reg  Registration
	stop chan struct{}
}

// Scheduler stands in for the platform sync manager. Registrations are held in memory.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	fire    FireFunc
	logger  logger.Logger
}

// NewScheduler returns a scheduler delivering triggers to fire
func NewScheduler(log logger.Logger, fire FireFunc) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
		fire:    fire,
		logger:  log.With(map[string]interface{}{"component": "scheduler"}),
	}
}

// Register records a registration. A one-shot tag fires once, asynchronously.
// A periodic tag fires every interval until Close; registering it again replaces the interval.
func (s *Scheduler) Register(tag string, kind Kind, interval time.Duration) error {
	if kind == Periodic && interval <= 0 {
		return ErrInvalidInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if old, ok := s.entries[tag]; ok && old.stop != nil {
		close(old.stop)
	}
	e := &entry{reg: Registration{Tag: tag, Kind: kind, Interval: interval}}
	s.entries[tag] = e
	s.wg.Add(1)
	if kind == OneShot {
		s.logger.Debug("sync %s registered", tag)
		go func() {
			defer s.wg.Done()
			s.fire(s.ctx, tag, false)
			s.mu.Lock()
			if s.entries[tag] == e {
				delete(s.entries, tag)
			}
			s.mu.Unlock()
		}()
		return nil
	}
	e.stop = make(chan struct{})
	s.logger.Debug("periodic sync %s registered every %s", tag, interval)
	go s.loop(tag, interval, e.stop)
	return nil
}

func (s *Scheduler) loop(tag string, interval time.Duration, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.fire(s.ctx, tag, true)
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Unregister removes tag, stopping a periodic registration
func (s *Scheduler) Unregister(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tag]
	if !ok {
		return false
	}
	if e.stop != nil {
		close(e.stop)
	}
	delete(s.entries, tag)
	return true
}

// Registrations lists pending one-shot and active periodic registrations by tag
func (s *Scheduler) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Close stops every periodic registration and waits for in-flight triggers
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
