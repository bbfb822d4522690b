package notify

import (
	"context"
	"sync"

	"github.com/ramadanpath/offline/eventing"
)

// Surface renders notifications
type Surface interface {
	// Show displays d, replacing any notification with the same tag
	Show(ctx context.Context, d Descriptor) error
	// Close removes the notification with tag
	Close(ctx context.Context, tag string) error
}

// EventSurface publishes notifications on the event bus for a push gateway to render
type EventSurface struct {
	bus eventing.Client
}

var _ Surface = (*EventSurface)(nil)

// NewEventSurface returns a Surface publishing to eventing.SubjectNotificationShow
func NewEventSurface(bus eventing.Client) *EventSurface {
	return &EventSurface{bus: bus}
}

func (s *EventSurface) Show(ctx context.Context, d Descriptor) error {
	return eventing.PublishJSON(ctx, s.bus, eventing.SubjectNotificationShow, d, eventing.WithHeader("tag", d.Tag))
}

func (s *EventSurface) Close(ctx context.Context, tag string) error {
	return eventing.PublishJSON(ctx, s.bus, eventing.SubjectNotificationClose, map[string]string{"tag": tag}, eventing.WithHeader("tag", tag))
}

// MemorySurface keeps the notifications currently displayed, keyed by tag
type MemorySurface struct {
	mu     sync.Mutex
	shown  []Descriptor
	closed []string
	active map[string]Descriptor
}

var _ Surface = (*MemorySurface)(nil)

// NewMemorySurface returns an empty surface
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{active: make(map[string]Descriptor)}
}

func (s *MemorySurface) Show(_ context.Context, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, d)
	s.active[d.Tag] = d
	return nil
}

func (s *MemorySurface) Close(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, tag)
	delete(s.active, tag)
	return nil
}

// Shown returns every descriptor shown so far
func (s *MemorySurface) Shown() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Descriptor(nil), s.shown...)
}

// Closed returns the tags closed so far
func (s *MemorySurface) Closed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

// Active returns the notification currently displayed under tag
func (s *MemorySurface) Active(tag string) (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.active[tag]
	return d, ok
}
