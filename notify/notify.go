// Package notify turns push payloads and internal events into notifications
// and routes interactions with them back to app windows.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ramadanpath/offline/clients"
	"github.com/ramadanpath/offline/logger"
)

// Notification actions
const (
	ActionOpen    = "open"
	ActionExplore = "explore"
	ActionSnooze  = "snooze"
	ActionDismiss = "dismiss"
	ActionClose   = "close"
)

// SnoozeTag is the tag of the snooze acknowledgement
const SnoozeTag = "snooze-ack"

// MessageNotificationClick is posted to a window after an open interaction
const MessageNotificationClick = "NOTIFICATION_CLICK"

// Interaction is a click on a notification or one of its actions
type Interaction struct {
	Action       string     `json:"action"`
	Notification Descriptor `json:"notification"`
}

// ClickMessage tells a window which notification was opened
type ClickMessage struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Data      Data   `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher shows notifications and handles interactions
type Dispatcher struct {
	surface    Surface
	clients    *clients.Registry
	origin     *url.URL
	clickDelay time.Duration
	now        func() time.Time
	logger     logger.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClickDelay sets how long to wait for a newly opened window before messaging it
func WithClickDelay(d time.Duration) Option {
	return func(n *Dispatcher) { n.clickDelay = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(n *Dispatcher) { n.now = now }
}

// New returns a Dispatcher rendering on surface and routing clicks to windows of origin
func New(log logger.Logger, surface Surface, registry *clients.Registry, origin *url.URL, opts ...Option) *Dispatcher {
	n := &Dispatcher{
		surface:    surface,
		clients:    registry,
		origin:     origin,
		clickDelay: time.Second,
		now:        time.Now,
		logger:     log.With(map[string]interface{}{"component": "notify"}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Show displays d. Failures are logged and returned.
func (n *Dispatcher) Show(ctx context.Context, d Descriptor) error {
	if err := n.surface.Show(ctx, d); err != nil {
		n.logger.Error("failed to show notification %s: %s", d.Tag, err)
		return fmt.Errorf("show %s: %w", d.Tag, err)
	}
	n.logger.Debug("notification %s shown", d.Tag)
	return nil
}

// HandlePush decodes and shows a push payload. An empty payload shows nothing.
func (n *Dispatcher) HandlePush(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		n.logger.Info("push event without data, nothing to show")
		return nil
	}
	d := DecodePush(payload, n.now())
	n.logger.Debug("push received, tag %s", d.Tag)
	return n.Show(ctx, d)
}

// HandleClick closes the notification then acts on the chosen action
func (n *Dispatcher) HandleClick(ctx context.Context, in Interaction) error {
	if err := n.surface.Close(ctx, in.Notification.Tag); err != nil {
		n.logger.Warn("failed to close notification %s: %s", in.Notification.Tag, err)
	}
	switch in.Action {
	case ActionOpen, ActionExplore, "":
		return n.open(ctx, in)
	case ActionSnooze:
		return n.Show(ctx, n.snoozeAck())
	case ActionDismiss, ActionClose:
		n.logger.Debug("notification %s dismissed", in.Notification.Tag)
		return nil
	default:
		n.logger.Info("unhandled notification action %q", in.Action)
		return nil
	}
}

// HandleClose is called when a notification is closed without interaction
func (n *Dispatcher) HandleClose(ctx context.Context, in Interaction) {
	n.logger.Info("notification closed: %s", in.Notification.Tag)
}

func (n *Dispatcher) snoozeAck() Descriptor {
	return Descriptor{
		Title:     "Напоминание отложено",
		Body:      "Мы напомним вам позже",
		Icon:      DefaultIcon,
		Badge:     DefaultBadge,
		Tag:       SnoozeTag,
		Silent:    true,
		Timestamp: n.now().UnixMilli(),
		Data:      Data{URL: DefaultURL, Source: SourceBackground},
	}
}

func (n *Dispatcher) target(data Data) string {
	ref := data.URL
	if ref == "" {
		ref = DefaultURL
	}
	r, err := url.Parse(ref)
	if err != nil {
		return n.origin.String()
	}
	base := *n.origin
	if base.Path == "" {
		base.Path = "/"
	}
	return base.ResolveReference(r).String()
}

func (n *Dispatcher) open(ctx context.Context, in Interaction) error {
	msg := ClickMessage{
		Type:      MessageNotificationClick,
		Action:    in.Action,
		Data:      in.Notification.Data,
		Timestamp: n.now().UnixMilli(),
	}
	if w := n.clients.FindSameOrigin(n.origin); w != nil {
		n.logger.Debug("focusing window %s", w.ID())
		if err := w.Focus(ctx); err != nil {
			n.logger.Warn("failed to focus window %s: %s", w.ID(), err)
		}
		return w.PostMessage(ctx, msg)
	}

	target := n.target(in.Notification.Data)
	n.logger.Debug("opening new window at %s", target)
	w, err := n.clients.OpenWindow(ctx, target)
	if err != nil {
		n.logger.Error("failed to open window at %s: %s", target, err)
		return err
	}

	// a new window needs a moment before it can receive messages
	timer := time.NewTimer(n.clickDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if w == nil {
		w = n.clients.FindByURL(target)
	}
	if w == nil {
		n.logger.Warn("window opened at %s never connected, click message dropped", target)
		return nil
	}
	return w.PostMessage(ctx, msg)
}
