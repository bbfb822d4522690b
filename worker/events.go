package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ramadanpath/offline/bridge"
	"github.com/ramadanpath/offline/keepalive"
	"github.com/ramadanpath/offline/notify"
)

// ErrUnknownEvent is the outcome of dispatching an event the worker has no handler for
var ErrUnknownEvent = errors.New("worker: unknown event")

// Event is something the worker reacts to
type Event interface {
	Name() string
}

// FetchEvent asks the strategies to answer Request. Response is set once the event settles.
type FetchEvent struct {
	Request  *http.Request
	Response *http.Response
}

// PushEvent carries a raw push payload
type PushEvent struct {
	Data []byte
}

// SyncEvent triggers the background task registered under Tag
type SyncEvent struct {
	Tag      string
	Periodic bool
}

// MessageEvent carries a window message and the port to answer on
type MessageEvent struct {
	Data []byte
	Port bridge.ReplyPort
}

// NotificationClickEvent is a click on a notification or one of its actions
type NotificationClickEvent struct {
	Interaction notify.Interaction
}

// NotificationCloseEvent is a notification dismissed by the user
type NotificationCloseEvent struct {
	Interaction notify.Interaction
}

// InstallEvent installs the release
type InstallEvent struct{}

// ActivateEvent activates the release
type ActivateEvent struct{}

func (*FetchEvent) Name() string { return "fetch" }
func (PushEvent) Name() string   { return "push" }
func (e SyncEvent) Name() string {
	if e.Periodic {
		return "periodicsync"
	}
	return "sync"
}
func (MessageEvent) Name() string           { return "message" }
func (NotificationClickEvent) Name() string { return "notificationclick" }
func (NotificationCloseEvent) Name() string { return "notificationclose" }
func (InstallEvent) Name() string           { return "install" }
func (ActivateEvent) Name() string          { return "activate" }

// Dispatch starts the handler for ev in the worker's lifetime and returns its outcome.
// Handlers never see ctx cancellation once started and a panic becomes the outcome's error.
func (w *Worker) Dispatch(ctx context.Context, ev Event) *Pending {
	switch e := ev.(type) {
	case *FetchEvent:
		return w.lifetime.Go(ctx, ev.Name(), func(ctx context.Context) error {
			resp, err := w.engine.Handle(ctx, e.Request)
			e.Response = resp
			return err
		})
	case PushEvent:
		return w.lifetime.Go(ctx, ev.Name(), func(ctx context.Context) error {
			return w.notifier.HandlePush(ctx, e.Data)
		})
	case SyncEvent:
		return w.lifetime.Go(ctx, ev.Name()+":"+e.Tag, func(ctx context.Context) error {
			return w.runner.Run(ctx, e.Tag)
		})
	case MessageEvent:
		return w.lifetime.Go(ctx, ev.Name(), func(ctx context.Context) error {
			return w.bridge.Handle(ctx, e.Data, e.Port)
		})
	case NotificationClickEvent:
		return w.lifetime.Go(ctx, ev.Name(), func(ctx context.Context) error {
			return w.notifier.HandleClick(ctx, e.Interaction)
		})
	case NotificationCloseEvent:
		w.notifier.HandleClose(ctx, e.Interaction)
		return keepalive.Settled(nil)
	case InstallEvent:
		return w.lifetime.Go(ctx, ev.Name(), w.lifecycle.Install)
	case ActivateEvent:
		return w.lifetime.Go(ctx, ev.Name(), w.lifecycle.Activate)
	default:
		w.logger.Warn("no handler for event %T", ev)
		return keepalive.Settled(fmt.Errorf("%w: %T", ErrUnknownEvent, ev))
	}
}
