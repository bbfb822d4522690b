package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ramadanpath/offline/bridge"
	"github.com/ramadanpath/offline/clients"
	"github.com/ramadanpath/offline/eventing"
	"github.com/ramadanpath/offline/notify"
)

// windowFrame is the part of a window frame the worker reads before handing it to the bridge
type windowFrame struct {
	ReplyID string `json:"replyId"`
}

// inbound receives frames from connected windows
func (w *Worker) inbound(ctx context.Context, from clients.Window, frame []byte) {
	var f windowFrame
	_ = json.Unmarshal(frame, &f)
	var port bridge.ReplyPort
	if f.ReplyID != "" {
		port = clients.WindowReply{Window: from, ID: f.ReplyID}
	}
	w.Dispatch(ctx, MessageEvent{Data: frame, Port: port})
}

// SyncTrigger is the payload of the sync subject
type SyncTrigger struct {
	Tag      string `json:"tag"`
	Periodic bool   `json:"periodic"`
}

// InteractionTrigger is the payload of the notification click subject.
// Closed marks a dismissal rather than a click.
type InteractionTrigger struct {
	notify.Interaction
	Closed bool `json:"closed"`
}

// busReply answers a bus request. Messages published without a reply subject drop the reply.
type busReply struct {
	msg eventing.Message
}

func (p busReply) Send(ctx context.Context, v interface{}) error {
	err := eventing.ReplyJSON(ctx, p.msg, v)
	if errors.Is(err, eventing.ErrNotReplyable) {
		return nil
	}
	return err
}

func (w *Worker) track(sub eventing.Subscriber, err error) error {
	if err != nil {
		return err
	}
	w.subsMu.Lock()
	w.subs = append(w.subs, sub)
	w.subsMu.Unlock()
	return nil
}

// subscribe connects the bus ingress subjects to Dispatch
func (w *Worker) subscribe(ctx context.Context) error {
	if err := w.track(w.bus.Subscribe(ctx, eventing.SubjectPush, func(ctx context.Context, msg eventing.Message) {
		w.Dispatch(ctx, PushEvent{Data: msg.Data()})
	})); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventing.SubjectPush, err)
	}

	if err := w.track(w.bus.QueueSubscribe(ctx, eventing.SubjectSync, eventing.QueueWorker, func(ctx context.Context, msg eventing.Message) {
		var t SyncTrigger
		if err := json.Unmarshal(msg.Data(), &t); err != nil || t.Tag == "" {
			w.logger.Warn("dropping sync trigger %q", msg.Data())
			return
		}
		w.Dispatch(ctx, SyncEvent{Tag: t.Tag, Periodic: t.Periodic})
	})); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventing.SubjectSync, err)
	}

	if err := w.track(w.bus.Subscribe(ctx, eventing.SubjectMessages, func(ctx context.Context, msg eventing.Message) {
		w.Dispatch(ctx, MessageEvent{Data: msg.Data(), Port: busReply{msg: msg}})
	})); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventing.SubjectMessages, err)
	}

	if err := w.track(w.bus.Subscribe(ctx, eventing.SubjectNotificationClick, func(ctx context.Context, msg eventing.Message) {
		var t InteractionTrigger
		if err := json.Unmarshal(msg.Data(), &t); err != nil {
			w.logger.Warn("dropping notification interaction: %s", err)
			return
		}
		if t.Closed {
			w.Dispatch(ctx, NotificationCloseEvent{Interaction: t.Interaction})
			return
		}
		w.Dispatch(ctx, NotificationClickEvent{Interaction: t.Interaction})
	})); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventing.SubjectNotificationClick, err)
	}
	w.logger.Debug("subscribed to event bus")
	return nil
}
