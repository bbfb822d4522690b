// Package bridge handles messages posted to the worker by app windows and
// answers them on the reply port that came with the message, if any.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ramadanpath/offline/background"
	"github.com/ramadanpath/offline/cache"
	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/fetch"
	"github.com/ramadanpath/offline/logger"
	"github.com/ramadanpath/offline/notify"
)

const (
	firebaseBackgroundMessage = "BACKGROUND_MESSAGE"
	firebaseTag               = "firebase-notification"
)

// ReplyPort is the channel a reply goes back on
type ReplyPort interface {
	Send(ctx context.Context, v interface{}) error
}

// ReplyFunc adapts a function to ReplyPort
type ReplyFunc func(ctx context.Context, v interface{}) error

func (f ReplyFunc) Send(ctx context.Context, v interface{}) error {
	return f(ctx, v)
}

// VersionReply answers GET_VERSION
type VersionReply struct {
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
	CacheSize int    `json:"cacheSize"`
}

// Result answers messages that change state
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Lifecycle is the part of the release lifecycle the bridge drives
type Lifecycle interface {
	SkipWaiting(ctx context.Context) error
}

// Scheduler accepts sync registrations
type Scheduler interface {
	Register(tag string, kind background.Kind, interval time.Duration) error
}

// Notifier shows notifications
type Notifier interface {
	Show(ctx context.Context, d notify.Descriptor) error
}

// Deps are the components messages act on
type Deps struct {
	Lifecycle Lifecycle
	Scheduler Scheduler
	Notifier  Notifier
	Storage   *cache.Storage
	Fetcher   fetch.Fetcher
}

// Bridge dispatches decoded messages
type Bridge struct {
	deps            Deps
	cfg             *config.Config
	defaultInterval time.Duration
	now             func() time.Time
	logger          logger.Logger
}

// New returns a Bridge acting on deps
func New(cfg *config.Config, log logger.Logger, deps Deps) *Bridge {
	return &Bridge{
		deps:            deps,
		cfg:             cfg,
		defaultInterval: cfg.PeriodicInterval,
		now:             time.Now,
		logger:          log.With(map[string]interface{}{"component": "bridge"}),
	}
}

// Handle decodes raw and dispatches it. port may be nil.
func (b *Bridge) Handle(ctx context.Context, raw []byte, port ReplyPort) error {
	msg, err := Decode(raw)
	if err != nil {
		b.logger.Warn("dropping message: %s", err)
		return err
	}
	return b.Dispatch(ctx, msg, port)
}

// Dispatch acts on msg and sends the reply, if the message has one, to port
func (b *Bridge) Dispatch(ctx context.Context, msg Message, port ReplyPort) error {
	b.logger.Debug("message %s", msg.MessageType())
	switch m := msg.(type) {
	case SkipWaiting:
		return b.deps.Lifecycle.SkipWaiting(ctx)
	case GetVersion:
		return b.reply(ctx, port, VersionReply{
			Version:   b.cfg.StaticCache,
			Timestamp: b.now().UnixMilli(),
			CacheSize: len(b.cfg.Manifest),
		})
	case *CacheAPIData:
		return b.result(ctx, port, b.cacheAPIData(ctx, m))
	case *RegisterSync:
		return b.result(ctx, port, b.registerSync(m))
	case *SendNotification:
		return b.deps.Notifier.Show(ctx, notify.FromOptions(m.Title, m.Options, b.now()))
	case *UpdateCache:
		return b.result(ctx, port, b.updateCache(ctx, m))
	case *CacheURLs:
		return b.result(ctx, port, b.cacheURLs(ctx, m))
	case *FirebaseMessaging:
		return b.firebase(ctx, m)
	default:
		b.logger.Warn("ignoring message of unknown type %q", msg.MessageType())
		return nil
	}
}

func (b *Bridge) reply(ctx context.Context, port ReplyPort, v interface{}) error {
	if port == nil {
		b.logger.Debug("no reply port, reply dropped")
		return nil
	}
	if err := port.Send(ctx, v); err != nil {
		b.logger.Warn("failed to send reply: %s", err)
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// result replies with the outcome of op. The op error is reported to the window, not returned.
func (b *Bridge) result(ctx context.Context, port ReplyPort, op error) error {
	res := Result{Success: op == nil}
	if op != nil {
		b.logger.Warn("message failed: %s", op)
		res.Error = op.Error()
	}
	return b.reply(ctx, port, res)
}

func (b *Bridge) cacheAPIData(ctx context.Context, m *CacheAPIData) error {
	if m.Key == "" {
		return errors.New("key is required")
	}
	if len(m.Value) == 0 {
		return errors.New("value is required")
	}
	target, err := b.cfg.ResolveURL(m.Key)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Date", b.now().UTC().Format(http.TimeFormat))
	entry, err := cache.NewEntry(target, http.StatusOK, header, m.Value)
	if err != nil {
		return err
	}
	ns, err := b.deps.Storage.Open(ctx, b.cfg.APICache)
	if err != nil {
		return err
	}
	return ns.Put(ctx, entry)
}

func (b *Bridge) registerSync(m *RegisterSync) error {
	if m.Tag == "" {
		return errors.New("tag is required")
	}
	if !m.Periodic {
		return b.deps.Scheduler.Register(m.Tag, background.OneShot, 0)
	}
	interval := time.Duration(m.MinInterval) * time.Millisecond
	if interval <= 0 {
		interval = b.defaultInterval
	}
	return b.deps.Scheduler.Register(m.Tag, background.Periodic, interval)
}

func (b *Bridge) updateCache(ctx context.Context, m *UpdateCache) error {
	if m.URL == "" {
		return errors.New("url is required")
	}
	target, err := b.cfg.ResolveURL(m.URL)
	if err != nil {
		return err
	}
	ns, err := b.deps.Storage.Open(ctx, b.cfg.StaticCache)
	if err != nil {
		return err
	}
	_, err = ns.Add(ctx, b.deps.Fetcher, target)
	return err
}

func (b *Bridge) cacheURLs(ctx context.Context, m *CacheURLs) error {
	urls := make([]string, 0, len(m.URLs))
	for _, u := range m.URLs {
		target, err := b.cfg.ResolveURL(u)
		if err != nil {
			return err
		}
		urls = append(urls, target)
	}
	ns, err := b.deps.Storage.Open(ctx, b.cfg.StaticCache)
	if err != nil {
		return err
	}
	return ns.AddAll(ctx, b.deps.Fetcher, urls)
}

func (b *Bridge) firebase(ctx context.Context, m *FirebaseMessaging) error {
	if m.Action != firebaseBackgroundMessage {
		b.logger.Debug("firebase action %q ignored", m.Action)
		return nil
	}
	title := m.Title
	if title == "" {
		title = notify.DefaultTitle
	}
	target := m.URL
	if target == "" {
		target = notify.DefaultURL
	}
	now := b.now()
	return b.deps.Notifier.Show(ctx, notify.Descriptor{
		Title:              title,
		Body:               m.Body,
		Icon:               notify.DefaultIcon,
		Badge:              notify.DefaultBadge,
		Tag:                firebaseTag,
		RequireInteraction: true,
		Timestamp:          now.UnixMilli(),
		Data:               notify.Data{URL: target, Source: notify.SourceClient, Timestamp: now.UnixMilli()},
	})
}
