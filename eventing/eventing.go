package eventing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Subjects used by the worker. Ingress subjects are consumed, egress subjects are published.
const (
	// SubjectPush carries raw push payloads from the push gateway
	SubjectPush = "push"
	// SubjectSync carries background sync triggers, consumed through a queue
	SubjectSync = "sync"
	// SubjectMessages carries client messages that may expect a reply
	SubjectMessages = "worker.messages"
	// SubjectNotificationClick carries notification interactions from the host shell
	SubjectNotificationClick = "notifications.click"
	// SubjectNotificationShow is where notification descriptors are published for display
	SubjectNotificationShow = "notifications.show"
	// SubjectNotificationClose asks the host shell to close a notification by tag
	SubjectNotificationClose = "notifications.close"
	// SubjectClientsOpen asks the host shell to open a window, replying with its url
	SubjectClientsOpen = "clients.open"

	// QueueWorker is the consumer group shared by worker instances
	QueueWorker = "offline-worker"
)

// Message represents a message received from the event system
type Message interface {
	Data() []byte
	Headers() Headers
	Subject() string
	Reply(ctx context.Context, data []byte, opts ...PublishOption) error
}

// Headers represents message headers that can be used for both map operations and propagation
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

type MessageCallback func(ctx context.Context, msg Message)

type Subscriber interface {
	// Close stops the subscriber
	Close() error
	// IsValid reports whether the subscriber is still receiving
	IsValid() bool
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	Headers [][]string
}

func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		o.Headers = append(o.Headers, []string{key, value})
	}
}

func applyPublishOptions(headers Headers, opts []PublishOption) {
	options := &publishOptions{}
	for _, opt := range opts {
		opt(options)
	}
	for _, header := range options.Headers {
		if len(header) == 2 {
			headers[header[0]] = header[1]
		}
	}
}

// Client defines the interface for event clients
type Client interface {
	// Publish publishes a message to a subject
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// QueuePublish publishes a message to a subject in a consumer group named queue
	QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// Request publishes to a subject and synchronously waits for the first reply
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error)
	// QueueRequest requests a message from a subject in a consumer, and synchronously waits for a reply
	QueueRequest(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error)
	// Subscribe subscribes to a subject
	Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error)
	// QueueSubscribe subscribes to a subject in a consumer group named queue
	QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error)
	// Close closes the client
	Close() error
}

var (
	ErrNotReplyable = errors.New("message is not replyable")
	ErrClosed       = errors.New("eventing client closed")
	ErrTimeout      = errors.New("request timed out")
)

func notReplyable(ctx context.Context, data []byte, opts ...PublishOption) error {
	return ErrNotReplyable
}

// PublishJSON encodes v as JSON and publishes it
func PublishJSON(ctx context.Context, c Client, subject string, v interface{}, opts ...PublishOption) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", subject, err)
	}
	return c.Publish(ctx, subject, buf, append(opts, WithHeader("content-type", "application/json"))...)
}

// ReplyJSON encodes v as JSON and replies to msg
func ReplyJSON(ctx context.Context, msg Message, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	return msg.Reply(ctx, buf, WithHeader("content-type", "application/json"))
}
