package eventing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ramadanpath/offline/logger"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const redisReplyHeader = "reply-to"

// streams are capped; sync triggers are idempotent so dropping old ones is harmless
const streamMaxLen = 100

const queueBlock = time.Second

type redisMsgPayload struct {
	InternalData    []byte  `msgpack:"data"`
	InternalHeaders Headers `msgpack:"headers"`
	subject         string
	replier         func(ctx context.Context, data []byte, opts ...PublishOption) error
}

func (m *redisMsgPayload) Data() []byte {
	return m.InternalData
}

func (m *redisMsgPayload) Headers() Headers {
	return m.InternalHeaders
}

func (m *redisMsgPayload) Subject() string {
	return m.subject
}

func (m *redisMsgPayload) Reply(ctx context.Context, data []byte, opts ...PublishOption) error {
	return m.replier(ctx, data, opts...)
}

type redisSubscriber struct {
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	running atomic.Bool
}

func (s *redisSubscriber) Close() error {
	s.running.Store(false)
	s.cancel()
	return s.pubsub.Close()
}

func (s *redisSubscriber) IsValid() bool {
	return s != nil && s.pubsub != nil && s.running.Load()
}

type redisQueueSubscriber struct {
	streamKey string
	group     string
	consumer  string
	rdb       *redis.Client
	cancel    context.CancelFunc
	done      chan struct{}
	running   atomic.Bool
}

func (s *redisQueueSubscriber) Close() error {
	s.running.Store(false)
	s.cancel()
	<-s.done
	// Remove the consumer from the group
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.rdb.XGroupDelConsumer(ctx, s.streamKey, s.group, s.consumer).Err()
}

func (s *redisQueueSubscriber) IsValid() bool {
	return s != nil && s.running.Load()
}

type redisEventingClient struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
	mu     sync.Mutex
	subs   []Subscriber
	closed bool
}

var _ Client = (*redisEventingClient)(nil)

// NewRedisClient returns a Client over Redis pubsub (Publish, Subscribe) and streams with
// consumer groups (QueuePublish, QueueSubscribe). The caller owns rdb.
func NewRedisClient(ctx context.Context, log logger.Logger, rdb *redis.Client) (Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	client := &redisEventingClient{
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(map[string]interface{}{"component": "eventing"}),
	}
	return client, nil
}

func newReplySubject() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return "_INBOX." + id.String(), nil
}

func checkForWildcards(subject string) error {
	if strings.ContainsAny(subject, "*?[") {
		return fmt.Errorf("subject %q contains a wildcard", subject)
	}
	return nil
}

func newPubRedisMessage(data []byte, opts ...PublishOption) redisMsgPayload {
	msg := redisMsgPayload{
		InternalData:    data,
		InternalHeaders: make(Headers),
		replier:         notReplyable,
	}
	applyPublishOptions(msg.InternalHeaders, opts)
	return msg
}

func (c *redisEventingClient) encode(ctx context.Context, name string, data []byte, opts []PublishOption) (context.Context, trace.Span, []byte, error) {
	msg := newPubRedisMessage(data, opts...)
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, msg.InternalHeaders)

	spanCtx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindProducer))
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		span.End()
		return nil, nil, nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return spanCtx, span, payload, nil
}

func (c *redisEventingClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *redisEventingClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := checkForWildcards(subject); err != nil {
		return err
	}
	spanCtx, span, payload, err := c.encode(ctx, "Publish", data, opts)
	if err != nil {
		return err
	}
	defer span.End()

	if err := c.rdb.Publish(spanCtx, subject, payload).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetStatus(codes.Ok, "message published")
	return nil
}

func (c *redisEventingClient) QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := checkForWildcards(subject); err != nil {
		return err
	}
	spanCtx, span, payload, err := c.encode(ctx, "QueuePublish", data, opts)
	if err != nil {
		return err
	}
	defer span.End()

	// Use XADD with MAXLEN to keep the stream size bounded
	if err := c.rdb.XAdd(spanCtx, &redis.XAddArgs{
		Stream: subject,
		Approx: true,
		MaxLen: streamMaxLen,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("failed to queue message: %w", err)
	}
	span.SetStatus(codes.Ok, "message queued")
	return nil
}

func (c *redisEventingClient) Request(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, false, opts...)
}

func (c *redisEventingClient) QueueRequest(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, true, opts...)
}

// request publishes with a reply-to header and waits for the first reply on a private inbox.
// Replies always travel over pubsub.
func (c *redisEventingClient) request(ctx context.Context, subject string, data []byte, timeout time.Duration, queue bool, opts ...PublishOption) (Message, error) {
	replySubject, err := newReplySubject()
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subject: %w", err)
	}

	sub := c.rdb.Subscribe(ctx, replySubject)
	defer sub.Close()
	// wait for the subscription to be confirmed so the reply cannot race it
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply subject: %w", err)
	}

	opts = append(opts, WithHeader(redisReplyHeader, replySubject))
	if queue {
		err = c.QueuePublish(ctx, subject, data, opts...)
	} else {
		err = c.Publish(ctx, subject, data, opts...)
	}
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, ErrClosed
		}
		reply := &redisMsgPayload{subject: replySubject, replier: notReplyable}
		if err := msgpack.Unmarshal([]byte(msg.Payload), reply); err != nil {
			return nil, fmt.Errorf("failed to decode reply: %w", err)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s after %v: %w", subject, timeout, ErrTimeout)
	}
}

func (c *redisEventingClient) internalCallback(ctx context.Context, subject string, payload []byte, cb MessageCallback) {
	msg := redisMsgPayload{subject: subject}
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("failed to decode message on %s: %s", subject, err)
		return
	}
	if msg.InternalHeaders == nil {
		msg.InternalHeaders = make(Headers)
	}
	// extract the trace context from the headers
	spanCtx, span := tracer.Start(
		propagator.Extract(ctx, msg.InternalHeaders),
		subject,
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	if replyTo := msg.InternalHeaders[redisReplyHeader]; replyTo != "" {
		msg.replier = func(ctx context.Context, data []byte, opts ...PublishOption) error {
			return c.Publish(ctx, replyTo, data, opts...)
		}
	} else {
		msg.replier = notReplyable
	}

	cb(spanCtx, &msg)
}

func (c *redisEventingClient) track(sub Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *redisEventingClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	if err := checkForWildcards(subject); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := c.rdb.Subscribe(subCtx, subject)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	sub := &redisSubscriber{pubsub: pubsub, cancel: cancel}
	sub.running.Store(true)
	if err := c.track(sub); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		defer sub.running.Store(false)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-c.ctx.Done():
				return
			case redisMsg, ok := <-ch:
				if !ok {
					return
				}
				c.internalCallback(subCtx, subject, []byte(redisMsg.Payload), cb)
			}
		}
	}()

	return sub, nil
}

func (c *redisEventingClient) QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	if err := checkForWildcards(subject); err != nil {
		return nil, err
	}
	// Create a consumer group if it doesn't exist
	if err := c.rdb.XGroupCreateMkStream(ctx, subject, queue, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisQueueSubscriber{
		streamKey: subject,
		group:     queue,
		consumer:  queue + "-" + uuid.NewString(),
		rdb:       c.rdb,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sub.running.Store(true)
	if err := c.track(sub); err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer close(sub.done)
		defer sub.running.Store(false)
		for {
			select {
			case <-subCtx.Done():
				return
			case <-c.ctx.Done():
				return
			default:
			}
			streams, err := c.rdb.XReadGroup(subCtx, &redis.XReadGroupArgs{
				Group:    queue,
				Consumer: sub.consumer,
				Streams:  []string{subject, ">"},
				Count:    10,
				Block:    queueBlock,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if subCtx.Err() == nil && c.ctx.Err() == nil {
					c.logger.Error("queue read on %s failed: %s", subject, err)
				}
				return
			}
			for _, stream := range streams {
				for _, message := range stream.Messages {
					if payload, ok := message.Values["payload"].(string); ok {
						c.internalCallback(subCtx, subject, []byte(payload), cb)
					}
					c.rdb.XAck(subCtx, subject, queue, message.ID)
				}
			}
		}
	}()

	return sub, nil
}

func (c *redisEventingClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	c.cancel()
	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
