package eventing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memoryMessage struct {
	data    []byte
	headers Headers
	subject string
	replier func(ctx context.Context, data []byte, opts ...PublishOption) error
}

func (m *memoryMessage) Data() []byte     { return m.data }
func (m *memoryMessage) Headers() Headers { return m.headers }
func (m *memoryMessage) Subject() string  { return m.subject }

func (m *memoryMessage) Reply(ctx context.Context, data []byte, opts ...PublishOption) error {
	return m.replier(ctx, data, opts...)
}

type memorySubscription struct {
	client  *MemoryClient
	subject string
	queue   string
	cb      MessageCallback
	ctx     context.Context
	running atomic.Bool
}

func (s *memorySubscription) Close() error {
	s.running.Store(false)
	s.client.remove(s)
	return nil
}

func (s *memorySubscription) IsValid() bool {
	return s.running.Load() && s.ctx.Err() == nil
}

// MemoryClient is an in-process Client. Callbacks run on their own goroutine per message,
// queue subscriptions in the same group receive messages round robin.
type MemoryClient struct {
	mu     sync.Mutex
	subs   map[string][]*memorySubscription
	next   map[string]int
	wg     sync.WaitGroup
	closed bool
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient returns an empty in-process bus
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		subs: make(map[string][]*memorySubscription),
		next: make(map[string]int),
	}
}

func (c *MemoryClient) remove(s *memorySubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[s.subject]
	for i, sub := range list {
		if sub == s {
			c.subs[s.subject] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (c *MemoryClient) add(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	if err := checkForWildcards(subject); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &memorySubscription{client: c, subject: subject, queue: queue, cb: cb, ctx: ctx}
	s.running.Store(true)
	c.subs[subject] = append(c.subs[subject], s)
	return s, nil
}

func (c *MemoryClient) deliver(ctx context.Context, subject string, data []byte, queued bool, opts []PublishOption) error {
	headers := make(Headers)
	applyPublishOptions(headers, opts)
	propagator.Inject(ctx, headers)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var targets []*memorySubscription
	groups := map[string][]*memorySubscription{}
	for _, s := range c.subs[subject] {
		if !s.IsValid() {
			continue
		}
		if queued && s.queue != "" {
			groups[s.queue] = append(groups[s.queue], s)
		} else if !queued && s.queue == "" {
			targets = append(targets, s)
		}
	}
	for queue, members := range groups {
		key := subject + "/" + queue
		targets = append(targets, members[c.next[key]%len(members)])
		c.next[key]++
	}
	c.wg.Add(len(targets))
	c.mu.Unlock()

	for _, s := range targets {
		msg := &memoryMessage{data: data, headers: headers, subject: subject, replier: notReplyable}
		if replyTo := headers[redisReplyHeader]; replyTo != "" {
			msg.replier = func(ctx context.Context, data []byte, opts ...PublishOption) error {
				return c.Publish(ctx, replyTo, data, opts...)
			}
		}
		go func(s *memorySubscription) {
			defer c.wg.Done()
			s.cb(propagator.Extract(s.ctx, headers), msg)
		}(s)
	}
	return nil
}

func (c *MemoryClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	return c.deliver(ctx, subject, data, false, opts)
}

func (c *MemoryClient) QueuePublish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	return c.deliver(ctx, subject, data, true, opts)
}

func (c *MemoryClient) request(ctx context.Context, subject string, data []byte, timeout time.Duration, queued bool, opts []PublishOption) (Message, error) {
	replySubject, err := newReplySubject()
	if err != nil {
		return nil, err
	}
	replies := make(chan Message, 1)
	sub, err := c.add(ctx, replySubject, "", func(_ context.Context, msg Message) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Close()
	opts = append(opts, WithHeader(redisReplyHeader, replySubject))
	if err := c.deliver(ctx, subject, data, queued, opts); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s after %v: %w", subject, timeout, ErrTimeout)
	}
}

func (c *MemoryClient) Request(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, false, opts)
}

func (c *MemoryClient) QueueRequest(ctx context.Context, subject string, data []byte, timeout time.Duration, opts ...PublishOption) (Message, error) {
	return c.request(ctx, subject, data, timeout, true, opts)
}

func (c *MemoryClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	return c.add(ctx, subject, "", cb)
}

func (c *MemoryClient) QueueSubscribe(ctx context.Context, subject, queue string, cb MessageCallback) (Subscriber, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name required for %s", subject)
	}
	return c.add(ctx, subject, queue, cb)
}

// Close stops delivery and waits for running callbacks
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, list := range c.subs {
		for _, s := range list {
			s.running.Store(false)
		}
	}
	c.subs = map[string][]*memorySubscription{}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
