// Package inmem provides a process-local bus. Queues are buffered channels;
// envelopes still cross them in encoded form so the bus exercises the same
// codec path as a real broker. Delivery is at-least-once to one consumer per
// queue with a prefetch of one message per consumer.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/troupe/runtime/bus"
	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/telemetry"
)

const defaultQueueCapacity = 256

type (
	// Bus is the in-memory implementation of bus.Bus.
	Bus struct {
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		capacity int

		mu        sync.Mutex
		queues    map[string]chan []byte
		consumers map[*consumer]struct{}
		closed    bool
	}

	// Option customizes a Bus.
	Option func(*Bus)

	consumer struct {
		bus     *Bus
		queue   string
		handler bus.Handler

		// quit asks the dispatch loop to exit after the in-flight message;
		// cancel aborts the in-flight handler when the caller's stop
		// deadline expires.
		quit     chan struct{}
		done     chan struct{}
		cancel   context.CancelFunc
		stopOnce sync.Once
		stopErr  error
	}
)

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(b *Bus) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// WithQueueCapacity sets the per-queue buffer size.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		capacity:  defaultQueueCapacity,
		queues:    make(map[string]chan []byte),
		consumers: make(map[*consumer]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ bus.Bus = (*Bus)(nil)

// Publish encodes the envelope and enqueues it.
func (b *Bus) Publish(ctx context.Context, queue string, env envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %q: %w", queue, err)
	}
	ch, err := b.channel(queue)
	if err != nil {
		return err
	}
	select {
	case ch <- raw:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.metrics.IncCounter("bus.published", 1, "queue", queue)
	return nil
}

// Consume starts a dispatcher goroutine on the queue and returns its handle.
// Several consumers on one queue compete for messages.
func (b *Bus) Consume(ctx context.Context, queue string, h bus.Handler) (bus.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler for queue %q", queue)
	}
	ch, err := b.channel(queue)
	if err != nil {
		return nil, err
	}

	// The dispatch loop keeps the caller's context values (logger state,
	// trace baggage) but not its cancellation; only Stop ends the loop.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &consumer{
		bus:     b,
		queue:   queue,
		handler: h,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, bus.ErrClosed
	}
	b.consumers[c] = struct{}{}
	b.mu.Unlock()

	go c.run(loopCtx, ch)
	return c, nil
}

// Close stops every outstanding consumer and rejects further publishes.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	remaining := make([]*consumer, 0, len(b.consumers))
	for c := range b.consumers {
		remaining = append(remaining, c)
	}
	b.mu.Unlock()

	var firstErr error
	for _, c := range remaining {
		if err := c.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// channel returns the queue's channel, creating it on first use.
func (b *Bus) channel(queue string) (chan []byte, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan []byte, b.capacity)
		b.queues[queue] = ch
	}
	return ch, nil
}

// deadLetter forwards a raw message to the dead-letter queue. Messages
// already on the dead-letter queue are dropped instead, and a full
// dead-letter queue never blocks dispatch.
func (b *Bus) deadLetter(ctx context.Context, from string, raw []byte, cause error) {
	if from == bus.DeadLetterQueue {
		b.logger.Warn(ctx, "dropping dead-letter queue message", "cause", cause)
		return
	}
	ch, err := b.channel(bus.DeadLetterQueue)
	if err != nil {
		b.logger.Warn(ctx, "dead-letter queue unavailable", "queue", from, "err", err)
		return
	}
	select {
	case ch <- raw:
		b.metrics.IncCounter("bus.dead_lettered", 1, "queue", from)
		b.logger.Warn(ctx, "message dead-lettered", "queue", from, "cause", cause)
	default:
		b.logger.Error(ctx, "dead-letter queue full, dropping message", "queue", from, "cause", cause)
	}
}

func (c *consumer) run(ctx context.Context, ch <-chan []byte) {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		case raw := <-ch:
			c.dispatch(ctx, raw)
		}
	}
}

// dispatch decodes and handles one message. Decode failures and handler
// errors route the message to the dead-letter queue; success acknowledges it
// by moving on.
func (c *consumer) dispatch(ctx context.Context, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		c.bus.deadLetter(ctx, c.queue, raw, err)
		return
	}
	err = c.invoke(ctx, env)
	if err != nil {
		c.bus.deadLetter(ctx, c.queue, raw, err)
		return
	}
	c.bus.metrics.IncCounter("bus.consumed", 1, "queue", c.queue)
}

// invoke runs the handler, converting a panic into a handler error so one
// bad message cannot take the dispatcher down.
func (c *consumer) invoke(ctx context.Context, env envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, env)
}

// Stop ends this consumer's dispatch loop, waiting for in-flight work up to
// the context deadline. Past the deadline the in-flight handler is cancelled.
func (c *consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.quit)
		select {
		case <-c.done:
		case <-ctx.Done():
			c.cancel()
			<-c.done
			c.stopErr = ctx.Err()
		}
		c.cancel()
		c.bus.mu.Lock()
		delete(c.bus.consumers, c)
		c.bus.mu.Unlock()
	})
	return c.stopErr
}
