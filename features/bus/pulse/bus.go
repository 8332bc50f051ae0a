// Package pulse implements the queue transport on goa.design/pulse streams.
// Every queue maps to one Redis stream and consumers of a queue join a shared
// consumer group, so each message lands on exactly one of them and survives
// process restarts. A message is acknowledged only once it is handled or
// parked on the dead-letter stream; anything else stays pending and Pulse
// redelivers it after the group's grace period.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	"goa.design/pulse/streaming/options"

	clientspulse "goa.design/troupe/features/bus/pulse/clients/pulse"
	"goa.design/troupe/runtime/bus"
	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/telemetry"
)

const (
	// defaultGroup names the consumer group when Options.Group is empty.
	defaultGroup = "troupe"

	// deadLetterEvent is the event name dead-lettered messages carry. The
	// original payload kind still travels inside the encoded envelope.
	deadLetterEvent = "deadletter"
)

type (
	// Options configures the transport.
	Options struct {
		// Client opens the Pulse streams. Required.
		Client clientspulse.Client
		// Group names the consumer group every consumer joins. Consumers
		// sharing a group compete for messages; deployments that must
		// each see every message use distinct groups. Defaults to
		// "troupe".
		Group string
		// Logger receives transport diagnostics. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics receives transport counters. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	// Bus is the Pulse-backed implementation of bus.Bus.
	Bus struct {
		client  clientspulse.Client
		group   string
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu        sync.RWMutex
		streams   map[string]clientspulse.Stream
		consumers map[*consumer]struct{}
		closed    bool
	}

	consumer struct {
		bus     *Bus
		queue   string
		handler bus.Handler
		sink    clientspulse.Sink

		// quit asks the dispatch loop to exit after the in-flight
		// message; cancel aborts the in-flight handler when the caller's
		// stop deadline expires.
		quit     chan struct{}
		done     chan struct{}
		cancel   context.CancelFunc
		stopOnce sync.Once
		stopErr  error
	}
)

// New constructs the transport. The Client field in opts is required; Group,
// Logger and Metrics default when unset.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	group := opts.Group
	if group == "" {
		group = defaultGroup
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{
		client:    opts.Client,
		group:     group,
		logger:    logger,
		metrics:   metrics,
		streams:   make(map[string]clientspulse.Stream),
		consumers: make(map[*consumer]struct{}),
	}, nil
}

var _ bus.Bus = (*Bus)(nil)

// Publish encodes the envelope and appends it to the queue's stream. The
// Redis event name is the payload kind, which keeps XRANGE output readable
// during debugging.
func (b *Bus) Publish(ctx context.Context, queue string, env envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %q: %w", queue, err)
	}
	stream, err := b.stream(queue)
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, string(env.Payload.Kind()), raw); err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	b.metrics.IncCounter("bus.published", 1, "queue", queue)
	return nil
}

// Consume joins the queue's consumer group and dispatches its deliveries to
// the handler. The sink starts at the oldest pending event so messages
// published before the first consumer existed are not lost.
func (b *Bus) Consume(ctx context.Context, queue string, h bus.Handler) (bus.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler for queue %q", queue)
	}
	stream, err := b.stream(queue)
	if err != nil {
		return nil, err
	}
	sink, err := stream.NewSink(ctx, b.group, options.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("join group %q on %q: %w", b.group, queue, err)
	}

	// The dispatch loop keeps the caller's context values (logger state,
	// trace baggage) but not its cancellation; only Stop ends the loop.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &consumer{
		bus:     b,
		queue:   queue,
		handler: h,
		sink:    sink,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		sink.Close(context.Background())
		return nil, bus.ErrClosed
	}
	b.consumers[c] = struct{}{}
	b.mu.Unlock()

	go c.run(loopCtx)
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
	if err := b.client.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// stream returns the queue's stream handle, opening it on first use.
func (b *Bus) stream(queue string) (clientspulse.Stream, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is empty")
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, bus.ErrClosed
	}
	if s, ok := b.streams[queue]; ok {
		b.mu.RUnlock()
		return s, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	if s, ok := b.streams[queue]; ok {
		return s, nil
	}
	s, err := b.client.Stream(queue)
	if err != nil {
		return nil, fmt.Errorf("open stream for %q: %w", queue, err)
	}
	b.streams[queue] = s
	return s, nil
}

// deadLetter forwards a raw message to the dead-letter stream and reports
// whether the message reached a terminal state. Messages already on the
// dead-letter queue are dropped instead of looping.
func (b *Bus) deadLetter(ctx context.Context, from string, raw []byte, cause error) bool {
	if from == bus.DeadLetterQueue {
		b.logger.Warn(ctx, "dropping dead-letter queue message", "cause", cause)
		return true
	}
	stream, err := b.stream(bus.DeadLetterQueue)
	if err != nil {
		b.logger.Error(ctx, "dead-letter stream unavailable", "queue", from, "err", err)
		return false
	}
	if _, err := stream.Add(ctx, deadLetterEvent, raw); err != nil {
		b.logger.Error(ctx, "dead-letter publish failed", "queue", from, "err", err)
		return false
	}
	b.metrics.IncCounter("bus.dead_lettered", 1, "queue", from)
	b.logger.Warn(ctx, "message dead-lettered", "queue", from, "cause", cause)
	return true
}

func (c *consumer) run(ctx context.Context) {
	defer close(c.done)
	ch := c.sink.Subscribe()
	for {
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.dispatch(ctx, ev)
		}
	}
}

// dispatch decodes and handles one delivery. Decode failures and handler
// errors park the message on the dead-letter stream; only a message that
// reached a terminal state is acknowledged. A failed dead-letter publish
// leaves the event pending so the group redelivers it.
func (c *consumer) dispatch(ctx context.Context, ev *streaming.Event) {
	env, err := envelope.Decode(ev.Payload)
	if err == nil {
		err = c.invoke(ctx, env)
	}
	if err != nil {
		if !c.bus.deadLetter(ctx, c.queue, ev.Payload, err) {
			return
		}
	} else {
		c.bus.metrics.IncCounter("bus.consumed", 1, "queue", c.queue)
	}
	if ackErr := c.sink.Ack(ctx, ev); ackErr != nil {
		c.bus.logger.Warn(ctx, "ack failed, message may be redelivered",
			"queue", c.queue, "event_id", ev.ID, "err", ackErr)
	}
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
// the context deadline, then leaves the consumer group. Other consumers on
// the same bus keep running.
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
		c.sink.Close(context.Background())
		c.bus.mu.Lock()
		delete(c.bus.consumers, c)
		c.bus.mu.Unlock()
	})
	return c.stopErr
}
