// Package bus defines the transport contract agents communicate through:
// durable queues with at-least-once delivery, per-consumer disposable
// handles, and a terminal dead-letter sink for messages the system cannot or
// will not redeliver. The contract stays broker-agnostic; bus/inmem serves
// tests and single-process deployments while features/bus/pulse rides Redis
// streams.
package bus

import (
	"context"
	"errors"

	"goa.design/troupe/runtime/envelope"
)

const (
	// DeadLetterQueue is the terminal sink. Implementations must never
	// dead-letter the dead-letter queue itself.
	DeadLetterQueue = "troupe.deadletter"

	// AgentQueuePrefix prefixes every agent inbox queue.
	AgentQueuePrefix = "agent."
)

// AgentQueue returns the deterministic inbox queue for an agent.
func AgentQueue(agentID string) string {
	return AgentQueuePrefix + agentID
}

// ErrClosed reports an operation on a closed bus.
var ErrClosed = errors.New("bus is closed")

type (
	// Handler processes one delivered envelope. A nil return acknowledges
	// the message; a non-nil return routes it to the dead-letter sink. The
	// handler runs serially per consumer: one outstanding message at a time
	// so a slow queue never starves its peers.
	Handler func(ctx context.Context, env envelope.Envelope) error

	// Handle scopes one consumer. Stopping it releases only this consumer's
	// transport resources; other consumers on the same bus are untouched.
	// Stop waits for in-flight dispatch up to the context deadline and is
	// safe to call more than once.
	Handle interface {
		Stop(ctx context.Context) error
	}

	// Bus is the message transport contract.
	Bus interface {
		// Publish delivers the envelope to one consumer of the queue,
		// at least once, durably. Safe for concurrent callers.
		Publish(ctx context.Context, queue string, env envelope.Envelope) error

		// Consume registers an asynchronous handler on the queue and
		// returns the handle that stops this consumer and only this
		// consumer.
		Consume(ctx context.Context, queue string, h Handler) (Handle, error)

		// Close releases every outstanding handle.
		Close(ctx context.Context) error
	}
)
