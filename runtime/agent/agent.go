// Package agent binds agents to the message bus and manages their lifecycle.
//
// An Agent is a uniform participant: human-fronted or AI-backed, it exposes
// an identity, capabilities, and a Process operation. The Harness owns one
// agent's transport resources (its queue consumer and registry entry); the
// Runtime owns a set of harnesses and their team membership.
package agent

import (
	"context"

	"goa.design/troupe/runtime/envelope"
	"goa.design/troupe/runtime/registry"
)

// Agent is one participant in the system. Implementations must be safe for
// the serial message dispatch the harness performs: Process is never called
// concurrently for the same agent, but different agents run in parallel.
type Agent interface {
	// AgentID returns the unique agent identifier. It determines the
	// agent's queue name.
	AgentID() string

	// Name returns the human-readable agent name.
	Name() string

	// Capabilities returns the capabilities the agent advertises for
	// routing.
	Capabilities() []registry.Capability

	// Process handles one envelope. A non-nil return is published as the
	// agent's reply; nil means no reply. An error dead-letters the
	// inbound message.
	Process(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error)
}
