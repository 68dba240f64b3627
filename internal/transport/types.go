package transport

import "context"

// EventKind discriminates the events a Channel emits while a connection is
// being established or torn down.
type EventKind string

const (
	// EventLinkCode carries the scannable linking payload the operator must
	// approve on their device.
	EventLinkCode EventKind = "link_code"
	// EventAuthenticated reports that the channel confirmed the linked
	// identity and is ready to send.
	EventAuthenticated EventKind = "authenticated"
	// EventDisconnected reports that the channel lost or closed the
	// authenticated connection.
	EventDisconnected EventKind = "disconnected"
)

// Event is one state-change notification from a Channel.
type Event struct {
	Kind EventKind

	// Code is set for EventLinkCode.
	Code string

	// Identity is set for EventAuthenticated.
	Identity Identity

	// Reason is set for EventDisconnected.
	Reason string
}

// Identity describes the account the channel is linked to.
type Identity struct {
	Phone string
	Name  string
}

// Channel is one authenticated connection to a messaging provider, able to
// deliver a single text message to a single recipient.
//
// Connect begins the (possibly human-paced) linking flow and returns the
// event stream for this connection attempt. The stream is closed when the
// channel gives up or is disconnected. Connect fails synchronously only when
// the transport itself cannot be initialized.
type Channel interface {
	Connect(ctx context.Context) (<-chan Event, error)
	Disconnect(ctx context.Context) error
	SendText(ctx context.Context, phone, body string) error
}
