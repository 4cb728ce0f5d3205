package dstc

import "time"

// WaitForever makes PumpEvents block until at least one event was handled.
const WaitForever time.Duration = -1

// InboundMessage is one call or callback delivery handed to the dispatch
// router by a transport.
type InboundMessage struct {
	CallbackRef uint64 // non-zero for callback deliveries
	NodeID      uint32 // sender
	Function    string // empty for callback deliveries
	Payload     []byte // encoded arguments
}

// IsCallback reports whether the message addresses a pending callback
// rather than a named server function.
func (m *InboundMessage) IsCallback() bool {
	return m.CallbackRef != 0
}

// Transport moves encoded payloads between processes. Implementations must
// invoke the delivery hook only from within PumpEvents, one message at a
// time, in delivery order.
type Transport interface {
	// QueueCall queues payload for the server function name on whichever
	// peer announced it.
	QueueCall(name string, payload []byte) error

	// QueueCallback queues payload for the callback identity ref.
	QueueCallback(ref uint64, payload []byte) error

	// PumpEvents sends pending traffic and delivers inbound messages. A zero
	// timeout never blocks, WaitForever blocks until an event arrives and a
	// positive timeout bounds the wait.
	PumpEvents(timeout time.Duration) error

	// IsRemoteFunctionAnnounced reports whether a peer announced name.
	IsRemoteFunctionAnnounced(name string) bool

	// SetDeliveryHook installs the inbound entry point.
	SetDeliveryHook(hook func(*InboundMessage))
}

// Announcer is implemented by transports that advertise the local server
// functions to their peers. The registry calls it once on activation.
type Announcer interface {
	Announce(names []string) error
}
