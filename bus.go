package dstc

import (
	"log/slog"
	"slices"
	"sync"
)

type packetKind string

const (
	kindCall    packetKind = "call"
	kindControl packetKind = "ctl"
)

// packet is one unit received from a bus.
type packet struct {
	kind packetKind
	data []byte
}

// busNode holds what the bundled bus transports share: node identity,
// the outbound packet buffer, the table of remote announcements and the
// inbound filtering and hand-off to the delivery hook.
type busNode struct {
	id     uint32
	logger *slog.Logger
	peers  *peerTable
	out    *outbox

	mu     sync.RWMutex
	hook   func(*InboundMessage)
	served map[string]struct{}
}

func newBusNode(id uint32, logger *slog.Logger) *busNode {
	return &busNode{
		id:     id,
		logger: logger,
		peers:  newPeerTable(),
	}
}

// NodeID returns the node's identity on the bus.
func (n *busNode) NodeID() uint32 {
	return n.id
}

// SetDeliveryHook installs the inbound entry point.
func (n *busNode) SetDeliveryHook(hook func(*InboundMessage)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hook = hook
}

// IsRemoteFunctionAnnounced reports whether a peer announced name.
func (n *busNode) IsRemoteFunctionAnnounced(name string) bool {
	return n.peers.announced(name)
}

// PeerCount returns the number of peers with a live announcement.
func (n *busNode) PeerCount() int {
	return n.peers.peerCount()
}

// QueueCall queues a call frame for name.
func (n *busNode) QueueCall(name string, payload []byte) error {
	return n.out.queueCall(name, payload)
}

// QueueCallback queues a callback delivery frame for ref.
func (n *busNode) QueueCallback(ref uint64, payload []byte) error {
	return n.out.queueCallback(ref, payload)
}

// BufferCalls holds queued frames until FlushCalls or UnbufferCalls, so that
// a burst of calls leaves in as few packets as possible.
func (n *busNode) BufferCalls() {
	_ = n.out.setBuffering(true)
}

// FlushCalls sends the buffered frames and keeps buffering on.
func (n *busNode) FlushCalls() error {
	return n.out.forceFlush()
}

// UnbufferCalls turns buffering off and sends whatever is pending.
func (n *busNode) UnbufferCalls() error {
	return n.out.setBuffering(false)
}

// PendingCalls returns the number of queued frames not yet sent.
func (n *busNode) PendingCalls() int {
	return n.out.pendingFrames()
}

// setServed records the names announced by the local registry.
func (n *busNode) setServed(names []string) {
	served := make(map[string]struct{}, len(names))
	for _, name := range names {
		served[name] = struct{}{}
	}
	n.mu.Lock()
	n.served = served
	n.mu.Unlock()
}

func (n *busNode) servedNames() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.served))
	for name := range n.served {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// handlePacket processes one inbound packet on the pumping goroutine.
func (n *busNode) handlePacket(p packet) {
	switch p.kind {
	case kindControl:
		n.handleControl(p.data)
	case kindCall:
		n.handleCalls(p.data)
	default:
		n.logger.Warn("Dropped packet of unknown kind", "kind", string(p.kind), "len", len(p.data))
	}
}

func (n *busNode) handleControl(data []byte) {
	msg, err := UnpackControl(data)
	if err != nil {
		n.logger.Warn("Dropped control message", "error", err)
		return
	}
	if msg.NodeID == n.id {
		return
	}
	if n.peers.apply(msg) {
		n.logger.Debug("Peer table updated",
			"peer", msg.NodeID,
			"type", msg.Type,
			"functions", msg.Functions,
		)
	}
}

func (n *busNode) handleCalls(data []byte) {
	frames, err := SplitPacket(data)
	if err != nil {
		n.logger.Warn("Malformed packet", "error", err, "frames_ok", len(frames))
	}

	n.mu.RLock()
	hook := n.hook
	n.mu.RUnlock()
	if hook == nil {
		if len(frames) > 0 {
			n.logger.Debug("No delivery hook, dropped frames", "count", len(frames))
		}
		return
	}

	for i := range frames {
		f := &frames[i]
		if f.NodeID == n.id || !n.accepts(f) {
			continue
		}
		hook(f.Message())
	}
}

// accepts filters the multicast traffic down to what this node handles:
// calls to functions it serves and callbacks it minted.
func (n *busNode) accepts(f *Frame) bool {
	if f.CallbackRef != 0 {
		owner := CallbackNode(f.CallbackRef)
		return owner == 0 || owner == n.id
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.served == nil {
		return true
	}
	_, ok := n.served[f.Function]
	return ok
}
