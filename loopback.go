package dstc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LoopbackBus is an in-process bus. Every packet a node sends reaches every
// other attached node, the way a multicast group would.
type LoopbackBus struct {
	mu        sync.Mutex
	nodes     map[uint32]*LoopbackNode
	announces map[uint32][]byte
}

// NewLoopbackBus creates an empty bus
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{
		nodes:     make(map[uint32]*LoopbackNode),
		announces: make(map[uint32][]byte),
	}
}

// LoopbackConfig holds configuration for attaching a LoopbackNode
type LoopbackConfig struct {
	NodeID        uint32 // random when zero
	MaxPacketSize int
	SendRate      float64
	SendBurst     int
	Logger        *slog.Logger
}

// LoopbackNode is one participant of a LoopbackBus. It implements Transport
// and Announcer.
type LoopbackNode struct {
	*busNode
	bus *LoopbackBus

	inMu   sync.Mutex
	inbox  []packet
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// Attach adds a node to the bus. The node immediately learns what the
// existing nodes have announced.
func (b *LoopbackBus) Attach(config LoopbackConfig) (*LoopbackNode, error) {
	if config.NodeID == 0 {
		config.NodeID = newNodeID()
	}
	if config.Logger == nil {
		config.Logger = discardLogger()
	}

	n := &LoopbackNode{
		busNode: newBusNode(config.NodeID, config.Logger.With("node_id", config.NodeID)),
		bus:     b,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	n.out = newOutbox(outboxConfig{
		NodeID:        config.NodeID,
		MaxPacketSize: config.MaxPacketSize,
		SendRate:      config.SendRate,
		SendBurst:     config.SendBurst,
		Send: func(data []byte) error {
			return b.broadcast(n.id, packet{kind: kindCall, data: data})
		},
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.nodes[config.NodeID]; exists {
		return nil, fmt.Errorf("node %d already attached", config.NodeID)
	}
	for id, announce := range b.announces {
		if id != config.NodeID {
			n.push(packet{kind: kindControl, data: announce})
		}
	}
	b.nodes[config.NodeID] = n
	return n, nil
}

// broadcast hands p to every node except from.
func (b *LoopbackBus) broadcast(from uint32, p packet) error {
	b.mu.Lock()
	if _, ok := b.nodes[from]; !ok {
		b.mu.Unlock()
		return ErrTransportClosed
	}
	targets := make([]*LoopbackNode, 0, len(b.nodes))
	for id, n := range b.nodes {
		if id != from {
			targets = append(targets, n)
		}
	}
	b.mu.Unlock()

	for _, n := range targets {
		n.push(p)
	}
	return nil
}

func (b *LoopbackBus) publishControl(from uint32, msg *ControlMessage) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack control message: %w", err)
	}

	b.mu.Lock()
	if ControlType(msg.Type) == ControlAnnounce {
		b.announces[from] = data
	} else {
		delete(b.announces, from)
	}
	b.mu.Unlock()

	return b.broadcast(from, packet{kind: kindControl, data: data})
}

func (b *LoopbackBus) detach(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, id)
	delete(b.announces, id)
}

func (n *LoopbackNode) push(p packet) {
	n.inMu.Lock()
	if n.closed {
		n.inMu.Unlock()
		return
	}
	n.inbox = append(n.inbox, p)
	n.inMu.Unlock()

	select {
	case n.notify <- struct{}{}:
	default:
	}
}

func (n *LoopbackNode) take() []packet {
	n.inMu.Lock()
	defer n.inMu.Unlock()
	packets := n.inbox
	n.inbox = nil
	return packets
}

// Announce tells the other nodes which server functions this node serves.
func (n *LoopbackNode) Announce(names []string) error {
	n.setServed(names)
	return n.bus.publishControl(n.id, CreateAnnounce(n.id, names))
}

// PumpEvents flushes pending output and delivers every packet received so
// far. A non-zero timeout waits for traffic when none is queued.
func (n *LoopbackNode) PumpEvents(timeout time.Duration) error {
	if n.isClosed() {
		return ErrTransportClosed
	}
	if err := n.out.flush(); err != nil {
		return err
	}

	packets := n.take()
	if len(packets) == 0 && timeout != 0 {
		var deadline <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}
		for len(packets) == 0 {
			select {
			case <-n.notify:
				packets = n.take()
			case <-deadline:
				return nil
			case <-n.done:
				return ErrTransportClosed
			}
		}
	}

	for _, p := range packets {
		n.handlePacket(p)
	}
	return nil
}

func (n *LoopbackNode) isClosed() bool {
	n.inMu.Lock()
	defer n.inMu.Unlock()
	return n.closed
}

// Close withdraws the node's announcement and detaches it from the bus.
func (n *LoopbackNode) Close() error {
	n.inMu.Lock()
	if n.closed {
		n.inMu.Unlock()
		return nil
	}
	n.closed = true
	n.inbox = nil
	n.inMu.Unlock()

	err := n.bus.publishControl(n.id, CreateWithdraw(n.id))
	n.bus.detach(n.id)
	n.out.close()
	close(n.done)
	return err
}
