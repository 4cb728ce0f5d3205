package dstc

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultMaxPacketSize bounds one outbound packet when the config sets none.
const DefaultMaxPacketSize = 64 * 1024

// outbox collects outbound frames into packets for a transport. In
// unbuffered mode every queued frame is sent right away; while buffering,
// frames accumulate until flushed. When the send limiter denies a packet the
// frames stay pending and ride along with the next flush.
type outbox struct {
	mu        sync.Mutex
	nodeID    uint32
	maxPacket int
	pending   []byte
	frames    int
	buffering bool
	closed    bool
	limiter   *rate.Limiter
	send      func(packet []byte) error
}

// outboxConfig holds configuration for creating an outbox
type outboxConfig struct {
	NodeID        uint32
	MaxPacketSize int
	SendRate      float64 // packets per second, 0 means unlimited
	SendBurst     int
	Send          func(packet []byte) error
}

func newOutbox(config outboxConfig) *outbox {
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = DefaultMaxPacketSize
	}

	o := &outbox{
		nodeID:    config.NodeID,
		maxPacket: config.MaxPacketSize,
		send:      config.Send,
	}
	if config.SendRate > 0 {
		burst := config.SendBurst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(config.SendRate), burst)
	}
	return o
}

func (o *outbox) queueCall(name string, args []byte) error {
	return o.enqueue(callFrameSize(name, args), func(buf []byte) ([]byte, error) {
		return AppendCallFrame(buf, o.nodeID, name, args)
	})
}

func (o *outbox) queueCallback(ref uint64, args []byte) error {
	return o.enqueue(callbackFrameSize(args), func(buf []byte) ([]byte, error) {
		return AppendCallbackFrame(buf, o.nodeID, ref, args)
	})
}

func (o *outbox) enqueue(size int, appendFrame func([]byte) ([]byte, error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrTransportClosed
	}
	if size > o.maxPacket {
		return fmt.Errorf("%w: frame of %d bytes exceeds packet size %d", ErrQueueFull, size, o.maxPacket)
	}

	if len(o.pending)+size > o.maxPacket && !o.buffering {
		if err := o.flushLocked(); err != nil {
			return err
		}
	}
	if len(o.pending)+size > o.maxPacket {
		return fmt.Errorf("%w: %d of %d bytes pending", ErrQueueFull, len(o.pending), o.maxPacket)
	}

	mark := len(o.pending)
	buf, err := appendFrame(o.pending)
	if err != nil {
		return err
	}
	o.pending = buf
	o.frames++

	if o.buffering {
		return nil
	}
	// A failed send must not leave the frame behind: the caller is told it
	// was not queued. Frames accepted earlier stay pending.
	if err := o.flushLocked(); err != nil {
		o.pending = o.pending[:mark]
		o.frames--
		return err
	}
	return nil
}

// flush sends pending frames unless buffering is on.
func (o *outbox) flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.buffering {
		return nil
	}
	return o.flushLocked()
}

func (o *outbox) flushLocked() error {
	if len(o.pending) == 0 || o.closed {
		return nil
	}
	if o.limiter != nil && !o.limiter.Allow() {
		return nil
	}

	packet := make([]byte, len(o.pending))
	copy(packet, o.pending)
	if err := o.send(packet); err != nil {
		return err
	}
	o.pending = o.pending[:0]
	o.frames = 0
	return nil
}

// setBuffering switches buffering on or off. Turning it off flushes.
func (o *outbox) setBuffering(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buffering = on
	if on {
		return nil
	}
	return o.flushLocked()
}

// forceFlush sends pending frames even while buffering.
func (o *outbox) forceFlush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushLocked()
}

// pendingFrames returns the number of frames not yet sent.
func (o *outbox) pendingFrames() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.pending = nil
	o.frames = 0
}
