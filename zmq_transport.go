package dstc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	zmq "github.com/go-zeromq/zmq4"
)

const (
	zmqInboundQueue = 1024
	zmqDialRetry    = 250 * time.Millisecond
)

// ZMQTransport connects a node to its peers over ZeroMQ. It publishes on a
// PUB socket and subscribes to the PUB socket of every configured peer, so
// all nodes see all traffic. Every message has two frames: the packet kind
// ("call" or "ctl") and the packet.
type ZMQTransport struct {
	*busNode
	config   Config
	endpoint string

	pub   zmq.Socket
	sub   zmq.Socket
	pubMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan packet
	wg      sync.WaitGroup

	stateMu      sync.Mutex
	running      bool
	closed       bool
	announced    bool
	lastAnnounce time.Time
}

// NewZMQTransport creates a transport for config. Call Start before use.
func NewZMQTransport(config Config, logger *slog.Logger) (*ZMQTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = discardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ZMQTransport{
		busNode:  newBusNode(config.NodeID, logger.With("node_id", config.NodeID)),
		config:   config,
		endpoint: config.ListenAddr,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan packet, zmqInboundQueue),
	}
	t.out = newOutbox(outboxConfig{
		NodeID:        config.NodeID,
		MaxPacketSize: config.MaxPacketSize,
		SendRate:      config.SendRate,
		SendBurst:     config.SendBurst,
		Send: func(data []byte) error {
			return t.publish(kindCall, data)
		},
	})
	return t, nil
}

// Start binds the PUB socket, starts dialing the peers and starts the
// receive loop.
func (t *ZMQTransport) Start() error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.running {
		return nil
	}

	if t.endpoint == "" {
		port, err := findFreePort()
		if err != nil {
			return err
		}
		t.endpoint = fmt.Sprintf("tcp://127.0.0.1:%d", port)
	}

	pub := zmq.NewPub(t.ctx)
	if err := pub.Listen(t.endpoint); err != nil {
		pub.Close()
		return fmt.Errorf("failed to bind to %s: %w", t.endpoint, err)
	}

	sub := zmq.NewSub(t.ctx)
	if err := sub.SetOption(zmq.OptionSubscribe, ""); err != nil {
		pub.Close()
		sub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	t.pubMu.Lock()
	t.pub = pub
	t.pubMu.Unlock()
	t.sub = sub

	for _, peer := range t.config.Peers {
		t.wg.Add(1)
		go t.dialLoop(peer)
	}

	t.running = true
	t.wg.Add(1)
	go t.messageLoop()

	t.logger.Info("Transport started", "endpoint", t.endpoint, "peers", t.config.Peers)
	return nil
}

// Endpoint returns the address the PUB socket listens on.
func (t *ZMQTransport) Endpoint() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.endpoint
}

// dialLoop connects the SUB socket to peer, retrying until it succeeds or
// the transport closes.
func (t *ZMQTransport) dialLoop(peer string) {
	defer t.wg.Done()

	for attempt := 1; ; attempt++ {
		err := t.sub.Dial(peer)
		if err == nil {
			t.logger.Debug("Connected to peer", "peer", peer, "attempts", attempt)
			return
		}
		if t.ctx.Err() != nil {
			return
		}
		if attempt == 1 {
			t.logger.Warn("Peer not reachable, retrying", "peer", peer, "error", err)
		}

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(zmqDialRetry):
		}
	}
}

// messageLoop moves received packets into the inbound queue, preserving
// their order. Dispatch happens in PumpEvents.
func (t *ZMQTransport) messageLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.sub.Recv()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if len(msg.Frames) < 2 {
			t.logger.Debug("Dropped message with missing frames", "frames", len(msg.Frames))
			continue
		}

		p := packet{kind: packetKind(msg.Frames[0]), data: msg.Frames[1]}
		select {
		case t.inbound <- p:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *ZMQTransport) publish(kind packetKind, data []byte) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}
	if t.pub == nil {
		return fmt.Errorf("%w: transport not started", ErrTransportClosed)
	}
	if err := t.pub.Send(zmq.NewMsgFrom([]byte(kind), data)); err != nil {
		return fmt.Errorf("failed to send %s packet: %w", kind, err)
	}
	return nil
}

func (t *ZMQTransport) publishControl(msg *ControlMessage) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack control message: %w", err)
	}
	return t.publish(kindControl, data)
}

// Announce publishes the local server functions and keeps re-publishing
// them every AnnounceInterval from PumpEvents, so peers that connect later
// learn about them too.
func (t *ZMQTransport) Announce(names []string) error {
	if !t.isRunning() {
		return ErrTransportClosed
	}
	t.setServed(names)

	t.stateMu.Lock()
	t.announced = true
	t.lastAnnounce = time.Now()
	t.stateMu.Unlock()

	return t.publishControl(CreateAnnounce(t.id, names))
}

func (t *ZMQTransport) announceIfDue() error {
	t.stateMu.Lock()
	due := t.announced && time.Since(t.lastAnnounce) >= t.config.AnnounceInterval
	if due {
		t.lastAnnounce = time.Now()
	}
	t.stateMu.Unlock()

	if !due {
		return nil
	}
	return t.publishControl(CreateAnnounce(t.id, t.servedNames()))
}

func (t *ZMQTransport) isRunning() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.running && !t.closed
}

// PumpEvents sends pending output, repeats the announcement when due and
// delivers received packets.
func (t *ZMQTransport) PumpEvents(timeout time.Duration) error {
	if !t.isRunning() {
		return ErrTransportClosed
	}
	if err := t.out.flush(); err != nil {
		return err
	}
	if err := t.announceIfDue(); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	handled := false
	for {
		select {
		case p := <-t.inbound:
			t.handlePacket(p)
			handled = true
			continue
		default:
		}

		if handled || timeout == 0 {
			return nil
		}

		tick := time.NewTimer(t.config.AnnounceInterval)
		select {
		case p := <-t.inbound:
			tick.Stop()
			t.handlePacket(p)
			handled = true
		case <-tick.C:
			if err := t.out.flush(); err != nil {
				return err
			}
			if err := t.announceIfDue(); err != nil {
				return err
			}
		case <-deadline:
			tick.Stop()
			return nil
		case <-t.ctx.Done():
			tick.Stop()
			return ErrTransportClosed
		}
	}
}

// Close withdraws the announcement, stops the receive loop and closes the
// sockets.
func (t *ZMQTransport) Close() error {
	t.stateMu.Lock()
	if t.closed {
		t.stateMu.Unlock()
		return nil
	}
	wasRunning := t.running
	t.closed = true
	t.stateMu.Unlock()

	var err error
	if wasRunning {
		err = t.publishControl(CreateWithdraw(t.id))
	}

	t.pubMu.Lock()
	t.cancel()
	t.pubMu.Unlock()
	t.out.close()

	if wasRunning {
		t.sub.Close()
		t.pub.Close()
		t.wg.Wait()
	}

	t.logger.Info("Transport closed", "endpoint", t.endpoint)
	return err
}

// findFreePort finds an available localhost TCP port
func findFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to resolve localhost: %w", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
