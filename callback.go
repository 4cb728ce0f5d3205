package dstc

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// CallbackFunc receives the decoded arguments of a callback delivery.
// Callbacks are not told their own identity or name.
type CallbackFunc func(args []any) error

// Callback is the argument passed for a '&' field: the local function the
// remote side should invoke, and the format of the arguments it will send.
type Callback struct {
	Format string
	Func   CallbackFunc
}

// CallbackRegistration is a pending one-shot callback.
type CallbackRegistration struct {
	Ref    uint64
	Format *Format
	Func   CallbackFunc
}

// CallbackRegistry binds callback identities to local handlers and enforces
// one-shot consumption. Identities are minted by Next and are never reused
// for the lifetime of the registry.
type CallbackRegistry struct {
	mu      sync.Mutex
	pending map[uint64]*CallbackRegistration
	base    uint64
	last    atomic.Uint64
}

// NewCallbackRegistry creates an empty callback registry whose identities
// count up from 1.
func NewCallbackRegistry() *CallbackRegistry {
	return NewNodeCallbackRegistry(0)
}

// NewNodeCallbackRegistry creates a callback registry whose identities carry
// nodeID in their upper 32 bits, so that a bus shared by several nodes can
// route a callback delivery back to the node that minted it.
func NewNodeCallbackRegistry(nodeID uint32) *CallbackRegistry {
	return &CallbackRegistry{
		pending: make(map[uint64]*CallbackRegistration),
		base:    uint64(nodeID) << 32,
	}
}

// Next returns a fresh identity. Zero is never returned: on the wire a zero
// reference marks a plain function call. A registry mints at most
// math.MaxUint32 identities; Next panics after that.
func (c *CallbackRegistry) Next() uint64 {
	ref, err := c.mint()
	if err != nil {
		panic(err)
	}
	return ref
}

// mint is Next reporting exhaustion as an error. The counter never spills
// into the node bits.
func (c *CallbackRegistry) mint() (uint64, error) {
	n := c.last.Add(1)
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: callback identities exhausted", ErrEncode)
	}
	return c.base | n, nil
}

// CallbackNode returns the node that minted ref, or 0 if ref was minted by a
// registry without a node.
func CallbackNode(ref uint64) uint32 {
	return uint32(ref >> 32)
}

// Register binds ref to fn. It fails if ref is zero or still pending.
func (c *CallbackRegistry) Register(ref uint64, format *Format, fn CallbackFunc) error {
	if ref == 0 {
		return fmt.Errorf("%w: reference 0 is reserved", ErrDuplicateReference)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[ref]; exists {
		return fmt.Errorf("%w: %#x", ErrDuplicateReference, ref)
	}
	c.pending[ref] = &CallbackRegistration{Ref: ref, Format: format, Func: fn}
	return nil
}

// Consume removes and returns the registration for ref. A second Consume of
// the same identity always fails with ErrUnknownReference.
func (c *CallbackRegistry) Consume(ref uint64) (*CallbackRegistration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, exists := c.pending[ref]
	if !exists {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownReference, ref)
	}
	delete(c.pending, ref)
	return reg, nil
}

// Cancel drops a pending registration without invoking it. It reports
// whether ref was pending.
func (c *CallbackRegistry) Cancel(ref uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.pending[ref]
	delete(c.pending, ref)
	return exists
}

// Pending returns the number of callbacks waiting for a delivery.
func (c *CallbackRegistry) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RemoteCallback is the decoded value of a '&' field on the serving side. It
// carries the identity assigned by the calling process; Invoke sends the
// result back to it. A handle fires at most once.
type RemoteCallback struct {
	ref       uint64
	transport Transport
	fired     atomic.Bool
}

// Ref returns the remote-assigned identity.
func (rc *RemoteCallback) Ref() uint64 {
	return rc.ref
}

// Invoke encodes args with format and queues them as a callback delivery
// addressed to the remote identity. The format must not contain callback
// fields.
func (rc *RemoteCallback) Invoke(format string, args ...any) error {
	f, err := ParseFormat(format)
	if err != nil {
		return err
	}
	return rc.InvokeFormat(f, args...)
}

// InvokeFormat is Invoke with a pre-parsed format.
func (rc *RemoteCallback) InvokeFormat(f *Format, args ...any) error {
	payload, _, err := encodeArgs(f, args, nil)
	if err != nil {
		return err
	}

	if !rc.fired.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: callback %#x already invoked", ErrUnknownReference, rc.ref)
	}
	if rc.transport == nil {
		rc.fired.Store(false)
		return &TransportError{CallbackRef: rc.ref, Err: errNoTransport}
	}
	// A refused delivery never reached the peer, so the handle stays usable.
	if err := rc.transport.QueueCallback(rc.ref, payload); err != nil {
		rc.fired.Store(false)
		return &TransportError{CallbackRef: rc.ref, Err: err}
	}
	return nil
}

func (rc *RemoteCallback) String() string {
	return fmt.Sprintf("RemoteCallback(%#x)", rc.ref)
}
