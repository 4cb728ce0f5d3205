package dstc

import (
	"errors"
	"fmt"
	"time"
)

// RouterState is the dispatch router's position while handling a message.
type RouterState uint32

const (
	StateIdle RouterState = iota
	StateReceiving
	StateDecoding
	StateInvoking
)

func (s RouterState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateDecoding:
		return "decoding"
	case StateInvoking:
		return "invoking"
	}
	return fmt.Sprintf("RouterState(%d)", uint32(s))
}

type handlerKind uint8

const (
	handlerServer handlerKind = iota
	handlerCallback
)

// target is the resolved destination of one inbound message.
type target struct {
	kind     handlerKind
	name     string
	ref      uint64
	format   *Format
	server   ServerFunc
	callback CallbackFunc
}

// RouterState returns what the router is doing right now.
func (r *Registry) RouterState() RouterState {
	return RouterState(r.state.Load())
}

func (r *Registry) setState(s RouterState) {
	r.state.Store(uint32(s))
}

// Deliver is the transport's delivery hook. Failures are logged and
// recorded; they never propagate to the transport.
func (r *Registry) Deliver(msg *InboundMessage) {
	err := r.Dispatch(msg)
	if err == nil {
		return
	}

	attrs := []any{"node_id", msg.NodeID, "error", err}
	if msg.IsCallback() {
		attrs = append(attrs, "callback_ref", msg.CallbackRef)
	} else {
		attrs = append(attrs, "function", msg.Function)
	}
	var herr *HandlerError
	if !errors.As(err, &herr) && (isPerMessageError(err) || errors.Is(err, ErrRateLimited)) {
		r.logger.Warn("Dropped inbound message", attrs...)
		return
	}
	r.logger.Error("Handler failed", attrs...)
}

// Dispatch routes one inbound message through the middleware chain to its
// server function or pending callback. The returned error describes what
// went wrong with this message only.
func (r *Registry) Dispatch(msg *InboundMessage) error {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()
	if handler == nil {
		handler = r.route
	}

	start := time.Now()
	err := runIsolated(handler, msg)
	r.metrics.RecordDispatch(start, err)
	return err
}

// runIsolated calls handler, turning a panic anywhere in the middleware
// chain into a HandlerError for this message.
func runIsolated(handler DispatchFunc, msg *InboundMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Function: msg.Function, CallbackRef: msg.CallbackRef, Panic: p, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return handler(msg)
}

// route is the innermost dispatch step.
func (r *Registry) route(msg *InboundMessage) error {
	r.setState(StateReceiving)
	defer r.setState(StateIdle)

	t, err := r.resolve(msg)
	if err != nil {
		return err
	}

	r.setState(StateDecoding)
	args, err := decodeArgs(t.format, msg.Payload, r.bindRemote)
	if err != nil {
		if t.kind == handlerCallback {
			return fmt.Errorf("callback %#x: %w", t.ref, err)
		}
		return fmt.Errorf("function %s: %w", t.name, err)
	}

	r.setState(StateInvoking)
	return invoke(t, args)
}

// resolve finds the handler for msg. Callback registrations are consumed
// here, so a second delivery to the same identity fails.
func (r *Registry) resolve(msg *InboundMessage) (*target, error) {
	if msg.IsCallback() {
		reg, err := r.callbacks.Consume(msg.CallbackRef)
		if err != nil {
			return nil, err
		}
		r.metrics.RecordCallbackConsumed()
		return &target{kind: handlerCallback, ref: reg.Ref, format: reg.Format, callback: reg.Func}, nil
	}

	reg, ok := r.Lookup(RoleServer, msg.Function)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, msg.Function)
	}
	return &target{kind: handlerServer, name: reg.Name, format: reg.Format, server: reg.handler}, nil
}

// invoke runs the handler, turning both returned errors and panics into a
// HandlerError.
func invoke(t *target, args []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Function: t.name, CallbackRef: t.ref, Panic: p, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	var herr error
	switch t.kind {
	case handlerServer:
		herr = t.server(t.name, args)
	case handlerCallback:
		herr = t.callback(args)
	}
	if herr != nil {
		return &HandlerError{Function: t.name, CallbackRef: t.ref, Err: herr}
	}
	return nil
}

// isPerMessageError reports whether err is isolated to a single inbound
// message rather than a misuse of the API.
func isPerMessageError(err error) bool {
	return errors.Is(err, ErrTruncatedPayload) ||
		errors.Is(err, ErrTrailingBytes) ||
		errors.Is(err, ErrUnknownFunction) ||
		errors.Is(err, ErrUnknownReference)
}
