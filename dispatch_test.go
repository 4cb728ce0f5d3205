package dstc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_CallbackRoundTrip(t *testing.T) {
	clientTr := &recordingTransport{}
	client := NewRegistry(RegistryConfig{Transport: clientTr})
	double, err := client.RegisterClientFunction("double_value", "i&")
	require.NoError(t, err)
	require.NoError(t, client.Activate())

	serverTr := &recordingTransport{}
	server := NewRegistry(RegistryConfig{Transport: serverTr})
	require.NoError(t, server.RegisterServerFunction("double_value", "i&", func(name string, args []any) error {
		value := args[0].(int32)
		return args[1].(*RemoteCallback).Invoke("i", value*2)
	}))
	require.NoError(t, server.Activate())

	var results []int32
	require.NoError(t, double.Call(int32(21), Callback{Format: "i", Func: func(args []any) error {
		results = append(results, args[0].(int32))
		return nil
	}}))
	require.Len(t, clientTr.calls, 1)

	call := clientTr.calls[0]
	require.NoError(t, server.Dispatch(&InboundMessage{NodeID: 1, Function: call.name, Payload: call.payload}))
	require.Len(t, serverTr.callbacks, 1)

	delivery := &InboundMessage{NodeID: 2, CallbackRef: serverTr.callbacks[0].ref, Payload: serverTr.callbacks[0].payload}
	require.NoError(t, client.Dispatch(delivery))
	assert.Equal(t, []int32{42}, results)

	t.Run("second delivery is rejected and the callback does not run again", func(t *testing.T) {
		err := client.Dispatch(delivery)
		assert.True(t, errors.Is(err, ErrUnknownReference))
		assert.Equal(t, []int32{42}, results)
	})

	t.Run("metrics record the round trip", func(t *testing.T) {
		snapshot := client.Snapshot()
		assert.Equal(t, 1, snapshot.CallbacksMinted)
		assert.Equal(t, 1, snapshot.CallbacksConsumed)
		assert.Equal(t, 0, snapshot.CallbacksPending)
		assert.Equal(t, 2, snapshot.DispatchedTotal)
		assert.Equal(t, 1, snapshot.UnknownReference)
	})
}

func TestDispatch_ServerFunction(t *testing.T) {
	t.Run("handler receives the name and decoded arguments", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		var gotName string
		var gotArgs []any
		require.NoError(t, reg.RegisterServerFunction("print_name_and_age", "32si", func(name string, args []any) error {
			gotName = name
			gotArgs = args
			return nil
		}))
		require.NoError(t, reg.Activate())

		payload, err := Encode(MustParseFormat("32si"), "Bob Smith", 25)
		require.NoError(t, err)
		require.NoError(t, reg.Dispatch(&InboundMessage{Function: "print_name_and_age", Payload: payload}))

		assert.Equal(t, "print_name_and_age", gotName)
		require.Len(t, gotArgs, 2)
		name := gotArgs[0].([]byte)
		assert.Len(t, name, 32)
		assert.Equal(t, "Bob Smith", string(bytes.TrimRight(name, "\x00")))
		assert.Equal(t, int32(25), gotArgs[1])
	})

	t.Run("unknown function does not stop later messages", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		var got []int32
		require.NoError(t, reg.RegisterServerFunction("set_value", "i", func(_ string, args []any) error {
			got = append(got, args[0].(int32))
			return nil
		}))
		require.NoError(t, reg.Activate())

		err := reg.Dispatch(&InboundMessage{Function: "no_such_function", Payload: []byte{1, 0, 0, 0}})
		assert.True(t, errors.Is(err, ErrUnknownFunction))

		require.NoError(t, reg.Dispatch(&InboundMessage{Function: "set_value", Payload: []byte{7, 0, 0, 0}}))
		assert.Equal(t, []int32{7}, got)

		snapshot := reg.Snapshot()
		assert.Equal(t, 1, snapshot.UnknownFunction)
		assert.Equal(t, 1, snapshot.DispatchedOK)
	})

	t.Run("decode failures name the function", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		called := false
		require.NoError(t, reg.RegisterServerFunction("set_value", "i", func(string, []any) error {
			called = true
			return nil
		}))
		require.NoError(t, reg.Activate())

		err := reg.Dispatch(&InboundMessage{Function: "set_value", Payload: []byte{1, 0}})
		assert.True(t, errors.Is(err, ErrTruncatedPayload))
		assert.Contains(t, err.Error(), "set_value")

		err = reg.Dispatch(&InboundMessage{Function: "set_value", Payload: []byte{1, 0, 0, 0, 0}})
		assert.True(t, errors.Is(err, ErrTrailingBytes))
		assert.False(t, called)
		assert.Equal(t, 2, reg.Snapshot().DecodeErrors)
	})

	t.Run("handler error is wrapped", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		boom := errors.New("boom")
		require.NoError(t, reg.RegisterServerFunction("fail", "#", func(string, []any) error { return boom }))

		err := reg.Dispatch(&InboundMessage{Function: "fail", Payload: []byte{0, 0}})
		var herr *HandlerError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, "fail", herr.Function)
		assert.True(t, errors.Is(err, boom))
	})

	t.Run("handler panic is recovered and later messages still run", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		calls := 0
		require.NoError(t, reg.RegisterServerFunction("panics", "i", func(string, []any) error {
			panic("handler exploded")
		}))
		require.NoError(t, reg.RegisterServerFunction("works", "i", func(string, []any) error {
			calls++
			return nil
		}))
		require.NoError(t, reg.Activate())

		err := reg.Dispatch(&InboundMessage{Function: "panics", Payload: []byte{0, 0, 0, 0}})
		var herr *HandlerError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, "handler exploded", herr.Panic)
		assert.Equal(t, StateIdle, reg.RouterState())

		require.NoError(t, reg.Dispatch(&InboundMessage{Function: "works", Payload: []byte{0, 0, 0, 0}}))
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, reg.Snapshot().HandlerErrors)
	})

	t.Run("router state is invoking inside the handler", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		var state RouterState
		require.NoError(t, reg.RegisterServerFunction("probe", "#", func(string, []any) error {
			state = reg.RouterState()
			return nil
		}))
		require.NoError(t, reg.Dispatch(&InboundMessage{Function: "probe", Payload: []byte{0, 0}}))
		assert.Equal(t, StateInvoking, state)
		assert.Equal(t, "invoking", state.String())
	})
}

func TestDispatch_Callback(t *testing.T) {
	t.Run("callback decode failure consumes the callback", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		ran := false
		payload, err := reg.Encode(MustParseFormat("&"), Callback{Format: "q", Func: func([]any) error {
			ran = true
			return nil
		}})
		require.NoError(t, err)
		out, err := Decode(MustParseFormat("&"), payload)
		require.NoError(t, err)
		ref := out[0].(*RemoteCallback).Ref()

		err = reg.Dispatch(&InboundMessage{CallbackRef: ref, Payload: []byte{1}})
		assert.True(t, errors.Is(err, ErrTruncatedPayload))
		assert.False(t, ran)
		assert.Equal(t, 0, reg.Callbacks().Pending())
	})

	t.Run("unknown reference", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		err := reg.Dispatch(&InboundMessage{CallbackRef: 12345, Payload: nil})
		assert.True(t, errors.Is(err, ErrUnknownReference))
	})

	t.Run("cancelled callback is rejected", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		payload, err := reg.Encode(MustParseFormat("&"), Callback{Format: "i", Func: func([]any) error { return nil }})
		require.NoError(t, err)
		out, _ := Decode(MustParseFormat("&"), payload)
		ref := out[0].(*RemoteCallback).Ref()

		require.True(t, reg.CancelCallback(ref))
		err = reg.Dispatch(&InboundMessage{CallbackRef: ref, Payload: []byte{0, 0, 0, 0}})
		assert.True(t, errors.Is(err, ErrUnknownReference))
	})
}

func TestDeliver_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry(RegistryConfig{Logger: NewLogger("debug", "text", &buf)})
	require.NoError(t, reg.RegisterServerFunction("fail", "#", func(string, []any) error {
		return errors.New("bad input")
	}))
	require.NoError(t, reg.Activate())

	reg.Deliver(&InboundMessage{NodeID: 3, Function: "missing"})
	reg.Deliver(&InboundMessage{NodeID: 3, Function: "fail", Payload: []byte{0, 0}})

	out := buf.String()
	assert.Contains(t, out, "level=WARN msg=\"Dropped inbound message\"")
	assert.Contains(t, out, "function=missing")
	assert.Contains(t, out, "level=ERROR msg=\"Handler failed\"")
	assert.Equal(t, 2, strings.Count(out, "node_id=3"))
}

func TestDeliver_HandlerErrorsWrappingRouterKinds(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry(RegistryConfig{Logger: NewLogger("debug", "text", &buf)})
	require.NoError(t, reg.RegisterServerFunction("lookup", "#", func(string, []any) error {
		return fmt.Errorf("inner lookup: %w", ErrUnknownFunction)
	}))
	require.NoError(t, reg.Activate())

	reg.Deliver(&InboundMessage{NodeID: 4, Function: "lookup", Payload: []byte{0, 0}})

	out := buf.String()
	assert.Contains(t, out, "level=ERROR msg=\"Handler failed\"")
	assert.NotContains(t, out, "Dropped inbound message")
	assert.Equal(t, 1, reg.Snapshot().HandlerErrors)
}

func TestMiddleware(t *testing.T) {
	t.Run("chain runs middleware in the order added", func(t *testing.T) {
		var order []string
		mark := func(name string) Middleware {
			return func(next DispatchFunc) DispatchFunc {
				return func(msg *InboundMessage) error {
					order = append(order, name)
					return next(msg)
				}
			}
		}

		reg := NewRegistry(RegistryConfig{})
		require.NoError(t, reg.RegisterServerFunction("f", "#", func(string, []any) error {
			order = append(order, "handler")
			return nil
		}))
		require.NoError(t, reg.Use(mark("first"), mark("second")))
		require.NoError(t, reg.Activate())

		require.NoError(t, reg.Dispatch(&InboundMessage{Function: "f", Payload: []byte{0, 0}}))
		assert.Equal(t, []string{"first", "second", "handler"}, order)
	})

	t.Run("rate limit drops messages over the burst", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		calls := 0
		require.NoError(t, reg.RegisterServerFunction("f", "#", func(string, []any) error {
			calls++
			return nil
		}))
		require.NoError(t, reg.Use(RateLimitMiddleware(0.001, 2)))
		require.NoError(t, reg.Activate())

		msg := &InboundMessage{Function: "f", Payload: []byte{0, 0}}
		require.NoError(t, reg.Dispatch(msg))
		require.NoError(t, reg.Dispatch(msg))
		err := reg.Dispatch(msg)
		assert.True(t, errors.Is(err, ErrRateLimited))
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, reg.Snapshot().RateLimited)
	})

	t.Run("rate limited callback stays pending", func(t *testing.T) {
		reg := NewRegistry(RegistryConfig{})
		require.NoError(t, reg.Use(RateLimitMiddleware(0.001, 1)))
		require.NoError(t, reg.Activate())

		fired := 0
		var refs []uint64
		for i := 0; i < 2; i++ {
			payload, err := reg.Encode(MustParseFormat("&"), Callback{Format: "#", Func: func([]any) error {
				fired++
				return nil
			}})
			require.NoError(t, err)
			refs = append(refs, binary.LittleEndian.Uint64(payload))
		}

		require.NoError(t, reg.Dispatch(&InboundMessage{CallbackRef: refs[0], Payload: []byte{0, 0}}))
		err := reg.Dispatch(&InboundMessage{CallbackRef: refs[1], Payload: []byte{0, 0}})
		assert.True(t, errors.Is(err, ErrRateLimited))
		assert.Equal(t, 1, fired)
		assert.Equal(t, 1, reg.Callbacks().Pending())
	})

	t.Run("panicking middleware fails only its message", func(t *testing.T) {
		var buf bytes.Buffer
		reg := NewRegistry(RegistryConfig{Logger: NewLogger("debug", "text", &buf)})
		calls := 0
		require.NoError(t, reg.RegisterServerFunction("f", "#", func(string, []any) error {
			calls++
			return nil
		}))
		require.NoError(t, reg.Use(func(next DispatchFunc) DispatchFunc {
			return func(msg *InboundMessage) error {
				if msg.NodeID == 13 {
					panic("unlucky sender")
				}
				return next(msg)
			}
		}))
		require.NoError(t, reg.Activate())

		err := reg.Dispatch(&InboundMessage{NodeID: 13, Function: "f", Payload: []byte{0, 0}})
		var herr *HandlerError
		require.ErrorAs(t, err, &herr)
		assert.Equal(t, "unlucky sender", herr.Panic)
		assert.Equal(t, "f", herr.Function)
		assert.Equal(t, StateIdle, reg.RouterState())

		assert.NotPanics(t, func() {
			reg.Deliver(&InboundMessage{NodeID: 13, Function: "f", Payload: []byte{0, 0}})
		})
		assert.Contains(t, buf.String(), "level=ERROR msg=\"Handler failed\"")

		require.NoError(t, reg.Dispatch(&InboundMessage{NodeID: 1, Function: "f", Payload: []byte{0, 0}}))
		assert.Equal(t, 1, calls)
		assert.Equal(t, 2, reg.Snapshot().HandlerErrors)
	})

	t.Run("logging middleware records each message", func(t *testing.T) {
		var buf bytes.Buffer
		reg := NewRegistry(RegistryConfig{})
		require.NoError(t, reg.RegisterServerFunction("f", "#", nopServer))
		require.NoError(t, reg.Use(LoggingMiddleware(NewLogger("debug", "json", &buf))))
		require.NoError(t, reg.Activate())

		require.NoError(t, reg.Dispatch(&InboundMessage{NodeID: 8, Function: "f", Payload: []byte{0, 0}}))
		assert.Contains(t, buf.String(), `"msg":"Dispatched message"`)
		assert.Contains(t, buf.String(), `"function":"f"`)
		assert.Contains(t, buf.String(), `"ok":true`)
	})
}
