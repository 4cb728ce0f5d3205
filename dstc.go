// Package dstc marshals remote function calls between processes.
//
// A function is described by a format string such as "i&" or "#4i". The
// caller encodes its arguments into a compact little-endian payload, the
// transport carries it to whichever peer serves the function, and the
// serving side decodes it back into typed values and invokes the handler.
// A '&' field passes a one-shot callback: the caller's function is
// registered under a fresh identity and the server can fire it back once.
//
// # Architecture
//
//   - Format, ParseFormat: the argument grammar
//   - Registry: client and server tables, callback registry, dispatch router
//   - Transport: the boundary to the message bus
//   - LoopbackBus: in-process bus for tests and single-process wiring
//   - ZMQTransport: PUB/SUB bus between processes
//
// Tables are filled before Activate and frozen afterwards. Inbound traffic
// is dispatched only from ProcessEvents, on the calling goroutine.
//
// # Quick Start
//
// Server:
//
//	cfg, _ := dstc.LoadConfigFromEnv()
//	transport, _ := dstc.NewZMQTransport(cfg, cfg.Logger(os.Stderr))
//	transport.Start()
//	defer transport.Close()
//
//	reg := dstc.NewRegistry(dstc.RegistryConfig{Transport: transport})
//	reg.RegisterServerFunction("double_value", "i&", func(name string, args []any) error {
//	    value := args[0].(int32)
//	    return args[1].(*dstc.RemoteCallback).Invoke("i", value*2)
//	})
//	reg.Activate()
//	for {
//	    reg.ProcessEvents(dstc.WaitForever)
//	}
//
// Client:
//
//	reg := dstc.NewRegistry(dstc.RegistryConfig{Transport: transport})
//	double, _ := reg.RegisterClientFunction("double_value", "i&")
//	reg.Activate()
//	for !reg.RemoteFunctionAvailable(double) {
//	    reg.ProcessEvents(100 * time.Millisecond)
//	}
//	double.Call(int32(21), dstc.Callback{Format: "i", Func: func(args []any) error {
//	    fmt.Println("result:", args[0])
//	    return nil
//	}})
//	reg.ProcessEvents(dstc.WaitForever)
package dstc

// Version is the current library version
const Version = "1.0.0"
