// Package ztsock bridges a single-goroutine network engine to host-side
// TCP and UDP sockets.
//
// The engine owns every protocol control block and runs all of its work on
// one goroutine. Host code lives on another goroutine, the bridge loop.
// Work crosses in one direction through the engine proxy and results cross
// back through event channels, so neither side ever touches the other's
// state.
//
// # Architecture Overview
//
//	ztsock/
//	├── bridge/          Proxy, Loop, Channel, Future/Submit, buffer leases, metrics
//	├── tcp/             Socket, Server and the blocking Stream adapter
//	├── udp/             datagram Socket
//	├── stack/           engine contract, status codes, packets
//	│   ├── loopback/    in-process engine used by tests and the demo
//	│   └── hostnet/     engine backed by OS sockets
//	├── resource/        generation-checked handle table for live entities
//	├── errors/          structured error types
//	└── cmd/ztsock/      command line client and servers
//
// # Quick Start
//
// Run an echo server on the loopback engine:
//
//	st := loopback.New(loopback.DefaultConfig())
//	defer st.Close()
//	b := bridge.New(st)
//
//	f, err := tcp.Listen(b, 7000, "127.0.0.1", func(sock *tcp.Socket, err error) {
//	    if err != nil {
//	        return
//	    }
//	    sock.OnEvent(func(ev tcp.Event) {
//	        if ev.Type == tcp.EventData && !ev.End {
//	            sock.Ack(len(ev.Data))
//	            sock.Send(ev.Data)
//	        }
//	    })
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go b.Run(ctx)
//	srv, err := f.Await(ctx)
//
// # Threading
//
// Handlers and Then callbacks run on the loop goroutine, one at a time, in
// the order the engine produced them. They must not block: use tcp.Stream
// or a separate goroutine for blocking I/O. Every exported method on a
// socket or server is safe to call from any goroutine.
//
// # Liveness
//
// Bridge.Run returns once no socket, server or pending operation keeps the
// loop alive. Unref lets a long-lived socket stay open without holding the
// loop; Bridge.Serve ignores liveness and runs until its context ends.
package ztsock
