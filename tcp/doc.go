// Package tcp exposes engine TCP connections as host objects.
//
// A Socket wraps one engine pcb. Every engine callback for the pcb is
// turned into an Event and delivered, in order, on the bridge loop
// goroutine. Operations with a result (Send, Close) return a
// bridge.Future; the rest are fire-and-forget jobs on the engine goroutine.
//
// A Server wraps a listening pcb. Accepted connections stay backlog
// delayed until the connection handler ran on the loop and had the chance
// to subscribe to the new Socket, so no event is ever emitted before a
// handler could be installed.
//
// Stream adapts a Socket to io.ReadWriteCloser for blocking callers.
package tcp
