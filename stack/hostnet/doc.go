// Package hostnet implements the engine contract on top of OS sockets.
//
// Pcb state still belongs to the engine goroutine. Each connection runs a
// reader and a writer goroutine that only touch the net.Conn and hand
// results back with Post, so callbacks fire on the engine goroutine like
// they do on any other stack.
//
// Flow control is emulated: the reader stops pulling from the kernel once
// the receive window is used up and resumes when Recved reopens it. The
// sent callback reports bytes handed to the kernel, not bytes the peer
// acknowledged.
package hostnet
