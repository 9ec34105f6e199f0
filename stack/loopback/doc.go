// Package loopback implements an in-process network engine.
//
// Every pcb created on a Stack lives on the same virtual network: the
// loopback range plus Config.Addrs. Connections are delivered in memory on
// the engine goroutine, with the parts of TCP the bridge can observe
// modelled faithfully:
//
//   - Write consumes send buffer; the buffer is given back (and the sent
//     callback fires) once the peer's receive window admitted the bytes.
//   - The receive window only reopens through Recved.
//   - BacklogDelayed holds every segment, FIN included, until
//     BacklogAccepted.
//   - Connecting to a port nobody listens on resets the pcb; aborting one
//     end resets the other.
//   - The side that sends FIN first ends in TIME_WAIT and is freed after
//     its recv callback saw end of stream; the other side gets ErrClsd.
//
// The stack is the engine used by the bridge tests and by the CLI demo.
package loopback
