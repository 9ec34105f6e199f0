package stack

import (
	"errors"
	"net/netip"
)

// ErrEngineDown is returned by Post once the engine has stopped.
var ErrEngineDown = errors.New("stack: engine is not running")

const (
	// MaxAck is the largest length a single TCPPCB.Recved call accepts.
	MaxAck = 0xFFFF
	// MaxWrite is the largest length a single TCPPCB.Write call accepts.
	MaxWrite = 0xFFFF
	// MaxDatagram is the largest UDP payload the stacks will send.
	MaxDatagram = 65507
)

// Stack is a network engine that runs every job on one goroutine.
//
// Post is the only method that may be called from any goroutine. NewTCP,
// NewUDP and every pcb method must run on the engine goroutine, i.e. inside
// a posted job or an engine callback.
type Stack interface {
	// Post schedules job on the engine goroutine. Jobs run in FIFO order,
	// interleaved with the engine's own callbacks, each to completion.
	Post(job func()) error

	// NewTCP allocates a TCP pcb in the Closed state.
	NewTCP() (TCPPCB, Err)

	// NewUDP allocates a UDP pcb for the given family.
	NewUDP(family Family) (UDPPCB, Err)

	// Close stops the engine. Queued jobs are dropped.
	Close() error
}

// AcceptFunc receives a new connection on a listening pcb. Returning
// ErrAbrt tells the stack the callback already aborted newPCB.
type AcceptFunc func(newPCB TCPPCB, err Err) Err

// ConnectedFunc is called once the connection is established.
type ConnectedFunc func(pcb TCPPCB, err Err) Err

// RecvFunc receives in-order data. p is nil at end of stream. The callee
// owns p and must Free it. Returning ErrAbrt tells the stack the callback
// already aborted pcb.
type RecvFunc func(pcb TCPPCB, p *Packet, err Err) Err

// SentFunc reports n bytes acknowledged by the peer and freed from the
// send buffer.
type SentFunc func(pcb TCPPCB, n int) Err

// ErrFunc reports that the pcb is gone. The pcb is already freed when it
// runs and must not be used. ErrClsd signals an orderly close.
type ErrFunc func(err Err)

// TCPPCB is a TCP protocol control block owned by the engine goroutine.
type TCPPCB interface {
	Bind(addr netip.Addr, port uint16) Err
	// Listen turns a bound pcb into a listener. The returned pcb replaces
	// the receiver, which must not be used afterwards.
	Listen(backlog int) (TCPPCB, Err)
	Connect(addr netip.Addr, port uint16, connected ConnectedFunc) Err

	OnAccept(fn AcceptFunc)
	OnRecv(fn RecvFunc)
	OnSent(fn SentFunc)
	OnErr(fn ErrFunc)

	// SndBuf is the free send buffer space in bytes.
	SndBuf() int
	// Write copies data into the send buffer. len(data) must not exceed
	// SndBuf or MaxWrite.
	Write(data []byte) Err
	// Recved grows the receive window by n, at most MaxAck.
	Recved(n int)
	Shutdown(rx, tx bool) Err
	// Close starts an orderly close and detaches every callback.
	Close() Err
	// Abort resets the connection and calls the err callback with ErrAbrt.
	Abort()

	// BacklogDelayed holds delivery on an accepted pcb until BacklogAccepted.
	BacklogDelayed()
	BacklogAccepted()

	SetNoDelay(on bool)
	State() TCPState
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
}

// UDPRecvFunc receives a datagram from addr. The callee owns p.
type UDPRecvFunc func(pcb UDPPCB, p *Packet, addr netip.AddrPort)

// UDPPCB is a UDP protocol control block owned by the engine goroutine.
type UDPPCB interface {
	Bind(addr netip.Addr, port uint16) Err
	Connect(addr netip.Addr, port uint16) Err
	Disconnect()
	Send(data []byte) Err
	SendTo(data []byte, addr netip.Addr, port uint16) Err
	OnRecv(fn UDPRecvFunc)
	Remove()
	Family() Family
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
}

// TCPState mirrors the TCP state machine as far as the bridge observes it.
type TCPState uint8

const (
	Closed TCPState = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

var tcpStateNames = [...]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD", "ESTABLISHED",
	"FIN_WAIT_1", "FIN_WAIT_2", "CLOSE_WAIT", "CLOSING", "LAST_ACK", "TIME_WAIT",
}

func (s TCPState) String() string {
	if int(s) < len(tcpStateNames) {
		return tcpStateNames[s]
	}
	return "UNKNOWN"
}
