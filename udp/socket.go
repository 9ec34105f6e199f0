// Package udp exposes engine UDP pcbs as host datagram sockets.
//
// Each received datagram reaches the message handler on the bridge loop
// goroutine, in arrival order. A socket does not keep the loop alive until
// it is bound, explicitly or by its first Send or Connect.
package udp

import (
	"bytes"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/bridge"
	"github.com/janvanbouwel/libzt-node/errors"
	"github.com/janvanbouwel/libzt-node/resource"
	"github.com/janvanbouwel/libzt-node/stack"
)

// Message is one received datagram.
type Message struct {
	Data   []byte
	Addr   string
	Port   uint16
	Family stack.Family
}

// MessageHandler receives datagrams on the loop goroutine.
type MessageHandler func(Message)

// Address is one end of a datagram socket.
type Address struct {
	Address string
	Port    uint16
	Family  stack.Family
}

func addressOf(ap netip.AddrPort) Address {
	return Address{
		Address: ap.Addr().String(),
		Port:    ap.Port(),
		Family:  stack.FamilyOf(ap.Addr()),
	}
}

type datagram struct {
	pkt  *stack.Packet
	from netip.AddrPort
}

// Socket is a UDP socket driven through a bridge.
type Socket struct {
	b         *bridge.Bridge
	id        string
	log       *zap.Logger
	handle    resource.Handle
	ch        *bridge.Channel[datagram]
	family    stack.Family
	onMessage MessageHandler

	mu        sync.Mutex
	local     netip.AddrPort
	remote    netip.AddrPort
	bound     bool
	connected bool
	// bumped by every Connect and Disconnect
	peerGen uint64

	closed atomic.Bool

	// engine goroutine only
	pcb stack.UDPPCB
}

// NewSocket creates a socket of the given family. onMessage may be nil.
func NewSocket(b *bridge.Bridge, family stack.Family, onMessage MessageHandler) *Socket {
	id, log := b.EntityLogger("udp.socket")
	s := &Socket{
		b:         b,
		id:        id,
		log:       log,
		family:    family,
		onMessage: onMessage,
	}
	s.ch = bridge.NewChannel(b.Loop(), bridge.ChannelConfig[datagram]{
		Name:     "udp.socket",
		Handler:  s.dispatch,
		Drop:     func(d datagram) { d.pkt.Free() },
		Finalize: s.finalize,
		Unref:    true,
	})
	s.handle = b.Registry().Insert(bridge.TypeUDPSocket, s)
	if s.handle == 0 || s.ch.State() != bridge.ChannelActive {
		s.closed.Store(true)
		s.ch.Abort()
		return s
	}
	if err := b.Post(s.allocate); err != nil {
		s.log.Warn("socket allocation not posted", zap.Error(err))
		s.closed.Store(true)
		s.ch.Abort()
	}
	return s
}

// ID returns the socket id used in logs.
func (s *Socket) ID() string { return s.id }

// Family returns the address family.
func (s *Socket) Family() stack.Family { return s.family }

// Ref makes the socket keep the loop alive.
func (s *Socket) Ref() { s.ch.Ref() }

// Unref lets the loop exit while the socket is open.
func (s *Socket) Unref() { s.ch.Unref() }

// Bind binds the socket. An empty address means every address of the
// family; port 0 picks an ephemeral port. The future resolves with the
// bound address.
func (s *Socket) Bind(address string, port int) (*bridge.Future[Address], error) {
	const op = "udp.bind"
	if s.closed.Load() {
		return nil, errors.SocketClosed(op)
	}
	if !stack.ValidPort(port, true) {
		return nil, errors.Argument(op, "port %d out of range", port)
	}
	addr, err := stack.ParseAddr(address)
	if err != nil {
		return nil, errors.Argument(op, "invalid address %q", address)
	}
	if !addr.IsValid() {
		addr = s.family.Any()
	}
	s.mu.Lock()
	bound := s.bound
	s.mu.Unlock()
	if bound {
		return nil, errors.InvalidState(op, "socket already bound")
	}

	var local netip.AddrPort
	return bridge.Submit(s.b, bridge.Op[Address]{
		Name: op,
		Engine: func() (Address, error) {
			if s.pcb == nil {
				return Address{}, errors.SocketClosed(op)
			}
			if err := s.pcb.Bind(addr, uint16(port)); err != stack.ErrOK {
				return Address{}, errors.Bind(op, err)
			}
			local = s.pcb.LocalAddr()
			return addressOf(local), nil
		},
		Then: func(_ Address, err error) {
			if err == nil {
				s.markBound(local)
			}
		},
	}), nil
}

// Send sends buf as one datagram. A connected socket always sends to its
// peer and ignores address and port. An unconnected socket needs a port;
// an empty address means the loopback address of the family.
func (s *Socket) Send(buf []byte, address string, port int) (*bridge.Future[struct{}], error) {
	const op = "udp.send"
	if s.closed.Load() {
		return nil, errors.SocketClosed(op)
	}

	var dst netip.Addr
	if s.isConnected() {
		port = 0
	} else {
		if port == 0 {
			return nil, errors.Argument(op, "port must be specified on an unconnected socket")
		}
		if !stack.ValidPort(port, false) {
			return nil, errors.Argument(op, "port %d out of range", port)
		}
		var err error
		if dst, err = s.resolve(address); err != nil {
			return nil, errors.Argument(op, "invalid address %q", address)
		}
	}

	lease := s.b.Lease(buf)
	var local netip.AddrPort
	return bridge.Submit(s.b, bridge.Op[struct{}]{
		Name: op,
		Engine: func() (struct{}, error) {
			if s.pcb == nil {
				return struct{}{}, errors.SocketClosed(op)
			}
			var err stack.Err
			if port != 0 {
				err = s.pcb.SendTo(lease.Bytes(), dst, uint16(port))
			} else {
				err = s.pcb.Send(lease.Bytes())
			}
			if err != stack.ErrOK {
				return struct{}{}, errors.Send(op, err)
			}
			local = s.pcb.LocalAddr()
			return struct{}{}, nil
		},
		Then: func(_ struct{}, err error) {
			if err == nil {
				s.markBound(local)
			}
		},
		Settled: func() { lease.Release() },
	}), nil
}

// Connect fixes the default peer. Only datagrams from the peer are
// received afterwards. The socket counts as connected from the moment
// Connect returns, so a Send right after it goes to the peer without
// waiting for the future. If the engine refuses the peer the socket is
// disconnected again.
func (s *Socket) Connect(address string, port int) (*bridge.Future[struct{}], error) {
	const op = "udp.connect"
	if s.closed.Load() {
		return nil, errors.SocketClosed(op)
	}
	if !stack.ValidPort(port, false) {
		return nil, errors.Argument(op, "port must be specified")
	}
	addr, err := s.resolve(address)
	if err != nil {
		return nil, errors.Argument(op, "invalid address %q", address)
	}

	s.mu.Lock()
	s.peerGen++
	gen := s.peerGen
	s.connected = true
	s.remote = netip.AddrPortFrom(addr, uint16(port))
	s.mu.Unlock()

	var local, remote netip.AddrPort
	return bridge.Submit(s.b, bridge.Op[struct{}]{
		Name: op,
		Engine: func() (struct{}, error) {
			if s.pcb == nil {
				return struct{}{}, errors.SocketClosed(op)
			}
			if err := s.pcb.Connect(addr, uint16(port)); err != stack.ErrOK {
				return struct{}{}, errors.Connect(op, err)
			}
			local, remote = s.pcb.LocalAddr(), s.pcb.RemoteAddr()
			return struct{}{}, nil
		},
		Then: func(_ struct{}, err error) {
			if err == nil {
				s.markBound(local)
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.peerGen != gen {
				return
			}
			if err != nil {
				s.connected = false
				s.remote = netip.AddrPort{}
				return
			}
			s.remote = remote
		},
	}), nil
}

// Disconnect drops the default peer.
func (s *Socket) Disconnect() error {
	if s.closed.Load() {
		return errors.SocketClosed("udp.disconnect")
	}
	s.mu.Lock()
	s.peerGen++
	s.connected = false
	s.remote = netip.AddrPort{}
	s.mu.Unlock()
	return s.b.Post(func() {
		if s.pcb != nil {
			s.pcb.Disconnect()
		}
	})
}

// Close removes the socket. Datagrams not yet delivered are discarded.
// Calling Close again resolves at once.
func (s *Socket) Close() *bridge.Future[struct{}] {
	if s.closed.Swap(true) {
		return bridge.Resolved(struct{}{})
	}
	return bridge.Submit(s.b, bridge.Op[struct{}]{
		Name: "udp.close",
		Engine: func() (struct{}, error) {
			s.remove()
			return struct{}{}, nil
		},
		Settled: s.ch.Abort,
	})
}

// Drop removes the socket. The registry calls it on bridge shutdown.
func (s *Socket) Drop() {
	if s.closed.Swap(true) {
		return
	}
	s.ch.Abort()
	_ = s.b.Post(s.remove)
}

// Address returns the bound address.
func (s *Socket) Address() (Address, error) {
	const op = "udp.address"
	if s.closed.Load() {
		return Address{}, errors.SocketClosed(op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return Address{}, errors.InvalidState(op, "socket is not bound")
	}
	return addressOf(s.local), nil
}

// RemoteAddress returns the connected peer.
func (s *Socket) RemoteAddress() (Address, error) {
	const op = "udp.remote_address"
	if s.closed.Load() {
		return Address{}, errors.SocketClosed(op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Address{}, errors.InvalidState(op, "socket is not connected")
	}
	return addressOf(s.remote), nil
}

func (s *Socket) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Socket) resolve(address string) (netip.Addr, error) {
	if address == "" {
		return s.family.Loopback(), nil
	}
	return stack.ParseAddr(address)
}

// markBound runs on the loop once the engine bound the pcb. A bound socket
// keeps the loop alive.
func (s *Socket) markBound(local netip.AddrPort) {
	s.mu.Lock()
	if s.bound {
		s.mu.Unlock()
		return
	}
	s.bound = true
	s.local = local
	s.mu.Unlock()
	s.ch.Ref()
	s.log.Debug("bound", zap.Stringer("local", local))
}

func (s *Socket) dispatch(d datagram) {
	msg := Message{
		Data:   bytes.Clone(d.pkt.Payload),
		Addr:   d.from.Addr().String(),
		Port:   d.from.Port(),
		Family: stack.FamilyOf(d.from.Addr()),
	}
	d.pkt.Free()
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

func (s *Socket) finalize() {
	s.b.Registry().Remove(s.handle)
}

// Engine side.

func (s *Socket) allocate() {
	if s.closed.Load() {
		return
	}
	pcb, err := s.b.Stack().NewUDP(s.family)
	if err != stack.ErrOK {
		s.log.Warn("udp pcb allocation failed", zap.Stringer("err", err))
		return
	}
	s.pcb = pcb

	reg, h := s.b.Registry(), s.handle
	pcb.OnRecv(func(_ stack.UDPPCB, pkt *stack.Packet, from netip.AddrPort) {
		sock, ok := resource.Lookup[*Socket](reg, h, bridge.TypeUDPSocket)
		if !ok {
			pkt.Free()
			return
		}
		if err := sock.ch.Emit(datagram{pkt: pkt, from: from}); err != nil {
			pkt.Free()
		}
	})
}

func (s *Socket) remove() {
	if s.pcb == nil {
		return
	}
	s.pcb.Remove()
	s.pcb = nil
}
