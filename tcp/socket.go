package tcp

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

// DefaultConnectAddress is used by Connect when no address is given.
const DefaultConnectAddress = "127.0.0.1"

// Stats counts bytes moved through a Socket.
type Stats struct {
	// BytesRead is what was delivered in data events.
	BytesRead uint64
	// BytesWritten is what the engine accepted from Send.
	BytesWritten uint64
	// BytesAcked is what the peer acknowledged.
	BytesAcked uint64
}

// Socket is a TCP connection driven through a bridge.
//
// Methods may be called from any goroutine. Events reach the handler on
// the loop goroutine. Once the connection is gone, operations fail with a
// SocketClosed error.
type Socket struct {
	b      *bridge.Bridge
	id     string
	log    *zap.Logger
	handle resource.Handle
	ch     *bridge.Channel[event]

	mu      sync.Mutex
	handler Handler
	info    stack.AddrInfo
	onEnd   func()

	closed  atomic.Bool
	closing atomic.Bool

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	bytesAcked   atomic.Uint64

	// engine goroutine only
	pcb   stack.TCPPCB
	ended bool
}

// NewSocket creates an unconnected socket. The engine pcb is allocated by
// a job posted here; Connect is queued behind it.
func NewSocket(b *bridge.Bridge, handler Handler) *Socket {
	s := newSocket(b, handler)
	if s.closed.Load() {
		return s
	}
	if err := b.Post(s.allocate); err != nil {
		s.log.Warn("socket allocation not posted", zap.Error(err))
		s.closed.Store(true)
		s.ch.Abort()
	}
	return s
}

func newSocket(b *bridge.Bridge, handler Handler) *Socket {
	id, log := b.EntityLogger("tcp.socket")
	s := &Socket{
		b:       b,
		id:      id,
		log:     log,
		handler: handler,
	}
	s.ch = bridge.NewChannel(b.Loop(), bridge.ChannelConfig[event]{
		Name:     "tcp.socket",
		Handler:  s.dispatch,
		Drop:     s.discard,
		Finalize: s.finalize,
	})
	s.handle = b.Registry().Insert(bridge.TypeTCPSocket, s)
	if s.handle == 0 || s.ch.State() != bridge.ChannelActive {
		s.closed.Store(true)
		s.ch.Abort()
	}
	return s
}

// ID returns the socket id used in logs.
func (s *Socket) ID() string { return s.id }

// OnEvent replaces the event handler. Events already delivered are not
// replayed.
func (s *Socket) OnEvent(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Closed reports whether the engine connection is gone.
func (s *Socket) Closed() bool { return s.closed.Load() }

// AddrInfo returns the endpoints, known once the socket connected or was
// accepted.
func (s *Socket) AddrInfo() stack.AddrInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Stats returns the byte counters.
func (s *Socket) Stats() Stats {
	return Stats{
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
		BytesAcked:   s.bytesAcked.Load(),
	}
}

// Ref makes the socket keep the loop alive. Sockets start ref'd.
func (s *Socket) Ref() { s.ch.Ref() }

// Unref lets the loop exit while the socket is open.
func (s *Socket) Unref() { s.ch.Unref() }

// Connect starts connecting to address:port. An empty address means
// DefaultConnectAddress. The outcome arrives as EventConnect,
// EventConnectError or EventError.
func (s *Socket) Connect(port int, address string) error {
	const op = "tcp.connect"
	if !stack.ValidPort(port, false) {
		return errors.Argument(op, "port %d out of range", port)
	}
	if address == "" {
		address = DefaultConnectAddress
	}
	addr, err := stack.ParseAddr(address)
	if err != nil {
		return errors.Argument(op, "invalid address %q", address)
	}
	if s.closed.Load() {
		return errors.SocketClosed(op)
	}
	return s.b.Post(func() { s.connect(addr, uint16(port)) })
}

// Send queues buf for transmission. buf is copied, so the caller may reuse
// it at once. The future resolves with how many bytes the engine took,
// which is less than len(buf) when the send window is short; retry the
// rest after an EventSent.
func (s *Socket) Send(buf []byte) (*bridge.Future[int], error) {
	const op = "tcp.send"
	if s.closed.Load() {
		return nil, errors.SocketClosed(op)
	}
	lease := s.b.Lease(buf)
	return bridge.Submit(s.b, bridge.Op[int]{
		Name:   op,
		Engine: func() (int, error) { return s.write(lease.Bytes()) },
		Then: func(n int, err error) {
			if err == nil {
				s.bytesWritten.Add(uint64(n))
			}
		},
		Settled: func() { lease.Release() },
	}), nil
}

// Ack reopens the receive window by n consumed bytes.
func (s *Socket) Ack(n int) error {
	const op = "tcp.ack"
	if n < 0 {
		return errors.Argument(op, "negative length %d", n)
	}
	if s.closed.Load() {
		return errors.SocketClosed(op)
	}
	if n == 0 {
		return nil
	}
	return s.b.Post(func() {
		if s.pcb == nil {
			return
		}
		for n > 0 {
			chunk := min(n, stack.MaxAck)
			s.pcb.Recved(chunk)
			n -= chunk
		}
	})
}

// ShutdownWrite sends FIN. Receiving continues until the peer closes.
func (s *Socket) ShutdownWrite() error {
	const op = "tcp.shutdown"
	if s.closed.Load() {
		return errors.SocketClosed(op)
	}
	return s.b.Post(func() {
		if s.pcb == nil {
			return
		}
		if err := s.pcb.Shutdown(false, true); err != stack.ErrOK {
			s.log.Debug("shutdown refused", zap.Stringer("err", err))
		}
	})
}

// SetNoDelay toggles Nagle's algorithm.
func (s *Socket) SetNoDelay(on bool) error {
	if s.closed.Load() {
		return errors.SocketClosed("tcp.nodelay")
	}
	return s.b.Post(func() {
		if s.pcb != nil {
			s.pcb.SetNoDelay(on)
		}
	})
}

// Close closes the connection gracefully. Data already handed to the
// engine is still sent. The handler receives EventClose. Calling Close
// again, or on a socket that is already gone, resolves at once.
func (s *Socket) Close() *bridge.Future[struct{}] {
	if s.closing.Swap(true) || s.closed.Load() {
		return bridge.Resolved(struct{}{})
	}
	return bridge.Submit(s.b, bridge.Op[struct{}]{
		Name: "tcp.close",
		Engine: func() (struct{}, error) {
			if s.ended {
				return struct{}{}, nil
			}
			pcb := s.pcb
			s.finish(Event{Type: EventClose})
			if pcb != nil && pcb.Close() != stack.ErrOK {
				pcb.Abort()
			}
			return struct{}{}, nil
		},
	})
}

// Drop aborts the connection. The registry calls it on bridge shutdown.
func (s *Socket) Drop() {
	if s.closed.Load() {
		return
	}
	s.ch.Abort()
	_ = s.b.Post(func() { s.abandon() })
}

func (s *Socket) handlerFunc() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// dispatch runs on the loop.
func (s *Socket) dispatch(e event) {
	ev := e.Event
	if e.pkt != nil {
		ev.Data = bytes.Clone(e.pkt.Payload)
		e.pkt.Free()
		s.bytesRead.Add(uint64(len(ev.Data)))
	}
	switch ev.Type {
	case EventConnect:
		s.mu.Lock()
		s.info = ev.Info
		s.mu.Unlock()
	case EventSent:
		s.bytesAcked.Add(uint64(ev.Len))
	}
	if h := s.handlerFunc(); h != nil {
		h(ev)
	}
}

func (s *Socket) discard(e event) {
	if e.pkt != nil {
		e.pkt.Free()
	}
}

func (s *Socket) finalize() {
	s.closed.Store(true)
	s.b.Registry().Remove(s.handle)
	// no-op unless the channel was aborted under a live pcb
	_ = s.b.Post(s.abandon)
	s.mu.Lock()
	onEnd := s.onEnd
	s.mu.Unlock()
	if onEnd != nil {
		onEnd()
	}
	s.log.Debug("socket finalized")
}

// Engine side. Everything below runs on the engine goroutine.

func (s *Socket) allocate() {
	if s.ended || s.pcb != nil {
		return
	}
	pcb, err := s.b.Stack().NewTCP()
	if err != stack.ErrOK {
		s.finish(Event{Type: EventError, Err: errors.Socket("tcp.socket", err)})
		return
	}
	s.install(pcb)
}

// install attaches callbacks to pcb. They reach the socket through its
// registry handle, so a callback that outlives the socket finds nothing
// and aborts the pcb.
func (s *Socket) install(pcb stack.TCPPCB) {
	s.pcb = pcb
	reg, h := s.b.Registry(), s.handle
	lookup := func() (*Socket, bool) {
		return resource.Lookup[*Socket](reg, h, bridge.TypeTCPSocket)
	}

	pcb.OnRecv(func(p stack.TCPPCB, pkt *stack.Packet, _ stack.Err) stack.Err {
		sock, ok := lookup()
		if !ok || sock.pcb != p {
			if pkt != nil {
				pkt.Free()
			}
			p.Abort()
			return stack.ErrAbrt
		}
		return sock.onRecv(pkt)
	})
	pcb.OnSent(func(p stack.TCPPCB, n int) stack.Err {
		sock, ok := lookup()
		if !ok || sock.pcb != p {
			p.Abort()
			return stack.ErrAbrt
		}
		return sock.onSent(n)
	})
	pcb.OnErr(func(err stack.Err) {
		if sock, ok := lookup(); ok {
			sock.onErr(err)
		}
	})
}

func (s *Socket) connect(addr netip.Addr, port uint16) {
	if s.ended {
		return
	}
	if s.pcb == nil {
		s.allocate()
		if s.ended {
			return
		}
	}
	err := s.pcb.Connect(addr, port, func(p stack.TCPPCB, err stack.Err) stack.Err {
		if s.pcb != p {
			return stack.ErrOK
		}
		if err != stack.ErrOK {
			s.emit(Event{Type: EventConnectError, Err: errors.Connect("tcp.connect", err)})
			return stack.ErrOK
		}
		if !s.emit(Event{Type: EventConnect, Info: stack.AddrInfoOf(p)}) {
			s.abandon()
			return stack.ErrAbrt
		}
		return stack.ErrOK
	})
	if err != stack.ErrOK {
		s.emit(Event{Type: EventConnectError, Err: errors.Connect("tcp.connect", err)})
	}
}

func (s *Socket) onRecv(pkt *stack.Packet) stack.Err {
	if err := s.ch.Emit(event{Event: Event{Type: EventData, End: pkt == nil}, pkt: pkt}); err != nil {
		// nobody will read this data: drop it and reset the connection
		if pkt != nil {
			pkt.Free()
		}
		s.log.Debug("receive not delivered, aborting", zap.Error(err))
		s.abandon()
		return stack.ErrAbrt
	}
	if s.pcb.State() == stack.TimeWait {
		s.finish(Event{Type: EventClose})
	}
	return stack.ErrOK
}

func (s *Socket) onSent(n int) stack.Err {
	if !s.emit(Event{Type: EventSent, Len: n}) {
		s.abandon()
		return stack.ErrAbrt
	}
	return stack.ErrOK
}

// onErr runs after the engine freed the pcb.
func (s *Socket) onErr(err stack.Err) {
	if s.ended {
		return
	}
	s.pcb = nil
	if err == stack.ErrClsd {
		s.finish(Event{Type: EventClose})
		return
	}
	s.finish(Event{Type: EventError, Err: errors.Socket("tcp.socket", err)})
}

func (s *Socket) write(data []byte) (int, error) {
	if s.pcb == nil {
		return 0, errors.SocketClosed("tcp.send")
	}
	written := 0
	for written < len(data) {
		n := min(s.pcb.SndBuf(), len(data)-written, stack.MaxWrite)
		if n <= 0 {
			break
		}
		if err := s.pcb.Write(data[written : written+n]); err != stack.ErrOK {
			if written > 0 {
				break
			}
			return 0, errors.Send("tcp.send", err)
		}
		written += n
	}
	return written, nil
}

func (s *Socket) emit(ev Event) bool {
	if err := s.ch.Emit(event{Event: ev}); err != nil {
		s.log.Debug("event not delivered", zap.Stringer("event", ev.Type), zap.Error(err))
		return false
	}
	return true
}

// finish emits the last event and releases the channel. The pcb is no
// longer ours afterwards.
func (s *Socket) finish(last Event) {
	if s.ended {
		return
	}
	s.ended = true
	s.pcb = nil
	s.closed.Store(true)
	s.emit(last)
	s.ch.Close()
}

// abandon gives up a pcb whose events can no longer be delivered.
func (s *Socket) abandon() {
	if s.ended {
		return
	}
	pcb := s.pcb
	s.ended = true
	s.pcb = nil
	s.closed.Store(true)
	s.ch.Abort()
	if pcb != nil {
		pcb.Abort()
	}
}
