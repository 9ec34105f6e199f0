package tcp

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/bridge"
	"github.com/janvanbouwel/libzt-node/errors"
	"github.com/janvanbouwel/libzt-node/resource"
	"github.com/janvanbouwel/libzt-node/stack"
)

// DefaultBacklog is the listen backlog unless WithBacklog says otherwise.
const DefaultBacklog = 16

// ServerState is the lifecycle of a Server.
type ServerState uint32

const (
	ServerCreated ServerState = iota
	ServerListening
	ServerBindFailed
	ServerClosing
	ServerClosed
)

func (s ServerState) String() string {
	switch s {
	case ServerCreated:
		return "created"
	case ServerListening:
		return "listening"
	case ServerBindFailed:
		return "bind_failed"
	case ServerClosing:
		return "closing"
	case ServerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Address is the local endpoint of a listening Server.
type Address struct {
	Address string
	Port    uint16
	Family  stack.Family
}

// ConnectionHandler receives every accepted connection on the loop
// goroutine. Subscribe to the socket with OnEvent before returning; the
// connection delivers nothing until the handler returned. On an accept
// failure sock is nil and err is an Accept error.
type ConnectionHandler func(sock *Socket, err error)

// ServerOption configures Listen.
type ServerOption func(*serverOptions)

type serverOptions struct {
	backlog        int
	maxConnections int
}

// WithBacklog sets the listen backlog.
func WithBacklog(n int) ServerOption {
	return func(o *serverOptions) { o.backlog = n }
}

// WithMaxConnections caps concurrent connections. Connections beyond the
// cap are aborted right after acceptance and counted in Dropped.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) { o.maxConnections = n }
}

type acceptEvent struct {
	pcb  stack.TCPPCB
	err  stack.Err
	info stack.AddrInfo
}

// Server accepts TCP connections through a bridge.
type Server struct {
	b            *bridge.Bridge
	id           string
	log          *zap.Logger
	handle       resource.Handle
	ch           *bridge.Channel[acceptEvent]
	onConnection ConnectionHandler
	opts         serverOptions

	mu    sync.Mutex
	state ServerState
	addr  Address

	closing     atomic.Bool
	connections atomic.Int64
	dropped     atomic.Uint64

	// engine goroutine only
	pcb stack.TCPPCB
}

// Listen binds address:port and starts accepting. An empty address
// listens on every address; port 0 picks an ephemeral port. Invalid
// arguments are reported synchronously. The future is rejected with a
// Bind error when the engine refuses the address.
func Listen(b *bridge.Bridge, port int, address string, onConnection ConnectionHandler, opts ...ServerOption) (*bridge.Future[*Server], error) {
	const op = "tcp.listen"
	if !stack.ValidPort(port, true) {
		return nil, errors.Argument(op, "port %d out of range", port)
	}
	addr, err := stack.ParseAddr(address)
	if err != nil {
		return nil, errors.Argument(op, "invalid address %q", address)
	}
	if onConnection == nil {
		return nil, errors.Argument(op, "connection handler is nil")
	}

	o := serverOptions{backlog: DefaultBacklog}
	for _, opt := range opts {
		opt(&o)
	}

	id, log := b.EntityLogger("tcp.server")
	s := &Server{
		b:            b,
		id:           id,
		log:          log,
		onConnection: onConnection,
		opts:         o,
	}
	s.ch = bridge.NewChannel(b.Loop(), bridge.ChannelConfig[acceptEvent]{
		Name:     "tcp.server",
		Handler:  s.dispatch,
		Drop:     s.discard,
		Finalize: s.finalize,
	})
	s.handle = b.Registry().Insert(bridge.TypeTCPServer, s)
	if s.handle == 0 {
		s.ch.Abort()
		return nil, errors.InvalidState(op, "bridge is closed")
	}

	return bridge.Submit(b, bridge.Op[*Server]{
		Name:   op,
		Engine: func() (*Server, error) { return s.listen(addr, uint16(port)) },
		Then: func(_ *Server, err error) {
			if err != nil {
				s.setState(ServerBindFailed)
				return
			}
			s.setState(ServerListening)
			s.log.Info("listening", zap.String("address", s.Address().Address), zap.Uint16("port", s.Address().Port))
		},
		Undo: func(*Server) { s.closeListener() },
		Settled: func() {
			if s.State() != ServerListening {
				s.ch.Close()
			}
		},
	}), nil
}

// ID returns the server id used in logs.
func (s *Server) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st ServerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Address returns the bound endpoint.
func (s *Server) Address() Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Connections returns how many accepted sockets are still open.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Dropped returns how many connections were refused by the connection cap.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// Ref makes the server keep the loop alive. Servers start ref'd.
func (s *Server) Ref() { s.ch.Ref() }

// Unref lets the loop exit while the server listens.
func (s *Server) Unref() { s.ch.Unref() }

// Close stops listening. Accepted sockets stay open. Calling Close again
// resolves at once.
func (s *Server) Close() *bridge.Future[struct{}] {
	if s.State() != ServerListening || s.closing.Swap(true) {
		return bridge.Resolved(struct{}{})
	}
	s.setState(ServerClosing)
	return bridge.Submit(s.b, bridge.Op[struct{}]{
		Name: "tcp.server.close",
		Engine: func() (struct{}, error) {
			s.closeListener()
			return struct{}{}, nil
		},
		Settled: func() {
			s.setState(ServerClosed)
			s.ch.Close()
		},
	})
}

// Drop closes the listener. The registry calls it on bridge shutdown.
func (s *Server) Drop() {
	if s.State() == ServerClosed || s.State() == ServerBindFailed {
		return
	}
	s.ch.Abort()
	_ = s.b.Post(s.closeListener)
}

// dispatch runs on the loop for every accepted connection.
func (s *Server) dispatch(e acceptEvent) {
	if e.err != stack.ErrOK {
		s.onConnection(nil, errors.Accept("tcp.accept", e.err))
		return
	}

	if limit := s.opts.maxConnections; limit > 0 && s.Connections() >= limit {
		s.dropped.Add(1)
		s.log.Info("connection limit reached, dropping",
			zap.String("remote", e.info.RemoteAddr), zap.Uint16("port", e.info.RemotePort))
		s.abortAccepted(e.pcb)
		return
	}

	sock := newSocket(s.b, nil)
	if sock.Closed() {
		s.abortAccepted(e.pcb)
		return
	}
	s.connections.Add(1)
	sock.mu.Lock()
	sock.info = e.info
	sock.onEnd = func() { s.connections.Add(-1) }
	sock.mu.Unlock()

	// the handle goes in before the handler runs so that work it queues
	// finds the pcb; callbacks wait until the handler has returned
	pcb := e.pcb
	attached := false
	if err := s.b.Post(func() {
		if !sock.ended {
			sock.pcb = pcb
			attached = true
		}
	}); err != nil {
		s.log.Warn("accepted connection not attached", zap.Error(err))
		sock.ch.Abort()
		s.onConnection(nil, errors.Accept("tcp.accept", stack.ErrAbrt))
		return
	}

	s.onConnection(sock, nil)

	if err := s.b.Post(func() {
		if sock.ended {
			// closed from inside the handler, which released an attached pcb
			if !attached {
				pcb.Close()
			}
			return
		}
		if pcb.State() == stack.Closed {
			// reset by the peer while waiting in the backlog
			sock.finish(Event{Type: EventError, Err: errors.Socket("tcp.accept", stack.ErrRst)})
			return
		}
		sock.install(pcb)
		pcb.BacklogAccepted()
	}); err != nil {
		s.log.Warn("accepted connection not attached", zap.Error(err))
		sock.ch.Abort()
	}
}

func (s *Server) discard(e acceptEvent) {
	if e.pcb != nil {
		s.abortAccepted(e.pcb)
	}
}

func (s *Server) abortAccepted(pcb stack.TCPPCB) {
	_ = s.b.Post(pcb.Abort)
}

func (s *Server) finalize() {
	s.b.Registry().Remove(s.handle)
	s.log.Debug("server finalized")
}

// Engine side.

func (s *Server) listen(addr netip.Addr, port uint16) (*Server, error) {
	const op = "tcp.listen"
	pcb, err := s.b.Stack().NewTCP()
	if err != stack.ErrOK {
		return nil, errors.Bind(op, err)
	}
	if err := pcb.Bind(addr, port); err != stack.ErrOK {
		pcb.Close()
		return nil, errors.Bind(op, err)
	}
	lpcb, err := pcb.Listen(s.opts.backlog)
	if err != stack.ErrOK {
		pcb.Close()
		return nil, errors.Bind(op, err)
	}
	s.pcb = lpcb

	reg, h := s.b.Registry(), s.handle
	lpcb.OnAccept(func(np stack.TCPPCB, err stack.Err) stack.Err {
		srv, ok := resource.Lookup[*Server](reg, h, bridge.TypeTCPServer)
		if !ok || srv.pcb == nil {
			if np != nil {
				np.Abort()
			}
			return stack.ErrAbrt
		}
		return srv.onAccept(np, err)
	})

	local := lpcb.LocalAddr()
	s.mu.Lock()
	s.addr = Address{
		Address: local.Addr().String(),
		Port:    local.Port(),
		Family:  stack.FamilyOf(local.Addr()),
	}
	s.mu.Unlock()
	return s, nil
}

func (s *Server) onAccept(np stack.TCPPCB, err stack.Err) stack.Err {
	if err != stack.ErrOK || np == nil {
		if err == stack.ErrOK {
			err = stack.ErrVal
		}
		if e := s.ch.Emit(acceptEvent{err: err}); e != nil {
			s.log.Debug("accept error not delivered", zap.Error(e))
		}
		return stack.ErrOK
	}

	np.BacklogDelayed()
	if e := s.ch.Emit(acceptEvent{pcb: np, err: stack.ErrOK, info: stack.AddrInfoOf(np)}); e != nil {
		s.log.Debug("connection not delivered, closing listener", zap.Error(e))
		s.closeListener()
		np.Abort()
		return stack.ErrAbrt
	}
	return stack.ErrOK
}

func (s *Server) closeListener() {
	if s.pcb == nil {
		return
	}
	if s.pcb.Close() != stack.ErrOK {
		s.pcb.Abort()
	}
	s.pcb = nil
}
