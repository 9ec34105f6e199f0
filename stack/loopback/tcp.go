package loopback

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/stack"
)

type segment struct {
	p   *stack.Packet
	fin bool
}

// tcpPCB models one end of an in-memory connection. All fields belong to
// the engine goroutine.
type tcpPCB struct {
	s      *Stack
	state  stack.TCPState
	local  netip.AddrPort
	remote netip.AddrPort
	bound  bool // registered in tcpPorts
	peer   *tcpPCB

	accept    stack.AcceptFunc
	recv      stack.RecvFunc
	sent      stack.SentFunc
	errf      stack.ErrFunc
	connected stack.ConnectedFunc

	sndbuf    int
	unsent    []byte
	finQueued bool
	finSent   bool

	rcvWnd    int
	inbox     []segment
	delayed   bool
	rxShut    bool
	appClosed bool
	nodelay   bool
	freed     bool

	deliverQueued  bool
	transmitQueued bool
}

var _ stack.TCPPCB = (*tcpPCB)(nil)

func (p *tcpPCB) Bind(addr netip.Addr, port uint16) stack.Err {
	p.s.exec.MustEngine("tcp.Bind")
	if p.freed || p.bound || p.state != stack.Closed {
		return stack.ErrVal
	}
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if !p.s.local(addr) {
		return stack.ErrVal
	}
	if port == 0 {
		var ok bool
		port, ok = p.s.ephemeral(func(pt uint16) bool { return p.s.tcpInUse(addr, pt) })
		if !ok {
			return stack.ErrUse
		}
	} else if p.s.tcpInUse(addr, port) {
		return stack.ErrUse
	}
	p.local = netip.AddrPortFrom(addr, port)
	p.bound = true
	p.s.tcpPorts[port] = append(p.s.tcpPorts[port], p)
	return stack.ErrOK
}

func (p *tcpPCB) Listen(backlog int) (stack.TCPPCB, stack.Err) {
	p.s.exec.MustEngine("tcp.Listen")
	if p.freed || p.state != stack.Closed {
		return nil, stack.ErrConn
	}
	if !p.bound {
		if err := p.Bind(netip.Addr{}, 0); err != stack.ErrOK {
			return nil, err
		}
	}
	p.state = stack.Listen
	return p, stack.ErrOK
}

func (p *tcpPCB) Connect(addr netip.Addr, port uint16, connected stack.ConnectedFunc) stack.Err {
	p.s.exec.MustEngine("tcp.Connect")
	switch {
	case p.freed:
		return stack.ErrClsd
	case p.state == stack.SynSent:
		return stack.ErrAlready
	case p.state != stack.Closed:
		return stack.ErrIsConn
	}
	if !addr.IsValid() || addr.IsUnspecified() || port == 0 {
		return stack.ErrVal
	}
	if !p.s.routable(addr) {
		return stack.ErrRte
	}

	src := sourceFor(p.local.Addr(), addr)
	if !p.bound {
		lport, ok := p.s.ephemeral(func(pt uint16) bool { return p.s.tcpInUse(src, pt) })
		if !ok {
			return stack.ErrUse
		}
		p.bound = true
		p.s.tcpPorts[lport] = append(p.s.tcpPorts[lport], p)
		p.local = netip.AddrPortFrom(src, lport)
	} else {
		p.local = netip.AddrPortFrom(src, p.local.Port())
	}

	p.remote = netip.AddrPortFrom(addr, port)
	p.connected = connected
	p.state = stack.SynSent
	p.s.post(p.synArrived)
	return stack.ErrOK
}

// synArrived runs the server half of the handshake.
func (p *tcpPCB) synArrived() {
	if p.freed || p.state != stack.SynSent {
		return
	}
	s := p.s

	l := s.findListener(p.remote)
	if l == nil {
		s.log.Debug("connection refused", zap.Stringer("remote", p.remote))
		p.reset()
		return
	}

	sp := s.allocTCP()
	if sp == nil {
		s.log.Debug("pcb limit reached, refusing connection", zap.Stringer("remote", p.remote))
		p.reset()
		return
	}
	sp.state = stack.Established
	sp.local = p.remote
	sp.remote = p.local
	sp.peer = p
	p.peer = sp

	if l.accept == nil {
		sp.Abort()
		return
	}
	switch r := l.accept(sp, stack.ErrOK); r {
	case stack.ErrOK:
	case stack.ErrAbrt:
		if !sp.freed {
			sp.Abort()
		}
		return
	default:
		s.log.Debug("accept callback refused connection", zap.Stringer("err", r))
		sp.Abort()
		return
	}
	if sp.freed {
		return
	}

	p.state = stack.Established
	s.post(func() {
		if p.freed {
			return
		}
		if p.connected != nil {
			if p.connected(p, stack.ErrOK) == stack.ErrAbrt {
				return
			}
		}
		p.scheduleTransmit()
	})
}

func (p *tcpPCB) OnAccept(fn stack.AcceptFunc) { p.accept = fn }
func (p *tcpPCB) OnRecv(fn stack.RecvFunc)     { p.recv = fn }
func (p *tcpPCB) OnSent(fn stack.SentFunc)     { p.sent = fn }
func (p *tcpPCB) OnErr(fn stack.ErrFunc)       { p.errf = fn }

func (p *tcpPCB) SndBuf() int {
	if p.freed {
		return 0
	}
	return p.sndbuf
}

func (p *tcpPCB) Write(data []byte) stack.Err {
	p.s.exec.MustEngine("tcp.Write")
	if p.freed || p.finQueued {
		return stack.ErrConn
	}
	if p.state != stack.Established && p.state != stack.CloseWait {
		return stack.ErrConn
	}
	if len(data) > stack.MaxWrite {
		return stack.ErrArg
	}
	if len(data) > p.sndbuf {
		return stack.ErrMem
	}
	if len(data) == 0 {
		return stack.ErrOK
	}
	p.unsent = append(p.unsent, data...)
	p.sndbuf -= len(data)
	p.scheduleTransmit()
	return stack.ErrOK
}

func (p *tcpPCB) Recved(n int) {
	p.s.exec.MustEngine("tcp.Recved")
	if p.freed {
		return
	}
	if n < 0 || n > stack.MaxAck {
		p.s.ackOverflows.Add(1)
		p.s.log.Warn("tcp.Recved length out of range", zap.Int("n", n))
		return
	}
	p.openWindow(n)
}

func (p *tcpPCB) openWindow(n int) {
	p.rcvWnd += n
	if p.rcvWnd > p.s.cfg.RcvWnd {
		p.rcvWnd = p.s.cfg.RcvWnd
	}
	if p.peer != nil && !p.peer.freed {
		p.peer.scheduleTransmit()
	}
}

func (p *tcpPCB) Shutdown(rx, tx bool) stack.Err {
	p.s.exec.MustEngine("tcp.Shutdown")
	if p.freed {
		return stack.ErrConn
	}
	if rx && tx {
		return p.Close()
	}
	if rx {
		p.rxShut = true
	}
	if tx {
		if p.state != stack.Established && p.state != stack.CloseWait {
			return stack.ErrConn
		}
		p.queueFIN()
	}
	return stack.ErrOK
}

func (p *tcpPCB) Close() stack.Err {
	p.s.exec.MustEngine("tcp.Close")
	if p.freed {
		return stack.ErrOK
	}
	p.appClosed = true
	p.accept, p.recv, p.sent, p.errf, p.connected = nil, nil, nil, nil, nil

	switch p.state {
	case stack.Established, stack.CloseWait, stack.SynRcvd:
		p.queueFIN()
		p.scheduleDeliver()
	case stack.FinWait1, stack.FinWait2, stack.Closing, stack.LastAck:
		p.scheduleDeliver()
	default:
		p.free()
	}
	return stack.ErrOK
}

func (p *tcpPCB) Abort() {
	p.s.exec.MustEngine("tcp.Abort")
	if p.freed {
		return
	}
	errf := p.errf
	peer := p.peer
	p.free()
	if peer != nil && !peer.freed {
		p.s.post(peer.reset)
	}
	if errf != nil {
		errf(stack.ErrAbrt)
	}
}

func (p *tcpPCB) BacklogDelayed() {
	p.delayed = true
}

func (p *tcpPCB) BacklogAccepted() {
	p.delayed = false
	p.scheduleDeliver()
}

func (p *tcpPCB) SetNoDelay(on bool)         { p.nodelay = on }
func (p *tcpPCB) State() stack.TCPState      { return p.state }
func (p *tcpPCB) LocalAddr() netip.AddrPort  { return p.local }
func (p *tcpPCB) RemoteAddr() netip.AddrPort { return p.remote }

// reset handles an RST from the peer.
func (p *tcpPCB) reset() {
	if p.freed {
		return
	}
	errf := p.errf
	p.free()
	if errf != nil {
		errf(stack.ErrRst)
	}
}

// free releases the pcb. Callbacks must be read before calling it.
func (p *tcpPCB) free() {
	if p.freed {
		return
	}
	p.freed = true
	p.state = stack.Closed
	if p.bound {
		unregister(p.s.tcpPorts, p.local.Port(), p)
		p.bound = false
	}
	for _, seg := range p.inbox {
		if seg.p != nil {
			seg.p.Free()
		}
	}
	p.inbox = nil
	p.unsent = nil
	p.accept, p.recv, p.sent, p.errf, p.connected = nil, nil, nil, nil, nil
	p.s.pcbs.Add(-1)
}

func (p *tcpPCB) queueFIN() {
	if p.finQueued {
		return
	}
	p.finQueued = true
	p.scheduleTransmit()
}

func (p *tcpPCB) scheduleTransmit() {
	if p.transmitQueued || p.freed {
		return
	}
	p.transmitQueued = true
	p.s.post(func() {
		p.transmitQueued = false
		p.transmit()
	})
}

// transmit moves unsent bytes into the peer's inbox, bounded by the peer's
// receive window, and frees the matching send buffer.
func (p *tcpPCB) transmit() {
	peer := p.peer
	if p.freed || peer == nil || peer.freed {
		return
	}
	mss := p.s.cfg.MSS

	moved := 0
	for len(p.unsent) > 0 && peer.rcvWnd > 0 {
		n := min(len(p.unsent), mss, peer.rcvWnd)
		seg := make([]byte, n)
		copy(seg, p.unsent[:n])
		p.unsent = p.unsent[n:]
		peer.rcvWnd -= n
		peer.inbox = append(peer.inbox, segment{p: p.s.newPacket(seg)})
		moved += n
	}
	if len(p.unsent) == 0 {
		p.unsent = nil
	}

	if moved > 0 {
		p.s.post(func() { p.acked(moved) })
	}

	if len(p.unsent) == 0 && p.finQueued && !p.finSent {
		p.finSent = true
		switch p.state {
		case stack.Established, stack.SynRcvd:
			p.state = stack.FinWait1
		case stack.CloseWait:
			p.state = stack.LastAck
		}
		peer.inbox = append(peer.inbox, segment{fin: true})
	}

	if moved > 0 || p.finSent {
		peer.scheduleDeliver()
	}
}

func (p *tcpPCB) acked(n int) {
	if p.freed {
		return
	}
	p.sndbuf += n
	if p.sent != nil {
		p.sent(p, n)
	}
}

func (p *tcpPCB) scheduleDeliver() {
	if p.deliverQueued || p.freed || p.delayed {
		return
	}
	p.deliverQueued = true
	p.s.post(func() {
		p.deliverQueued = false
		p.deliver()
	})
}

func (p *tcpPCB) deliver() {
	for !p.freed && !p.delayed && len(p.inbox) > 0 {
		seg := p.inbox[0]
		p.inbox[0] = segment{}
		p.inbox = p.inbox[1:]

		if seg.fin {
			p.finArrived()
			continue
		}

		if p.appClosed || p.rxShut || p.recv == nil {
			n := seg.p.Len()
			seg.p.Free()
			p.openWindow(n)
			continue
		}

		switch r := p.recv(p, seg.p, stack.ErrOK); r {
		case stack.ErrOK:
		case stack.ErrAbrt:
			return
		default:
			p.s.log.Debug("recv callback returned error", zap.Stringer("err", r))
		}
	}
}

func (p *tcpPCB) finArrived() {
	switch p.state {
	case stack.Established, stack.SynRcvd:
		p.state = stack.CloseWait
	case stack.FinWait1, stack.FinWait2, stack.Closing:
		p.state = stack.TimeWait
	}

	if p.recv != nil && !p.appClosed {
		if p.recv(p, nil, stack.ErrOK) == stack.ErrAbrt {
			return
		}
	} else if p.state == stack.CloseWait {
		// nobody is reading; close our half too
		p.queueFIN()
	}
	if p.freed {
		return
	}

	if p.state == stack.TimeWait {
		peer := p.peer
		p.free()
		if peer != nil && !peer.freed {
			p.s.post(peer.finAcked)
		}
	}
}

// finAcked completes LAST_ACK once the peer acknowledged our FIN.
func (p *tcpPCB) finAcked() {
	if p.freed || p.state != stack.LastAck {
		return
	}
	errf := p.errf
	p.free()
	if errf != nil {
		errf(stack.ErrClsd)
	}
}
