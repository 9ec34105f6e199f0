package hostnet

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/stack"
)

// acceptBackoff spaces out retries after a failed accept(2).
const acceptBackoff = 50 * time.Millisecond

type segment struct {
	p   *stack.Packet
	fin bool
}

// tcpPCB wraps a listener or a connection. Fields belong to the engine
// goroutine; the socket goroutines only see conn, win and q.
type tcpPCB struct {
	s      *Stack
	state  stack.TCPState
	local  netip.AddrPort
	remote netip.AddrPort

	ln         *net.TCPListener
	conn       *net.TCPConn
	cancelDial context.CancelFunc
	win        *window
	q          *sendQueue

	accept    stack.AcceptFunc
	recv      stack.RecvFunc
	sent      stack.SentFunc
	errf      stack.ErrFunc
	connected stack.ConnectedFunc

	sndbuf    int
	inbox     []segment
	delayed   bool
	rxShut    bool
	appClosed bool
	finQueued bool
	nodelay   bool
	freed     bool
}

var _ stack.TCPPCB = (*tcpPCB)(nil)

func (s *Stack) newTCP() *tcpPCB {
	return &tcpPCB{s: s, sndbuf: s.cfg.SndBuf, nodelay: true}
}

// Bind reserves the address by opening the listening socket right away,
// so a port conflict is reported here rather than by Listen.
func (p *tcpPCB) Bind(addr netip.Addr, port uint16) stack.Err {
	p.s.exec.MustEngine("tcp.Bind")
	if p.freed || p.ln != nil || p.state != stack.Closed {
		return stack.ErrVal
	}
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	ln, err := net.ListenTCP(network("tcp", addr), net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, port)))
	if err != nil {
		p.s.log.Debug("tcp bind failed", zap.Stringer("addr", addr), zap.Uint16("port", port), zap.Error(err))
		return errOf(err)
	}
	p.ln = ln
	p.local = unmap(ln.Addr().(*net.TCPAddr).AddrPort())
	return stack.ErrOK
}

func (p *tcpPCB) Listen(backlog int) (stack.TCPPCB, stack.Err) {
	p.s.exec.MustEngine("tcp.Listen")
	if p.freed || p.state != stack.Closed {
		return nil, stack.ErrConn
	}
	if p.ln == nil {
		if err := p.Bind(netip.Addr{}, 0); err != stack.ErrOK {
			return nil, err
		}
	}
	// the kernel owns the backlog; it was sized when the socket was bound
	_ = backlog
	p.state = stack.Listen
	go p.acceptLoop(p.ln)
	return p, stack.ErrOK
}

func (p *tcpPCB) acceptLoop(ln *net.TCPListener) {
	for {
		c, err := ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			code := errOf(err)
			p.s.log.Warn("accept failed", zap.Error(err))
			if !p.s.post(func() { p.acceptFailed(code) }) {
				return
			}
			time.Sleep(acceptBackoff)
			continue
		}
		if !p.s.post(func() { p.accepted(c) }) {
			_ = c.Close()
			return
		}
	}
}

func (p *tcpPCB) acceptFailed(code stack.Err) {
	if p.freed || p.accept == nil {
		return
	}
	p.accept(nil, code)
}

func (p *tcpPCB) accepted(c *net.TCPConn) {
	if p.freed || p.state != stack.Listen {
		_ = c.Close()
		return
	}
	np := p.s.newTCP()
	p.s.pcbs.Add(1)
	np.start(c)

	if p.accept == nil {
		np.Abort()
		return
	}
	switch r := p.accept(np, stack.ErrOK); r {
	case stack.ErrOK:
	case stack.ErrAbrt:
		if !np.freed {
			np.Abort()
		}
	default:
		p.s.log.Debug("accept callback refused connection", zap.Stringer("err", r))
		np.Abort()
	}
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

	d := net.Dialer{Timeout: p.s.cfg.DialTimeout}
	if p.ln != nil {
		d.LocalAddr = net.TCPAddrFromAddrPort(p.local)
		_ = p.ln.Close()
		p.ln = nil
	}
	p.remote = netip.AddrPortFrom(addr, port)
	p.connected = connected
	p.state = stack.SynSent

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelDial = cancel
	nw, target := network("tcp", addr), p.remote.String()
	go func() {
		c, err := d.DialContext(ctx, nw, target)
		if !p.s.post(func() { p.dialed(c, err) }) && c != nil {
			_ = c.Close()
		}
	}()
	return stack.ErrOK
}

func (p *tcpPCB) dialed(c net.Conn, err error) {
	if p.freed || p.state != stack.SynSent {
		if c != nil {
			_ = c.Close()
		}
		return
	}
	p.cancelDial()
	p.cancelDial = nil
	if err != nil {
		p.s.log.Debug("connect failed", zap.Stringer("remote", p.remote), zap.Error(err))
		p.reset(errOf(err))
		return
	}
	p.start(c.(*net.TCPConn))
	if p.connected != nil {
		p.connected(p, stack.ErrOK)
	}
}

// start attaches an established connection and its socket goroutines.
func (p *tcpPCB) start(c *net.TCPConn) {
	p.conn = c
	p.state = stack.Established
	_ = c.SetNoDelay(p.nodelay)
	p.local = unmap(c.LocalAddr().(*net.TCPAddr).AddrPort())
	p.remote = unmap(c.RemoteAddr().(*net.TCPAddr).AddrPort())
	p.win = newWindow(p.s.cfg.RcvWnd)
	p.q = newSendQueue()
	go p.readLoop(c, p.win)
	go p.writeLoop(c, p.q)
}

func (p *tcpPCB) readLoop(c *net.TCPConn, win *window) {
	buf := make([]byte, p.s.cfg.ReadSize)
	for {
		n, ok := win.take(len(buf))
		if !ok {
			return
		}
		m, err := c.Read(buf[:n])
		if m < n {
			win.give(n - m)
		}
		if m > 0 {
			data := bytes.Clone(buf[:m])
			if !p.s.post(func() { p.arrive(data) }) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.s.post(p.finArrived)
			} else {
				code := errOf(err)
				p.s.post(func() { p.reset(code) })
			}
			return
		}
	}
}

func (p *tcpPCB) writeLoop(c *net.TCPConn, q *sendQueue) {
	for {
		chunk, fin, ok := q.next()
		if !ok {
			return
		}
		if fin {
			if err := c.CloseWrite(); err != nil {
				code := errOf(err)
				p.s.post(func() { p.reset(code) })
				return
			}
			p.s.post(p.finSent)
			return
		}
		if _, err := c.Write(chunk); err != nil {
			code := errOf(err)
			p.s.post(func() { p.reset(code) })
			return
		}
		n := len(chunk)
		p.s.post(func() { p.acked(n) })
	}
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
	p.sndbuf -= len(data)
	p.q.push(bytes.Clone(data))
	return stack.ErrOK
}

func (p *tcpPCB) Recved(n int) {
	p.s.exec.MustEngine("tcp.Recved")
	if p.freed || p.win == nil {
		return
	}
	if n < 0 || n > stack.MaxAck {
		p.s.log.Warn("tcp.Recved length out of range", zap.Int("n", n))
		return
	}
	p.win.give(n)
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
		p.deliver()
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
	case stack.Established, stack.CloseWait:
		p.queueFIN()
		p.linger()
	case stack.FinWait1, stack.FinWait2, stack.Closing, stack.LastAck:
		p.linger()
	default:
		p.free()
	}
	return stack.ErrOK
}

// linger keeps a closed connection around until the peer's FIN, discarding
// whatever still arrives, and gives up after Config.Linger.
func (p *tcpPCB) linger() {
	p.win.drain()
	_ = p.conn.SetReadDeadline(time.Now().Add(p.s.cfg.Linger))
	p.deliver()
}

func (p *tcpPCB) Abort() {
	p.s.exec.MustEngine("tcp.Abort")
	if p.freed {
		return
	}
	errf := p.errf
	if p.conn != nil {
		_ = p.conn.SetLinger(0)
	}
	p.free()
	if errf != nil {
		errf(stack.ErrAbrt)
	}
}

func (p *tcpPCB) BacklogDelayed() {
	p.delayed = true
}

func (p *tcpPCB) BacklogAccepted() {
	p.delayed = false
	p.deliver()
}

func (p *tcpPCB) SetNoDelay(on bool) {
	p.nodelay = on
	if p.conn != nil && !p.freed {
		_ = p.conn.SetNoDelay(on)
	}
}

func (p *tcpPCB) State() stack.TCPState      { return p.state }
func (p *tcpPCB) LocalAddr() netip.AddrPort  { return p.local }
func (p *tcpPCB) RemoteAddr() netip.AddrPort { return p.remote }

func (p *tcpPCB) arrive(data []byte) {
	if p.freed {
		return
	}
	p.inbox = append(p.inbox, segment{p: p.s.newPacket(data)})
	p.deliver()
}

func (p *tcpPCB) finArrived() {
	if p.freed {
		return
	}
	p.inbox = append(p.inbox, segment{fin: true})
	p.deliver()
}

func (p *tcpPCB) deliver() {
	for !p.freed && !p.delayed && len(p.inbox) > 0 {
		seg := p.inbox[0]
		p.inbox[0] = segment{}
		p.inbox = p.inbox[1:]

		if seg.fin {
			p.onFIN()
			continue
		}

		if p.appClosed || p.rxShut || p.recv == nil {
			n := seg.p.Len()
			seg.p.Free()
			p.win.give(n)
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

func (p *tcpPCB) onFIN() {
	switch p.state {
	case stack.Established:
		p.state = stack.CloseWait
	case stack.FinWait1:
		// our FIN is still queued behind unsent data
		p.state = stack.Closing
	case stack.FinWait2:
		p.state = stack.TimeWait
	}

	if p.recv != nil && !p.appClosed {
		if p.recv(p, nil, stack.ErrOK) == stack.ErrAbrt {
			return
		}
	} else if p.state == stack.CloseWait {
		p.queueFIN()
	}
	if p.freed {
		return
	}
	if p.state == stack.TimeWait {
		p.free()
	}
}

// finSent runs once the writer flushed everything and shut down its half.
func (p *tcpPCB) finSent() {
	if p.freed {
		return
	}
	switch p.state {
	case stack.FinWait1:
		p.state = stack.FinWait2
	case stack.Closing, stack.LastAck:
		errf := p.errf
		p.free()
		if errf != nil {
			errf(stack.ErrClsd)
		}
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

func (p *tcpPCB) queueFIN() {
	if p.finQueued {
		return
	}
	p.finQueued = true
	p.q.finish()
	switch p.state {
	case stack.Established:
		p.state = stack.FinWait1
	case stack.CloseWait:
		p.state = stack.LastAck
	}
}

// reset tears the pcb down after a socket error.
func (p *tcpPCB) reset(code stack.Err) {
	if p.freed {
		return
	}
	errf := p.errf
	p.free()
	if errf != nil {
		errf(code)
	}
}

// free releases the pcb and its socket. Callbacks must be read before
// calling it.
func (p *tcpPCB) free() {
	if p.freed {
		return
	}
	p.freed = true
	p.state = stack.Closed
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	if p.ln != nil {
		_ = p.ln.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	if p.win != nil {
		p.win.close()
	}
	if p.q != nil {
		p.q.close()
	}
	for _, seg := range p.inbox {
		if seg.p != nil {
			seg.p.Free()
		}
	}
	p.inbox = nil
	p.accept, p.recv, p.sent, p.errf, p.connected = nil, nil, nil, nil, nil
	p.s.pcbs.Add(-1)
}
