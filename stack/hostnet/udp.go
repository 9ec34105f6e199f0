package hostnet

import (
	"bytes"
	"errors"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/stack"
)

type udpPCB struct {
	s         *Stack
	family    stack.Family
	conn      *net.UDPConn
	local     netip.AddrPort
	remote    netip.AddrPort
	connected bool
	recv      stack.UDPRecvFunc
	freed     bool
}

var _ stack.UDPPCB = (*udpPCB)(nil)

func (u *udpPCB) Bind(addr netip.Addr, port uint16) stack.Err {
	u.s.exec.MustEngine("udp.Bind")
	if u.freed || u.conn != nil {
		return stack.ErrVal
	}
	return u.bind(addr, port)
}

func (u *udpPCB) bind(addr netip.Addr, port uint16) stack.Err {
	if !addr.IsValid() {
		addr = u.family.Any()
	}
	if stack.FamilyOf(addr) != u.family {
		return stack.ErrVal
	}
	c, err := net.ListenUDP(network("udp", addr), net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, port)))
	if err != nil {
		u.s.log.Debug("udp bind failed", zap.Stringer("addr", addr), zap.Uint16("port", port), zap.Error(err))
		return errOf(err)
	}
	u.conn = c
	u.local = unmap(c.LocalAddr().(*net.UDPAddr).AddrPort())
	go u.readLoop(c)
	return stack.ErrOK
}

func (u *udpPCB) readLoop(c *net.UDPConn) {
	buf := make([]byte, 0xFFFF)
	for {
		n, from, err := c.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.s.log.Debug("udp read failed", zap.Error(err))
			continue
		}
		data, src := bytes.Clone(buf[:n]), unmap(from)
		if !u.s.post(func() { u.arrive(data, src) }) {
			return
		}
	}
}

func (u *udpPCB) arrive(data []byte, from netip.AddrPort) {
	if u.freed || u.recv == nil {
		return
	}
	if u.connected && from != u.remote {
		return
	}
	u.recv(u, u.s.newPacket(data), from)
}

// Connect only records the peer. Datagrams from anyone else are filtered
// on arrival.
func (u *udpPCB) Connect(addr netip.Addr, port uint16) stack.Err {
	u.s.exec.MustEngine("udp.Connect")
	if u.freed {
		return stack.ErrConn
	}
	if !addr.IsValid() || addr.IsUnspecified() || port == 0 {
		return stack.ErrVal
	}
	if u.conn == nil {
		if err := u.bind(netip.Addr{}, 0); err != stack.ErrOK {
			return err
		}
	}
	u.remote = netip.AddrPortFrom(addr, port)
	u.connected = true
	return stack.ErrOK
}

func (u *udpPCB) Disconnect() {
	u.connected = false
	u.remote = netip.AddrPort{}
}

func (u *udpPCB) Send(data []byte) stack.Err {
	u.s.exec.MustEngine("udp.Send")
	if !u.connected {
		return stack.ErrConn
	}
	return u.SendTo(data, u.remote.Addr(), u.remote.Port())
}

func (u *udpPCB) SendTo(data []byte, addr netip.Addr, port uint16) stack.Err {
	u.s.exec.MustEngine("udp.SendTo")
	if u.freed {
		return stack.ErrConn
	}
	if len(data) > stack.MaxDatagram {
		return stack.ErrMem
	}
	if !addr.IsValid() || addr.IsUnspecified() || port == 0 {
		return stack.ErrVal
	}
	if u.conn == nil {
		if err := u.bind(netip.Addr{}, 0); err != stack.ErrOK {
			return err
		}
	}
	if _, err := u.conn.WriteToUDPAddrPort(data, netip.AddrPortFrom(addr, port)); err != nil {
		return errOf(err)
	}
	return stack.ErrOK
}

func (u *udpPCB) OnRecv(fn stack.UDPRecvFunc) { u.recv = fn }

func (u *udpPCB) Remove() {
	u.s.exec.MustEngine("udp.Remove")
	if u.freed {
		return
	}
	u.freed = true
	u.recv = nil
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.s.pcbs.Add(-1)
}

func (u *udpPCB) Family() stack.Family        { return u.family }
func (u *udpPCB) LocalAddr() netip.AddrPort  { return u.local }
func (u *udpPCB) RemoteAddr() netip.AddrPort { return u.remote }
