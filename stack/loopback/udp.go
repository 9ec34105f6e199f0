package loopback

import (
	"net/netip"

	"github.com/janvanbouwel/libzt-node/stack"
)

type udpPCB struct {
	s         *Stack
	family    stack.Family
	local     netip.AddrPort
	remote    netip.AddrPort
	bound     bool
	connected bool
	recv      stack.UDPRecvFunc
	freed     bool
}

var _ stack.UDPPCB = (*udpPCB)(nil)

func (u *udpPCB) Bind(addr netip.Addr, port uint16) stack.Err {
	u.s.exec.MustEngine("udp.Bind")
	if u.freed || u.bound {
		return stack.ErrVal
	}
	return u.bind(addr, port)
}

func (u *udpPCB) bind(addr netip.Addr, port uint16) stack.Err {
	if !addr.IsValid() {
		addr = u.family.Any()
	}
	if !u.s.local(addr) {
		return stack.ErrVal
	}
	if port == 0 {
		var ok bool
		port, ok = u.s.ephemeral(func(pt uint16) bool { return u.s.udpInUse(addr, pt) })
		if !ok {
			return stack.ErrUse
		}
	} else if u.s.udpInUse(addr, port) {
		return stack.ErrUse
	}
	u.local = netip.AddrPortFrom(addr, port)
	u.bound = true
	u.s.udpPorts[port] = append(u.s.udpPorts[port], u)
	return stack.ErrOK
}

func (u *udpPCB) Connect(addr netip.Addr, port uint16) stack.Err {
	u.s.exec.MustEngine("udp.Connect")
	if u.freed {
		return stack.ErrConn
	}
	if !addr.IsValid() || addr.IsUnspecified() || port == 0 {
		return stack.ErrVal
	}
	if !u.s.routable(addr) {
		return stack.ErrRte
	}
	if !u.bound {
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
	if !u.s.routable(addr) {
		return stack.ErrRte
	}
	if !u.bound {
		if err := u.bind(netip.Addr{}, 0); err != stack.ErrOK {
			return err
		}
	}

	dst := netip.AddrPortFrom(addr, port)
	src := netip.AddrPortFrom(sourceFor(u.local.Addr(), addr), u.local.Port())
	payload := make([]byte, len(data))
	copy(payload, data)

	s := u.s
	s.post(func() {
		target := s.findUDP(dst, src)
		if target == nil {
			return
		}
		pkt := s.newPacket(payload)
		if target.recv == nil {
			pkt.Free()
			return
		}
		target.recv(target, pkt, src)
	})
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
	if u.bound {
		unregister(u.s.udpPorts, u.local.Port(), u)
		u.bound = false
	}
	u.s.pcbs.Add(-1)
}

func (u *udpPCB) Family() stack.Family        { return u.family }
func (u *udpPCB) LocalAddr() netip.AddrPort  { return u.local }
func (u *udpPCB) RemoteAddr() netip.AddrPort { return u.remote }
