package stack

import (
	"fmt"
	"net/netip"
)

// Family is an IP address family.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// FamilyOf returns the family of a.
func FamilyOf(a netip.Addr) Family {
	if a.Is4() || a.Is4In6() {
		return IPv4
	}
	return IPv6
}

// Any returns the unspecified address of the family.
func (f Family) Any() netip.Addr {
	if f == IPv6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// Loopback returns the loopback address of the family.
func (f Family) Loopback() netip.Addr {
	if f == IPv6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// ParseAddr parses a textual IP address. An empty string yields the zero
// Addr, which stacks treat as "any".
func ParseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}

// ValidPort reports whether p is a usable port number, optionally allowing 0.
func ValidPort(p int, allowZero bool) bool {
	if p == 0 {
		return allowZero
	}
	return p > 0 && p <= 0xFFFF
}

// AddrInfo describes both ends of a connection.
type AddrInfo struct {
	LocalAddr    string
	LocalPort    uint16
	LocalFamily  Family
	RemoteAddr   string
	RemotePort   uint16
	RemoteFamily Family
}

// AddrInfoOf reads the endpoints of pcb. Engine goroutine only.
func AddrInfoOf(pcb TCPPCB) AddrInfo {
	l, r := pcb.LocalAddr(), pcb.RemoteAddr()
	return AddrInfo{
		LocalAddr:    l.Addr().String(),
		LocalPort:    l.Port(),
		LocalFamily:  FamilyOf(l.Addr()),
		RemoteAddr:   r.Addr().String(),
		RemotePort:   r.Port(),
		RemoteFamily: FamilyOf(r.Addr()),
	}
}
