package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// target is an address and port on the engine's network.
type target struct {
	Address string
	Port    int
}

func (t target) String() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// parseTarget accepts host:port, a bare :port, or a multiaddr such as
// /ip4/127.0.0.1/tcp/7000. proto is "tcp" or "udp" and must match the
// multiaddr's transport.
func parseTarget(s, proto string) (target, error) {
	if strings.HasPrefix(s, "/") {
		return parseMultiaddr(s, proto)
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return target{}, fmt.Errorf("target %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xFFFF {
		return target{}, fmt.Errorf("target %q: invalid port", s)
	}
	return target{Address: host, Port: port}, nil
}

func parseMultiaddr(s, proto string) (target, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return target{}, fmt.Errorf("target %q: %w", s, err)
	}

	var t target
	if v, err := m.ValueForProtocol(ma.P_IP4); err == nil {
		t.Address = v
	} else if v, err := m.ValueForProtocol(ma.P_IP6); err == nil {
		t.Address = v
	} else {
		return target{}, fmt.Errorf("target %q: no ip4 or ip6 component", s)
	}

	code := ma.P_TCP
	if proto == "udp" {
		code = ma.P_UDP
	}
	v, err := m.ValueForProtocol(code)
	if err != nil {
		return target{}, fmt.Errorf("target %q: no %s component", s, proto)
	}
	if t.Port, err = strconv.Atoi(v); err != nil {
		return target{}, fmt.Errorf("target %q: invalid port", s)
	}
	return t, nil
}
