package loopback

import (
	"net/netip"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/stack"
)

const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// Stats is a snapshot of stack counters. Safe to read from any goroutine.
type Stats struct {
	PCBs               int64
	OutstandingPackets int64
	AckOverflows       int64
	DroppedJobs        int64
}

// Stack is an in-process network engine. Connections between its own pcbs
// are delivered in memory on the engine goroutine.
type Stack struct {
	cfg  Config
	log  *zap.Logger
	exec *stack.Executor

	// engine goroutine only
	tcpPorts map[uint16][]*tcpPCB
	udpPorts map[uint16][]*udpPCB
	nextPort uint16

	pcbs         atomic.Int64
	outstanding  atomic.Int64
	ackOverflows atomic.Int64
}

var _ stack.Stack = (*Stack)(nil)

// New starts a loopback stack.
func New(cfg Config) *Stack {
	cfg = cfg.withDefaults()
	return &Stack{
		cfg:      cfg,
		log:      cfg.Logger.Named("loopback"),
		exec:     stack.NewExecutor(cfg.Logger.Named("loopback.engine")),
		tcpPorts: make(map[uint16][]*tcpPCB),
		udpPorts: make(map[uint16][]*udpPCB),
		nextPort: ephemeralLow,
	}
}

// Post schedules job on the engine goroutine.
func (s *Stack) Post(job func()) error {
	return s.exec.Post(job)
}

// Exec runs fn on the engine goroutine and waits for it. It must not be
// called from the engine goroutine.
func (s *Stack) Exec(fn func()) error {
	done := make(chan struct{})
	if err := s.exec.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.exec.Done():
		return stack.ErrEngineDown
	}
}

// Close stops the engine goroutine.
func (s *Stack) Close() error {
	return s.exec.Close()
}

// Stats returns current counters.
func (s *Stack) Stats() Stats {
	return Stats{
		PCBs:               s.pcbs.Load(),
		OutstandingPackets: s.outstanding.Load(),
		AckOverflows:       s.ackOverflows.Load(),
		DroppedJobs:        s.exec.Dropped(),
	}
}

// NewTCP allocates a TCP pcb.
func (s *Stack) NewTCP() (stack.TCPPCB, stack.Err) {
	s.exec.MustEngine("NewTCP")
	p := s.allocTCP()
	if p == nil {
		return nil, stack.ErrMem
	}
	return p, stack.ErrOK
}

// NewUDP allocates a UDP pcb.
func (s *Stack) NewUDP(family stack.Family) (stack.UDPPCB, stack.Err) {
	s.exec.MustEngine("NewUDP")
	if !s.reserve() {
		return nil, stack.ErrMem
	}
	return &udpPCB{s: s, family: family}, stack.ErrOK
}

func (s *Stack) reserve() bool {
	if s.cfg.MaxPCBs > 0 && s.pcbs.Load() >= int64(s.cfg.MaxPCBs) {
		return false
	}
	s.pcbs.Add(1)
	return true
}

func (s *Stack) allocTCP() *tcpPCB {
	if !s.reserve() {
		return nil
	}
	return &tcpPCB{
		s:      s,
		sndbuf: s.cfg.SndBuf,
		rcvWnd: s.cfg.RcvWnd,
	}
}

// post queues internal engine work. A stopped engine drops it, same as
// every other job.
func (s *Stack) post(job func()) {
	_ = s.exec.Post(job)
}

func (s *Stack) newPacket(data []byte) *stack.Packet {
	s.outstanding.Add(1)
	return stack.NewPacket(data, func() { s.outstanding.Add(-1) })
}

// routable reports whether addr is reachable on this network.
func (s *Stack) routable(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsUnspecified() {
		return false
	}
	return addr.IsLoopback() || slices.Contains(s.cfg.Addrs, addr)
}

// local reports whether addr may be used as a bind address.
func (s *Stack) local(addr netip.Addr) bool {
	return addr.IsUnspecified() || s.routable(addr)
}

func overlaps(a, b netip.Addr) bool {
	return a.IsUnspecified() || b.IsUnspecified() || a == b
}

func (s *Stack) ephemeral(inUse func(uint16) bool) (uint16, bool) {
	for i := 0; i <= ephemeralHigh-ephemeralLow; i++ {
		port := s.nextPort
		if s.nextPort == ephemeralHigh {
			s.nextPort = ephemeralLow
		} else {
			s.nextPort++
		}
		if !inUse(port) {
			return port, true
		}
	}
	return 0, false
}

func (s *Stack) tcpInUse(addr netip.Addr, port uint16) bool {
	for _, p := range s.tcpPorts[port] {
		if overlaps(p.local.Addr(), addr) {
			return true
		}
	}
	return false
}

func (s *Stack) udpInUse(addr netip.Addr, port uint16) bool {
	for _, p := range s.udpPorts[port] {
		if overlaps(p.local.Addr(), addr) {
			return true
		}
	}
	return false
}

func (s *Stack) findListener(dst netip.AddrPort) *tcpPCB {
	for _, p := range s.tcpPorts[dst.Port()] {
		if p.state == stack.Listen && overlaps(p.local.Addr(), dst.Addr()) {
			return p
		}
	}
	return nil
}

func (s *Stack) findUDP(dst, src netip.AddrPort) *udpPCB {
	for _, p := range s.udpPorts[dst.Port()] {
		if !overlaps(p.local.Addr(), dst.Addr()) {
			continue
		}
		if p.connected && p.remote != src {
			continue
		}
		return p
	}
	return nil
}

func unregister[T comparable](ports map[uint16][]T, port uint16, p T) {
	list := ports[port]
	if i := slices.Index(list, p); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(ports, port)
	} else {
		ports[port] = list
	}
}

// sourceFor picks the source address used when reaching dst from local.
func sourceFor(local, dst netip.Addr) netip.Addr {
	if local.IsValid() && !local.IsUnspecified() {
		return local
	}
	return dst
}
