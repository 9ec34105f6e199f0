package hostnet

import (
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/stack"
)

// Stats is a snapshot of stack counters. Safe to read from any goroutine.
type Stats struct {
	PCBs               int64
	OutstandingPackets int64
	DroppedJobs        int64
}

// Stack is an engine whose pcbs are OS sockets.
type Stack struct {
	cfg  Config
	log  *zap.Logger
	exec *stack.Executor

	pcbs        atomic.Int64
	outstanding atomic.Int64
}

var _ stack.Stack = (*Stack)(nil)

// New starts a host stack.
func New(cfg Config) *Stack {
	cfg = cfg.withDefaults()
	return &Stack{
		cfg:  cfg,
		log:  cfg.Logger.Named("hostnet"),
		exec: stack.NewExecutor(cfg.Logger.Named("hostnet.engine")),
	}
}

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

// Close stops the engine goroutine. Sockets still open are not closed;
// close every pcb before the stack.
func (s *Stack) Close() error {
	return s.exec.Close()
}

func (s *Stack) Stats() Stats {
	return Stats{
		PCBs:               s.pcbs.Load(),
		OutstandingPackets: s.outstanding.Load(),
		DroppedJobs:        s.exec.Dropped(),
	}
}

func (s *Stack) NewTCP() (stack.TCPPCB, stack.Err) {
	s.exec.MustEngine("NewTCP")
	s.pcbs.Add(1)
	return s.newTCP(), stack.ErrOK
}

func (s *Stack) NewUDP(family stack.Family) (stack.UDPPCB, stack.Err) {
	s.exec.MustEngine("NewUDP")
	s.pcbs.Add(1)
	return &udpPCB{s: s, family: family}, stack.ErrOK
}

// post hands work from a socket goroutine to the engine. It reports false
// once the engine is gone.
func (s *Stack) post(job func()) bool {
	return s.exec.Post(job) == nil
}

func (s *Stack) newPacket(data []byte) *stack.Packet {
	s.outstanding.Add(1)
	return stack.NewPacket(data, func() { s.outstanding.Add(-1) })
}

func network(proto string, a netip.Addr) string {
	if stack.FamilyOf(a) == stack.IPv6 {
		return proto + "6"
	}
	return proto + "4"
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
