package stack

import "sync/atomic"

// Packet is a received payload owned by whoever the stack handed it to.
// Free must be called exactly once; it may be called from any goroutine.
type Packet struct {
	Payload []byte

	release func()
	freed   atomic.Bool
}

// NewPacket wraps payload. release, if non-nil, runs on the first Free.
func NewPacket(payload []byte, release func()) *Packet {
	return &Packet{Payload: payload, release: release}
}

// Len returns the payload length.
func (p *Packet) Len() int { return len(p.Payload) }

// Free releases the packet. It reports false on a repeated call.
func (p *Packet) Free() bool {
	if p.freed.Swap(true) {
		return false
	}
	if p.release != nil {
		p.release()
	}
	p.Payload = nil
	return true
}

// Freed reports whether Free has been called.
func (p *Packet) Freed() bool { return p.freed.Load() }
