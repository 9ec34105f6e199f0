package loopback

import (
	"net/netip"

	"go.uber.org/zap"
)

// Config sizes the in-process network.
type Config struct {
	// Addrs are the addresses this stack answers for, in addition to the
	// loopback range. Every pcb on the stack can reach every address.
	Addrs []netip.Addr

	// SndBuf is the per-connection send buffer in bytes.
	SndBuf int

	// RcvWnd is the per-connection receive window in bytes.
	RcvWnd int

	// MSS caps the size of a single delivered segment.
	MSS int

	// MaxPCBs limits live pcbs. Zero means unlimited.
	MaxPCBs int

	Logger *zap.Logger
}

// DefaultConfig returns a configuration with lwIP-like buffer sizes.
func DefaultConfig() Config {
	return Config{
		SndBuf: 16 * 1024,
		RcvWnd: 16 * 1024,
		MSS:    1460,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SndBuf <= 0 {
		c.SndBuf = d.SndBuf
	}
	if c.RcvWnd <= 0 {
		c.RcvWnd = d.RcvWnd
	}
	if c.MSS <= 0 {
		c.MSS = d.MSS
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
