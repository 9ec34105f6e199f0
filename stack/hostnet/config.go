package hostnet

import (
	"time"

	"go.uber.org/zap"
)

// Config sizes per-connection buffers and bounds blocking socket calls.
type Config struct {
	// SndBuf is the per-connection send buffer in bytes.
	SndBuf int

	// RcvWnd is the per-connection receive window in bytes.
	RcvWnd int

	// ReadSize caps a single read from the kernel.
	ReadSize int

	// DialTimeout bounds an outgoing connection attempt.
	DialTimeout time.Duration

	// Linger is how long a closed connection waits for the peer's FIN
	// before it is torn down.
	Linger time.Duration

	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		SndBuf:      64 * 1024,
		RcvWnd:      64 * 1024,
		ReadSize:    16 * 1024,
		DialTimeout: 10 * time.Second,
		Linger:      5 * time.Second,
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
	if c.ReadSize <= 0 {
		c.ReadSize = d.ReadSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Linger <= 0 {
		c.Linger = d.Linger
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
