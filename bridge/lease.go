package bridge

import (
	"sync"
	"sync/atomic"
)

// Lease keeps a byte slice valid for an engine operation. Release runs the
// release callback exactly once; Bytes returns nil afterwards.
type Lease struct {
	data     []byte
	release  func()
	released atomic.Bool
	metrics  *Metrics
}

// NewLease wraps data. release, if non-nil, runs on the first Release.
func NewLease(data []byte, release func()) *Lease {
	return &Lease{data: data, release: release}
}

// Bytes returns the leased bytes, or nil once released.
func (l *Lease) Bytes() []byte {
	if l.released.Load() {
		return nil
	}
	return l.data
}

// Len returns the leased length.
func (l *Lease) Len() int {
	return len(l.data)
}

// Released reports whether Release was called.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// Release gives the bytes back. It reports false on a repeated call.
func (l *Lease) Release() bool {
	if l.released.Swap(true) {
		return false
	}
	if l.release != nil {
		l.release()
	}
	l.metrics.leaseReleased()
	return true
}

// bufferPool hands out byte slices from size buckets.
type bufferPool struct {
	buckets []poolBucket
}

type poolBucket struct {
	size int
	pool sync.Pool
}

var leaseBucketSizes = []int{2048, 8192, 32768, 65536}

func newBufferPool() *bufferPool {
	p := &bufferPool{buckets: make([]poolBucket, len(leaseBucketSizes))}
	for i, sz := range leaseBucketSizes {
		p.buckets[i].size = sz
		p.buckets[i].pool.New = func() any {
			b := make([]byte, sz)
			return &b
		}
	}
	return p
}

// get returns a slice of length n. Oversized requests are not pooled.
func (p *bufferPool) get(n int) []byte {
	for i := range p.buckets {
		if n <= p.buckets[i].size {
			b := p.buckets[i].pool.Get().(*[]byte)
			return (*b)[:n]
		}
	}
	return make([]byte, n)
}

func (p *bufferPool) put(b []byte) {
	c := cap(b)
	for i := range p.buckets {
		if c == p.buckets[i].size {
			b = b[:c]
			p.buckets[i].pool.Put(&b)
			return
		}
	}
}
