package bridge

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/resource"
	"github.com/janvanbouwel/libzt-node/stack"
)

// Entity type tags in the registry.
const (
	TypeTCPSocket resource.TypeID = iota + 1
	TypeTCPServer
	TypeUDPSocket
)

// TypeName returns the label used for an entity type.
func TypeName(t resource.TypeID) string {
	switch t {
	case TypeTCPSocket:
		return "tcp_socket"
	case TypeTCPServer:
		return "tcp_server"
	case TypeUDPSocket:
		return "udp_socket"
	default:
		return "unknown"
	}
}

// Bridge ties an engine to a host loop. It owns the Proxy that reaches the
// engine goroutine, the Loop that consumes events, and the registry that
// engine callbacks use to find their entity.
type Bridge struct {
	stack    stack.Stack
	proxy    *Proxy
	loop     *Loop
	registry *resource.Table
	pool     *bufferPool
	log      *zap.Logger
	metrics  *Metrics
}

// New creates a bridge over st. The caller keeps ownership of st.
func New(st stack.Stack, opts ...Option) *Bridge {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registry == nil {
		o.registry = resource.NewTable()
	}
	if o.metrics != nil {
		o.registry.Subscribe(o.metrics)
	}

	return &Bridge{
		stack:    st,
		proxy:    &Proxy{st: st, log: o.logger.Named("proxy"), metrics: o.metrics},
		loop:     newLoop(o.logger.Named("loop"), o.metrics),
		registry: o.registry,
		pool:     newBufferPool(),
		log:      o.logger,
		metrics:  o.metrics,
	}
}

// Stack returns the engine.
func (b *Bridge) Stack() stack.Stack { return b.stack }

// Proxy returns the engine proxy.
func (b *Bridge) Proxy() *Proxy { return b.proxy }

// Loop returns the host loop.
func (b *Bridge) Loop() *Loop { return b.loop }

// Registry returns the entity table.
func (b *Bridge) Registry() *resource.Table { return b.registry }

// Logger returns the bridge logger.
func (b *Bridge) Logger() *zap.Logger { return b.log }

// Metrics returns the collectors, or nil.
func (b *Bridge) Metrics() *Metrics { return b.metrics }

// Post is shorthand for b.Proxy().Post.
func (b *Bridge) Post(work func()) error { return b.proxy.Post(work) }

// Run runs the loop until nothing keeps it alive or ctx ends.
func (b *Bridge) Run(ctx context.Context) error { return b.loop.Run(ctx) }

// Serve runs the loop until ctx ends.
func (b *Bridge) Serve(ctx context.Context) error { return b.loop.Serve(ctx) }

// Close drops every registered entity. Each entity aborts its channel and
// tears down its engine handle. The stack is left running.
func (b *Bridge) Close() error {
	return b.registry.Close()
}

// Lease copies data into a pooled buffer held until the lease is released.
func (b *Bridge) Lease(data []byte) *Lease {
	buf := b.pool.get(len(data))
	copy(buf, data)
	b.metrics.leaseTaken()
	return &Lease{
		data:    buf,
		release: func() { b.pool.put(buf) },
		metrics: b.metrics,
	}
}

// WrapLease leases data without copying. release runs on the first
// Release.
func (b *Bridge) WrapLease(data []byte, release func()) *Lease {
	b.metrics.leaseTaken()
	return &Lease{data: data, release: release, metrics: b.metrics}
}

// EntityLogger returns a fresh entity id and a logger tagged with it.
func (b *Bridge) EntityLogger(kind string) (string, *zap.Logger) {
	id := uuid.NewString()
	return id, b.log.Named(kind).With(zap.String("id", id))
}
