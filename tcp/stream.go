package tcp

import (
	"context"
	"io"
	"sync"

	"github.com/janvanbouwel/libzt-node/bridge"
	"github.com/janvanbouwel/libzt-node/errors"
)

// maxStreamChunk bounds a single Send so its lease comes from the pool.
const maxStreamChunk = 64 << 10

// Stream is a blocking io.ReadWriteCloser over a Socket. Read acknowledges
// what it consumed, so the peer can send more. Write retries the unsent
// remainder once the peer acknowledged data.
//
// Stream methods block and must not be called from the loop goroutine.
type Stream struct {
	sock *Socket

	mu   sync.Mutex
	buf  []byte
	eof  bool
	err  error
	once sync.Once

	connected chan struct{}
	connErr   chan error
	readable  chan struct{}
	sent      chan struct{}
	done      chan struct{}
}

var _ io.ReadWriteCloser = (*Stream)(nil)

func newStream() *Stream {
	return &Stream{
		connected: make(chan struct{}),
		connErr:   make(chan error, 1),
		readable:  make(chan struct{}, 1),
		sent:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// NewStream takes over the event handler of an accepted socket. Call it
// from the connection handler, before any event could be delivered.
func NewStream(sock *Socket) *Stream {
	st := newStream()
	st.sock = sock
	close(st.connected)
	sock.OnEvent(st.handle)
	return st
}

// DialStream connects a new socket and waits for the connection.
func DialStream(ctx context.Context, b *bridge.Bridge, port int, address string) (*Stream, error) {
	st := newStream()
	st.sock = NewSocket(b, st.handle)
	if err := st.sock.Connect(port, address); err != nil {
		st.sock.Close()
		return nil, err
	}
	select {
	case <-st.connected:
		return st, nil
	case err := <-st.connErr:
		st.sock.Close()
		return nil, err
	case <-st.done:
		return nil, st.failure()
	case <-ctx.Done():
		st.sock.Close()
		return nil, ctx.Err()
	}
}

// Socket returns the underlying socket.
func (st *Stream) Socket() *Socket { return st.sock }

func (st *Stream) handle(ev Event) {
	switch ev.Type {
	case EventConnect:
		close(st.connected)
	case EventConnectError:
		select {
		case st.connErr <- ev.Err:
		default:
		}
	case EventData:
		st.mu.Lock()
		if ev.End {
			st.eof = true
		} else {
			st.buf = append(st.buf, ev.Data...)
		}
		st.mu.Unlock()
		notify(st.readable)
	case EventSent:
		notify(st.sent)
	case EventError:
		st.end(ev.Err)
	case EventClose:
		st.end(nil)
	}
}

func (st *Stream) end(err error) {
	st.mu.Lock()
	st.eof = true
	if st.err == nil {
		st.err = err
	}
	st.mu.Unlock()
	st.once.Do(func() { close(st.done) })
	notify(st.readable)
}

func (st *Stream) failure() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.err != nil {
		return st.err
	}
	return errors.SocketClosed("tcp.stream")
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Read reads received data. It returns io.EOF after the peer closed its
// side and every byte was read.
func (st *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		st.mu.Lock()
		if len(st.buf) > 0 {
			n := copy(p, st.buf)
			st.buf = st.buf[n:]
			st.mu.Unlock()
			// a closed socket has nothing left to acknowledge
			_ = st.sock.Ack(n)
			return n, nil
		}
		if st.err != nil {
			err := st.err
			st.mu.Unlock()
			return 0, err
		}
		if st.eof {
			st.mu.Unlock()
			return 0, io.EOF
		}
		st.mu.Unlock()
		<-st.readable
	}
}

// Write sends p, waiting for send window space as needed.
func (st *Stream) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		acked := st.sock.Stats().BytesAcked
		chunk := p[total:min(len(p), total+maxStreamChunk)]
		f, err := st.sock.Send(chunk)
		if err != nil {
			return total, err
		}
		n, err := f.Await(context.Background())
		total += n
		if err != nil {
			return total, err
		}
		if n == len(chunk) || st.sock.Stats().BytesAcked != acked {
			continue
		}
		select {
		case <-st.sent:
		case <-st.done:
			return total, st.failure()
		}
	}
	return total, nil
}

// CloseWrite shuts down the sending side.
func (st *Stream) CloseWrite() error {
	return st.sock.ShutdownWrite()
}

// Close closes the socket and waits for the engine to take the close.
func (st *Stream) Close() error {
	_, err := st.sock.Close().Await(context.Background())
	return err
}
