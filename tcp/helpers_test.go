package tcp

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/janvanbouwel/libzt-node/bridge"
	"github.com/janvanbouwel/libzt-node/stack/loopback"
)

const waitFor = 5 * time.Second

func newTestBridge(t *testing.T, mod func(*loopback.Config), opts ...bridge.Option) (*bridge.Bridge, *loopback.Stack) {
	t.Helper()
	cfg := loopback.DefaultConfig()
	if mod != nil {
		mod(&cfg)
	}
	st := loopback.New(cfg)
	b := bridge.New(st, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-b.Loop().Done()
		_ = st.Close()
	})
	return b, st
}

func await[T any](t *testing.T, f *bridge.Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	return v
}

func awaitErr[T any](t *testing.T, f *bridge.Future[T]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := f.Await(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future never settled")
	}
	return err
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recorder collects socket events. With autoAck set it acknowledges data
// as it arrives, from the loop goroutine.
type recorder struct {
	events  chan Event
	autoAck *Socket
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 4096)}
}

func (r *recorder) handle(ev Event) {
	if r.autoAck != nil && ev.Type == EventData && !ev.End {
		_ = r.autoAck.Ack(len(ev.Data))
	}
	r.events <- ev
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

// expect skips sent events until an event of type typ arrives; any other
// event fails the test.
func (r *recorder) expect(t *testing.T, typ EventType) Event {
	t.Helper()
	for {
		ev := r.next(t)
		if ev.Type == typ {
			return ev
		}
		if ev.Type != EventSent {
			t.Fatalf("got %v event (err %v), want %v", ev.Type, ev.Err, typ)
		}
	}
}

// read collects n bytes of data.
func (r *recorder) read(t *testing.T, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		ev := r.expect(t, EventData)
		if ev.End {
			t.Fatalf("end of stream after %d of %d bytes", len(got), n)
		}
		got = append(got, ev.Data...)
	}
	return got
}

// waitSilent fails if an event other than sent arrives within d.
func (r *recorder) waitSilent(t *testing.T, d time.Duration) {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case ev := <-r.events:
			if ev.Type != EventSent {
				t.Fatalf("unexpected %v event", ev.Type)
			}
		case <-timer.C:
			return
		}
	}
}

// accepted hands accepted sockets to the test, each with a recorder.
type accepted struct {
	sock *Socket
	rec  *recorder
}

func acceptInto(ch chan accepted, autoAck bool) ConnectionHandler {
	return func(sock *Socket, err error) {
		if err != nil {
			return
		}
		rec := newRecorder()
		if autoAck {
			rec.autoAck = sock
		}
		sock.OnEvent(rec.handle)
		ch <- accepted{sock, rec}
	}
}

func listen(t *testing.T, b *bridge.Bridge, h ConnectionHandler, opts ...ServerOption) *Server {
	t.Helper()
	f, err := Listen(b, 0, "127.0.0.1", h, opts...)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return await(t, f)
}

func dial(t *testing.T, b *bridge.Bridge, port uint16) (*Socket, *recorder) {
	t.Helper()
	rec := newRecorder()
	sock := NewSocket(b, rec.handle)
	rec.autoAck = sock
	if err := sock.Connect(int(port), "127.0.0.1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sock, rec
}

func nextAccepted(t *testing.T, ch chan accepted) accepted {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
		return accepted{}
	}
}
