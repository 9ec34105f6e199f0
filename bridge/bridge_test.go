package bridge

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/janvanbouwel/libzt-node/errors"
	"github.com/janvanbouwel/libzt-node/stack"
	"github.com/janvanbouwel/libzt-node/stack/loopback"
)

const waitFor = 5 * time.Second

func newTestBridge(t *testing.T, opts ...Option) (*Bridge, *loopback.Stack) {
	t.Helper()
	st := loopback.New(loopback.DefaultConfig())
	b := New(st, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-b.Loop().Done()
		_ = st.Close()
	})
	return b, st
}

func awaitOK[T any](t *testing.T, f *Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	return v
}

func awaitErr[T any](t *testing.T, f *Future[T]) error {
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

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestChannel_OrderPerProducer(t *testing.T) {
	b, _ := newTestBridge(t)

	const producers, perProducer = 8, 500
	type msg struct{ producer, seq int }

	var mu sync.Mutex
	last := make(map[int]int)
	received := 0
	done := make(chan struct{})

	ch := NewChannel(b.Loop(), ChannelConfig[msg]{
		Name: "order",
		Handler: func(m msg) {
			if !b.Loop().OnLoop() {
				t.Error("handler off the loop goroutine")
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := last[m.producer]; ok && m.seq != prev+1 {
				t.Errorf("producer %d: seq %d after %d", m.producer, m.seq, prev)
			}
			last[m.producer] = m.seq
			received++
			if received == producers*perProducer {
				close(done)
			}
		},
	})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			em, err := ch.Acquire()
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			defer em.Release()
			r := rand.New(rand.NewSource(int64(p)))
			for i := 0; i < perProducer; i++ {
				if r.Intn(16) == 0 {
					time.Sleep(time.Microsecond)
				}
				if err := em.Send(msg{p, i}); err != nil {
					t.Errorf("Send: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	waitClosed(t, done, "all messages")
	ch.Close()
}

func TestChannel_FinalizeAfterLastRelease(t *testing.T) {
	b, _ := newTestBridge(t)

	finalized := make(chan struct{})
	var delivered atomic.Int32
	ch := NewChannel(b.Loop(), ChannelConfig[int]{
		Name:     "finalize",
		Handler:  func(int) { delivered.Add(1) },
		Finalize: func() { close(finalized) },
	})

	em, err := ch.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	ch.Close()
	ch.Close()

	if _, err := ch.Acquire(); !stderrors.Is(err, errors.ErrChannelUnavailable) {
		t.Fatalf("Acquire after Close = %v, want ChannelUnavailable", err)
	}
	if st := ch.State(); st != ChannelDraining {
		t.Fatalf("state = %v, want draining", st)
	}

	if err := em.Send(1); err != nil {
		t.Fatalf("Send while draining: %v", err)
	}
	em.Release()
	em.Release()

	waitClosed(t, finalized, "finalize")
	if delivered.Load() != 1 {
		t.Fatalf("delivered = %d, want 1", delivered.Load())
	}
	if err := em.Send(2); !stderrors.Is(err, errors.ErrChannelUnavailable) {
		t.Fatalf("Send after Release = %v", err)
	}
}

func TestChannel_AbortDropsQueued(t *testing.T) {
	st := loopback.New(loopback.DefaultConfig())
	defer st.Close()
	b := New(st)

	var handled, dropped atomic.Int32
	ch := NewChannel(b.Loop(), ChannelConfig[int]{
		Name:    "abort",
		Handler: func(int) { handled.Add(1) },
		Drop:    func(int) { dropped.Add(1) },
	})

	// loop not running yet, so these stay queued
	for i := 0; i < 5; i++ {
		if err := ch.Emit(i); err != nil {
			t.Fatal(err)
		}
	}
	ch.Abort()
	if err := ch.Emit(99); !stderrors.Is(err, errors.ErrChannelUnavailable) {
		t.Fatalf("Emit after Abort = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if handled.Load() != 0 || dropped.Load() != 5 {
		t.Fatalf("handled=%d dropped=%d, want 0 and 5", handled.Load(), dropped.Load())
	}
}

func TestLoop_RunReturnsWhenUnrefed(t *testing.T) {
	st := loopback.New(loopback.DefaultConfig())
	defer st.Close()
	b := New(st)

	ch := NewChannel(b.Loop(), ChannelConfig[int]{Name: "liveness"})
	if b.Loop().Refs() != 1 {
		t.Fatalf("Refs = %d, want 1", b.Loop().Refs())
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- b.Run(ctx) }()

	select {
	case err := <-ran:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ch.Unref()
	ch.Unref()
	select {
	case err := <-ran:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Unref")
	}

	if st := ch.State(); st != ChannelAborted {
		t.Fatalf("channel state after loop exit = %v, want aborted", st)
	}
	if err := ch.Emit(1); err == nil {
		t.Fatal("Emit after loop exit should fail")
	}
}

func TestLoop_RunTwice(t *testing.T) {
	st := loopback.New(loopback.DefaultConfig())
	defer st.Close()
	b := New(st)

	ctx := context.Background()
	if err := b.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Run(ctx); !stderrors.Is(err, ErrLoopStarted) {
		t.Fatalf("second Run = %v, want ErrLoopStarted", err)
	}
	if b.Loop().State() != LoopStopped {
		t.Fatalf("state = %v", b.Loop().State())
	}
}

func TestSubmit_Resolves(t *testing.T) {
	b, st := newTestBridge(t)

	var onEngine, thenOnLoop atomic.Bool
	f := Submit(b, Op[int]{
		Name: "test.answer",
		Engine: func() (int, error) {
			pcb, err := st.NewTCP()
			onEngine.Store(err == stack.ErrOK)
			if err == stack.ErrOK {
				pcb.Abort()
			}
			return 42, nil
		},
		Then: func(v int, err error) {
			thenOnLoop.Store(b.Loop().OnLoop() && v == 42 && err == nil)
		},
	})

	if v := awaitOK(t, f); v != 42 {
		t.Fatalf("got %d", v)
	}
	if !onEngine.Load() {
		t.Error("engine step did not run on the engine goroutine")
	}
	if !thenOnLoop.Load() {
		t.Error("continuation did not run on the loop before settling")
	}
}

func TestSubmit_EngineError(t *testing.T) {
	b, _ := newTestBridge(t)

	want := errors.Bind("test.bind", stack.ErrUse)
	f := Submit(b, Op[struct{}]{
		Name:   "test.bind",
		Engine: func() (struct{}, error) { return struct{}{}, want },
	})
	err := awaitErr(t, f)
	if !stderrors.Is(err, errors.ErrBind) {
		t.Fatalf("err = %v, want bind error", err)
	}
	if code, _ := errors.CodeOf(err); code != int(stack.ErrUse) {
		t.Fatalf("code = %d", code)
	}
}

func TestSubmit_EngineDown(t *testing.T) {
	b, st := newTestBridge(t)
	_ = st.Close()

	var settled atomic.Int32
	f := Submit(b, Op[int]{
		Name:    "test.down",
		Engine:  func() (int, error) { return 1, nil },
		Settled: func() { settled.Add(1) },
	})
	if err := awaitErr(t, f); !stderrors.Is(err, errors.ErrEngineDown) {
		t.Fatalf("err = %v, want EngineDown", err)
	}
	if settled.Load() != 1 {
		t.Fatalf("Settled ran %d times", settled.Load())
	}
}

func TestSubmit_LoopGoneRunsUndo(t *testing.T) {
	st := loopback.New(loopback.DefaultConfig())
	defer st.Close()
	b := New(st)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Serve(ctx) }()

	gate := make(chan struct{})
	undone := make(chan int, 1)
	f := Submit(b, Op[int]{
		Name: "test.undo",
		Engine: func() (int, error) {
			<-gate
			return 7, nil
		},
		Undo: func(v int) { undone <- v },
	})

	cancel()
	waitClosed(t, b.Loop().Done(), "loop exit")
	close(gate)

	if err := awaitErr(t, f); !stderrors.Is(err, errors.ErrChannelUnavailable) {
		t.Fatalf("err = %v, want ChannelUnavailable", err)
	}
	select {
	case v := <-undone:
		if v != 7 {
			t.Fatalf("Undo got %d", v)
		}
	case <-time.After(waitFor):
		t.Fatal("Undo never ran")
	}

	late := Submit(b, Op[int]{Name: "test.late", Engine: func() (int, error) { return 0, nil }})
	if err := awaitErr(t, late); !stderrors.Is(err, errors.ErrChannelUnavailable) {
		t.Fatalf("submit after loop exit = %v", err)
	}
}

func TestLease_ReleasedOnceAfterEngine(t *testing.T) {
	b, _ := newTestBridge(t)

	src := []byte("payload")
	lease := b.Lease(src)
	src[0] = 'X'

	var seen atomic.Value
	var releasedDuringEngine atomic.Bool
	settled := make(chan struct{})
	f := Submit(b, Op[int]{
		Name: "test.lease",
		Engine: func() (int, error) {
			releasedDuringEngine.Store(lease.Released())
			seen.Store(string(lease.Bytes()))
			return lease.Len(), nil
		},
		Settled: func() {
			if !lease.Release() {
				t.Error("first Release reported false")
			}
			close(settled)
		},
	})

	if n := awaitOK(t, f); n != len("payload") {
		t.Fatalf("n = %d", n)
	}
	waitClosed(t, settled, "settled hook")
	if releasedDuringEngine.Load() {
		t.Error("lease released before the engine step")
	}
	if got := seen.Load().(string); got != "payload" {
		t.Errorf("engine saw %q, lease did not copy", got)
	}
	if lease.Release() {
		t.Error("second Release reported true")
	}
	if lease.Bytes() != nil {
		t.Error("Bytes not nil after release")
	}
}

func TestFuture_AwaitContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if f.Ready() {
		t.Fatal("unsettled future reports ready")
	}

	r := Resolved(3)
	if v, err := r.Await(context.Background()); v != 3 || err != nil {
		t.Fatalf("Resolved = %d, %v", v, err)
	}
	e := Rejected[int](errors.SocketClosed("x"))
	if _, err := e.Await(context.Background()); !stderrors.Is(err, errors.ErrSocketClosed) {
		t.Fatalf("Rejected = %v", err)
	}
}

func TestBufferPool(t *testing.T) {
	p := newBufferPool()

	tests := []struct {
		n      int
		pooled bool
	}{
		{0, true},
		{100, true},
		{2048, true},
		{40000, true},
		{70000, false},
	}

	for _, tt := range tests {
		buf := p.get(tt.n)
		if len(buf) != tt.n {
			t.Errorf("get(%d) len = %d", tt.n, len(buf))
		}
		p.put(buf)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegisterer(reg), WithNamespace("test"))
	b, _ := newTestBridge(t, WithMetrics(m))

	awaitOK(t, Submit(b, Op[int]{Name: "test.metrics", Engine: func() (int, error) { return 1, nil }}))
	h := b.Registry().Insert(TypeTCPSocket, "entity")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"test_bridge_engine_jobs_posted_total",
		"test_bridge_events_delivered_total",
		"test_bridge_entities",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
	b.Registry().Remove(h)
}
