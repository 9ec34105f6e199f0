package bridge

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LoopState is the lifecycle of a Loop.
type LoopState uint32

const (
	LoopIdle LoopState = iota
	LoopRunning
	LoopStopping
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopRunning:
		return "running"
	case LoopStopping:
		return "stopping"
	case LoopStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrLoopStarted is returned when Run or Serve is called twice.
var ErrLoopStarted = stderrors.New("bridge: loop already started")

// loopChannel is the part of a Channel the Loop needs at shutdown.
type loopChannel interface {
	markAborted()
	finalize()
}

// Loop is the host side consumer. Every channel handler, drop hook,
// finalizer and operation continuation runs on the goroutine that called
// Run or Serve, in the order the values were sent.
//
// A Loop runs once. After it stops every channel is aborted and later
// sends fail.
type Loop struct {
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	queue    []func()
	spare    []func()
	keep     int
	channels map[loopChannel]struct{}
	state    LoopState

	wake   chan struct{}
	done   chan struct{}
	onLoop atomic.Bool
}

func newLoop(log *zap.Logger, m *Metrics) *Loop {
	return &Loop{
		log:      log,
		metrics:  m,
		channels: make(map[loopChannel]struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Run processes events until nothing keeps the loop alive: no ref'd
// channel and no pending operation. It returns ctx.Err() if ctx ends
// first.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, true)
}

// Serve processes events until ctx ends, regardless of liveness.
func (l *Loop) Serve(ctx context.Context) error {
	return l.run(ctx, false)
}

// Done is closed after the loop stopped and every channel was torn down.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// State returns the current lifecycle state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnLoop reports whether the caller is running a loop callback.
func (l *Loop) OnLoop() bool {
	return l.onLoop.Load()
}

// Refs returns how many channels currently keep the loop alive.
func (l *Loop) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keep
}

func (l *Loop) run(ctx context.Context, untilIdle bool) error {
	l.mu.Lock()
	if l.state != LoopIdle {
		l.mu.Unlock()
		return ErrLoopStarted
	}
	l.state = LoopRunning
	l.mu.Unlock()

	defer close(l.done)
	defer l.shutdown()

	for {
		l.drain()

		if untilIdle && l.idle() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0 && l.keep == 0
}

// drain runs queued callbacks until the queue is empty.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		jobs := l.queue
		l.queue = l.spare
		l.mu.Unlock()

		if len(jobs) == 0 {
			return
		}

		for i, fn := range jobs {
			l.exec(fn)
			jobs[i] = nil
		}

		l.mu.Lock()
		l.spare = jobs[:0]
		l.mu.Unlock()
	}
}

func (l *Loop) exec(fn func()) {
	l.onLoop.Store(true)
	defer func() {
		l.onLoop.Store(false)
		if r := recover(); r != nil {
			l.log.Error("loop callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// shutdown aborts every live channel and runs what is left in the queue,
// so drop hooks and finalizers still see each value exactly once.
func (l *Loop) shutdown() {
	l.mu.Lock()
	l.state = LoopStopping
	chans := make([]loopChannel, 0, len(l.channels))
	for c := range l.channels {
		chans = append(chans, c)
	}
	l.mu.Unlock()

	if len(chans) > 0 {
		l.log.Debug("loop stopping, aborting channels", zap.Int("channels", len(chans)))
	}
	for _, c := range chans {
		c.markAborted()
	}
	l.drain()
	for _, c := range chans {
		l.exec(c.finalize)
	}
	l.drain()

	l.mu.Lock()
	l.state = LoopStopped
	l.channels = nil
	l.mu.Unlock()
}

// enqueue appends fn to the queue. It reports false once the loop is
// stopping.
func (l *Loop) enqueue(fn func()) bool {
	l.mu.Lock()
	if l.state >= LoopStopping {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// register tracks c for shutdown. It reports false once the loop is
// stopping; such a channel starts aborted.
func (l *Loop) register(c loopChannel, refd bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state >= LoopStopping {
		return false
	}
	l.channels[c] = struct{}{}
	if refd {
		l.keep++
	}
	l.metrics.channelOpened()
	return true
}

func (l *Loop) unregister(c loopChannel, refd bool) {
	l.mu.Lock()
	if l.channels != nil {
		delete(l.channels, c)
	}
	if refd {
		l.keep--
	}
	l.mu.Unlock()
	l.metrics.channelClosed()
	l.signal()
}

func (l *Loop) adjustKeep(delta int) {
	l.mu.Lock()
	l.keep += delta
	l.mu.Unlock()
	l.signal()
}
