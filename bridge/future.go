package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/errors"
)

// Future is the result of a one-shot operation. It settles exactly once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.settle(v, nil)
	return f
}

// Rejected returns a future already settled with err.
func Rejected[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.settle(zero, err)
	return f
}

// settle reports whether this call was the one that settled f.
func (f *Future[T]) settle(v T, err error) bool {
	first := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		first = true
	})
	return first
}

// Done is closed once the future settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future settled.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future settles or ctx ends. Calling Await from a
// loop callback deadlocks, since the loop settles the future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Op describes a pending operation: work on the engine goroutine whose
// result travels back to the loop goroutine.
type Op[T any] struct {
	// Name identifies the operation in logs and errors, e.g. "tcp.listen".
	Name string

	// Engine runs on the engine goroutine.
	Engine func() (T, error)

	// Then runs on the loop goroutine with Engine's result, before the
	// future settles.
	Then func(T, error)

	// Undo runs on the engine goroutine when Engine succeeded but its
	// result could not be delivered, so engine resources it created are
	// not leaked.
	Undo func(T)

	// Settled runs exactly once, right before the future settles, by any
	// path. It runs on the loop goroutine, except when the operation never
	// reached the engine; then it runs on the calling goroutine.
	Settled func()
}

type opResult[T any] struct {
	val T
	err error
}

// Submit posts op to the engine and returns its future. The future is
// rejected with ChannelUnavailable when the loop is gone, and with
// EngineDown when the engine refused the job.
func Submit[T any](b *Bridge, op Op[T]) *Future[T] {
	f := newFuture[T]()
	var zero T
	var settledOnce sync.Once

	b.metrics.opStarted()
	settle := func(v T, err error) {
		if op.Settled != nil {
			settledOnce.Do(op.Settled)
		}
		if f.settle(v, err) {
			b.metrics.opFinished()
		}
	}

	ch := NewChannel(b.loop, ChannelConfig[opResult[T]]{
		Name: op.Name,
		Handler: func(r opResult[T]) {
			if op.Then != nil {
				op.Then(r.val, r.err)
			}
			settle(r.val, r.err)
		},
		Drop: func(r opResult[T]) {
			if r.err == nil && op.Undo != nil {
				if err := b.proxy.Post(func() { op.Undo(r.val) }); err != nil {
					b.log.Warn("undo not posted", zap.String("op", op.Name), zap.Error(err))
				}
			}
			settle(zero, errors.ChannelUnavailable(op.Name))
		},
		Finalize: func() {
			settle(zero, errors.ChannelUnavailable(op.Name))
		},
	})

	em, err := ch.Acquire()
	if err != nil {
		settle(zero, err)
		return f
	}
	ch.Close()

	if err := b.proxy.Post(func() {
		v, e := op.Engine()
		if serr := em.Send(opResult[T]{val: v, err: e}); serr != nil {
			b.log.Debug("operation result not delivered", zap.String("op", op.Name), zap.Error(serr))
			if e == nil && op.Undo != nil {
				op.Undo(v)
			}
		}
		em.Release()
	}); err != nil {
		settle(zero, err)
		em.Release()
	}
	return f
}
