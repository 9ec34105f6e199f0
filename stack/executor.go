package stack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Executor is the single-goroutine job runner shared by the stacks. Jobs
// are appended under a mutex and drained by swapping the queue with a spare
// slice, so producers never wait on a running job.
type Executor struct {
	log *zap.Logger

	mu    sync.Mutex
	jobs  []func()
	spare []func()

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	inJob   atomic.Bool
	dropped atomic.Int64
}

// NewExecutor starts the engine goroutine.
func NewExecutor(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		log:  log,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// Post schedules job. It returns ErrEngineDown after Close.
func (e *Executor) Post(job func()) error {
	e.mu.Lock()
	if e.stopped.Load() {
		e.mu.Unlock()
		return ErrEngineDown
	}
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// OnEngine reports whether the caller is inside a job.
func (e *Executor) OnEngine() bool {
	return e.inJob.Load()
}

// MustEngine panics unless called from inside a job.
func (e *Executor) MustEngine(op string) {
	if !e.inJob.Load() {
		panic(fmt.Sprintf("stack: %s called off the engine goroutine", op))
	}
}

// Done is closed once the engine goroutine has exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Dropped returns how many queued jobs were discarded by Close.
func (e *Executor) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops the goroutine after the running job and waits for it.
// Jobs still queued are dropped. Close from inside a job does not wait.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.stopped.Swap(true) {
		e.mu.Unlock()
		if !e.inJob.Load() {
			<-e.done
		}
		return nil
	}
	e.mu.Unlock()
	close(e.stop)

	if e.inJob.Load() {
		return nil
	}
	<-e.done
	return nil
}

func (e *Executor) run() {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			e.mu.Lock()
			n := len(e.jobs)
			e.jobs = nil
			e.mu.Unlock()
			if n > 0 {
				e.dropped.Add(int64(n))
				e.log.Debug("engine stopped with queued jobs", zap.Int("dropped", n))
			}
			return
		case <-e.wake:
		}

		for {
			e.mu.Lock()
			jobs := e.jobs
			e.jobs = e.spare
			e.mu.Unlock()

			if len(jobs) == 0 {
				break
			}

			for i, job := range jobs {
				if e.stopped.Load() {
					e.dropped.Add(int64(len(jobs) - i))
					break
				}
				e.exec(job)
				jobs[i] = nil
			}

			e.mu.Lock()
			e.spare = jobs[:0]
			e.mu.Unlock()
		}
	}
}

func (e *Executor) exec(job func()) {
	e.inJob.Store(true)
	defer func() {
		e.inJob.Store(false)
		if r := recover(); r != nil {
			e.log.Error("engine job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	job()
}
