package bridge

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/errors"
)

// ChannelState is the liveness of a Channel.
type ChannelState uint8

const (
	// ChannelActive accepts new emitters.
	ChannelActive ChannelState = iota
	// ChannelDraining refuses new emitters; emitters already out may still send.
	ChannelDraining
	// ChannelReleased has no users left. Values already queued are delivered.
	ChannelReleased
	// ChannelAborted refuses every send; queued values go to the drop hook.
	ChannelAborted
)

func (s ChannelState) String() string {
	switch s {
	case ChannelActive:
		return "active"
	case ChannelDraining:
		return "draining"
	case ChannelReleased:
		return "released"
	case ChannelAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ChannelConfig configures a Channel.
type ChannelConfig[T any] struct {
	// Name identifies the channel in logs and errors.
	Name string

	// Handler receives each delivered value on the loop goroutine.
	Handler func(T)

	// Drop receives values that were accepted by Send but will never reach
	// Handler because the channel was aborted. Runs on the loop goroutine.
	Drop func(T)

	// Finalize runs once on the loop goroutine after the last value was
	// delivered or dropped.
	Finalize func()

	// Unref creates the channel without keeping the loop alive.
	Unref bool
}

// Channel carries values from any goroutine to the loop goroutine.
//
// The creator holds the owner reference and gives it up with Close. Other
// producers take an Emitter with Acquire and give it back with
// Emitter.Release. Once Close was called and every emitter released, the
// channel finalizes. Abort skips the wait and discards queued values
// through the drop hook.
//
// A value accepted by Send reaches exactly one of Handler or Drop. A value
// refused by Send stays with the caller.
type Channel[T any] struct {
	loop *Loop
	cfg  ChannelConfig[T]

	mu        sync.Mutex
	state     ChannelState
	users     int
	refd      bool
	finalized bool
}

// NewChannel creates an active channel on l.
func NewChannel[T any](l *Loop, cfg ChannelConfig[T]) *Channel[T] {
	c := &Channel[T]{
		loop:  l,
		cfg:   cfg,
		users: 1,
		refd:  !cfg.Unref,
	}
	if !l.register(c, c.refd) {
		c.state = ChannelAborted
		c.finalized = true
		c.refd = false
	}
	return c
}

// Name returns the configured name.
func (c *Channel[T]) Name() string {
	return c.cfg.Name
}

// State returns the current state.
func (c *Channel[T]) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Acquire takes a usage slot. It fails with ChannelUnavailable once
// teardown started.
func (c *Channel[T]) Acquire() (*Emitter[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelActive {
		return nil, errors.ChannelUnavailable(c.cfg.Name)
	}
	c.users++
	return &Emitter[T]{c: c}, nil
}

// Emit is Acquire, Send and Release in one call.
func (c *Channel[T]) Emit(v T) error {
	em, err := c.Acquire()
	if err != nil {
		return err
	}
	defer em.Release()
	return em.Send(v)
}

// Close gives up the owner reference. Repeated calls are no-ops.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChannelActive {
		return
	}
	c.state = ChannelDraining
	c.releaseLocked()
}

// Abort tears the channel down immediately. Values still queued are
// handed to the drop hook and later sends fail.
func (c *Channel[T]) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChannelAborted || c.finalized {
		return
	}
	c.state = ChannelAborted
	c.scheduleFinalizeLocked()
}

// Ref makes the channel keep the loop alive.
func (c *Channel[T]) Ref() {
	c.setRef(true)
}

// Unref stops the channel from keeping the loop alive. Delivery is
// unaffected.
func (c *Channel[T]) Unref() {
	c.setRef(false)
}

// Refed reports whether the channel keeps the loop alive.
func (c *Channel[T]) Refed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refd
}

func (c *Channel[T]) setRef(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized || c.refd == on {
		return
	}
	c.refd = on
	if on {
		c.loop.adjustKeep(1)
	} else {
		c.loop.adjustKeep(-1)
	}
}

func (c *Channel[T]) send(v T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChannelAborted || c.state == ChannelReleased {
		c.loop.metrics.sendFailed()
		return errors.ChannelUnavailable(c.cfg.Name)
	}
	if !c.loop.enqueue(func() { c.deliver(v) }) {
		c.loop.metrics.sendFailed()
		return errors.ChannelUnavailable(c.cfg.Name)
	}
	return nil
}

func (c *Channel[T]) deliver(v T) {
	c.mu.Lock()
	aborted := c.state == ChannelAborted
	c.mu.Unlock()

	if aborted {
		c.loop.metrics.eventDropped()
		if c.cfg.Drop != nil {
			c.cfg.Drop(v)
		}
		return
	}
	c.loop.metrics.eventDelivered()
	if c.cfg.Handler != nil {
		c.cfg.Handler(v)
	}
}

func (c *Channel[T]) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *Channel[T]) releaseLocked() {
	c.users--
	if c.users > 0 || c.state != ChannelDraining {
		return
	}
	c.state = ChannelReleased
	c.scheduleFinalizeLocked()
}

// scheduleFinalizeLocked queues finalization behind every value already
// queued. When the loop is stopping, its shutdown pass finalizes instead.
func (c *Channel[T]) scheduleFinalizeLocked() {
	if !c.loop.enqueue(c.finalize) {
		c.loop.log.Debug("finalize deferred to loop shutdown", zap.String("channel", c.cfg.Name))
	}
}

func (c *Channel[T]) finalize() {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	refd := c.refd
	c.refd = false
	c.mu.Unlock()

	c.loop.unregister(c, refd)
	if c.cfg.Finalize != nil {
		c.cfg.Finalize()
	}
}

func (c *Channel[T]) markAborted() {
	c.mu.Lock()
	c.state = ChannelAborted
	c.mu.Unlock()
}

// Emitter is a usage slot on a Channel. Release is idempotent; Send after
// Release fails.
type Emitter[T any] struct {
	c        *Channel[T]
	released atomic.Bool
}

// Send queues v for the loop goroutine.
func (e *Emitter[T]) Send(v T) error {
	if e.released.Load() {
		return errors.ChannelUnavailable(e.c.cfg.Name)
	}
	return e.c.send(v)
}

// Release gives the slot back.
func (e *Emitter[T]) Release() {
	if e.released.Swap(true) {
		return
	}
	e.c.release()
}
