package bridge

import (
	"go.uber.org/zap"

	"github.com/janvanbouwel/libzt-node/errors"
	"github.com/janvanbouwel/libzt-node/stack"
)

// Proxy posts work to the engine goroutine.
type Proxy struct {
	st      stack.Stack
	log     *zap.Logger
	metrics *Metrics
}

// Post schedules work on the engine goroutine and returns immediately.
// Work runs in FIFO order with other posted jobs and engine callbacks. The
// only failure is a stopped engine, in which case work is dropped.
func (p *Proxy) Post(work func()) error {
	if err := p.st.Post(work); err != nil {
		p.metrics.jobDropped()
		p.log.Warn("engine job dropped", zap.Error(err))
		return errors.EngineDown("proxy.post", err)
	}
	p.metrics.jobPosted()
	return nil
}
