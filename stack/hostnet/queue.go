package hostnet

import "sync"

// window is the receive credit shared by the engine, which grants it, and
// the reader goroutine, which spends it.
type window struct {
	mu       sync.Mutex
	cond     *sync.Cond
	credit   int
	limit    int
	draining bool
	closed   bool
}

func newWindow(n int) *window {
	w := &window{credit: n, limit: n}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// take blocks until credit is available and claims up to want bytes. It
// reports false once the window is closed.
func (w *window) take(want int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.credit == 0 && !w.draining && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return 0, false
	}
	if w.draining {
		return want, true
	}
	n := min(want, w.credit)
	w.credit -= n
	return n, true
}

func (w *window) give(n int) {
	w.mu.Lock()
	w.credit = min(w.credit+n, w.limit)
	w.mu.Unlock()
	w.cond.Signal()
}

// drain lifts flow control; reads are discarded from here on.
func (w *window) drain() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *window) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

// sendQueue feeds the writer goroutine. The FIN is handed out only after
// every chunk queued before it.
type sendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	fin    bool
	closed bool
}

func newSendQueue() *sendQueue {
	q := &sendQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *sendQueue) push(b []byte) {
	q.mu.Lock()
	q.chunks = append(q.chunks, b)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *sendQueue) finish() {
	q.mu.Lock()
	q.fin = true
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.chunks = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *sendQueue) next() (chunk []byte, fin, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.chunks) == 0 && !q.fin && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false, false
	}
	if len(q.chunks) > 0 {
		chunk = q.chunks[0]
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		return chunk, false, true
	}
	return nil, true, true
}
