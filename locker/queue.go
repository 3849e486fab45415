package locker

import "sync"

// Queue runs completion callbacks
type Queue interface {
	Dispatch(fn func())
}

// QueueFunc adapts a function to a Queue
type QueueFunc func(fn func())

func (f QueueFunc) Dispatch(fn func()) { f(fn) }

// SerialQueue runs callbacks one at a time, in dispatch order, on its own
// goroutine. Dispatch never blocks
type SerialQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewSerialQueue starts a queue
func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *SerialQueue) Dispatch(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
}

// Close runs what is already queued and stops the goroutine
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}
