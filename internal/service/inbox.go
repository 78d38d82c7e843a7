package service

import "sync"

// inbox is an unbounded FIFO of work posted by platform callbacks. Posting
// never blocks, so a callback fired from inside a platform operation the run
// loop is waiting on cannot deadlock the loop.
type inbox struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) post(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far
func (q *inbox) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
