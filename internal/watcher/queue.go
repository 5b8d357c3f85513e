package watcher

import "sync"

type actionKind int

const (
	actionWatch actionKind = iota
	actionUnwatch
	actionStop
)

func (kind actionKind) String() string {
	switch kind {
	case actionWatch:
		return "watch"
	case actionUnwatch:
		return "unwatch"
	case actionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// action is a request for the registry. done, when set, is closed once the
// action has been applied or discarded.
type action struct {
	kind actionKind
	path string
	done chan struct{}
}

func (a action) finish() {
	if a.done != nil {
		close(a.done)
	}
}

// actionQueue is an unbounded FIFO. Senders never block.
type actionQueue struct {
	mu      sync.Mutex
	pending []action
	closed  bool
	wake    func()
}

func newActionQueue(wake func()) *actionQueue {
	return &actionQueue{wake: wake}
}

func (q *actionQueue) push(next action) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, next)
	// wake is only called while the queue is open.
	if q.wake != nil {
		q.wake()
	}
	return nil
}

func (q *actionQueue) drain() []action {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pending
	q.pending = nil
	return pending
}

// close rejects further pushes and returns whatever was still queued.
func (q *actionQueue) close() []action {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	return pending
}
