package event

import (
	"sync"

	"github.com/eapache/queue/v2"
)

// mailbox is an unbounded FIFO feeding one subscriber channel.
type mailbox[T any] struct {
	mu       sync.Mutex
	queue    *queue.Queue[T]
	closing  bool
	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		queue: queue.New[T](),
		ready: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

func (m *mailbox[T]) push(value T) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.queue.Add(value)
	m.mu.Unlock()
	m.signal()
}

// finish lets the pump drain what is queued, then close the channel.
func (m *mailbox[T]) finish() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.signal()
}

// abort stops the pump without draining.
func (m *mailbox[T]) abort() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) pump(out chan<- T) {
	defer close(out)
	for {
		m.mu.Lock()
		if m.queue.Length() == 0 {
			closing := m.closing
			m.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-m.ready:
				continue
			case <-m.stop:
				return
			}
		}
		next := m.queue.Remove()
		m.mu.Unlock()

		select {
		case out <- next:
		case <-m.stop:
			return
		}
	}
}
