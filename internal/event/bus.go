package event

import (
	"context"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"changewatch/internal/metrics"
)

// BusOptions configures a Bus. The zero value gives unbounded subscribers.
type BusOptions struct {
	Name string
	// SubscriberBufferSize > 0 switches subscribers to a fixed channel that
	// drops events when full. Zero means an unbounded mailbox per subscriber.
	SubscriberBufferSize int
	MaxSubscribers       int
	Registry             *metrics.Registry
}

// Bus is a multi-producer, multi-consumer broadcast channel.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	registry    *metrics.Registry
	published   atomic.Int64
	dropped     atomic.Int64
}

type typedEvent interface {
	Type() string
}

type subscription[T any] struct {
	id      uint64
	ch      chan T
	filter  func(T) bool
	mailbox *mailbox[T]
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		registry:    opts.Registry,
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		return closedChannel[T](), func() {}
	}

	id := atomic.AddUint64(&b.nextSubID, 1)
	sub := subscription[T]{id: id, filter: filter}
	if b.options.SubscriberBufferSize > 0 {
		sub.ch = make(chan T, b.options.SubscriberBufferSize)
	} else {
		sub.ch = make(chan T)
		sub.mailbox = newMailbox[T]()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return closedChannel[T](), func() {}
	}
	if b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers {
		b.mu.Unlock()
		return closedChannel[T](), func() {}
	}
	b.subscribers[id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	if sub.mailbox != nil {
		go sub.mailbox.pump(sub.ch)
	}
	b.registry.SetSubscriberCount(b.busName(), count)

	return sub.ch, func() {
		b.removeSubscriber(id)
	}
}

// Publish fans event out to every subscriber. It never blocks on a slow
// subscriber.
func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	eventType := b.eventType(event)
	b.published.Add(1)
	b.registry.IncEventPublished(b.busName(), eventType)
	if debugEventsEnabled {
		log.Printf("event bus %s: event %s", b.busName(), eventType)
	}

	for _, sub := range subscribers {
		if !b.filterAllows(sub, event) {
			continue
		}
		if sub.mailbox != nil {
			sub.mailbox.push(event)
			continue
		}
		if !b.safeSend(sub, event) {
			b.dropped.Add(1)
			b.registry.IncEventDropped(b.busName(), eventType)
		}
	}
}

// Close stops accepting events. Unbounded subscribers still receive what was
// queued before Close; their channels close once drained.
func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			if sub.mailbox != nil {
				sub.mailbox.finish()
				continue
			}
			close(sub.ch)
		}
		b.registry.SetSubscriberCount(b.busName(), 0)
	})
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped reports how many deliveries bounded subscribers lost.
func (b *Bus[T]) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus[T]) safeSend(sub subscription[T], event T) (delivered bool) {
	defer func() {
		if recover() != nil {
			b.removeSubscriber(sub.id)
			delivered = false
		}
	}()
	select {
	case sub.ch <- event:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return
	}
	if existing.mailbox != nil {
		existing.mailbox.abort()
	} else {
		close(existing.ch)
	}
	b.registry.SetSubscriberCount(b.busName(), count)
}

func (b *Bus[T]) filterAllows(sub subscription[T], event T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			log.Printf("event bus %s: subscriber filter panicked", b.busName())
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(event)
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func (b *Bus[T]) eventType(event T) string {
	typed, ok := any(event).(typedEvent)
	if !ok {
		return "unknown"
	}
	value := typed.Type()
	if value == "" {
		return "unknown"
	}
	return value
}

func closedChannel[T any]() chan T {
	ch := make(chan T)
	close(ch)
	return ch
}

var debugEventsEnabled = isEventDebugEnabled()

func isEventDebugEnabled() bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv("CHANGEWATCH_EVENT_DEBUG")))
	switch value {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
