package event

import (
	"sync"
	"testing"
	"time"
)

// Recorder is a Publish target that stores everything it receives.
type Recorder[T any] struct {
	mu     sync.Mutex
	events []T
	notify chan struct{}
}

func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{notify: make(chan struct{}, 1)}
}

func (recorder *Recorder[T]) Publish(event T) {
	if recorder == nil {
		return
	}
	recorder.mu.Lock()
	recorder.events = append(recorder.events, event)
	recorder.mu.Unlock()
	select {
	case recorder.notify <- struct{}{}:
	default:
	}
}

func (recorder *Recorder[T]) Events() []T {
	if recorder == nil {
		return nil
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	copyEvents := make([]T, len(recorder.events))
	copy(copyEvents, recorder.events)
	return copyEvents
}

// WaitFor blocks until match returns true for the recorded events or the
// timeout expires.
func (recorder *Recorder[T]) WaitFor(timeout time.Duration, match func([]T) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if match(recorder.Events()) {
			return true
		}
		select {
		case <-recorder.notify:
		case <-deadline.C:
			return match(recorder.Events())
		}
	}
}

// ReceiveWithTimeout waits for a single event or fails the test.
func ReceiveWithTimeout[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}

// ExpectNone fails the test if anything arrives on ch within wait.
func ExpectNone[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case event, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %#v", event)
		}
	case <-time.After(wait):
	}
}
