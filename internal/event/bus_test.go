package event

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"changewatch/internal/metrics"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(42)
	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusUnboundedSubscriberKeepsEveryEventInOrder(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, cancel := bus.Subscribe()
	defer cancel()

	const total = 5000
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			bus.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}

	for i := 0; i < total; i++ {
		got := ReceiveWithTimeout(t, ch, time.Second)
		if got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
	if bus.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", bus.Dropped())
	}
}

func TestBusCloseDrainsUnboundedSubscribers(t *testing.T) {
	bus := NewBus[string](context.Background(), BusOptions{})
	ch, _ := bus.Subscribe()

	bus.Publish("first")
	bus.Publish("second")
	bus.Close()
	bus.Publish("late")

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != "first" {
		t.Fatalf("expected first, got %q", got)
	}
	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != "second" {
		t.Fatalf("expected second, got %q", got)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after drain")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusBoundedSubscriberDropsWhenFull(t *testing.T) {
	registry := &metrics.Registry{}
	bus := NewBus[string](context.Background(), BusOptions{
		Name:                 "drop",
		SubscriberBufferSize: 1,
		Registry:             registry,
	})
	t.Cleanup(bus.Close)

	ch, _ := bus.Subscribe()
	bus.Publish("first")
	bus.Publish("second")

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != "first" {
		t.Fatalf("expected first event, got %q", got)
	}
	ExpectNone(t, ch, 50*time.Millisecond)

	var output bytes.Buffer
	if err := registry.WritePrometheus(&output); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	body := output.String()
	if !strings.Contains(body, `changewatch_events_published_total{bus="drop",type="unknown"} 2`) {
		t.Fatalf("expected published metrics, got %q", body)
	}
	if !strings.Contains(body, `changewatch_events_dropped_total{bus="drop",type="unknown"} 1`) {
		t.Fatalf("expected dropped metrics, got %q", body)
	}
}

func TestBusSubscribeFiltered(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, _ := bus.SubscribeFiltered(func(value int) bool {
		return value%2 == 0
	})

	bus.Publish(1)
	bus.Publish(2)

	if got := ReceiveWithTimeout(t, ch, 100*time.Millisecond); got != 2 {
		t.Fatalf("expected filtered event 2, got %d", got)
	}
	ExpectNone(t, ch, 50*time.Millisecond)
}

func TestBusMetricsEventType(t *testing.T) {
	registry := &metrics.Registry{}
	bus := NewBus[sampleEvent](context.Background(), BusOptions{
		Name:     "typed",
		Registry: registry,
	})
	t.Cleanup(bus.Close)

	bus.Publish(sampleEvent{kind: "alpha"})

	var output bytes.Buffer
	if err := registry.WritePrometheus(&output); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	if !strings.Contains(output.String(), `changewatch_events_published_total{bus="typed",type="alpha"} 1`) {
		t.Fatalf("expected typed metrics, got %q", output.String())
	}
}

func TestBusContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewBus[int](ctx, BusOptions{})

	ch, _ := bus.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after context cancel")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestBusConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus[int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(value int) {
			defer wg.Done()
			ch, cancel := bus.Subscribe()
			defer cancel()
			bus.Publish(value)
			deadline := time.After(time.Second)
			for {
				select {
				case got := <-ch:
					if got == value {
						return
					}
				case <-deadline:
					t.Errorf("timeout waiting for event %d", value)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestBusNilEventIgnored(t *testing.T) {
	bus := NewBus[*int](context.Background(), BusOptions{})
	t.Cleanup(bus.Close)

	ch, _ := bus.Subscribe()
	bus.Publish((*int)(nil))
	ExpectNone(t, ch, 50*time.Millisecond)
}

func TestRecorderWaitFor(t *testing.T) {
	recorder := NewRecorder[int]()
	go func() {
		recorder.Publish(1)
		recorder.Publish(2)
	}()

	ok := recorder.WaitFor(time.Second, func(events []int) bool {
		return len(events) == 2
	})
	if !ok {
		t.Fatalf("expected two events, got %v", recorder.Events())
	}
}

type sampleEvent struct {
	kind string
}

func (s sampleEvent) Type() string {
	return s.kind
}
