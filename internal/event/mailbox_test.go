package event

import (
	"testing"
	"time"
)

func TestMailboxDrainsInOrderAfterFinish(t *testing.T) {
	box := newMailbox[int]()
	out := make(chan int)
	for i := 0; i < 1000; i++ {
		box.push(i)
	}
	box.finish()
	box.push(1000)
	go box.pump(out)

	next := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case value, ok := <-out:
			if !ok {
				if next != 1000 {
					t.Fatalf("expected 1000 values, got %d", next)
				}
				return
			}
			if value != next {
				t.Fatalf("expected %d, got %d", next, value)
			}
			next++
		case <-timeout:
			t.Fatalf("timed out after %d values", next)
		}
	}
}

func TestMailboxAbortStopsWithoutDraining(t *testing.T) {
	box := newMailbox[string]()
	out := make(chan string)
	box.push("queued")
	box.abort()
	box.pump(out)

	if _, ok := <-out; ok {
		t.Fatal("expected closed channel after abort")
	}
}
