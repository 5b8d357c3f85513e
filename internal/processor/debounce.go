package processor

import (
	"sort"
	"sync/atomic"
	"time"

	"changewatch/internal/pipeline"
	"changewatch/internal/watcher"
)

const (
	DebounceName    = "debounce"
	DefaultDebounce = 100 * time.Millisecond
)

type debounceEntry struct {
	timer      *time.Timer
	event      watcher.Event
	generation uint64
}

// dueTick names the entry a timer fired for. A tick whose generation no
// longer matches the entry is stale.
type dueTick struct {
	path       string
	generation uint64
}

// debouncer is owned by one stage goroutine. Timers only report which path
// is due; the owner pops and publishes.
type debouncer struct {
	duration time.Duration
	entries  map[string]debounceEntry
	next     uint64
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]debounceEntry),
	}
}

// schedule merges change into the pending entry for its path and reports
// whether an earlier event was coalesced into it. Every call restarts the
// window with a fresh timer.
func (debouncer *debouncer) schedule(change watcher.Event, due func(dueTick)) bool {
	path := change.Path
	entry, coalesced := debouncer.entries[path]
	if coalesced {
		change.Op |= entry.event.Op
		entry.timer.Stop()
	}
	debouncer.next++
	tick := dueTick{path: path, generation: debouncer.next}
	entry.generation = tick.generation
	entry.timer = time.AfterFunc(debouncer.duration, func() {
		due(tick)
	})
	entry.event = change
	debouncer.entries[path] = entry
	return coalesced
}

// popDue pops the entry tick fired for, ignoring ticks from a timer that
// was replaced after it fired.
func (debouncer *debouncer) popDue(tick dueTick) (watcher.Event, bool) {
	entry, ok := debouncer.entries[tick.path]
	if !ok || entry.generation != tick.generation {
		return watcher.Event{}, false
	}
	return debouncer.pop(tick.path)
}

func (debouncer *debouncer) pop(path string) (watcher.Event, bool) {
	entry, ok := debouncer.entries[path]
	if !ok {
		return watcher.Event{}, false
	}
	entry.timer.Stop()
	delete(debouncer.entries, path)
	return entry.event, true
}

// drain returns every pending event in path order and stops their timers.
func (debouncer *debouncer) drain() []watcher.Event {
	paths := make([]string, 0, len(debouncer.entries))
	for path := range debouncer.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	events := make([]watcher.Event, 0, len(paths))
	for _, path := range paths {
		change, _ := debouncer.pop(path)
		events = append(events, change)
	}
	return events
}

func (debouncer *debouncer) stop() {
	for _, entry := range debouncer.entries {
		entry.timer.Stop()
	}
	debouncer.entries = make(map[string]debounceEntry)
}

// Debounce coalesces bursts of changes per path. The emitted event is the
// latest one with the union of every Op seen in the window. Error events
// pass straight through.
type Debounce struct {
	*pipeline.Runner
	out       pipeline.EventSink
	window    time.Duration
	coalesced atomic.Int64
}

func DebounceDescriptor(window time.Duration) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:     DebounceName,
		Provides: []pipeline.Capability{pipeline.CapabilityCoalesce},
		New: func(in pipeline.EventSource, out pipeline.EventSink, _ pipeline.InstructionSink) (pipeline.Processor, error) {
			return NewDebounce(in, out, window), nil
		},
	}
}

func NewDebounce(in pipeline.EventSource, out pipeline.EventSink, window time.Duration) *Debounce {
	if window <= 0 {
		window = DefaultDebounce
	}
	stage := &Debounce{out: out, window: window}
	stage.Runner = pipeline.NewRunner(in, stage.loop)
	return stage
}

// Coalesced counts events merged into an earlier pending one.
func (d *Debounce) Coalesced() int64 {
	return d.coalesced.Load()
}

func (d *Debounce) UpdateWatches([]string) error {
	return d.CheckSpawned()
}

func (d *Debounce) loop(dying <-chan struct{}, events <-chan watcher.Event) error {
	pending := newDebouncer(d.window)
	defer pending.stop()

	dueCh := make(chan dueTick, 64)
	due := func(tick dueTick) {
		select {
		case dueCh <- tick:
		case <-dying:
		}
	}

	for {
		select {
		case <-dying:
			return nil
		case change, ok := <-events:
			if !ok {
				// Upstream is gone; nothing more can join the window.
				for _, flushed := range pending.drain() {
					d.out.Publish(flushed)
				}
				return nil
			}
			if change.Err != nil || change.Path == "" {
				d.out.Publish(change)
				continue
			}
			if pending.schedule(change, due) {
				d.coalesced.Add(1)
			}
		case tick := <-dueCh:
			if flushed, ok := pending.popDue(tick); ok {
				d.out.Publish(flushed)
			}
		}
	}
}
