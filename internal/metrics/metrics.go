package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type Registry struct {
	watchesActive   atomic.Int64
	watchOpenFailed atomic.Int64
	readsIssued     atomic.Int64
	readsCompleted  atomic.Int64
	readsCancelled  atomic.Int64
	bufferOverflows atomic.Int64
	instructions    atomic.Int64
	busPublished    sync.Map
	busDropped      sync.Map
	busSubscribers  sync.Map
}

var Default = &Registry{}

// AddWatchesActive moves the active watch gauge by delta. Watchers sharing
// a registry each add their own roots.
func (r *Registry) AddWatchesActive(delta int) {
	if r == nil {
		return
	}
	r.watchesActive.Add(int64(delta))
}

func (r *Registry) IncWatchOpenFailed() {
	if r == nil {
		return
	}
	r.watchOpenFailed.Add(1)
}

func (r *Registry) IncReadIssued() {
	if r == nil {
		return
	}
	r.readsIssued.Add(1)
}

func (r *Registry) IncReadCompleted() {
	if r == nil {
		return
	}
	r.readsCompleted.Add(1)
}

func (r *Registry) IncReadCancelled() {
	if r == nil {
		return
	}
	r.readsCancelled.Add(1)
}

func (r *Registry) IncBufferOverflow() {
	if r == nil {
		return
	}
	r.bufferOverflows.Add(1)
}

func (r *Registry) IncInstruction() {
	if r == nil {
		return
	}
	r.instructions.Add(1)
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.busPublished, labelKey(bus, eventType)).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.busDropped, labelKey(bus, eventType)).Add(1)
}

func (r *Registry) SetSubscriberCount(bus string, count int) {
	if r == nil {
		return
	}
	counter(&r.busSubscribers, bus).Store(int64(count))
}

// Snapshot is a point-in-time copy of the watcher counters.
type Snapshot struct {
	WatchesActive   int64
	WatchOpenFailed int64
	ReadsIssued     int64
	ReadsCompleted  int64
	ReadsCancelled  int64
	BufferOverflows int64
	Instructions    int64
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		WatchesActive:   r.watchesActive.Load(),
		WatchOpenFailed: r.watchOpenFailed.Load(),
		ReadsIssued:     r.readsIssued.Load(),
		ReadsCompleted:  r.readsCompleted.Load(),
		ReadsCancelled:  r.readsCancelled.Load(),
		BufferOverflows: r.bufferOverflows.Load(),
		Instructions:    r.instructions.Load(),
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeGauge(writer, "changewatch_watches_active", "Directory roots under watch", r.watchesActive.Load())
	writeCounter(writer, "changewatch_watch_open_failed_total", "Watch roots that could not be opened", r.watchOpenFailed.Load())
	writeCounter(writer, "changewatch_reads_issued_total", "Asynchronous change reads issued", r.readsIssued.Load())
	writeCounter(writer, "changewatch_reads_completed_total", "Asynchronous change reads completed", r.readsCompleted.Load())
	writeCounter(writer, "changewatch_reads_cancelled_total", "Asynchronous change reads cancelled", r.readsCancelled.Load())
	writeCounter(writer, "changewatch_buffer_overflows_total", "Change buffers that overflowed", r.bufferOverflows.Load())
	writeCounter(writer, "changewatch_instructions_total", "Pipeline instructions applied", r.instructions.Load())

	writeLabeled(writer, "changewatch_events_published_total", "Events published per bus", "counter", &r.busPublished)
	writeLabeled(writer, "changewatch_events_dropped_total", "Events dropped per bus", "counter", &r.busDropped)

	writeHelp(writer, "changewatch_bus_subscribers", "Active subscribers per bus")
	fmt.Fprintln(writer, "# TYPE changewatch_bus_subscribers gauge")
	for _, key := range sortedKeys(&r.busSubscribers) {
		fmt.Fprintf(writer, "changewatch_bus_subscribers{bus=%s} %d\n", formatLabel(key), counter(&r.busSubscribers, key).Load())
	}
	return nil
}

func writeLabeled(writer io.Writer, metric, help, kind string, values *sync.Map) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s %s\n", metric, kind)
	for _, key := range sortedKeys(values) {
		bus, eventType, _ := strings.Cut(key, "\x00")
		fmt.Fprintf(writer, "%s{bus=%s,type=%s} %d\n", metric, formatLabel(bus), formatLabel(eventType), counter(values, key).Load())
	}
}

func counter(values *sync.Map, key string) *atomic.Int64 {
	value, _ := values.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func labelKey(bus, eventType string) string {
	if strings.TrimSpace(bus) == "" {
		bus = "unknown"
	}
	if strings.TrimSpace(eventType) == "" {
		eventType = "unknown"
	}
	return bus + "\x00" + eventType
}

func sortedKeys(values *sync.Map) []string {
	var keys []string
	values.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
