package watcher

import (
	"runtime"
	"strconv"
	"time"

	"changewatch/internal/logging"
	"changewatch/internal/metrics"
)

const (
	defaultWaitInterval = 500 * time.Millisecond
	settleTimeout       = 2 * time.Second
)

// backend is the native half of a registry. Every method except wake is
// called only from the registry goroutine.
type backend[H any] interface {
	// open acquires a native handle for root.
	open(root string) (H, error)
	// begin starts change delivery for a freshly opened handle.
	begin(root string, handle H) error
	// release cancels outstanding reads and frees the handle.
	release(root string, handle H)
	// wait blocks for at most timeout, delivering completions while it does.
	wait(timeout time.Duration, watches map[string]H)
	// wake interrupts a wait in progress. Safe from any goroutine.
	wake()
	// settle waits, bounded by timeout, for cancelled reads to come back.
	settle(timeout time.Duration)
	close()
}

// registry owns the root to handle table. Only its goroutine touches it.
type registry[H any] struct {
	queue    *actionQueue
	backend  backend[H]
	sink     Sink
	watches  map[string]H
	interval time.Duration
	logger   *logging.Logger
	metrics  *metrics.Registry
	done     chan struct{}
}

func startRegistry[H any](b backend[H], sink Sink, options Options) *registry[H] {
	interval := options.WaitInterval
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	r := &registry[H]{
		queue:    newActionQueue(b.wake),
		backend:  b,
		sink:     sink,
		watches:  make(map[string]H),
		interval: interval,
		logger:   watcherLogger(options.Logger, "registry"),
		metrics:  options.Metrics,
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *registry[H]) run() {
	// Completions are delivered to the thread that issued the read.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	for {
		if r.apply(r.queue.drain()) {
			return
		}
		r.backend.wait(r.interval, r.watches)
	}
}

// apply runs actions in FIFO order and reports whether Stop was among them.
func (r *registry[H]) apply(actions []action) bool {
	for index, next := range actions {
		switch next.kind {
		case actionWatch:
			r.addWatch(next.path)
		case actionUnwatch:
			r.removeWatch(next.path)
		case actionStop:
			r.stop()
			next.finish()
			for _, rest := range actions[index+1:] {
				rest.finish()
			}
			return true
		}
		next.finish()
	}
	return false
}

func (r *registry[H]) addWatch(root string) {
	if _, ok := r.watches[root]; ok {
		r.logDebug("watch already active", root)
		return
	}

	handle, err := r.backend.open(root)
	if err == nil {
		if err = r.backend.begin(root, handle); err != nil {
			r.backend.release(root, handle)
		}
	}
	if err != nil {
		r.metrics.IncWatchOpenFailed()
		r.logWarn("watch open failed", map[string]string{
			"path":  root,
			"error": err.Error(),
		})
		r.sink.Publish(Event{
			Err:       &OpenError{Root: root, Err: err},
			Timestamp: time.Now().UTC(),
		})
		return
	}

	r.watches[root] = handle
	r.metrics.AddWatchesActive(1)
	r.logDebug("watch added", root)
}

func (r *registry[H]) removeWatch(root string) {
	handle, ok := r.watches[root]
	if !ok {
		return
	}
	delete(r.watches, root)
	r.backend.release(root, handle)
	r.metrics.AddWatchesActive(-1)
	r.logDebug("watch removed", root)
}

func (r *registry[H]) stop() {
	r.metrics.AddWatchesActive(-len(r.watches))
	for root, handle := range r.watches {
		delete(r.watches, root)
		r.backend.release(root, handle)
	}
	r.backend.settle(settleTimeout)
	for _, leftover := range r.queue.close() {
		leftover.finish()
	}
	r.backend.close()
	r.logDebug("registry stopped", "")
}

func (r *registry[H]) logWarn(message string, fields map[string]string) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(message, fields)
}

func (r *registry[H]) logDebug(message, path string) {
	if r.logger == nil {
		return
	}
	fields := map[string]string{
		"active_watches": strconv.Itoa(len(r.watches)),
	}
	if path != "" {
		fields["path"] = path
	}
	r.logger.Debug(message, fields)
}

// watcherLogger scopes logger to the watcher category and one source.
func watcherLogger(logger *logging.Logger, source string) *logging.Logger {
	return logger.With(map[string]string{
		"changewatch.category": "watcher",
		"changewatch.source":   source,
	})
}
