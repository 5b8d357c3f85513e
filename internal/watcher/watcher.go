package watcher

import (
	"errors"
	"path/filepath"
	"runtime"
	"sync"

	"changewatch/internal/logging"
	"changewatch/internal/metrics"
)

// Watcher is the handle returned to callers. It is safe for concurrent use.
type Watcher struct {
	queue     *actionQueue
	stopped   <-chan struct{}
	closeOnce sync.Once
	cleanup   runtime.Cleanup
	metrics   *metrics.Registry
}

// New creates a Watcher with default options.
func New(sink Sink) (*Watcher, error) {
	return NewWithOptions(sink, Options{})
}

// NewWithOptions starts the registry for the host's backend and returns a
// handle that publishes to sink.
func NewWithOptions(sink Sink, options Options) (*Watcher, error) {
	if sink == nil {
		return nil, errors.New("event sink is nil")
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Metrics == nil {
		options.Metrics = &metrics.Registry{}
	}

	queue, stopped, err := startPlatformRegistry(sink, options)
	if err != nil {
		return nil, err
	}
	return newWatcher(queue, stopped, options.Metrics), nil
}

func newWatcher(queue *actionQueue, stopped <-chan struct{}, registry *metrics.Registry) *Watcher {
	instance := &Watcher{
		queue:   queue,
		stopped: stopped,
		metrics: registry,
	}
	// A Watcher dropped without Close still releases its native handles.
	instance.cleanup = runtime.AddCleanup(instance, func(queue *actionQueue) {
		_ = queue.push(action{kind: actionStop})
	}, queue)
	return instance
}

// Watch asks the registry to start watching the tree rooted at path. A nil
// error only means the request was queued; open failures arrive on the
// event stream as ErrPathNotFound.
func (watcher *Watcher) Watch(path string) error {
	if watcher == nil {
		return ErrClosed
	}
	return watcher.queue.push(action{kind: actionWatch, path: cleanRoot(path)})
}

// Unwatch stops watching path and returns once the registry has released
// it. No event for the root is published after Unwatch returns.
func (watcher *Watcher) Unwatch(path string) error {
	if watcher == nil {
		return ErrClosed
	}
	done := make(chan struct{})
	if err := watcher.queue.push(action{kind: actionUnwatch, path: cleanRoot(path), done: done}); err != nil {
		return err
	}
	select {
	case <-done:
	case <-watcher.stopped:
	}
	return nil
}

// Close stops the registry and waits until every native handle is released.
// Calling it more than once is safe.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.closeOnce.Do(func() {
		watcher.cleanup.Stop()
		_ = watcher.queue.push(action{kind: actionStop})
		<-watcher.stopped
	})
	return nil
}

// Metrics reports the counters this watcher records into.
func (watcher *Watcher) Metrics() metrics.Snapshot {
	if watcher == nil {
		return metrics.Snapshot{}
	}
	return watcher.metrics.Snapshot()
}

func cleanRoot(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
