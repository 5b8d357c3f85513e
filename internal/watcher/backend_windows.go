//go:build windows

package watcher

import (
	"errors"
	"fmt"
	"time"

	"changewatch/internal/logging"
	"changewatch/internal/metrics"

	"golang.org/x/sys/windows"
)

// dirHandle is an open directory and its in-flight read, if any.
type dirHandle struct {
	root    string
	handle  windows.Handle
	pending *readSlot
}

// overlappedBackend drives ReadDirectoryChangesW with completion routines.
// All fields except wakeEvent belong to the registry thread.
type overlappedBackend struct {
	sink        Sink
	wakeEvent   windows.Handle
	outstanding int
	logger      *logging.Logger
	metrics     *metrics.Registry
}

func startPlatformRegistry(sink Sink, options Options) (*actionQueue, <-chan struct{}, error) {
	wakeEvent, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create wake event: %w", err)
	}
	b := &overlappedBackend{
		sink:      sink,
		wakeEvent: wakeEvent,
		logger:    watcherLogger(options.Logger, "overlapped"),
		metrics:   options.Metrics,
	}
	r := startRegistry[*dirHandle](b, sink, options)
	return r.queue, r.done, nil
}

func (b *overlappedBackend) open(root string) (*dirHandle, error) {
	name, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(
		name,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, err
	}
	return &dirHandle{root: root, handle: handle}, nil
}

func (b *overlappedBackend) begin(root string, dir *dirHandle) error {
	return b.startRead(dir)
}

// release marks the pending read cancelled before closing the handle, so
// its completion is discarded whatever status it carries.
func (b *overlappedBackend) release(root string, dir *dirHandle) {
	if dir == nil {
		return
	}
	if dir.pending != nil {
		slots.cancel(dir.pending)
		if err := windows.CancelIoEx(dir.handle, &dir.pending.overlapped); err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
			b.logDebug("cancel read failed", map[string]string{
				"path":  root,
				"error": err.Error(),
			})
		}
		dir.pending = nil
	}
	if err := windows.CloseHandle(dir.handle); err != nil {
		b.logWarn("close handle failed", map[string]string{
			"path":  root,
			"error": err.Error(),
		})
	}
	dir.handle = windows.InvalidHandle
}

func (b *overlappedBackend) wait(timeout time.Duration, _ map[string]*dirHandle) {
	if _, err := waitAlertable(b.wakeEvent, timeout); err != nil {
		b.logWarn("alertable wait failed", map[string]string{"error": err.Error()})
		// Avoid a hot loop when the wait itself is broken.
		time.Sleep(timeout)
	}
}

func (b *overlappedBackend) wake() {
	_ = windows.SetEvent(b.wakeEvent)
}

func (b *overlappedBackend) settle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for b.outstanding > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.logWarn("completions still outstanding at shutdown", map[string]string{
				"outstanding": fmt.Sprint(b.outstanding),
			})
			return
		}
		b.wait(min(remaining, 50*time.Millisecond), nil)
	}
}

func (b *overlappedBackend) close() {
	if err := windows.CloseHandle(b.wakeEvent); err != nil {
		b.logWarn("close wake event failed", map[string]string{"error": err.Error()})
	}
}

// readFailed reports a read that cannot continue. A root deleted out from
// under its handle shows up as access denied and is reported as a Remove.
func (b *overlappedBackend) readFailed(dir *dirHandle, err error, now time.Time) {
	if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		b.sink.Publish(Event{Path: dir.root, Op: Remove, Timestamp: now})
		return
	}
	b.logWarn("read directory changes failed", map[string]string{
		"path":  dir.root,
		"error": err.Error(),
	})
	b.sink.Publish(Event{Path: dir.root, Err: fmt.Errorf("read %s: %w", dir.root, err), Timestamp: now})
}

func (b *overlappedBackend) logWarn(message string, fields map[string]string) {
	if b.logger == nil {
		return
	}
	b.logger.Warn(message, fields)
}

func (b *overlappedBackend) logDebug(message string, fields map[string]string) {
	if b.logger == nil {
		return
	}
	b.logger.Debug(message, fields)
}
