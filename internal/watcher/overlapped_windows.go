//go:build windows

package watcher

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	notifyBufferSize = 16384
	waitIOCompletion = 0x000000C0

	notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
		windows.FILE_NOTIFY_CHANGE_DIR_NAME |
		windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
		windows.FILE_NOTIFY_CHANGE_SIZE |
		windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
		windows.FILE_NOTIFY_CHANGE_LAST_ACCESS |
		windows.FILE_NOTIFY_CHANGE_CREATION |
		windows.FILE_NOTIFY_CHANGE_SECURITY
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procWaitForSingleObjectEx = modkernel32.NewProc("WaitForSingleObjectEx")

	// readCompletion is shared by every read; callbacks are a process-wide
	// resource that is never freed.
	readCompletion = windows.NewCallback(onReadComplete)

	bufferPool = sync.Pool{
		New: func() any { return new([notifyBufferSize]byte) },
	}

	slots = slotTable{pending: make(map[uintptr]*readSlot)}
)

// readSlot is one in-flight read. The slot table keeps the buffer and the
// overlapped structure reachable until the completion routine removes it.
type readSlot struct {
	id         uintptr
	dir        *dirHandle
	engine     *overlappedBackend
	overlapped windows.Overlapped
	buf        *[notifyBufferSize]byte
	cancelled  bool
}

type slotTable struct {
	mu      sync.Mutex
	nextID  atomic.Uintptr
	pending map[uintptr]*readSlot
}

func (t *slotTable) register(slot *readSlot) {
	slot.id = t.nextID.Add(1)
	slot.overlapped.HEvent = windows.Handle(slot.id)
	t.mu.Lock()
	t.pending[slot.id] = slot
	t.mu.Unlock()
}

func (t *slotTable) take(id uintptr) *readSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.pending[id]
	delete(t.pending, id)
	return slot
}

func (t *slotTable) cancel(slot *readSlot) {
	t.mu.Lock()
	slot.cancelled = true
	t.mu.Unlock()
}

func (t *slotTable) isCancelled(slot *readSlot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slot.cancelled
}

// startRead issues the next read for dir. The completion routine runs on
// the calling thread during an alertable wait.
func (b *overlappedBackend) startRead(dir *dirHandle) error {
	slot := &readSlot{
		dir:    dir,
		engine: b,
		buf:    bufferPool.Get().(*[notifyBufferSize]byte),
	}
	slots.register(slot)

	var ignored uint32
	err := windows.ReadDirectoryChanges(
		dir.handle,
		&slot.buf[0],
		notifyBufferSize,
		true,
		notifyFilter,
		&ignored,
		&slot.overlapped,
		readCompletion,
	)
	if err != nil {
		slots.take(slot.id)
		bufferPool.Put(slot.buf)
		return err
	}

	dir.pending = slot
	b.outstanding++
	b.metrics.IncReadIssued()
	return nil
}

func onReadComplete(errorCode, bytesTransferred, overlapped uintptr) uintptr {
	if overlapped == 0 {
		return 0
	}
	id := uintptr((*windows.Overlapped)(unsafe.Pointer(overlapped)).HEvent)
	slot := slots.take(id)
	if slot == nil {
		return 0
	}
	defer bufferPool.Put(slot.buf)

	b := slot.engine
	b.outstanding--
	dir := slot.dir
	if dir.pending == slot {
		dir.pending = nil
	}

	code := windows.Errno(errorCode)
	if slots.isCancelled(slot) || code == windows.ERROR_OPERATION_ABORTED {
		b.metrics.IncReadCancelled()
		return 0
	}

	now := time.Now().UTC()
	if code != 0 {
		b.readFailed(dir, code, now)
		return 0
	}
	b.metrics.IncReadCompleted()

	// The next read must be outstanding before this buffer is published.
	if err := b.startRead(dir); err != nil {
		b.readFailed(dir, err, now)
	}

	if bytesTransferred == 0 {
		b.metrics.IncBufferOverflow()
		b.sink.Publish(Event{Path: dir.root, Err: ErrEventOverflow, Timestamp: now})
		return 0
	}
	size := min(int(bytesTransferred), notifyBufferSize)
	for _, change := range decodeNotifyBuffer(slot.buf[:size], dir.root) {
		b.sink.Publish(change)
	}
	return 0
}

// waitAlertable blocks on handle for at most timeout and reports whether
// completion routines ran during the wait.
func waitAlertable(handle windows.Handle, timeout time.Duration) (bool, error) {
	ms := uint32(timeout / time.Millisecond)
	result, _, callErr := procWaitForSingleObjectEx.Call(uintptr(handle), uintptr(ms), 1)
	switch uint32(result) {
	case waitIOCompletion:
		return true, nil
	case windows.WAIT_FAILED:
		return false, callErr
	default:
		return false, nil
	}
}
