//go:build windows

package watcher

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWatcherReportsBothRenameHalvesInOrder(t *testing.T) {
	w, recorder := newTestWatcher(t)
	dir := watchDir(t, w)

	oldPath := filepath.Join(dir, "a.txt")
	newPath := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if !recorder.WaitFor(eventTimeout, hasEvent(oldPath, Create)) {
		t.Fatalf("expected CREATE before rename, got %v", recorder.Events())
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	renamedInOrder := func(events []Event) bool {
		sawOld := false
		for _, change := range events {
			if change.Op != Rename {
				continue
			}
			switch change.Path {
			case oldPath:
				sawOld = true
			case newPath:
				return sawOld
			}
		}
		return false
	}
	if !recorder.WaitFor(eventTimeout, renamedInOrder) {
		t.Fatalf("expected RENAME %s then RENAME %s, got %v", oldPath, newPath, recorder.Events())
	}
}

func TestReleaseDiscardsCancelledCompletion(t *testing.T) {
	w, recorder := newTestWatcher(t)
	dir := watchDir(t, w)

	if err := w.Unwatch(dir); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, change := range recorder.Events() {
		if change.Err != nil {
			t.Fatalf("cancellation surfaced as error: %+v", change)
		}
	}
	snapshot := w.Metrics()
	if snapshot.ReadsCancelled == 0 {
		t.Fatalf("expected a cancelled read, got %+v", snapshot)
	}
}
