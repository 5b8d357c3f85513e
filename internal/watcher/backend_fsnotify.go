//go:build !windows

package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"changewatch/internal/logging"
	"changewatch/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

// fsTree is the handle for one root: the directories added on its behalf.
type fsTree struct {
	root string
	dirs map[string]struct{}
}

// fsnotifyBackend emulates a recursive watch with one fsnotify watch per
// directory. Directories shared by overlapping roots are reference counted.
type fsnotifyBackend struct {
	watcher *fsnotify.Watcher
	sink    Sink
	wakeCh  chan struct{}
	dirRefs map[string]int
	logger  *logging.Logger
	metrics *metrics.Registry
}

func startPlatformRegistry(sink Sink, options Options) (*actionQueue, <-chan struct{}, error) {
	native, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	b := &fsnotifyBackend{
		watcher: native,
		sink:    sink,
		wakeCh:  make(chan struct{}, 1),
		dirRefs: make(map[string]int),
		logger:  watcherLogger(options.Logger, "fsnotify"),
		metrics: options.Metrics,
	}
	r := startRegistry[*fsTree](b, sink, options)
	return r.queue, r.done, nil
}

func (b *fsnotifyBackend) open(root string) (*fsTree, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &fsTree{root: root, dirs: make(map[string]struct{})}, nil
}

func (b *fsnotifyBackend) begin(root string, tree *fsTree) error {
	dirs, err := collectDirs(root)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := b.addDir(tree, dir); err != nil {
			if dir == root {
				return err
			}
			b.logWarn("watch add failed", map[string]string{
				"path":  dir,
				"error": err.Error(),
			})
		}
	}
	b.metrics.IncReadIssued()
	return nil
}

func (b *fsnotifyBackend) release(root string, tree *fsTree) {
	if tree == nil {
		return
	}
	for dir := range tree.dirs {
		b.dropDir(tree, dir)
	}
	b.metrics.IncReadCancelled()
}

func (b *fsnotifyBackend) wait(timeout time.Duration, watches map[string]*fsTree) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case change, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handleChange(change, watches)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.handleError(err, watches)
		case <-b.wakeCh:
			return
		case <-timer.C:
			return
		}
	}
}

func (b *fsnotifyBackend) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// settle has nothing to wait for: fsnotify removals are synchronous.
func (b *fsnotifyBackend) settle(time.Duration) {}

func (b *fsnotifyBackend) close() {
	if err := b.watcher.Close(); err != nil {
		b.logWarn("fsnotify close failed", map[string]string{"error": err.Error()})
	}
}

func (b *fsnotifyBackend) handleChange(change fsnotify.Event, watches map[string]*fsTree) {
	path := filepath.Clean(change.Name)
	op := opForFsnotify(change.Op)

	matched := false
	for root, tree := range watches {
		if !isWithinPath(root, path) {
			continue
		}
		matched = true
		switch {
		case op.Has(Create):
			b.addCreatedDirs(tree, path)
		case (op.Has(Remove) || op.Has(Rename)) && path != root:
			b.dropDirsBelow(tree, path)
		}
	}
	if !matched {
		return
	}

	b.metrics.IncReadCompleted()
	b.sink.Publish(Event{
		Path:      path,
		Op:        op,
		Timestamp: time.Now().UTC(),
	})
}

func (b *fsnotifyBackend) handleError(err error, watches map[string]*fsTree) {
	if err == nil {
		return
	}
	now := time.Now().UTC()
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		for root := range watches {
			b.metrics.IncBufferOverflow()
			b.sink.Publish(Event{Path: root, Err: ErrEventOverflow, Timestamp: now})
		}
		return
	}
	b.logWarn("fsnotify error", map[string]string{"error": err.Error()})
	b.sink.Publish(Event{Err: err, Timestamp: now})
}

// addCreatedDirs extends tree to cover a directory created under it.
func (b *fsnotifyBackend) addCreatedDirs(tree *fsTree, path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}
	dirs, err := collectDirs(path)
	if err != nil {
		return
	}
	for _, dir := range dirs {
		if err := b.addDir(tree, dir); err != nil {
			b.logWarn("watch add failed", map[string]string{
				"path":  dir,
				"error": err.Error(),
			})
		}
	}
}

func (b *fsnotifyBackend) dropDirsBelow(tree *fsTree, path string) {
	for dir := range tree.dirs {
		if isWithinPath(path, dir) {
			b.dropDir(tree, dir)
		}
	}
}

func (b *fsnotifyBackend) addDir(tree *fsTree, dir string) error {
	if _, ok := tree.dirs[dir]; ok {
		return nil
	}
	if b.dirRefs[dir] == 0 {
		if err := b.watcher.Add(dir); err != nil {
			return err
		}
	}
	b.dirRefs[dir]++
	tree.dirs[dir] = struct{}{}
	return nil
}

func (b *fsnotifyBackend) dropDir(tree *fsTree, dir string) {
	if _, ok := tree.dirs[dir]; !ok {
		return
	}
	delete(tree.dirs, dir)
	count := b.dirRefs[dir]
	if count > 1 {
		b.dirRefs[dir] = count - 1
		return
	}
	delete(b.dirRefs, dir)
	// The kernel drops watches on deleted directories by itself, so a
	// failed Remove is expected here.
	if err := b.watcher.Remove(dir); err != nil {
		b.logDebug("watch remove skipped", map[string]string{
			"path":  dir,
			"error": err.Error(),
		})
	}
}

func (b *fsnotifyBackend) logWarn(message string, fields map[string]string) {
	if b.logger == nil {
		return
	}
	b.logger.Warn(message, fields)
}

func (b *fsnotifyBackend) logDebug(message string, fields map[string]string) {
	if b.logger == nil {
		return
	}
	b.logger.Debug(message, fields)
}

// opForFsnotify maps fsnotify ops onto Op. Chmod alone has no counterpart
// and yields the empty set.
//
// On inotify a rename inside a watched tree arrives as Rename for the old
// name followed by Create for the new one, so the new name is reported as
// Create rather than the Rename pair the overlapped backend emits.
func opForFsnotify(op fsnotify.Op) Op {
	var out Op
	if op.Has(fsnotify.Create) {
		out |= Create
	}
	if op.Has(fsnotify.Write) {
		out |= Write
	}
	if op.Has(fsnotify.Remove) {
		out |= Remove
	}
	if op.Has(fsnotify.Rename) {
		out |= Rename
	}
	return out
}
