package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"changewatch/internal/logging"
	"changewatch/internal/watcher"

	"gopkg.in/tomb.v1"
)

// Driver applies stage instructions to a watcher and reports the resulting
// root set back to the pipeline.
type Driver struct {
	watch    watcher.Watch
	pipeline *Pipeline
	logger   *logging.Logger

	mu      sync.Mutex
	watched map[string]struct{}
	// pending counts Watch requests per root whose open has not been
	// reported as failed. It is reset by RemoveWatch.
	pending map[string]int

	tomb        tomb.Tomb
	unsubscribe func()
	closeOnce   sync.Once
}

func NewDriver(watch watcher.Watch, pipeline *Pipeline, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Discard()
	}
	instructions, unsubscribeInstructions := pipeline.Instructions().Subscribe()
	changes, unsubscribeChanges := pipeline.source.Subscribe()
	driver := &Driver{
		watch:    watch,
		pipeline: pipeline,
		logger:   logger,
		watched:  make(map[string]struct{}),
		pending:  make(map[string]int),
		unsubscribe: func() {
			unsubscribeInstructions()
			unsubscribeChanges()
		},
	}
	go driver.run(instructions, changes)
	return driver
}

func (d *Driver) run(instructions <-chan Instruction, changes <-chan watcher.Event) {
	defer d.tomb.Done()
	for {
		select {
		case instruction, ok := <-instructions:
			if !ok {
				return
			}
			if err := d.Apply(instruction); err != nil {
				d.logger.Warn("instruction failed", map[string]string{
					"instruction": instruction.String(),
					"error":       err.Error(),
				})
			}
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			var openErr *watcher.OpenError
			if errors.As(change.Err, &openErr) {
				d.openFailed(openErr.Root)
			}
		case <-d.tomb.Dying():
			return
		}
	}
}

// openFailed drops root once every outstanding Watch for it has failed, so
// a later AddWatch for the same root is issued again.
func (d *Driver) openFailed(root string) {
	d.mu.Lock()
	if d.pending[root] > 0 {
		d.pending[root]--
	}
	if _, ok := d.watched[root]; !ok || d.pending[root] > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.watched, root)
	delete(d.pending, root)
	err := d.pipeline.UpdateWatches(d.sortedLocked())
	d.mu.Unlock()

	d.logger.Warn("watch root dropped", map[string]string{
		"root": root,
	})
	if err != nil && !errors.Is(err, ErrNotSpawned) {
		d.logger.Warn("update watches failed", map[string]string{
			"error": err.Error(),
		})
	}
}

// Add seeds the initial roots.
func (d *Driver) Add(paths []string) error {
	return d.Apply(Instruction{Kind: AddWatch, Paths: paths})
}

// Apply runs one instruction against the watcher, then pushes the watched
// set to the pipeline.
func (d *Driver) Apply(instruction Instruction) error {
	d.pipeline.metrics.IncInstruction()

	d.mu.Lock()
	var errs []error
	for _, path := range instruction.Paths {
		root, err := filepath.Abs(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch instruction.Kind {
		case AddWatch:
			// A watched root is sent again; the registry ignores duplicates
			// and a root whose open failed gets another attempt.
			if err := d.watch.Watch(root); err != nil {
				errs = append(errs, fmt.Errorf("watch %s: %w", root, err))
				continue
			}
			d.watched[root] = struct{}{}
			d.pending[root]++
		case RemoveWatch:
			if _, ok := d.watched[root]; !ok {
				continue
			}
			delete(d.watched, root)
			delete(d.pending, root)
			if err := d.watch.Unwatch(root); err != nil {
				errs = append(errs, fmt.Errorf("unwatch %s: %w", root, err))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown instruction kind %d", instruction.Kind))
		}
	}
	roots := d.sortedLocked()
	// Updates are pushed under the lock so stages see them in order.
	if err := d.pipeline.UpdateWatches(roots); err != nil && !errors.Is(err, ErrNotSpawned) {
		errs = append(errs, err)
	}
	d.mu.Unlock()

	d.logger.Debug("instruction applied", map[string]string{
		"instruction": instruction.String(),
		"watched":     fmt.Sprint(len(roots)),
	})
	return errors.Join(errs...)
}

// Watched returns the current roots in sorted order.
func (d *Driver) Watched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedLocked()
}

func (d *Driver) sortedLocked() []string {
	roots := make([]string, 0, len(d.watched))
	for root := range d.watched {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.tomb.Kill(nil)
		_ = d.tomb.Wait()
		d.unsubscribe()
	})
	return nil
}
