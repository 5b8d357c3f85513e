package processor

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"changewatch/internal/logging"
	"changewatch/internal/pipeline"
	"changewatch/internal/watcher"
)

const (
	CoverageName = "coverage"

	defaultRetryBase = 100 * time.Millisecond
	maxRetryBackoff  = 2 * time.Second
)

type CoverageOptions struct {
	// Restore lists roots to watch again once they reappear.
	Restore []string
	// RetryBase is the first poll delay for a vanished Restore root. Zero
	// leaves recovery to Create events alone.
	RetryBase time.Duration
	Logger    *logging.Logger
}

type retryState struct {
	next    time.Time
	backoff time.Duration
}

// Coverage keeps the watched set in step with the filesystem. A watched root
// that is removed or renamed away is dropped with RemoveWatch; a Restore
// root that comes back is picked up again with AddWatch. Events pass through
// unchanged.
type Coverage struct {
	*pipeline.Runner
	out      pipeline.EventSink
	instruct pipeline.InstructionSink
	restore  map[string]struct{}
	base     time.Duration
	logger   *logging.Logger

	mu    sync.Mutex
	roots map[string]struct{}
	// missing is touched only by the stage goroutine.
	missing map[string]*retryState
}

func CoverageDescriptor(options CoverageOptions) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:     CoverageName,
		Needs:    []pipeline.Capability{pipeline.CapabilityFiltered},
		Provides: []pipeline.Capability{pipeline.CapabilityCoverage},
		New: func(in pipeline.EventSource, out pipeline.EventSink, instruct pipeline.InstructionSink) (pipeline.Processor, error) {
			return NewCoverage(in, out, instruct, options), nil
		},
	}
}

func NewCoverage(in pipeline.EventSource, out pipeline.EventSink, instruct pipeline.InstructionSink, options CoverageOptions) *Coverage {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	restore := make(map[string]struct{}, len(options.Restore))
	for _, path := range options.Restore {
		if abs, err := filepath.Abs(path); err == nil {
			restore[abs] = struct{}{}
		}
	}
	stage := &Coverage{
		out:      out,
		instruct: instruct,
		restore:  restore,
		base:     options.RetryBase,
		logger:   logger,
		roots:    make(map[string]struct{}),
		missing:  make(map[string]*retryState),
	}
	stage.Runner = pipeline.NewRunner(in, stage.loop)
	return stage
}

func (c *Coverage) UpdateWatches(paths []string) error {
	if err := c.CheckSpawned(); err != nil {
		return err
	}
	roots := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		roots[path] = struct{}{}
	}
	c.mu.Lock()
	c.roots = roots
	c.mu.Unlock()
	return nil
}

// Roots returns the watched set last reported through UpdateWatches.
func (c *Coverage) Roots() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	roots := make([]string, 0, len(c.roots))
	for root := range c.roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

func (c *Coverage) loop(dying <-chan struct{}, events <-chan watcher.Event) error {
	var tick <-chan time.Time
	if c.base > 0 {
		ticker := time.NewTicker(c.base)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-dying:
			return nil
		case change, ok := <-events:
			if !ok {
				return nil
			}
			c.observe(change)
			c.out.Publish(change)
		case now := <-tick:
			c.retryMissing(now)
		}
	}
}

func (c *Coverage) observe(change watcher.Event) {
	if change.Err != nil || change.Path == "" {
		return
	}
	path := change.Path

	if change.Op.Has(watcher.Remove) || change.Op.Has(watcher.Rename) {
		if c.isRoot(path) {
			c.logger.Info("watched root vanished", map[string]string{"path": path})
			c.instruct.Publish(pipeline.Instruction{Kind: pipeline.RemoveWatch, Paths: []string{path}})
			c.forget(path)
			if _, ok := c.restore[path]; ok && c.base > 0 {
				c.missing[path] = &retryState{next: time.Now().Add(c.base), backoff: c.base}
			}
		}
		return
	}

	if change.Op.Has(watcher.Create) {
		if _, ok := c.restore[path]; !ok || c.isRoot(path) {
			return
		}
		if !isDir(path) {
			return
		}
		c.readd(path)
	}
}

func (c *Coverage) retryMissing(now time.Time) {
	for path, state := range c.missing {
		if now.Before(state.next) {
			continue
		}
		if isDir(path) {
			c.readd(path)
			continue
		}
		state.backoff = min(state.backoff*2, maxRetryBackoff)
		state.next = now.Add(state.backoff)
	}
}

func (c *Coverage) readd(path string) {
	delete(c.missing, path)
	c.logger.Info("restoring watched root", map[string]string{"path": path})
	c.instruct.Publish(pipeline.Instruction{Kind: pipeline.AddWatch, Paths: []string{path}})
	c.mu.Lock()
	c.roots[path] = struct{}{}
	c.mu.Unlock()
}

func (c *Coverage) isRoot(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.roots[path]
	return ok
}

// forget removes path locally until the driver reports the new set.
func (c *Coverage) forget(path string) {
	c.mu.Lock()
	delete(c.roots, path)
	c.mu.Unlock()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
