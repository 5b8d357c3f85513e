package processor

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"changewatch/internal/pipeline"
	"changewatch/internal/watcher"

	"github.com/bmatcuk/doublestar/v4"
)

const FilterName = "filter"

// Filter drops change events whose path matches an exclude glob. A pattern
// is tried against the base name and against the slash-separated path
// relative to the watched root that contains it. "**" crosses directories.
type Filter struct {
	*pipeline.Runner
	patterns []string
	out      pipeline.EventSink

	mu    sync.RWMutex
	roots []string
}

func FilterDescriptor(patterns []string) pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:     FilterName,
		Provides: []pipeline.Capability{pipeline.CapabilityFiltered},
		New: func(in pipeline.EventSource, out pipeline.EventSink, _ pipeline.InstructionSink) (pipeline.Processor, error) {
			return NewFilter(in, out, patterns)
		},
	}
}

func NewFilter(in pipeline.EventSource, out pipeline.EventSink, patterns []string) (*Filter, error) {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
	}
	filter := &Filter{
		patterns: append([]string(nil), patterns...),
		out:      out,
	}
	filter.Runner = pipeline.NewRunner(in, filter.loop)
	return filter, nil
}

func (f *Filter) UpdateWatches(paths []string) error {
	if err := f.CheckSpawned(); err != nil {
		return err
	}
	roots := append([]string(nil), paths...)
	// Longest first so nested roots win.
	sort.Slice(roots, func(i, j int) bool { return len(roots[i]) > len(roots[j]) })
	f.mu.Lock()
	f.roots = roots
	f.mu.Unlock()
	return nil
}

func (f *Filter) loop(dying <-chan struct{}, events <-chan watcher.Event) error {
	for {
		select {
		case <-dying:
			return nil
		case change, ok := <-events:
			if !ok {
				return nil
			}
			if change.Err == nil && f.Excluded(change.Path) {
				continue
			}
			f.out.Publish(change)
		}
	}
}

// Excluded reports whether path matches any exclude pattern.
func (f *Filter) Excluded(path string) bool {
	if len(f.patterns) == 0 || path == "" {
		return false
	}
	candidates := []string{filepath.Base(path)}
	if rel, ok := f.relativeToRoot(path); ok {
		candidates = append(candidates, filepath.ToSlash(rel))
	}
	for _, pattern := range f.patterns {
		for _, candidate := range candidates {
			if matched, _ := doublestar.Match(pattern, candidate); matched {
				return true
			}
		}
	}
	return false
}

func (f *Filter) relativeToRoot(path string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, root := range f.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return rel, true
	}
	return "", false
}
