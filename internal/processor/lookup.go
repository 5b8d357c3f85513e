// Package processor holds the stages a changewatch pipeline can be built
// from.
package processor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"changewatch/internal/logging"
	"changewatch/internal/pipeline"
)

// Settings carries the configuration every stage may draw on.
type Settings struct {
	Exclude   []string
	Debounce  time.Duration
	Restore   []string
	RetryBase time.Duration
	Logger    *logging.Logger
}

var builders = map[string]func(Settings) pipeline.Descriptor{
	FilterName: func(settings Settings) pipeline.Descriptor {
		return FilterDescriptor(settings.Exclude)
	},
	DebounceName: func(settings Settings) pipeline.Descriptor {
		return DebounceDescriptor(settings.Debounce)
	},
	CoverageName: func(settings Settings) pipeline.Descriptor {
		retry := settings.RetryBase
		if retry == 0 {
			retry = defaultRetryBase
		}
		return CoverageDescriptor(CoverageOptions{
			Restore:   settings.Restore,
			RetryBase: retry,
			Logger:    settings.Logger,
		})
	},
}

// Names lists the known stage names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the descriptor for a configured stage name.
func Lookup(name string, settings Settings) (pipeline.Descriptor, error) {
	build, ok := builders[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return pipeline.Descriptor{}, fmt.Errorf("unknown stage %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return build(settings), nil
}

// Descriptors resolves names in order.
func Descriptors(names []string, settings Settings) ([]pipeline.Descriptor, error) {
	descriptors := make([]pipeline.Descriptor, 0, len(names))
	for _, name := range names {
		descriptor, err := Lookup(name, settings)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}
