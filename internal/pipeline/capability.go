package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Capability names a guarantee a stage makes about the events it emits.
type Capability string

const (
	CapabilityRaw      Capability = "raw"
	CapabilityFiltered Capability = "filtered"
	CapabilityCoalesce Capability = "coalesced"
	CapabilityCoverage Capability = "coverage-tracking"
)

var ErrMissingCapability = errors.New("missing capability")

// Descriptor describes a stage type without constructing it.
type Descriptor struct {
	Name     string
	Needs    []Capability
	Provides []Capability
	New      Factory
}

// CapabilityError reports the needs of one stage that nothing upstream
// provides.
type CapabilityError struct {
	Stage   string
	Missing []Capability
}

func (e *CapabilityError) Error() string {
	names := make([]string, len(e.Missing))
	for i, capability := range e.Missing {
		names[i] = string(capability)
	}
	return fmt.Sprintf("stage %q needs %s: %s", e.Stage, strings.Join(names, ", "), ErrMissingCapability)
}

func (e *CapabilityError) Unwrap() error {
	return ErrMissingCapability
}

// Validate checks stages in order. A need is met by base or by the Provides
// of any earlier stage.
func Validate(base []Capability, stages ...Descriptor) error {
	available := make(map[Capability]struct{}, len(base))
	for _, capability := range base {
		available[capability] = struct{}{}
	}

	for index, descriptor := range stages {
		name := descriptor.Name
		if name == "" {
			name = fmt.Sprintf("#%d", index)
		}
		if descriptor.New == nil {
			return fmt.Errorf("stage %q has no constructor", name)
		}

		var missing []Capability
		for _, need := range descriptor.Needs {
			if _, ok := available[need]; !ok {
				missing = append(missing, need)
			}
		}
		if len(missing) > 0 {
			return &CapabilityError{Stage: name, Missing: missing}
		}

		for _, capability := range descriptor.Provides {
			available[capability] = struct{}{}
		}
	}
	return nil
}
