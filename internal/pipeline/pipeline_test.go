package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"changewatch/internal/event"
	"changewatch/internal/metrics"
	"changewatch/internal/watcher"
)

const testTimeout = 2 * time.Second

type passthrough struct {
	*Runner
	updates chan []string
}

func (p *passthrough) UpdateWatches(paths []string) error {
	if err := p.CheckSpawned(); err != nil {
		return err
	}
	p.updates <- append([]string(nil), paths...)
	return nil
}

func passthroughDescriptor(name string, needs, provides []Capability, constructed *atomic.Int32) Descriptor {
	return Descriptor{
		Name:     name,
		Needs:    needs,
		Provides: provides,
		New: func(in EventSource, out EventSink, _ InstructionSink) (Processor, error) {
			if constructed != nil {
				constructed.Add(1)
			}
			loop := func(dying <-chan struct{}, events <-chan watcher.Event) error {
				for {
					select {
					case <-dying:
						return nil
					case change, ok := <-events:
						if !ok {
							return nil
						}
						out.Publish(change)
					}
				}
			}
			return &passthrough{Runner: NewRunner(in, loop), updates: make(chan []string, 16)}, nil
		},
	}
}

func newSource(t *testing.T) *event.Bus[watcher.Event] {
	t.Helper()
	bus := event.NewBus[watcher.Event](context.Background(), event.BusOptions{
		Name:     "source",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(bus.Close)
	return bus
}

func TestAssembleRejectsUnmetCapabilityBeforeConstruction(t *testing.T) {
	var constructed atomic.Int32
	_, err := Assemble(context.Background(), newSource(t), Options{
		Base: []Capability{CapabilityRaw},
		Stages: []Descriptor{
			passthroughDescriptor("first", nil, []Capability{CapabilityCoalesce}, &constructed),
			passthroughDescriptor("needy", []Capability{"X"}, nil, &constructed),
		},
		Metrics: &metrics.Registry{},
	})
	if err == nil {
		t.Fatal("expected assembly to fail")
	}
	if !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("expected ErrMissingCapability, got %v", err)
	}
	var capabilityErr *CapabilityError
	if !errors.As(err, &capabilityErr) {
		t.Fatalf("expected *CapabilityError, got %T", err)
	}
	if capabilityErr.Stage != "needy" || len(capabilityErr.Missing) != 1 || capabilityErr.Missing[0] != "X" {
		t.Fatalf("unexpected error detail %+v", capabilityErr)
	}
	if constructed.Load() != 0 {
		t.Fatalf("expected no stage to be constructed, got %d", constructed.Load())
	}
}

func TestValidateAcceptsNeedsMetUpstream(t *testing.T) {
	stages := []Descriptor{
		passthroughDescriptor("filter", nil, []Capability{CapabilityFiltered}, nil),
		passthroughDescriptor("coverage", []Capability{CapabilityFiltered, CapabilityRaw}, nil, nil),
	}
	if err := Validate([]Capability{CapabilityRaw}, stages...); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}

	// Order matters: a later stage cannot satisfy an earlier one.
	reversed := []Descriptor{stages[1], stages[0]}
	if err := Validate([]Capability{CapabilityRaw}, reversed...); !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("expected ErrMissingCapability, got %v", err)
	}
}

func TestValidateRejectsMissingConstructor(t *testing.T) {
	err := Validate(nil, Descriptor{Name: "broken"})
	if err == nil {
		t.Fatal("expected error for missing constructor")
	}
}

func TestPipelineLifecycle(t *testing.T) {
	source := newSource(t)
	p, err := Assemble(context.Background(), source, Options{
		Stages:  []Descriptor{passthroughDescriptor("pass", nil, nil, nil)},
		Metrics: &metrics.Registry{},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if p.State() != StateConstructed {
		t.Fatalf("expected constructed, got %s", p.State())
	}
	if err := p.UpdateWatches([]string{"/a"}); !errors.Is(err, ErrNotSpawned) {
		t.Fatalf("expected ErrNotSpawned before spawn, got %v", err)
	}

	p.Spawn()
	p.Spawn()
	if p.State() != StateSpawned {
		t.Fatalf("expected spawned, got %s", p.State())
	}
	if err := p.UpdateWatches([]string{"/a"}); err != nil {
		t.Fatalf("update watches: %v", err)
	}

	p.Finish()
	p.Finish()
	if p.State() != StateFinished {
		t.Fatalf("expected finished, got %s", p.State())
	}
	if err := p.UpdateWatches([]string{"/a"}); !errors.Is(err, ErrNotSpawned) {
		t.Fatalf("expected ErrNotSpawned after finish, got %v", err)
	}
}

func TestPipelineForwardsEventsThroughStages(t *testing.T) {
	source := newSource(t)
	p, err := Assemble(context.Background(), source, Options{
		Stages: []Descriptor{
			passthroughDescriptor("one", nil, nil, nil),
			passthroughDescriptor("two", nil, nil, nil),
		},
		Metrics: &metrics.Registry{},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	output, cancel := p.Output().Subscribe()
	defer cancel()
	p.Spawn()
	defer p.Finish()

	source.Publish(watcher.Event{Path: "/a", Op: watcher.Create})
	source.Publish(watcher.Event{Path: "/b", Op: watcher.Write})

	first := event.ReceiveWithTimeout(t, output, testTimeout)
	second := event.ReceiveWithTimeout(t, output, testTimeout)
	if first.Path != "/a" || second.Path != "/b" {
		t.Fatalf("unexpected order: %q then %q", first.Path, second.Path)
	}
	if got := p.Stages(); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected stages %v", got)
	}
}

func TestNothingIsEmittedAfterFinish(t *testing.T) {
	source := newSource(t)
	p, err := Assemble(context.Background(), source, Options{
		Stages:  []Descriptor{passthroughDescriptor("pass", nil, nil, nil)},
		Metrics: &metrics.Registry{},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	output, cancel := p.Output().Subscribe()
	defer cancel()
	p.Spawn()
	p.Finish()

	source.Publish(watcher.Event{Path: "/late", Op: watcher.Create})

	deadline := time.After(testTimeout)
	for {
		select {
		case change, ok := <-output:
			if !ok {
				return
			}
			if change.Path == "/late" {
				t.Fatalf("event emitted after finish: %+v", change)
			}
		case <-deadline:
			t.Fatal("expected output to close after finish")
		}
	}
}

func TestPipelineWithoutStagesExposesSource(t *testing.T) {
	source := newSource(t)
	p, err := Assemble(context.Background(), source, Options{Metrics: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer p.Finish()
	if p.Output() != EventSource(source) {
		t.Fatal("expected source as output")
	}
}

func TestAssembleReportsConstructorFailure(t *testing.T) {
	failing := Descriptor{
		Name: "failing",
		New: func(EventSource, EventSink, InstructionSink) (Processor, error) {
			return nil, errors.New("boom")
		},
	}
	_, err := Assemble(context.Background(), newSource(t), Options{
		Stages:  []Descriptor{passthroughDescriptor("ok", nil, nil, nil), failing},
		Metrics: &metrics.Registry{},
	})
	if err == nil {
		t.Fatal("expected constructor failure")
	}
}

func TestRunnerReportsLoopError(t *testing.T) {
	source := newSource(t)
	loopErr := errors.New("loop failed")
	runner := NewRunner(source, func(<-chan struct{}, <-chan watcher.Event) error {
		return loopErr
	})
	runner.Spawn()
	runner.Finish()
	if !errors.Is(runner.Err(), loopErr) {
		t.Fatalf("expected loop error, got %v", runner.Err())
	}
}

func TestInstructionType(t *testing.T) {
	if (Instruction{Kind: AddWatch}).Type() != InstructionTypeAddWatch {
		t.Fatal("unexpected add type")
	}
	if (Instruction{Kind: RemoveWatch}).Type() != InstructionTypeRemoveWatch {
		t.Fatal("unexpected remove type")
	}
	if got := (Instruction{Kind: AddWatch, Paths: []string{"/a", "/b"}}).String(); got != "add_watch(/a, /b)" {
		t.Fatalf("unexpected string %q", got)
	}
}
