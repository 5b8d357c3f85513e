package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"changewatch/internal/event"
	"changewatch/internal/logging"
	"changewatch/internal/metrics"
	"changewatch/internal/watcher"
)

type Options struct {
	// Base lists what the source already provides.
	Base    []Capability
	Stages  []Descriptor
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type stage struct {
	name      string
	processor Processor
	output    *event.Bus[watcher.Event]
}

// Pipeline is a validated chain of stages between a source and Output.
type Pipeline struct {
	mu           sync.Mutex
	state        State
	stages       []stage
	source       EventSource
	instructions *event.Bus[Instruction]
	logger       *logging.Logger
	metrics      *metrics.Registry
}

// Assemble validates the stage chain and constructs every stage in order.
// Nothing is constructed if validation fails.
func Assemble(ctx context.Context, source EventSource, options Options) (*Pipeline, error) {
	if source == nil {
		return nil, errors.New("pipeline source is nil")
	}
	if err := Validate(options.Base, options.Stages...); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}

	p := &Pipeline{
		source: source,
		instructions: event.NewBus[Instruction](ctx, event.BusOptions{
			Name:     "instructions",
			Registry: registry,
		}),
		logger:  logger,
		metrics: registry,
	}

	in := source
	for _, descriptor := range options.Stages {
		out := event.NewBus[watcher.Event](ctx, event.BusOptions{
			Name:     "stage:" + descriptor.Name,
			Registry: registry,
		})
		processor, err := descriptor.New(in, out, p.instructions)
		if err != nil {
			out.Close()
			p.Finish()
			return nil, fmt.Errorf("construct stage %s: %w", descriptor.Name, err)
		}
		p.stages = append(p.stages, stage{name: descriptor.Name, processor: processor, output: out})
		in = out
	}

	logger.Debug("pipeline assembled", map[string]string{
		"stages": fmt.Sprint(len(p.stages)),
	})
	return p, nil
}

// Spawn starts every stage. Calling it again has no effect.
func (p *Pipeline) Spawn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateConstructed {
		return
	}
	p.state = StateSpawned
	for _, s := range p.stages {
		s.processor.Spawn()
	}
}

// UpdateWatches tells every stage the current set of watched roots.
func (p *Pipeline) UpdateWatches(paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateSpawned {
		return ErrNotSpawned
	}
	var errs []error
	for _, s := range p.stages {
		if err := s.processor.UpdateWatches(paths); err != nil {
			errs = append(errs, fmt.Errorf("stage %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Finish stops stages upstream first and closes their outputs. Calling it
// again has no effect.
func (p *Pipeline) Finish() {
	p.mu.Lock()
	if p.state == StateFinished {
		p.mu.Unlock()
		return
	}
	p.state = StateFinished
	stages := p.stages
	p.mu.Unlock()

	for _, s := range stages {
		s.processor.Finish()
		s.output.Close()
	}
	p.instructions.Close()
}

// Output is where the last stage publishes; with no stages it is the source.
func (p *Pipeline) Output() EventSource {
	if len(p.stages) == 0 {
		return p.source
	}
	return p.stages[len(p.stages)-1].output
}

func (p *Pipeline) Instructions() *event.Bus[Instruction] {
	return p.instructions
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stages lists stage names in order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}
