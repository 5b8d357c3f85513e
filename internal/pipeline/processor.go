package pipeline

import (
	"errors"
	"sync"

	"changewatch/internal/watcher"

	"gopkg.in/tomb.v1"
)

// EventSource is anything stages can subscribe to; *event.Bus qualifies.
type EventSource interface {
	Subscribe() (<-chan watcher.Event, func())
}

type EventSink interface {
	Publish(watcher.Event)
}

type InstructionSink interface {
	Publish(Instruction)
}

// Processor is one stage of a pipeline.
type Processor interface {
	Spawn()
	UpdateWatches(paths []string) error
	Finish()
}

// Factory constructs a stage bound to its input, output and instruction
// channels. Stages should subscribe to in before returning.
type Factory func(in EventSource, out EventSink, instruct InstructionSink) (Processor, error)

var ErrNotSpawned = errors.New("processor not spawned")

type State int

const (
	StateConstructed State = iota
	StateSpawned
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateSpawned:
		return "spawned"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// LoopFunc is a stage body. It returns when dying closes or events is
// closed; a non-nil error becomes the runner's exit reason.
type LoopFunc func(dying <-chan struct{}, events <-chan watcher.Event) error

// Runner gives a stage its lifecycle. It subscribes on construction, runs
// loop on one goroutine after Spawn and stops it on Finish.
type Runner struct {
	mu          sync.Mutex
	state       State
	tomb        tomb.Tomb
	events      <-chan watcher.Event
	unsubscribe func()
	loop        LoopFunc
}

func NewRunner(in EventSource, loop LoopFunc) *Runner {
	events, unsubscribe := in.Subscribe()
	return &Runner{
		events:      events,
		unsubscribe: unsubscribe,
		loop:        loop,
	}
}

func (r *Runner) Spawn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConstructed {
		return
	}
	r.state = StateSpawned
	go func() {
		defer r.tomb.Done()
		r.tomb.Kill(r.loop(r.tomb.Dying(), r.events))
	}()
}

// Finish stops the loop and returns once it has exited. Nothing is emitted
// by the stage after Finish returns.
func (r *Runner) Finish() {
	r.mu.Lock()
	previous := r.state
	r.state = StateFinished
	r.mu.Unlock()

	switch previous {
	case StateSpawned:
		r.tomb.Kill(nil)
		_ = r.tomb.Wait()
		r.unsubscribe()
	case StateConstructed:
		r.unsubscribe()
	}
}

// CheckSpawned returns ErrNotSpawned unless the runner is running.
func (r *Runner) CheckSpawned() error {
	if r.State() != StateSpawned {
		return ErrNotSpawned
	}
	return nil
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err is the loop's exit reason once it has stopped.
func (r *Runner) Err() error {
	if r.State() != StateFinished {
		return nil
	}
	err := r.tomb.Err()
	if errors.Is(err, tomb.ErrStillAlive) {
		return nil
	}
	return err
}
