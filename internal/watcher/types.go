package watcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"changewatch/internal/logging"
	"changewatch/internal/metrics"
)

// Op is a set of change kinds. The empty set marks a change the backend
// could not classify.
type Op uint32

const (
	Create Op = 1 << iota
	Write
	Remove
	Rename
)

var opNames = []struct {
	op   Op
	name string
}{
	{Create, "CREATE"},
	{Write, "WRITE"},
	{Remove, "REMOVE"},
	{Rename, "RENAME"},
}

func (op Op) Has(other Op) bool {
	return op&other == other && other != 0
}

// Names lists the set members in a fixed order.
func (op Op) Names() []string {
	names := make([]string, 0, len(opNames))
	for _, entry := range opNames {
		if op.Has(entry.op) {
			names = append(names, entry.name)
		}
	}
	return names
}

func (op Op) String() string {
	if op == 0 {
		return "UNCLASSIFIED"
	}
	return strings.Join(op.Names(), "|")
}

// ParseOp is the inverse of Names.
func ParseOp(names []string) (Op, error) {
	var op Op
	for _, name := range names {
		matched := false
		for _, entry := range opNames {
			if strings.EqualFold(strings.TrimSpace(name), entry.name) {
				op |= entry.op
				matched = true
				break
			}
		}
		if !matched {
			return 0, errors.New("unknown op " + name)
		}
	}
	return op, nil
}

const (
	EventTypeFileChanged = "file_changed"
	EventTypeWatchError  = "watch_error"
)

// Event is a single change under a watch root. Path is empty only for
// backend errors that are not tied to a change record. When Err is set, Op
// carries no meaning.
type Event struct {
	Path      string
	Op        Op
	Err       error
	Timestamp time.Time
}

func (e Event) Type() string {
	if e.Err != nil {
		return EventTypeWatchError
	}
	return EventTypeFileChanged
}

var (
	// ErrPathNotFound is published when a watch root cannot be opened.
	ErrPathNotFound = errors.New("watch root not found")
	// ErrClosed is returned once the registry no longer accepts actions.
	ErrClosed = errors.New("error sending to internal channel")
	// ErrEventOverflow is published when the OS dropped notifications.
	ErrEventOverflow = errors.New("change notifications overflowed")
)

// OpenError is the Err of the event published when a watch root cannot be
// opened. It matches ErrPathNotFound.
type OpenError struct {
	Root string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrPathNotFound, e.Root, e.Err)
}

func (e *OpenError) Unwrap() []error {
	return []error{ErrPathNotFound, e.Err}
}

// Sink receives events. It must be safe for concurrent use and must not
// block; *event.Bus[Event] qualifies.
type Sink interface {
	Publish(Event)
}

// Watch is the contract every backend satisfies.
type Watch interface {
	Watch(path string) error
	Unwatch(path string) error
	Close() error
}

// Options controls watcher behavior.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// WaitInterval bounds each registry wait between action drains.
	WaitInterval time.Duration
}
