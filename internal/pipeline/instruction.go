package pipeline

import "strings"

type InstructionKind int

const (
	AddWatch InstructionKind = iota + 1
	RemoveWatch
)

const (
	InstructionTypeAddWatch    = "add_watch"
	InstructionTypeRemoveWatch = "remove_watch"
)

// Instruction is a request from a stage to change which roots are watched.
type Instruction struct {
	Kind  InstructionKind
	Paths []string
}

func (i Instruction) Type() string {
	switch i.Kind {
	case AddWatch:
		return InstructionTypeAddWatch
	case RemoveWatch:
		return InstructionTypeRemoveWatch
	default:
		return "unknown"
	}
}

func (i Instruction) String() string {
	return i.Type() + "(" + strings.Join(i.Paths, ", ") + ")"
}
