package processor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"changewatch/internal/event"
	"changewatch/internal/pipeline"
	"changewatch/internal/watcher"
)

func hasInstruction(kind pipeline.InstructionKind, path string) func([]pipeline.Instruction) bool {
	return func(instructions []pipeline.Instruction) bool {
		for _, instruction := range instructions {
			if instruction.Kind != kind {
				continue
			}
			for _, candidate := range instruction.Paths {
				if candidate == path {
					return true
				}
			}
		}
		return false
	}
}

func TestCoverageDropsVanishedRoot(t *testing.T) {
	source := newSource(t)
	out := event.NewRecorder[watcher.Event]()
	instructions := event.NewRecorder[pipeline.Instruction]()
	root := filepath.Join(t.TempDir(), "root")

	stage := NewCoverage(source, out, instructions, CoverageOptions{})
	stage.Spawn()
	defer stage.Finish()
	if err := stage.UpdateWatches([]string{root}); err != nil {
		t.Fatalf("update watches: %v", err)
	}

	source.Publish(watcher.Event{Path: filepath.Join(root, "child"), Op: watcher.Remove})
	source.Publish(watcher.Event{Path: root, Op: watcher.Remove})

	if !instructions.WaitFor(testTimeout, hasInstruction(pipeline.RemoveWatch, root)) {
		t.Fatalf("expected RemoveWatch for %s, got %v", root, instructions.Events())
	}
	if got := instructions.Events(); len(got) != 1 {
		t.Fatalf("expected exactly one instruction, got %v", got)
	}
	passed := func(events []watcher.Event) bool { return len(events) == 2 }
	if !out.WaitFor(testTimeout, passed) {
		t.Fatalf("expected both events to pass through, got %v", paths(out.Events()))
	}
	if len(stage.Roots()) != 0 {
		t.Fatalf("expected root to be forgotten, got %v", stage.Roots())
	}
}

func TestCoverageRestoresRootOnCreate(t *testing.T) {
	source := newSource(t)
	out := event.NewRecorder[watcher.Event]()
	instructions := event.NewRecorder[pipeline.Instruction]()
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	stage := NewCoverage(source, out, instructions, CoverageOptions{Restore: []string{root}})
	stage.Spawn()
	defer stage.Finish()
	if err := stage.UpdateWatches([]string{parent}); err != nil {
		t.Fatalf("update watches: %v", err)
	}

	source.Publish(watcher.Event{Path: filepath.Join(parent, "other"), Op: watcher.Create})
	source.Publish(watcher.Event{Path: root, Op: watcher.Create})

	if !instructions.WaitFor(testTimeout, hasInstruction(pipeline.AddWatch, root)) {
		t.Fatalf("expected AddWatch for %s, got %v", root, instructions.Events())
	}
	if got := instructions.Events(); len(got) != 1 {
		t.Fatalf("expected exactly one instruction, got %v", got)
	}
}

func TestCoveragePollsForVanishedRestoreRoot(t *testing.T) {
	source := newSource(t)
	out := event.NewRecorder[watcher.Event]()
	instructions := event.NewRecorder[pipeline.Instruction]()
	root := filepath.Join(t.TempDir(), "root")

	stage := NewCoverage(source, out, instructions, CoverageOptions{
		Restore:   []string{root},
		RetryBase: 10 * time.Millisecond,
	})
	stage.Spawn()
	defer stage.Finish()
	if err := stage.UpdateWatches([]string{root}); err != nil {
		t.Fatalf("update watches: %v", err)
	}

	source.Publish(watcher.Event{Path: root, Op: watcher.Rename})
	if !instructions.WaitFor(testTimeout, hasInstruction(pipeline.RemoveWatch, root)) {
		t.Fatalf("expected RemoveWatch, got %v", instructions.Events())
	}

	time.Sleep(50 * time.Millisecond)
	if hasInstruction(pipeline.AddWatch, root)(instructions.Events()) {
		t.Fatal("root restored before it exists")
	}

	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !instructions.WaitFor(testTimeout, hasInstruction(pipeline.AddWatch, root)) {
		t.Fatalf("expected AddWatch after root reappeared, got %v", instructions.Events())
	}
}

func TestCoverageNeedsFilteredInput(t *testing.T) {
	descriptor := CoverageDescriptor(CoverageOptions{})
	err := pipeline.Validate([]pipeline.Capability{pipeline.CapabilityRaw}, descriptor)
	if err == nil {
		t.Fatal("expected coverage without filter to be rejected")
	}
	if err := pipeline.Validate([]pipeline.Capability{pipeline.CapabilityRaw}, FilterDescriptor(nil), descriptor); err != nil {
		t.Fatalf("expected filter then coverage to validate, got %v", err)
	}
}
