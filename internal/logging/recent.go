package logging

import "sync"

// Recent is a fixed-size ring of the newest entries.
type Recent struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 1
	}
	return &Recent{entries: make([]Entry, size)}
}

func (r *Recent) Add(entry Entry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// List returns the kept entries, oldest first.
func (r *Recent) List() []Entry {
	return r.Select(LevelDebug, 0)
}

// Select returns up to limit of the newest entries at or above floor,
// oldest first. A limit of zero or less means all of them.
func (r *Recent) Select(floor Level, limit int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ordered := make([]Entry, 0, len(r.entries))
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
	}
	ordered = append(ordered, r.entries[:r.next]...)
	r.mu.Unlock()

	selected := ordered[:0]
	for _, entry := range ordered {
		if entry.Level.AtLeast(floor) {
			selected = append(selected, entry)
		}
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[len(selected)-limit:]
	}
	return selected
}
