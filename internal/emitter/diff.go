package emitter

import (
	"sort"
	"sync"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

// Change kinds between two consecutive reports.
const (
	ChangeRetained = "retained" // newly inside the retained set
	ChangeRetired  = "retired"  // left the retained set
)

// RetainedChange is one image entering or leaving the retained set.
type RetainedChange struct {
	Type  string
	Entry fleet.TagEntry
}

// RetainedTracker remembers the retained set between reap runs so interval
// mode can report how the fleet moved.
type RetainedTracker struct {
	mu          sync.RWMutex
	previous    map[string]fleet.TagEntry
	initialized bool
}

// NewRetainedTracker creates an empty tracker.
func NewRetainedTracker() *RetainedTracker {
	return &RetainedTracker{
		previous: make(map[string]fleet.TagEntry),
	}
}

// Diff compares kept against the previous run. It returns nil on the first
// run and changes ordered by sequence otherwise.
func (d *RetainedTracker) Diff(kept []fleet.TagEntry) []RetainedChange {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil
	}

	current := indexEntries(kept)
	changes := make([]RetainedChange, 0)
	for id, entry := range current {
		if _, ok := d.previous[id]; !ok {
			changes = append(changes, RetainedChange{Type: ChangeRetained, Entry: entry})
		}
	}
	for id, entry := range d.previous {
		if _, ok := current[id]; !ok {
			changes = append(changes, RetainedChange{Type: ChangeRetired, Entry: entry})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Entry.Tag.Sequence < changes[j].Entry.Tag.Sequence
	})
	return changes
}

// Update stores kept as the baseline for the next run.
func (d *RetainedTracker) Update(kept []fleet.TagEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.previous = indexEntries(kept)
	d.initialized = true
}

func indexEntries(entries []fleet.TagEntry) map[string]fleet.TagEntry {
	m := make(map[string]fleet.TagEntry, len(entries))
	for _, e := range entries {
		m[e.Image.ImageID] = e
	}
	return m
}
