package session

import (
	"fmt"
	"sort"

	"github.com/mhismail3/tron/internal/service"
)

// SkillRecord tracks one attached skill and where it came from.
type SkillRecord struct {
	EventID string `json:"event_id"`
	Source  string `json:"source,omitempty"`
	Method  string `json:"method,omitempty"`
}

// SkillState is the replayed snapshot of a session's skills.
type SkillState struct {
	Added      map[string]SkillRecord `json:"added"`
	Removed    []string               `json:"removed,omitempty"`
	UsedSpells []string               `json:"used_spells,omitempty"`
}

// SkillTracker derives skill state purely from events. In strict mode
// unknown event variants are an error; in lenient replay they are
// skipped.
type SkillTracker struct {
	added      map[string]SkillRecord
	removed    map[string]struct{}
	usedSpells map[string]struct{}
	strict     bool
}

func NewSkillTracker(strict bool) *SkillTracker {
	t := &SkillTracker{strict: strict}
	t.Reset()

	return t
}

// Reset clears all derived state. Called on context.cleared and
// compact.boundary replay.
func (t *SkillTracker) Reset() {
	t.added = make(map[string]SkillRecord)
	t.removed = make(map[string]struct{})
	t.usedSpells = make(map[string]struct{})
}

// Apply folds one event into the tracker.
func (t *SkillTracker) Apply(e *service.Event) error {
	payload, err := service.DecodePayload(e)
	if err != nil {
		if t.strict {
			return fmt.Errorf("skill tracker: %w", err)
		}

		return nil
	}

	switch p := payload.(type) {
	case *service.SkillAddedPayload:
		if p.Method == "spell" {
			t.usedSpells[p.Name] = struct{}{}

			return nil
		}

		t.added[p.Name] = SkillRecord{EventID: e.ID, Source: p.Source, Method: p.Method}
		delete(t.removed, p.Name)
	case *service.SkillRemovedPayload:
		delete(t.added, p.Name)
		t.removed[p.Name] = struct{}{}
	case *service.ContextClearedPayload, *service.CompactBoundaryPayload:
		t.Reset()
	}

	return nil
}

// Snapshot returns a stable copy of the current state.
func (t *SkillTracker) Snapshot() SkillState {
	state := SkillState{Added: make(map[string]SkillRecord, len(t.added))}
	for name, rec := range t.added {
		state.Added[name] = rec
	}

	for name := range t.removed {
		state.Removed = append(state.Removed, name)
	}
	sort.Strings(state.Removed)

	for name := range t.usedSpells {
		state.UsedSpells = append(state.UsedSpells, name)
	}
	sort.Strings(state.UsedSpells)

	return state
}
