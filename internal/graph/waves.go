package graph

import (
	"fmt"
	"sort"

	"github.com/steveyegge/wimigrate/internal/types"
)

// ComputeWaves orders records so every item lands in a later wave than its
// parent. Parents outside the record set do not constrain ordering. When a
// cycle remains, the parent edge of the smallest ID on the cycle is broken:
// it is returned in broken (child to parent) with a warning. Wave members
// are sorted by ID.
func ComputeWaves(records map[string]*types.WorkItemRecord) (waves [][]string, broken map[string]string, warnings []string) {
	broken = make(map[string]string)

	parent := make(map[string]string, len(records))
	remaining := make(map[string]bool, len(records))
	for id, rec := range records {
		remaining[id] = true
		if rec.HasParent() {
			if _, ok := records[rec.ParentID]; ok {
				parent[id] = rec.ParentID
			}
		}
	}
	assigned := make(map[string]bool, len(records))

	for len(remaining) > 0 {
		var wave []string
		for id := range remaining {
			p, hasParent := parent[id]
			if !hasParent || assigned[p] {
				wave = append(wave, id)
			}
		}

		if len(wave) == 0 {
			victim := smallestOnCycle(remaining, parent)
			warnings = append(warnings, fmt.Sprintf(
				"parent cycle detected: ignoring parent %s of %s", parent[victim], victim))
			broken[victim] = parent[victim]
			delete(parent, victim)
			continue
		}

		sort.Strings(wave)
		for _, id := range wave {
			assigned[id] = true
			delete(remaining, id)
		}
		waves = append(waves, wave)
	}
	return waves, broken, warnings
}

// smallestOnCycle returns the smallest ID that lies on a parent cycle. Every
// remaining node has a remaining parent, so at least one cycle exists.
func smallestOnCycle(remaining map[string]bool, parent map[string]string) string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cur := id
		for step := 0; step < len(ids); step++ {
			next, ok := parent[cur]
			if !ok || !remaining[next] {
				break
			}
			if next == id {
				return id
			}
			cur = next
		}
	}
	return ids[0]
}
