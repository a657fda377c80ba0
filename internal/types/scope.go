package types

import (
	"sort"
	"strings"
	"time"
)

// Scope selects which source items a migration starts from. It is a closed
// set: AllInProject or ExplicitIDs.
type Scope interface {
	isScope()
	String() string
}

// AllInProject selects every item in the configured source project.
type AllInProject struct {
	// ChangedSince restricts the selection to items updated after this time.
	ChangedSince *time.Time
}

func (AllInProject) isScope() {}

func (s AllInProject) String() string {
	if s.ChangedSince != nil {
		return "all items changed since " + s.ChangedSince.UTC().Format(time.RFC3339)
	}
	return "all items in project"
}

// ExplicitIDs selects a fixed set of source IDs.
type ExplicitIDs struct {
	IDs []string
}

func (ExplicitIDs) isScope() {}

func (s ExplicitIDs) String() string {
	return "items " + strings.Join(s.IDs, ", ")
}

// AllItems builds an AllInProject scope.
func AllItems(changedSince *time.Time) Scope {
	return AllInProject{ChangedSince: changedSince}
}

// IDs builds an ExplicitIDs scope from ids, trimming blanks and duplicates.
func IDs(ids ...string) Scope {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return ExplicitIDs{IDs: out}
}
