// Package types defines the core data structures shared by the migration engine.
package types

import (
	"sort"
	"time"
)

// WorkItemRecord is one work item as fetched from the source tracker.
// A record is an immutable snapshot for the duration of a migration attempt;
// retries fetch a fresh one.
type WorkItemRecord struct {
	SourceID    string    `json:"source_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	State       string    `json:"state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Structural links
	ParentID    string   `json:"parent_id,omitempty"`     // Empty when the item has no parent
	TestCaseIDs []string `json:"test_case_ids,omitempty"` // Sorted, deduplicated

	// Content collections, in source order
	Comments    []Comment    `json:"comments,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Fields holds every raw source field by name. The mapping engine reads
	// from here; Title/Description/State are mirrored for convenience.
	Fields map[string]any `json:"fields,omitempty"`
}

// HasParent reports whether the record declares a parent.
func (r *WorkItemRecord) HasParent() bool {
	return r.ParentID != "" && r.ParentID != r.SourceID
}

// Field returns the raw source field value and whether it was present.
func (r *WorkItemRecord) Field(name string) (any, bool) {
	switch name {
	case "Title", "Name":
		if v, ok := r.Fields[name]; ok {
			return v, true
		}
		return r.Title, r.Title != ""
	case "Description":
		if v, ok := r.Fields[name]; ok {
			return v, true
		}
		return r.Description, r.Description != ""
	case "State":
		if v, ok := r.Fields[name]; ok {
			return v, true
		}
		return r.State, r.State != ""
	}
	v, ok := r.Fields[name]
	return v, ok
}

// SetTestCases stores ids as a sorted, deduplicated set.
func (r *WorkItemRecord) SetTestCases(ids []string) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] || id == r.SourceID {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	r.TestCaseIDs = out
}

// SortedComments returns the comments in chronological order. Comments with
// equal timestamps keep their source order.
func (r *WorkItemRecord) SortedComments() []Comment {
	out := make([]Comment, len(r.Comments))
	copy(out, r.Comments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Comment is a discussion entry on a work item.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"` // HTML
	CreatedAt time.Time `json:"created_at"`
}

// Attachment describes a file attached to a work item. Content is not held
// in memory; ContentRef is an opaque handle the source connector uses to
// download the bytes when needed.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentRef  string `json:"content_ref,omitempty"`
}
