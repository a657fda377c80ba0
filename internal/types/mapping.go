package types

import "time"

// Outcome records what the last sync did to a target item.
type Outcome string

// Outcome constants
const (
	OutcomeCreated Outcome = "Created"
	OutcomeUpdated Outcome = "Updated"
	OutcomeSkipped Outcome = "Skipped"
	OutcomeFailed  Outcome = "Failed"
)

// IsValid checks if the outcome value is one of the known outcomes
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeCreated, OutcomeUpdated, OutcomeSkipped, OutcomeFailed:
		return true
	}
	return false
}

// MappingEntry is one row of the traceability table linking a source item to
// the target item created for it. Rows are created on the first successful
// upsert and updated on every later sync; they are never deleted.
type MappingEntry struct {
	SourceID        string    `json:"source_id" yaml:"source_id"`
	TargetID        string    `json:"target_id" yaml:"target_id"`
	SourceType      string    `json:"source_type" yaml:"source_type"`
	TargetType      string    `json:"target_type" yaml:"target_type"`
	LastSyncedAt    time.Time `json:"last_synced_at" yaml:"last_synced_at"`
	CommentCount    int       `json:"comment_count" yaml:"comment_count"`       // Comments already copied to the target
	AttachmentCount int       `json:"attachment_count" yaml:"attachment_count"` // Attachments already copied to the target
	Outcome         Outcome   `json:"outcome" yaml:"outcome"`
	RunID           string    `json:"run_id,omitempty" yaml:"run_id,omitempty"` // Run that last touched the row
}

// Clone returns a copy safe to hand to another goroutine.
func (e *MappingEntry) Clone() *MappingEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
