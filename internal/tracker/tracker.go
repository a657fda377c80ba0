// Package tracker defines the connector contracts between the migration
// engine and the source and target work-item trackers, together with the
// shared plumbing every connector uses: error classification, retries,
// request throttling, the traceability marker and a connector registry.
package tracker

import (
	"context"
	"time"

	"github.com/steveyegge/wimigrate/internal/types"
)

// Source is a read-only view of the tracker items are migrated from.
type Source interface {
	// Name returns the connector name (e.g., "rally", "memory").
	Name() string

	// Init prepares the connector with configuration. Called once before use.
	Init(ctx context.Context, cfg *Config) error

	// FetchItem returns a full snapshot of one item, including test-case
	// IDs, comments and attachment metadata.
	FetchItem(ctx context.Context, id string) (*types.WorkItemRecord, error)

	// FetchChildren returns the IDs of the item's direct children.
	FetchChildren(ctx context.Context, id string) ([]string, error)

	// FetchTestCases returns the IDs of test cases linked to the item.
	FetchTestCases(ctx context.Context, id string) ([]string, error)

	// FetchComments returns the item's comments in chronological order.
	FetchComments(ctx context.Context, id string) ([]types.Comment, error)

	// FetchAttachments returns attachment metadata in source order.
	FetchAttachments(ctx context.Context, id string) ([]types.Attachment, error)

	// DownloadAttachment returns the bytes behind an attachment.
	DownloadAttachment(ctx context.Context, a types.Attachment) ([]byte, error)

	// ListProject returns the IDs of every item in the configured project.
	ListProject(ctx context.Context, opts FetchOptions) ([]string, error)

	// Close releases any resources held by the connector.
	Close() error
}

// Target is the tracker items are migrated into. Every write is idempotent
// for the same source tag or content marker.
type Target interface {
	Name() string
	Init(ctx context.Context, cfg *Config) error

	// FindBySourceTag returns the item carrying the traceability marker for
	// sourceID, or nil (and no error) when none exists.
	FindBySourceTag(ctx context.Context, sourceID string) (*TargetItem, error)

	// CreateItem creates an item of targetType tagged with the marker for
	// sourceID.
	CreateItem(ctx context.Context, targetType, sourceID string, fields map[string]any) (*TargetItem, error)

	// UpdateItem writes fields onto an existing item.
	UpdateItem(ctx context.Context, targetID string, fields map[string]any) (*TargetItem, error)

	// SetParent links childID under parentID. No-op if already linked.
	SetParent(ctx context.Context, childID, parentID string) error

	// LinkTestCase links itemID to testCaseID. No-op if already linked.
	LinkTestCase(ctx context.Context, itemID, testCaseID string) error

	// AddComment appends a comment. No-op if marker is already present.
	AddComment(ctx context.Context, targetID string, c types.Comment, marker string) error

	// AddAttachment uploads content and attaches it. No-op if marker is
	// already present.
	AddAttachment(ctx context.Context, targetID string, a types.Attachment, content []byte, marker string) error

	// WorkflowStates returns the states of targetType in workflow order.
	WorkflowStates(ctx context.Context, targetType string) ([]WorkflowState, error)

	// ResolveIdentity maps a source user to a target identity. The bool is
	// false when no match exists.
	ResolveIdentity(ctx context.Context, sourceIdentity string) (string, bool, error)

	Close() error
}

// TargetItem is the target's view of a migrated item.
type TargetItem struct {
	ID              string
	Type            string
	URL             string
	Fields          map[string]any
	CommentCount    int // Comments carrying a migration marker
	AttachmentCount int // Attachments carrying a migration marker
}

// StateField is the target field that carries the workflow state.
const StateField = "System.State"

// StateCategory groups workflow states the way Azure DevOps does.
type StateCategory string

// Workflow state categories in their natural order.
const (
	CategoryProposed   StateCategory = "Proposed"
	CategoryInProgress StateCategory = "InProgress"
	CategoryResolved   StateCategory = "Resolved"
	CategoryCompleted  StateCategory = "Completed"
	CategoryRemoved    StateCategory = "Removed"
)

// Rank orders categories along the workflow. Unknown categories rank last.
func (c StateCategory) Rank() int {
	switch c {
	case CategoryProposed:
		return 0
	case CategoryInProgress:
		return 1
	case CategoryResolved:
		return 2
	case CategoryCompleted:
		return 3
	case CategoryRemoved:
		return 4
	}
	return 5
}

// WorkflowState is one state of a target work item type.
type WorkflowState struct {
	Name     string
	Category StateCategory
}

// FetchOptions narrows ListProject.
type FetchOptions struct {
	Since *time.Time // Only items updated after this time
	Types []string   // Only these source types; empty means all
	Limit int        // Stop after this many IDs; zero means no limit
}
