// Package diffpatch copies comments and attachments that a target item has
// not yet received, using the counts recorded in the mapping entry as the
// high-water mark.
package diffpatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

// Patch is the content a target item is missing.
type Patch struct {
	SourceID    string
	TargetID    string
	Comments    []types.Comment    // In chronological order
	Attachments []types.Attachment // In source order
}

// Empty reports whether there is nothing to copy.
func (p Patch) Empty() bool {
	return len(p.Comments) == 0 && len(p.Attachments) == 0
}

// Plan returns the comments at index >= entry.CommentCount and the
// attachments at index >= entry.AttachmentCount.
func Plan(rec *types.WorkItemRecord, entry *types.MappingEntry) Patch {
	p := Patch{SourceID: rec.SourceID, TargetID: entry.TargetID}

	comments := rec.SortedComments()
	if n := clamp(entry.CommentCount, len(comments)); n < len(comments) {
		p.Comments = comments[n:]
	}
	if n := clamp(entry.AttachmentCount, len(rec.Attachments)); n < len(rec.Attachments) {
		p.Attachments = append([]types.Attachment(nil), rec.Attachments[n:]...)
	}
	return p
}

func clamp(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// Applied counts what Apply copied.
type Applied struct {
	Comments    int
	Attachments int
}

// Options configures an Engine.
type Options struct {
	Retry  tracker.RetryPolicy
	Logger *slog.Logger

	// Checkpoint, when set, is called with the updated entry after every
	// copied comment or attachment so partial progress survives a crash.
	Checkpoint func(ctx context.Context, entry *types.MappingEntry) error
}

// Engine applies patches.
type Engine struct {
	src  tracker.Source
	tgt  tracker.Target
	opts Options
}

// New returns an Engine reading attachment bytes from src and writing to tgt.
func New(src tracker.Source, tgt tracker.Target, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{src: src, tgt: tgt, opts: opts}
}

// Apply copies the patch for rec onto entry.TargetID. entry's counts are
// advanced after each unit, so on error they reflect what was copied.
// An empty patch makes no calls.
func (e *Engine) Apply(ctx context.Context, rec *types.WorkItemRecord, entry *types.MappingEntry) (Applied, error) {
	var applied Applied
	patch := Plan(rec, entry)
	if patch.Empty() {
		return applied, nil
	}

	for _, c := range patch.Comments {
		marker := tracker.CommentMarker(rec.SourceID, c.ID)
		err := e.opts.Retry.Do(ctx, "AddComment", func(ctx context.Context) error {
			return e.tgt.AddComment(ctx, entry.TargetID, c, marker)
		})
		if err != nil {
			return applied, fmt.Errorf("copying comment %s of %s: %w", c.ID, rec.SourceID, err)
		}
		entry.CommentCount++
		applied.Comments++
		if err := e.checkpoint(ctx, entry); err != nil {
			return applied, err
		}
	}

	for _, a := range patch.Attachments {
		var content []byte
		err := e.opts.Retry.Do(ctx, "DownloadAttachment", func(ctx context.Context) error {
			var err error
			content, err = e.src.DownloadAttachment(ctx, a)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("downloading attachment %s of %s: %w", a.Name, rec.SourceID, err)
		}

		marker := tracker.AttachmentMarker(rec.SourceID, a.ID)
		err = e.opts.Retry.Do(ctx, "AddAttachment", func(ctx context.Context) error {
			return e.tgt.AddAttachment(ctx, entry.TargetID, a, content, marker)
		})
		if err != nil {
			return applied, fmt.Errorf("uploading attachment %s of %s: %w", a.Name, rec.SourceID, err)
		}
		entry.AttachmentCount++
		applied.Attachments++
		if err := e.checkpoint(ctx, entry); err != nil {
			return applied, err
		}
	}

	e.opts.Logger.Debug("content patched",
		"source_id", rec.SourceID, "target_id", entry.TargetID,
		"comments", applied.Comments, "attachments", applied.Attachments)
	return applied, nil
}

func (e *Engine) checkpoint(ctx context.Context, entry *types.MappingEntry) error {
	if e.opts.Checkpoint == nil {
		return nil
	}
	if err := e.opts.Checkpoint(ctx, entry); err != nil {
		return fmt.Errorf("recording progress for %s: %w", entry.SourceID, err)
	}
	return nil
}
