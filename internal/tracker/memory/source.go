// Package memory provides in-process Source and Target connectors. They back
// dry runs and serve as test doubles for the engine.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

func init() {
	tracker.RegisterSource("memory", func() tracker.Source { return NewSource() })
	tracker.RegisterTarget("memory", func() tracker.Target { return NewTarget() })
}

// Source serves seeded records.
type Source struct {
	mu       sync.Mutex
	items    map[string]*types.WorkItemRecord
	content  map[string][]byte  // Attachment bytes by ContentRef
	failures map[string][]error // Queued errors by "op:id"
	fetches  map[string]int
}

// NewSource returns a source holding records.
func NewSource(records ...*types.WorkItemRecord) *Source {
	s := &Source{
		items:    make(map[string]*types.WorkItemRecord),
		content:  make(map[string][]byte),
		failures: make(map[string][]error),
		fetches:  make(map[string]int),
	}
	for _, r := range records {
		s.Put(r)
	}
	return s
}

// Put adds or replaces a record.
func (s *Source) Put(rec *types.WorkItemRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[rec.SourceID] = cloneRecord(rec)
}

// AddComment appends a comment to a seeded record.
func (s *Source) AddComment(id string, c types.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.items[id]; ok {
		rec.Comments = append(rec.Comments, c)
	}
}

// AddAttachment appends an attachment and its bytes to a seeded record.
func (s *Source) AddAttachment(id string, a types.Attachment, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ContentRef == "" {
		a.ContentRef = id + "/" + a.ID
	}
	if a.Size == 0 {
		a.Size = int64(len(content))
	}
	if rec, ok := s.items[id]; ok {
		rec.Attachments = append(rec.Attachments, a)
	}
	s.content[a.ContentRef] = content
}

// FailNext makes the next len(errs) calls of op for id return errs in order.
// op is a method name such as "FetchItem".
func (s *Source) FailNext(op, id string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + ":" + id
	s.failures[key] = append(s.failures[key], errs...)
}

// FetchCount reports how many times FetchItem was called for id.
func (s *Source) FetchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[id]
}

func (s *Source) popFailure(op, id string) error {
	key := op + ":" + id
	q := s.failures[key]
	if len(q) == 0 {
		return nil
	}
	s.failures[key] = q[1:]
	return q[0]
}

// Name implements tracker.Source.
func (s *Source) Name() string { return "memory" }

// Init implements tracker.Source.
func (s *Source) Init(context.Context, *tracker.Config) error { return nil }

// Close implements tracker.Source.
func (s *Source) Close() error { return nil }

// FetchItem implements tracker.Source.
func (s *Source) FetchItem(ctx context.Context, id string) (*types.WorkItemRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[id]++
	if err := s.popFailure("FetchItem", id); err != nil {
		return nil, err
	}
	rec, ok := s.items[id]
	if !ok {
		return nil, tracker.NotFoundError("memory.FetchItem", id)
	}
	return cloneRecord(rec), nil
}

// FetchChildren implements tracker.Source.
func (s *Source) FetchChildren(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure("FetchChildren", id); err != nil {
		return nil, err
	}
	var out []string
	for cid, rec := range s.items {
		if rec.ParentID == id && cid != id {
			out = append(out, cid)
		}
	}
	sort.Strings(out)
	return out, nil
}

// FetchTestCases implements tracker.Source.
func (s *Source) FetchTestCases(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, tracker.NotFoundError("memory.FetchTestCases", id)
	}
	return append([]string(nil), rec.TestCaseIDs...), nil
}

// FetchComments implements tracker.Source.
func (s *Source) FetchComments(ctx context.Context, id string) ([]types.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, tracker.NotFoundError("memory.FetchComments", id)
	}
	return cloneRecord(rec).SortedComments(), nil
}

// FetchAttachments implements tracker.Source.
func (s *Source) FetchAttachments(ctx context.Context, id string) ([]types.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, tracker.NotFoundError("memory.FetchAttachments", id)
	}
	return append([]types.Attachment(nil), rec.Attachments...), nil
}

// DownloadAttachment implements tracker.Source.
func (s *Source) DownloadAttachment(ctx context.Context, a types.Attachment) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure("DownloadAttachment", a.ID); err != nil {
		return nil, err
	}
	b, ok := s.content[a.ContentRef]
	if !ok {
		return nil, tracker.NotFoundError("memory.DownloadAttachment", a.ContentRef)
	}
	return append([]byte(nil), b...), nil
}

// ListProject implements tracker.Source.
func (s *Source) ListProject(ctx context.Context, opts tracker.FetchOptions) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, rec := range s.items {
		if opts.Since != nil && !rec.UpdatedAt.After(*opts.Since) {
			continue
		}
		if len(opts.Types) > 0 && !containsFold(opts.Types, rec.Type) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func cloneRecord(r *types.WorkItemRecord) *types.WorkItemRecord {
	c := *r
	c.TestCaseIDs = append([]string(nil), r.TestCaseIDs...)
	c.Comments = append([]types.Comment(nil), r.Comments...)
	c.Attachments = append([]types.Attachment(nil), r.Attachments...)
	if r.Fields != nil {
		c.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

var _ tracker.Source = (*Source)(nil)

// String renders the record IDs held, for debugging.
func (s *Source) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("memory.Source%v", ids)
}
