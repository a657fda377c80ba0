package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

// Item is a work item held by the memory target.
type Item struct {
	ID          string
	Type        string
	SourceID    string
	Fields      map[string]any
	ParentID    string
	TestCases   []string
	Comments    []StoredComment
	Attachments []StoredAttachment
}

// StoredComment is a comment as written to the target.
type StoredComment struct {
	Marker string
	Text   string
}

// StoredAttachment is an attachment as written to the target.
type StoredAttachment struct {
	Marker string
	Name   string
	Size   int
}

// Call is one recorded write or lookup against the target.
type Call struct {
	Seq      int64
	Op       string
	TargetID string
	SourceID string
	Detail   string
}

// Target is a map-backed target that records every call it receives.
type Target struct {
	mu       sync.Mutex
	nextID   int
	items    map[string]*Item
	bySource map[string]string
	calls    []Call
	seq      int64

	failures    map[string][]error                 // Queued errors by "op" or "op:sourceID"
	states      map[string][]tracker.WorkflowState // Per target type, in workflow order
	transitions map[string]map[string][]string     // type -> from -> allowed to
	identities  map[string]string

	// Latency delays every write, to keep operations in flight in tests.
	Latency time.Duration

	// OnCall, when set, runs after each recorded call outside the lock.
	OnCall func(Call)
}

// NewTarget returns an empty target.
func NewTarget() *Target {
	return &Target{
		nextID:      1,
		items:       make(map[string]*Item),
		bySource:    make(map[string]string),
		failures:    make(map[string][]error),
		states:      make(map[string][]tracker.WorkflowState),
		transitions: make(map[string]map[string][]string),
		identities:  make(map[string]string),
	}
}

// SetWorkflow configures the states of targetType and the allowed
// transitions between them. New items start in the first state.
func (t *Target) SetWorkflow(targetType string, states []tracker.WorkflowState, allowed map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[targetType] = states
	t.transitions[targetType] = allowed
}

// SetIdentity registers a known identity mapping.
func (t *Target) SetIdentity(src, dst string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identities[src] = dst
}

// FailNext queues errors for op. key is either an op name ("CreateItem")
// or op plus source ID ("CreateItem:US1").
func (t *Target) FailNext(key string, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[key] = append(t.failures[key], errs...)
}

// Calls returns a copy of the call trace.
func (t *Target) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsFor returns the trace filtered to op.
func (t *Target) CallsFor(op string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call trace.
func (t *Target) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
}

// ItemBySource returns a copy of the item created for sourceID.
func (t *Target) ItemBySource(sourceID string) (*Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bySource[sourceID]
	if !ok {
		return nil, false
	}
	return cloneItem(t.items[id]), true
}

// Len returns the number of items held.
func (t *Target) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Seed adds an existing item tagged for sourceID, as if created by an
// earlier run.
func (t *Target) Seed(item Item) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if item.ID == "" {
		item.ID = strconv.Itoa(t.nextID)
		t.nextID++
	}
	if item.Fields == nil {
		item.Fields = make(map[string]any)
	}
	t.items[item.ID] = &item
	if item.SourceID != "" {
		t.bySource[item.SourceID] = item.ID
	}
	return item.ID
}

// record appends a call and returns any queued failure. Caller holds mu.
func (t *Target) record(op, targetID, sourceID, detail string) (Call, error) {
	t.seq++
	c := Call{Seq: t.seq, Op: op, TargetID: targetID, SourceID: sourceID, Detail: detail}
	t.calls = append(t.calls, c)

	for _, key := range []string{op + ":" + sourceID, op} {
		if q := t.failures[key]; len(q) > 0 {
			t.failures[key] = q[1:]
			return c, q[0]
		}
	}
	return c, nil
}

func (t *Target) after(ctx context.Context, c Call) error {
	if t.OnCall != nil {
		t.OnCall(c)
	}
	if t.Latency > 0 {
		timer := time.NewTimer(t.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Name implements tracker.Target.
func (t *Target) Name() string { return "memory" }

// Init implements tracker.Target.
func (t *Target) Init(context.Context, *tracker.Config) error { return nil }

// Close implements tracker.Target.
func (t *Target) Close() error { return nil }

// FindBySourceTag implements tracker.Target.
func (t *Target) FindBySourceTag(ctx context.Context, sourceID string) (*tracker.TargetItem, error) {
	t.mu.Lock()
	c, err := t.record("FindBySourceTag", "", sourceID, "")
	var out *tracker.TargetItem
	if id, ok := t.bySource[sourceID]; ok && err == nil {
		out = t.view(t.items[id])
	}
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return out, t.after(ctx, c)
}

// CreateItem implements tracker.Target.
func (t *Target) CreateItem(ctx context.Context, targetType, sourceID string, fields map[string]any) (*tracker.TargetItem, error) {
	t.mu.Lock()
	c, err := t.record("CreateItem", "", sourceID, targetType)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if _, dup := t.bySource[sourceID]; dup {
		t.mu.Unlock()
		return nil, tracker.ValidationError("memory.CreateItem", "", fmt.Errorf("duplicate source tag %s", sourceID))
	}

	states := t.states[targetType]
	if want, ok := fields[tracker.StateField]; ok && len(states) > 0 && fmt.Sprint(want) != states[0].Name {
		t.mu.Unlock()
		return nil, tracker.WorkflowTransitionError("memory.CreateItem", tracker.StateField,
			fmt.Errorf("new %s must start in %s, not %v", targetType, states[0].Name, want))
	}

	item := &Item{
		ID:       strconv.Itoa(t.nextID),
		Type:     targetType,
		SourceID: sourceID,
		Fields:   copyFields(fields),
	}
	t.nextID++
	if _, ok := item.Fields[tracker.StateField]; !ok && len(states) > 0 {
		item.Fields[tracker.StateField] = states[0].Name
	}
	t.items[item.ID] = item
	t.bySource[sourceID] = item.ID
	c.TargetID = item.ID
	t.calls[len(t.calls)-1].TargetID = item.ID
	out := t.view(item)
	t.mu.Unlock()

	return out, t.after(ctx, c)
}

// UpdateItem implements tracker.Target.
func (t *Target) UpdateItem(ctx context.Context, targetID string, fields map[string]any) (*tracker.TargetItem, error) {
	t.mu.Lock()
	item, ok := t.items[targetID]
	sourceID := ""
	if ok {
		sourceID = item.SourceID
	}
	c, err := t.record("UpdateItem", targetID, sourceID, stateDetail(fields))
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if !ok {
		t.mu.Unlock()
		return nil, tracker.NotFoundError("memory.UpdateItem", targetID)
	}
	if want, ok := fields[tracker.StateField]; ok {
		from := fmt.Sprint(item.Fields[tracker.StateField])
		if to := fmt.Sprint(want); to != from && !t.allowed(item.Type, from, to) {
			t.mu.Unlock()
			return nil, tracker.WorkflowTransitionError("memory.UpdateItem", tracker.StateField,
				fmt.Errorf("transition %s -> %s not allowed for %s", from, to, item.Type))
		}
	}
	for k, v := range fields {
		item.Fields[k] = v
	}
	out := t.view(item)
	t.mu.Unlock()

	return out, t.after(ctx, c)
}

func (t *Target) allowed(targetType, from, to string) bool {
	table, ok := t.transitions[targetType]
	if !ok {
		return true
	}
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetParent implements tracker.Target.
func (t *Target) SetParent(ctx context.Context, childID, parentID string) error {
	return t.link(ctx, "SetParent", childID, parentID, func(item *Item) {
		item.ParentID = parentID
	})
}

// LinkTestCase implements tracker.Target.
func (t *Target) LinkTestCase(ctx context.Context, itemID, testCaseID string) error {
	return t.link(ctx, "LinkTestCase", itemID, testCaseID, func(item *Item) {
		for _, id := range item.TestCases {
			if id == testCaseID {
				return
			}
		}
		item.TestCases = append(item.TestCases, testCaseID)
		sort.Strings(item.TestCases)
	})
}

func (t *Target) link(ctx context.Context, op, fromID, toID string, apply func(*Item)) error {
	t.mu.Lock()
	item, ok := t.items[fromID]
	sourceID := ""
	if ok {
		sourceID = item.SourceID
	}
	c, err := t.record(op, fromID, sourceID, toID)
	if err == nil {
		switch {
		case !ok:
			err = tracker.NotFoundError("memory."+op, fromID)
		case t.items[toID] == nil:
			err = tracker.NotFoundError("memory."+op, toID)
		default:
			apply(item)
		}
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.after(ctx, c)
}

// AddComment implements tracker.Target.
func (t *Target) AddComment(ctx context.Context, targetID string, cm types.Comment, marker string) error {
	t.mu.Lock()
	item, ok := t.items[targetID]
	sourceID := ""
	if ok {
		sourceID = item.SourceID
	}
	c, err := t.record("AddComment", targetID, sourceID, marker)
	if err == nil && !ok {
		err = tracker.NotFoundError("memory.AddComment", targetID)
	}
	if err == nil && !hasCommentMarker(item, marker) {
		item.Comments = append(item.Comments, StoredComment{Marker: marker, Text: cm.Text})
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.after(ctx, c)
}

// AddAttachment implements tracker.Target.
func (t *Target) AddAttachment(ctx context.Context, targetID string, a types.Attachment, content []byte, marker string) error {
	t.mu.Lock()
	item, ok := t.items[targetID]
	sourceID := ""
	if ok {
		sourceID = item.SourceID
	}
	c, err := t.record("AddAttachment", targetID, sourceID, marker)
	if err == nil && !ok {
		err = tracker.NotFoundError("memory.AddAttachment", targetID)
	}
	if err == nil && !hasAttachmentMarker(item, marker) {
		item.Attachments = append(item.Attachments, StoredAttachment{Marker: marker, Name: a.Name, Size: len(content)})
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.after(ctx, c)
}

// WorkflowStates implements tracker.Target.
func (t *Target) WorkflowStates(ctx context.Context, targetType string) ([]tracker.WorkflowState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	states, ok := t.states[targetType]
	if !ok {
		return nil, tracker.NotFoundError("memory.WorkflowStates", targetType)
	}
	return append([]tracker.WorkflowState(nil), states...), nil
}

// ResolveIdentity implements tracker.Target.
func (t *Target) ResolveIdentity(ctx context.Context, src string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.popFailure("ResolveIdentity"); err != nil {
		return "", false, err
	}
	id, ok := t.identities[src]
	return id, ok, nil
}

func (t *Target) popFailure(key string) error {
	q := t.failures[key]
	if len(q) == 0 {
		return nil
	}
	t.failures[key] = q[1:]
	return q[0]
}

func (t *Target) view(item *Item) *tracker.TargetItem {
	return &tracker.TargetItem{
		ID:              item.ID,
		Type:            item.Type,
		URL:             "memory://" + item.ID,
		Fields:          copyFields(item.Fields),
		CommentCount:    len(item.Comments),
		AttachmentCount: len(item.Attachments),
	}
}

func hasCommentMarker(item *Item, marker string) bool {
	for _, c := range item.Comments {
		if c.Marker == marker {
			return true
		}
	}
	return false
}

func hasAttachmentMarker(item *Item, marker string) bool {
	for _, a := range item.Attachments {
		if a.Marker == marker {
			return true
		}
	}
	return false
}

func stateDetail(fields map[string]any) string {
	if s, ok := fields[tracker.StateField]; ok {
		return fmt.Sprint(s)
	}
	return ""
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneItem(i *Item) *Item {
	c := *i
	c.Fields = copyFields(i.Fields)
	c.TestCases = append([]string(nil), i.TestCases...)
	c.Comments = append([]StoredComment(nil), i.Comments...)
	c.Attachments = append([]StoredAttachment(nil), i.Attachments...)
	return &c
}

// ErrInjected is a convenience error for FailNext.
var ErrInjected = errors.New("injected failure")

var _ tracker.Target = (*Target)(nil)
