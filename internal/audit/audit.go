// Package audit records a per-item log of what a migration did: unmapped
// source fields, fields flagged for manual review, field changes and
// failures. Entries are appended as JSON lines.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/steveyegge/wimigrate/internal/mapping"
)

// FileName is the default audit log file name.
const FileName = "wimigrate-audit.jsonl"

// Entry kinds
const (
	KindItem    = "item"    // Body upsert of one item
	KindLink    = "link"    // Relationship phase finding
	KindContent = "content" // Comment/attachment copy
)

// Entry is one audit record.
type Entry struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	RunID     string              `json:"run_id,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	SourceID  string              `json:"source_id"`
	TargetID  string              `json:"target_id,omitempty"`
	Outcome   string              `json:"outcome,omitempty"`
	Unmapped  []string            `json:"unmapped,omitempty"` // Source fields with no rule
	Review    []string            `json:"review,omitempty"`   // Target fields flagged for manual review
	Warnings  []string            `json:"warnings,omitempty"`
	Diffs     []mapping.FieldDiff `json:"diffs,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Log is an append-only audit log. Entries are also kept in memory for the
// run summary. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	runID   string
	entries []Entry
}

// NewLog returns a log writing to w. A nil w keeps entries in memory only.
func NewLog(w io.Writer, runID string) *Log {
	return &Log{w: w, runID: runID}
}

// Open appends to the file at path, creating it and its directory.
func Open(path, runID string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Log{w: f, closer: f, runID: runID}, nil
}

// Append stamps e with an ID, time and run and writes it.
func (l *Log) Append(e *Entry) (string, error) {
	if l == nil {
		return "", nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.RunID == "" {
		e.RunID = l.runID
	}
	if e.Kind == "" {
		e.Kind = KindItem
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *e)
	if l.w == nil {
		return e.ID, nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encoding audit entry: %w", err)
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("writing audit entry: %w", err)
	}
	return e.ID, nil
}

// Entries returns a copy of everything appended so far.
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ReadFile loads every entry from a JSONL audit file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path) // #nosec G304 - operator supplied path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// RenderDiff formats a field change as a unified diff.
func RenderDiff(d mapping.FieldDiff) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(d.Old + "\n"),
		B:        difflib.SplitLines(d.New + "\n"),
		FromFile: d.Field + " (target)",
		ToFile:   d.Field + " (source)",
		Context:  2,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("--- %s\n-%s\n+%s\n", d.Field, d.Old, d.New)
	}
	return text
}
