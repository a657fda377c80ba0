package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/steveyegge/wimigrate/internal/types"
)

const defaultWidth = 80

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of f, or 80 when it is not a terminal.
func TerminalWidth(f *os.File) int {
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
		return w
	}
	return defaultWidth
}

// ProgressLine redraws a single status line in place. It is only useful on
// a terminal; callers print plain lines otherwise.
type ProgressLine struct {
	mu    sync.Mutex
	w     io.Writer
	width int
	drawn bool
}

// NewProgressLine returns a line drawing to w, truncated to width columns.
func NewProgressLine(w io.Writer, width int) *ProgressLine {
	if width <= 0 {
		width = defaultWidth
	}
	return &ProgressLine{w: w, width: width}
}

// Update redraws the line with p.
func (l *ProgressLine) Update(p types.MigrationProgress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprint(l.w, "\r\033[K"+RenderProgress(p, l.width))
	l.drawn = true
}

// Println prints a full line above the progress line.
func (l *ProgressLine) Println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drawn {
		_, _ = fmt.Fprint(l.w, "\r\033[K")
	}
	_, _ = fmt.Fprintln(l.w, s)
	l.drawn = false
}

// Done ends the line so later output starts on a fresh one.
func (l *ProgressLine) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drawn {
		_, _ = fmt.Fprintln(l.w)
		l.drawn = false
	}
}

// RenderProgress renders "[####----] 12/40 bodies ok=10 skipped=1 failed=1"
// fitted to width columns.
func RenderProgress(p types.MigrationProgress, width int) string {
	counts := fmt.Sprintf(" %d/%d %s ok=%d skipped=%d failed=%d", p.Processed, p.Total, p.Phase, p.Successful, p.Skipped, p.Failed)
	counts += p.PhaseFailures()
	if p.PhaseTotal > 0 {
		counts += fmt.Sprintf(" (%d/%d)", p.PhaseDone, p.PhaseTotal)
	}
	barWidth := width - len(counts) - 2
	if barWidth > 30 {
		barWidth = 30
	}
	if barWidth < 5 {
		return strings.TrimSpace(counts)
	}
	filled := int(p.Percent() / 100 * float64(barWidth))
	bar := AccentStyle.Render(strings.Repeat("#", filled)) + MutedStyle.Render(strings.Repeat("-", barWidth-filled))
	line := "[" + bar + "]" + counts
	if p.Failed > 0 {
		line = "[" + bar + "]" + strings.Replace(counts, fmt.Sprintf("failed=%d", p.Failed), RenderFail(fmt.Sprintf("failed=%d", p.Failed)), 1)
	}
	return line
}
