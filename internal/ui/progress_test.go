package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/steveyegge/wimigrate/internal/types"
)

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func TestRenderProgress(t *testing.T) {
	p := types.MigrationProgress{Total: 10, Processed: 5, Successful: 4, Failed: 1, Phase: types.PhaseBodies}

	got := RenderProgress(p, 80)
	want := "[###############---------------] 5/10 bodies ok=4 skipped=0 failed=1"
	if got != want {
		t.Errorf("RenderProgress() = %q, want %q", got, want)
	}

	narrow := RenderProgress(p, 20)
	if strings.Contains(narrow, "[") {
		t.Errorf("narrow terminal should drop the bar: %q", narrow)
	}

	p.Phase = types.PhaseRelationships
	p.PhaseDone, p.PhaseTotal = 2, 3
	if got := RenderProgress(p, 120); !strings.HasSuffix(got, "relationships ok=4 skipped=0 failed=1 (2/3)") {
		t.Errorf("phase counters missing: %q", got)
	}

	p.LinksFailed = 2
	if got := RenderProgress(p, 120); !strings.HasSuffix(got, "failed=1 links_failed=2 (2/3)") {
		t.Errorf("link failures missing: %q", got)
	}
}

func TestProgressLine(t *testing.T) {
	var buf bytes.Buffer
	line := NewProgressLine(&buf, 80)
	line.Update(types.MigrationProgress{Total: 1, Phase: types.PhaseDiscovery})
	line.Println("W1: created F1")
	line.Done()
	line.Done()

	out := buf.String()
	if !strings.Contains(out, "\r\033[KW1: created F1\n") {
		t.Errorf("status line should clear the progress line first: %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("Done after Println should not add a newline: %q", out)
	}
}

func TestRenderOutcomeAndState(t *testing.T) {
	if got := RenderOutcome(types.OutcomeCreated); got != IconPass+" Created" {
		t.Errorf("RenderOutcome = %q", got)
	}
	if got := RenderState(types.StateCancelled); got != IconWarn+" Cancelled" {
		t.Errorf("RenderState = %q", got)
	}
}
