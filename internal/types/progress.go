package types

import "fmt"

// Phase labels reported in MigrationProgress.
const (
	PhaseIdle          = "idle"
	PhaseDiscovery     = "discovery"
	PhaseBodies        = "bodies"
	PhaseRelationships = "relationships"
	PhaseContent       = "content"
	PhaseDone          = "done"
)

// MigrationProgress is a snapshot of run counters. Only the orchestrator
// mutates it; observers receive copies. Processed and the outcome counters
// count item bodies. Parent and test-case links that fail are counted in
// LinksFailed, comment and attachment copies in ContentFailed.
type MigrationProgress struct {
	Total      int    `json:"total"`
	Processed  int    `json:"processed"`
	Successful int    `json:"successful"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Phase      string `json:"phase"`

	// Per-phase counters for phases that do not process items (links, content).
	PhaseDone  int `json:"phase_done,omitempty"`
	PhaseTotal int `json:"phase_total,omitempty"`

	LinksFailed   int `json:"links_failed,omitempty"`
	ContentFailed int `json:"content_failed,omitempty"`
}

// PhaseFailures renders the link and content failure counters, or "" when
// both are zero.
func (p MigrationProgress) PhaseFailures() string {
	var s string
	if p.LinksFailed > 0 {
		s += fmt.Sprintf(" links_failed=%d", p.LinksFailed)
	}
	if p.ContentFailed > 0 {
		s += fmt.Sprintf(" content_failed=%d", p.ContentFailed)
	}
	return s
}

// Percent returns processed items as a percentage of the total.
func (p MigrationProgress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	pct := float64(p.Processed) * 100 / float64(p.Total)
	if pct > 100 {
		return 100
	}
	return pct
}

// String renders a one-line summary.
func (p MigrationProgress) String() string {
	return fmt.Sprintf("%s: %d/%d (%.0f%%) ok=%d skipped=%d failed=%d%s",
		p.Phase, p.Processed, p.Total, p.Percent(), p.Successful, p.Skipped, p.Failed, p.PhaseFailures())
}

// ControlState is the lifecycle state of a migration run.
type ControlState int32

// Control states
const (
	StateIdle ControlState = iota
	StateRunning
	StatePaused
	StateCancelRequested
	StateCancelled
	StateCompleted
	StateFailed
)

var controlStateNames = [...]string{
	StateIdle:            "Idle",
	StateRunning:         "Running",
	StatePaused:          "Paused",
	StateCancelRequested: "CancelRequested",
	StateCancelled:       "Cancelled",
	StateCompleted:       "Completed",
	StateFailed:          "Failed",
}

func (s ControlState) String() string {
	if s < 0 || int(s) >= len(controlStateNames) {
		return fmt.Sprintf("ControlState(%d)", int32(s))
	}
	return controlStateNames[s]
}

// IsTerminal reports whether a run in this state has finished.
func (s ControlState) IsTerminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

// IsActive reports whether a run is in flight (running, paused or winding down).
func (s ControlState) IsActive() bool {
	return s == StateRunning || s == StatePaused || s == StateCancelRequested
}
