package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/wimigrate/internal/config"
	"github.com/steveyegge/wimigrate/internal/storage"
	"github.com/steveyegge/wimigrate/internal/storage/factory"
	"github.com/steveyegge/wimigrate/internal/types"
	"github.com/steveyegge/wimigrate/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs and the traceability table",
	Long: `Reads the journal and prints the most recent runs followed by every
source-to-target mapping recorded so far.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().Int("runs", 5, "Number of recent runs to show (0 = all)")
	statusCmd.Flags().Bool("runs-only", false, "Skip the mapping table")
	statusCmd.Flags().Bool("yaml", false, "Output in YAML format")
	statusCmd.Flags().String("journal", "", "Journal DSN: memory, sqlite path or mysql://...")
	rootCmd.AddCommand(statusCmd)
}

// journalStatus is the machine-readable form of the status report.
type journalStatus struct {
	Runs    []*storage.RunRecord  `json:"runs" yaml:"runs"`
	Entries []*types.MappingEntry `json:"entries,omitempty" yaml:"entries,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := config.BindFlag(config.KeyJournalDSN, cmd.Flags().Lookup("journal")); err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("runs")
	runsOnly, _ := cmd.Flags().GetBool("runs-only")
	asYAML, _ := cmd.Flags().GetBool("yaml")

	ctx := cmd.Context()
	store, err := factory.Open(ctx, config.GetJournalDSN())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var st journalStatus
	if st.Runs, err = store.Runs(ctx, limit); err != nil {
		return fmt.Errorf("reading runs: %w", err)
	}
	if !runsOnly {
		if st.Entries, err = store.List(ctx); err != nil {
			return fmt.Errorf("reading mappings: %w", err)
		}
	}
	if st.Runs == nil {
		st.Runs = []*storage.RunRecord{}
	}

	switch {
	case jsonOutput:
		return outputJSON(cmd.OutOrStdout(), st)
	case asYAML:
		return outputYAML(cmd.OutOrStdout(), st)
	}
	printJournalStatus(cmd.OutOrStdout(), st, runsOnly)
	return nil
}

func printJournalStatus(w io.Writer, st journalStatus, runsOnly bool) {
	fmt.Fprintln(w, ui.RenderCategory("Runs"))
	if len(st.Runs) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("  no runs recorded"))
	}
	for _, r := range st.Runs {
		finished := "running"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "  %s  %s  %-10s %-9s %s\n",
			ui.RenderMuted(r.RunID), r.StartedAt.Local().Format("2006-01-02 15:04"), r.State, finished, r.Progress)
		fmt.Fprintf(w, "    %s\n", ui.RenderMuted(r.Scope))
	}
	if runsOnly {
		return
	}

	fmt.Fprintf(w, "\n%s\n", ui.RenderCategory("Mappings"))
	if len(st.Entries) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("  no items migrated yet"))
		return
	}
	counts := map[types.Outcome]int{}
	for _, e := range st.Entries {
		counts[e.Outcome]++
		fmt.Fprintf(w, "  %-12s -> %-8s %-20s %-22s %s\n",
			e.SourceID, e.TargetID, e.TargetType, ui.RenderOutcome(e.Outcome),
			ui.RenderMuted(fmt.Sprintf("%d comments, %d attachments", e.CommentCount, e.AttachmentCount)))
	}
	fmt.Fprintln(w, ui.RenderSeparator())
	fmt.Fprintf(w, "  %d items: %d created, %d updated, %d skipped, %d failed\n",
		len(st.Entries), counts[types.OutcomeCreated], counts[types.OutcomeUpdated],
		counts[types.OutcomeSkipped], counts[types.OutcomeFailed])
}
