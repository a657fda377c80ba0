package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/wimigrate/internal/audit"
	"github.com/steveyegge/wimigrate/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:   "audit FILE",
	Short: "Show an audit log written by migrate --audit-file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run")
		showDiffs, _ := cmd.Flags().GetBool("diff")

		entries, err := audit.ReadFile(args[0])
		if err != nil {
			return err
		}
		if runID != "" {
			kept := entries[:0]
			for _, e := range entries {
				if e.RunID == runID {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
		if jsonOutput {
			if entries == nil {
				entries = []audit.Entry{}
			}
			return outputJSON(cmd.OutOrStdout(), entries)
		}
		printAudit(cmd.OutOrStdout(), entries, showDiffs)
		return nil
	},
}

func init() {
	auditCmd.Flags().String("run", "", "Only show entries of this run")
	auditCmd.Flags().Bool("diff", false, "Show field diffs for updated items")
	rootCmd.AddCommand(auditCmd)
}

func printAudit(w io.Writer, entries []audit.Entry, showDiffs bool) {
	for _, e := range entries {
		status := ui.RenderPass(ui.IconPass)
		if e.Error != "" {
			status = ui.RenderFail(ui.IconFail)
		} else if len(e.Warnings) > 0 || len(e.Review) > 0 {
			status = ui.RenderWarn(ui.IconWarn)
		}
		fmt.Fprintf(w, "%s %s %-7s %-12s -> %-8s %s\n", status,
			ui.RenderMuted(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			e.Kind, e.SourceID, e.TargetID, e.Outcome)
		if e.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", e.Error)
		}
		for _, msg := range e.Warnings {
			fmt.Fprintf(w, "    warning: %s\n", msg)
		}
		if len(e.Unmapped) > 0 {
			fmt.Fprintf(w, "    unmapped: %v\n", e.Unmapped)
		}
		if len(e.Review) > 0 {
			fmt.Fprintf(w, "    review: %v\n", e.Review)
		}
		if showDiffs {
			for _, d := range e.Diffs {
				fmt.Fprint(w, audit.RenderDiff(d))
			}
		}
	}
}
