package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/wimigrate/internal/mapping"
	"github.com/steveyegge/wimigrate/internal/ui"
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect mapping documents",
}

var mappingValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a mapping document (YAML, TOML or JSON) for errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mapping.Load(args[0])
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), cfg)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s is valid\n", ui.RenderPass(ui.IconPass), args[0])
		for _, tr := range cfg.Types {
			fmt.Fprintf(w, "  %-24s -> %-20s %s\n", tr.SourceType, tr.TargetType,
				ui.RenderMuted(fmt.Sprintf("%d fields", len(tr.Fields))))
		}
		if len(cfg.Users) > 0 || cfg.DefaultAssignee != "" {
			fmt.Fprintf(w, "  %d user mappings, default assignee %q\n", len(cfg.Users), cfg.DefaultAssignee)
		}
		return nil
	},
}

func init() {
	mappingCmd.AddCommand(mappingValidateCmd)
	rootCmd.AddCommand(mappingCmd)
}
