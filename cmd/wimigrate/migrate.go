package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/steveyegge/wimigrate/internal/audit"
	"github.com/steveyegge/wimigrate/internal/config"
	"github.com/steveyegge/wimigrate/internal/graph"
	"github.com/steveyegge/wimigrate/internal/lockfile"
	"github.com/steveyegge/wimigrate/internal/mapping"
	"github.com/steveyegge/wimigrate/internal/migrate"
	"github.com/steveyegge/wimigrate/internal/storage"
	"github.com/steveyegge/wimigrate/internal/storage/factory"
	"github.com/steveyegge/wimigrate/internal/telemetry"
	"github.com/steveyegge/wimigrate/internal/timeparsing"
	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/tracker/memory"
	"github.com/steveyegge/wimigrate/internal/types"
	"github.com/steveyegge/wimigrate/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate work items from the source tracker into the target",
	Long: `Migrates the selected items, their ancestors and linked test cases.

Items are created parents-first, then parent and test-case links are set,
then comments and attachments are copied. Existing target items (found by
their wim-src tag) are updated in place.

Control a running migration with signals:
  SIGINT/SIGTERM  cancel after in-flight items finish (twice to abort)
  SIGUSR1         pause before the next item
  SIGUSR2         resume`,
	Example: `  wimigrate migrate --ids US12,US13
  wimigrate migrate --all --since 2w --diff-patch
  wimigrate migrate --all --dry-run --json`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

// migrateFlagKeys binds migrate flags over their config keys.
var migrateFlagKeys = map[string]string{
	config.KeyDiffPatch:       "diff-patch",
	config.KeyConcurrency:     "concurrency",
	config.KeyIncludeChildren: "include-children",
	config.KeyAuditFile:       "audit-file",
	config.KeyMappingFile:     "mapping",
	config.KeyJournalDSN:      "journal",
}

func init() {
	f := migrateCmd.Flags()
	f.StringSlice("ids", nil, "Source item IDs to migrate (comma separated)")
	f.Bool("all", false, "Migrate every item in the source project")
	f.String("since", "", "With --all, only items changed since (2w, 36h, 2024-01-31, \"last monday\")")
	f.Bool("diff-patch", false, "Copy new comments and attachments onto items that already exist")
	f.Int("concurrency", migrate.DefaultConcurrency, "Items migrated in parallel per wave")
	f.Bool("dry-run", false, "Run against an in-memory target and journal; nothing is written")
	f.Bool("include-children", false, "Also migrate descendants of the selected items")
	f.String("audit-file", "", "Append audit entries (JSON lines) to this file")
	f.String("mapping", "", "Mapping document (default: mapping.yaml)")
	f.String("journal", "", "Journal DSN: memory, sqlite path or mysql://...")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	scope, err := scopeFromFlags(cmd.Flags(), time.Now())
	if err != nil {
		return err
	}
	for key, name := range migrateFlagKeys {
		if err := config.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m, err := openMigration(ctx, dryRun)
	if err != nil {
		return err
	}
	defer m.close()

	errOut := cmd.ErrOrStderr()
	var line *ui.ProgressLine
	if f, ok := errOut.(*os.File); ok && ui.IsTerminal(f) && !jsonOutput {
		line = ui.NewProgressLine(f, ui.TerminalWidth(f))
	}
	printStatus := func(s string) {
		if line != nil {
			line.Println(s)
			return
		}
		fmt.Fprintln(errOut, s)
	}
	m.engine.Subscribe(migrate.ObserverFuncs{
		Progress: func(p types.MigrationProgress) {
			if line != nil {
				line.Update(p)
			}
		},
		Status: printStatus,
	})

	stop := watchSignals(cancel, m.engine, printStatus)
	res, err := m.engine.Start(ctx, scope, migrationOptions(dryRun))
	stop()
	if line != nil {
		line.Done()
	}

	if res != nil {
		if jsonOutput {
			if jerr := outputJSON(cmd.OutOrStdout(), newRunSummary(res, scope, dryRun)); jerr != nil {
				return jerr
			}
		} else {
			printResult(cmd.OutOrStdout(), res, scope, dryRun)
		}
	}
	return runError(res, err)
}

// scopeFromFlags turns --ids/--all/--since into a scope. Exactly one of
// --ids and --all is required.
func scopeFromFlags(flags *pflag.FlagSet, now time.Time) (types.Scope, error) {
	ids, _ := flags.GetStringSlice("ids")
	all, _ := flags.GetBool("all")
	since, _ := flags.GetString("since")

	switch {
	case len(ids) > 0 && all:
		return nil, errors.New("--ids and --all are mutually exclusive")
	case len(ids) == 0 && !all:
		return nil, errors.New("select items with --ids or --all")
	case since != "" && !all:
		return nil, errors.New("--since requires --all")
	}

	if all {
		if since == "" {
			return types.AllItems(nil), nil
		}
		t, err := timeparsing.ParseSince(since, now)
		if err != nil {
			return nil, fmt.Errorf("invalid --since: %w", err)
		}
		return types.AllItems(&t), nil
	}

	scope := types.IDs(ids...)
	if s, ok := scope.(types.ExplicitIDs); ok && len(s.IDs) == 0 {
		return nil, errors.New("--ids contained no IDs")
	}
	return scope, nil
}

func migrationOptions(dryRun bool) migrate.Options {
	return migrate.Options{
		EnableDifferencePatch: config.GetBool(config.KeyDiffPatch),
		Concurrency:           config.GetConcurrency(),
		DryRun:                dryRun,
		WorkflowSteps:         config.GetWorkflowSteps(),
		GraphOptions: graph.Options{
			TestCaseTypes:   config.GetStringSlice(config.KeyTestCaseTypes),
			IncludeChildren: config.GetBool(config.KeyIncludeChildren),
			MaxDepth:        config.GetInt(config.KeyMaxDepth),
			Concurrency:     config.GetConcurrency(),
			Logger:          logger,
		},
	}
}

// migration holds everything one run needs, in the order it was opened.
type migration struct {
	runID   string
	source  tracker.Source
	target  tracker.Target // Live target; identity lookups only during a dry run
	store   storage.MappingStore
	audit   *audit.Log
	engine  *migrate.Engine
	closers []func() error
}

// openMigration initializes the configured connectors, mapping, journal and
// audit log. In a dry run the engine writes to an in-memory target and
// journal while identities are still resolved against the live target.
func openMigration(ctx context.Context, dryRun bool) (_ *migration, err error) {
	m := &migration{runID: uuid.NewString()}
	defer func() {
		if err != nil {
			m.close()
		}
	}()

	srcName := config.GetString(config.KeySourceConnector)
	if m.source, err = tracker.NewSource(srcName); err != nil {
		return nil, err
	}
	if err = m.source.Init(ctx, tracker.NewConfig(ctx, srcName, config.SourceStore())); err != nil {
		return nil, fmt.Errorf("initializing source %s: %w", srcName, err)
	}
	m.closers = append(m.closers, m.source.Close)

	tgtName := config.GetString(config.KeyTargetConnector)
	if m.target, err = tracker.NewTarget(tgtName); err != nil {
		return nil, err
	}
	if err = m.target.Init(ctx, tracker.NewConfig(ctx, tgtName, config.TargetStore())); err != nil {
		return nil, fmt.Errorf("initializing target %s: %w", tgtName, err)
	}
	m.closers = append(m.closers, m.target.Close)

	mappingFile := config.GetString(config.KeyMappingFile)
	cfg, err := mapping.Load(mappingFile)
	if err != nil {
		return nil, err
	}
	mapper, err := mapping.New(cfg, m.target)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", mappingFile, err)
	}

	writeTarget := m.target
	journal := config.GetJournalDSN()
	if dryRun {
		writeTarget = memory.NewTarget()
		journal = "memory"
	}
	if path := journalLockPath(journal); path != "" {
		lock, lerr := lockfile.Acquire(path, lockfile.LockInfo{RunID: m.runID, Version: Version})
		if lerr != nil {
			return nil, fmt.Errorf("journal %s: %w", journal, lerr)
		}
		m.closers = append(m.closers, lock.Release)
	}
	if m.store, err = factory.Open(ctx, journal); err != nil {
		return nil, err
	}
	m.closers = append(m.closers, m.store.Close)

	opts := []migrate.EngineOption{
		migrate.WithLogger(logger),
		migrate.WithRetryPolicy(retryPolicy()),
		migrate.WithRunID(m.runID),
	}
	if path := config.GetString(config.KeyAuditFile); path != "" && !dryRun {
		if m.audit, err = audit.Open(path, m.runID); err != nil {
			return nil, err
		}
		m.closers = append(m.closers, m.audit.Close)
		opts = append(opts, migrate.WithAuditLog(m.audit))
	}

	m.engine = migrate.NewEngine(m.source, telemetry.WrapTarget(writeTarget), mapper, m.store, opts...)
	logger.Debug("migration opened",
		"run_id", m.runID, "source", srcName, "target", tgtName,
		"journal", journal, "mapping", mappingFile, "dry_run", dryRun)
	return m, nil
}

// journalLockPath returns the lock file guarding a SQLite journal. Memory
// journals are private to the process and MySQL journals are shared on
// purpose, so neither is locked.
func journalLockPath(dsn string) string {
	scheme, location := factory.SplitDSN(dsn)
	if scheme != "sqlite" || location == "" || location == ":memory:" {
		return ""
	}
	return location + ".lock"
}

// close releases resources in reverse order of opening.
func (m *migration) close() {
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	m.closers = nil
}

func retryPolicy() tracker.RetryPolicy {
	p := config.GetRetryPolicy()
	p.Logger = logger
	return p
}

// runError maps a run outcome to the process exit status.
func runError(res *migrate.Result, err error) error {
	switch {
	case errors.Is(err, migrate.ErrCancelled):
		return &exitError{code: exitCancelled, err: err}
	case err != nil:
		return &exitError{code: exitFailure, err: fmt.Errorf("migration failed: %w", err)}
	case res != nil && len(res.Failures) > 0:
		return &exitError{code: exitPartial, err: fmt.Errorf("migration completed with %d failure(s)", len(res.Failures))}
	}
	return nil
}

// runSummary is the JSON form of a finished run.
type runSummary struct {
	RunID    string                  `json:"run_id"`
	State    string                  `json:"state"`
	Scope    string                  `json:"scope"`
	DryRun   bool                    `json:"dry_run,omitempty"`
	Progress types.MigrationProgress `json:"progress"`
	Items    []*types.MappingEntry   `json:"items"`
	Warnings []string                `json:"warnings,omitempty"`
	Failures []failureSummary        `json:"failures,omitempty"`
}

type failureSummary struct {
	SourceID string `json:"source_id"`
	Phase    string `json:"phase"`
	Error    string `json:"error"`
}

func newRunSummary(res *migrate.Result, scope types.Scope, dryRun bool) runSummary {
	s := runSummary{
		RunID:    res.RunID,
		State:    res.State.String(),
		Scope:    scope.String(),
		DryRun:   dryRun,
		Progress: res.Progress,
		Items:    res.Entries,
		Warnings: res.Warnings,
	}
	if s.Items == nil {
		s.Items = []*types.MappingEntry{}
	}
	for _, f := range res.Failures {
		s.Failures = append(s.Failures, failureSummary{SourceID: f.SourceID, Phase: f.Phase, Error: f.Err.Error()})
	}
	return s
}

func printResult(w io.Writer, res *migrate.Result, scope types.Scope, dryRun bool) {
	title := "Migration"
	if dryRun {
		title = "Dry run"
	}
	fmt.Fprintf(w, "\n%s %s\n", ui.RenderCategory(title), ui.RenderMuted(res.RunID))
	fmt.Fprintln(w, ui.RenderSeparator())
	fmt.Fprintf(w, "Scope:   %s\n", scope)
	fmt.Fprintf(w, "State:   %s\n", ui.RenderState(res.State))
	p := res.Progress
	fmt.Fprintf(w, "Items:   %d total, %d created, %d updated, %d skipped, %d failed\n",
		p.Total, p.Created, p.Updated, p.Skipped, p.Failed)

	if len(res.Entries) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.RenderCategory("Items"))
		for _, e := range res.Entries {
			target := e.TargetID
			if target == "" {
				target = "-"
			}
			fmt.Fprintf(w, "  %-12s -> %-8s %-20s %s\n", e.SourceID, target, e.TargetType, ui.RenderOutcome(e.Outcome))
		}
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.RenderCategory("Warnings"))
		for _, msg := range res.Warnings {
			fmt.Fprintf(w, "  %s %s\n", ui.RenderWarn(ui.IconWarn), msg)
		}
	}
	if len(res.Failures) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.RenderCategory("Failures"))
		for _, f := range res.Failures {
			fmt.Fprintf(w, "  %s %s [%s] %s\n", ui.RenderFail(ui.IconFail), f.SourceID, f.Phase, strings.TrimSpace(f.Err.Error()))
		}
	}
}
