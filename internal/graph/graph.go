// Package graph discovers the dependency closure of the items a migration
// starts from and orders it into waves.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

// DefaultMaxDepth bounds how many parent hops are followed from a seed.
const DefaultMaxDepth = 32

// DefaultTestCaseTypes are the source types whose linked test cases are
// pulled into the closure.
var DefaultTestCaseTypes = []string{"HierarchicalRequirement", "Defect", "UserStory", "Story"}

// Options configures a Builder.
type Options struct {
	TestCaseTypes   []string            // Types whose test cases are expanded (default DefaultTestCaseTypes)
	IncludeChildren bool                // Also expand descendants of the seeds
	MaxDepth        int                 // Parent hops followed from a seed (default DefaultMaxDepth)
	Concurrency     int                 // Parallel fetches per frontier (default 4)
	Retry           tracker.RetryPolicy // Applied to every source call
	Logger          *slog.Logger
}

// ExpansionError records an item that could not be fetched while building
// the closure.
type ExpansionError struct {
	SourceID string
	Err      error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("expanding %s: %v", e.SourceID, e.Err)
}

func (e *ExpansionError) Unwrap() error { return e.Err }

// Plan is the closure of a scope, ordered into waves.
type Plan struct {
	Records  map[string]*types.WorkItemRecord
	Seeds    []string   // IDs the scope resolved to
	Waves    [][]string // Wave k holds items whose parents are in waves < k
	Failed   map[string]error
	Warnings []string

	// BrokenParents holds parent edges dropped to break cycles, child to
	// parent. They are not reproduced on the target.
	BrokenParents map[string]string
}

// Order flattens the waves.
func (p *Plan) Order() []string {
	var out []string
	for _, w := range p.Waves {
		out = append(out, w...)
	}
	return out
}

// Len returns the number of records in the plan.
func (p *Plan) Len() int { return len(p.Records) }

// Builder expands scopes against a Source.
type Builder struct {
	src  tracker.Source
	opts Options
}

// NewBuilder returns a Builder reading from src.
func NewBuilder(src tracker.Source, opts Options) *Builder {
	if opts.TestCaseTypes == nil {
		opts.TestCaseTypes = DefaultTestCaseTypes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Builder{src: src, opts: opts}
}

// reason records why an item joined the closure.
type reason int

const (
	viaSeed reason = iota
	viaParent
	viaTestCase
	viaChild
)

type pending struct {
	id     string
	depth  int // Parent hops from the nearest seed
	reason reason
	from   string // Item that referenced this one
}

type fetched struct {
	rec      *types.WorkItemRecord
	children []string
	err      error
}

// Build resolves scope to seed IDs and expands them to a closed set: every
// record's parent and, for story and defect types, every linked test case is
// in the plan unless it could not be fetched. Authentication failures abort
// the build; other fetch failures are recorded in Plan.Failed.
func (b *Builder) Build(ctx context.Context, scope types.Scope) (*Plan, error) {
	seeds, err := b.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Records: make(map[string]*types.WorkItemRecord),
		Seeds:   seeds,
		Failed:  make(map[string]error),
	}
	visited := make(map[string]bool)

	frontier := make([]pending, 0, len(seeds))
	for _, id := range seeds {
		frontier = append(frontier, pending{id: id, reason: viaSeed})
	}

	for len(frontier) > 0 {
		var batch []pending
		for _, p := range frontier {
			if !visited[p.id] {
				visited[p.id] = true
				batch = append(batch, p)
			}
		}
		frontier = nil

		results, err := b.fetchBatch(ctx, batch)
		if err != nil {
			return nil, err
		}

		for i, p := range batch {
			res := results[i]
			if res.err != nil {
				b.recordFailure(plan, p, res.err)
				continue
			}
			rec := res.rec
			plan.Records[p.id] = rec

			if rec.HasParent() {
				if p.depth+1 > b.opts.MaxDepth {
					b.warn(plan, fmt.Sprintf("%s: ancestry deeper than %d, treating as root", p.id, b.opts.MaxDepth))
				} else {
					frontier = append(frontier, pending{id: rec.ParentID, depth: p.depth + 1, reason: viaParent, from: p.id})
				}
			}
			if b.expandsTestCases(rec.Type) {
				for _, tc := range rec.TestCaseIDs {
					frontier = append(frontier, pending{id: tc, depth: p.depth, reason: viaTestCase, from: p.id})
				}
			}
			for _, child := range res.children {
				frontier = append(frontier, pending{id: child, reason: viaChild, from: p.id})
			}
		}
	}

	b.order(plan)
	return plan, nil
}

func (b *Builder) order(plan *Plan) {
	waves, broken, cycleWarnings := ComputeWaves(plan.Records)
	for _, w := range cycleWarnings {
		b.opts.Logger.Warn(w)
	}
	plan.Waves, plan.BrokenParents = waves, broken
	plan.Warnings = append(plan.Warnings, cycleWarnings...)
}

func (b *Builder) resolveScope(ctx context.Context, scope types.Scope) ([]string, error) {
	switch s := scope.(type) {
	case types.ExplicitIDs:
		return s.IDs, nil
	case types.AllInProject:
		var ids []string
		err := b.opts.Retry.Do(ctx, "ListProject", func(ctx context.Context) error {
			var err error
			ids, err = b.src.ListProject(ctx, tracker.FetchOptions{Since: s.ChangedSince})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing project: %w", err)
		}
		sort.Strings(ids)
		return ids, nil
	case nil:
		return nil, fmt.Errorf("no scope given")
	default:
		return nil, fmt.Errorf("unsupported scope %T", scope)
	}
}

// fetchBatch fetches a frontier concurrently. Results line up with batch.
// Only an authentication failure is returned as an error.
func (b *Builder) fetchBatch(ctx context.Context, batch []pending) ([]fetched, error) {
	results := make([]fetched, len(batch))
	var g errgroup.Group
	g.SetLimit(b.opts.Concurrency)

	for i, p := range batch {
		g.Go(func() error {
			res := &results[i]
			res.err = b.opts.Retry.Do(ctx, "FetchItem", func(ctx context.Context) error {
				rec, err := b.src.FetchItem(ctx, p.id)
				if err == nil {
					res.rec = rec
				}
				return err
			})
			if res.err == nil && b.opts.IncludeChildren && (p.reason == viaSeed || p.reason == viaChild) {
				res.err = b.opts.Retry.Do(ctx, "FetchChildren", func(ctx context.Context) error {
					children, err := b.src.FetchChildren(ctx, p.id)
					if err == nil {
						res.children = children
					}
					return err
				})
			}
			if tracker.IsAuth(res.err) {
				return res.err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Builder) recordFailure(plan *Plan, p pending, err error) {
	if p.reason == viaParent && tracker.IsNotFound(err) {
		b.warn(plan, fmt.Sprintf("%s: parent %s not found in source, treating as root", p.from, p.id))
		return
	}
	plan.Failed[p.id] = &ExpansionError{SourceID: p.id, Err: err}
	b.opts.Logger.Warn("could not expand item", "source_id", p.id, "referenced_by", p.from, "error", err)
}

func (b *Builder) warn(plan *Plan, msg string) {
	plan.Warnings = append(plan.Warnings, msg)
	b.opts.Logger.Warn(msg)
}

func (b *Builder) expandsTestCases(sourceType string) bool {
	for _, t := range b.opts.TestCaseTypes {
		if strings.EqualFold(t, sourceType) {
			return true
		}
	}
	return false
}
