package migrate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/steveyegge/wimigrate/internal/tracker"
)

// WorkflowSteps configures intermediate states per target type: for each
// desired state, the states to pass through on the way to it, in order.
//
//	workflow_steps:
//	  Bug:
//	    Closed: [Active, Resolved]
type WorkflowSteps map[string]map[string][]string

// Path returns the configured steps for reaching desired on targetType,
// starting after current when current appears in the list.
func (w WorkflowSteps) Path(targetType, current, desired string) ([]string, bool) {
	byState, ok := lookupFold(w, targetType)
	if !ok {
		return nil, false
	}
	steps, ok := lookupFold(byState, desired)
	if !ok {
		return nil, false
	}
	for i, s := range steps {
		if strings.EqualFold(s, current) {
			return steps[i+1:], true
		}
	}
	return steps, true
}

func lookupFold[V any](m map[string]V, key string) (V, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// InferPath returns one state per workflow category strictly between the
// categories of current and desired, taking the first state of each
// category in workflow order. Moving backwards yields no steps.
func InferPath(states []tracker.WorkflowState, current, desired string) []string {
	from, to := -1, -1
	for _, s := range states {
		if strings.EqualFold(s.Name, current) {
			from = s.Category.Rank()
		}
		if strings.EqualFold(s.Name, desired) {
			to = s.Category.Rank()
		}
	}
	if from < 0 || to < 0 || to-from < 2 {
		return nil
	}

	var path []string
	for rank := from + 1; rank < to; rank++ {
		for _, s := range states {
			if s.Category.Rank() == rank {
				path = append(path, s.Name)
				break
			}
		}
	}
	return path
}

// workflowCache memoizes WorkflowStates per target type for one run.
type workflowCache struct {
	mu     sync.Mutex
	states map[string][]tracker.WorkflowState
}

func (c *workflowCache) get(ctx context.Context, r *run, targetType string) ([]tracker.WorkflowState, error) {
	c.mu.Lock()
	if s, ok := c.states[targetType]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	var states []tracker.WorkflowState
	err := r.retry.Do(ctx, "WorkflowStates", func(ctx context.Context) error {
		var err error
		states, err = r.e.tgt.WorkflowStates(ctx, targetType)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.states == nil {
		c.states = make(map[string][]tracker.WorkflowState)
	}
	c.states[targetType] = states
	c.mu.Unlock()
	return states, nil
}

// stepTo drives item to desired through intermediate states, one update
// per step. The returned item reflects the last successful update.
func (r *run) stepTo(ctx context.Context, item *tracker.TargetItem, targetType, desired string) (*tracker.TargetItem, error) {
	current := stateOf(item)
	if strings.EqualFold(current, desired) {
		return item, nil
	}

	path, ok := r.opts.WorkflowSteps.Path(targetType, current, desired)
	if !ok {
		states, err := r.workflows.get(ctx, r, targetType)
		if err != nil && !tracker.IsNotFound(err) {
			return item, err
		}
		path = InferPath(states, current, desired)
	}

	r.e.logger.Debug("stepping workflow",
		"target_id", item.ID, "type", targetType, "from", current, "to", desired, "via", path)

	steps := append(append([]string(nil), path...), desired)
	for _, step := range steps {
		if strings.EqualFold(step, stateOf(item)) {
			continue
		}
		next, err := r.update(ctx, item.ID, map[string]any{tracker.StateField: step})
		if err != nil {
			if tracker.IsWorkflowTransition(err) {
				return item, tracker.WorkflowTransitionError("migrate.stepTo", tracker.StateField,
					fmt.Errorf("%s -> %s via %v: %w", current, desired, path, err))
			}
			return item, err
		}
		item = next
	}
	return item, nil
}

func stateOf(item *tracker.TargetItem) string {
	if item == nil || item.Fields == nil {
		return ""
	}
	if s, ok := item.Fields[tracker.StateField]; ok && s != nil {
		return fmt.Sprint(s)
	}
	return ""
}

// splitState removes the state field from fields. ok is false when fields
// carries no state.
func splitState(fields map[string]any) (rest map[string]any, state string, ok bool) {
	v, ok := fields[tracker.StateField]
	if !ok {
		return fields, "", false
	}
	rest = make(map[string]any, len(fields)-1)
	for k, val := range fields {
		if k != tracker.StateField {
			rest[k] = val
		}
	}
	return rest, fmt.Sprint(v), true
}
