package plan

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrNoRoot         = errors.New("plan has no root task")
	ErrDepthExceeded  = errors.New("plan exceeds max depth")
	ErrFanOutExceeded = errors.New("task exceeds max fan-out")
	ErrBadDependency  = errors.New("invalid sibling dependency")
	ErrDuplicateID    = errors.New("duplicate task id")
)

// Limits bounds plan shape. Zero values mean unlimited.
type Limits struct {
	MaxDepth    int
	MaxFanOut   int
	MaxSubtasks int
}

// Validate checks the plan tree against structural invariants:
// single root, parent links consistent, bounded depth and fan-out,
// dependencies referencing only earlier siblings, unique ids.
func (p *Plan) Validate(limits Limits) error {
	if p.Root == nil {
		return ErrNoRoot
	}

	seen := make(map[string]bool)
	total := 0

	var visit func(t *Task, depth int) error
	visit = func(t *Task, depth int) error {
		if t.ID == "" {
			return fmt.Errorf("task %q has empty id", t.Title)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
		}
		seen[t.ID] = true
		total++

		if limits.MaxDepth > 0 && depth > limits.MaxDepth {
			return fmt.Errorf("%w: depth %d at task %q", ErrDepthExceeded, depth, t.Title)
		}
		if limits.MaxFanOut > 0 && len(t.Subtasks) > limits.MaxFanOut {
			return fmt.Errorf("%w: %d subtasks at task %q", ErrFanOutExceeded, len(t.Subtasks), t.Title)
		}

		for i, sub := range t.Subtasks {
			if sub.ParentID != t.ID {
				return fmt.Errorf("task %q has wrong parent link (got %q, want %q)", sub.Title, sub.ParentID, t.ID)
			}
			for _, dep := range sub.DependsOn {
				if dep < 0 || dep >= i {
					return fmt.Errorf("%w: task %q depends on sibling %d", ErrBadDependency, sub.Title, dep)
				}
			}
			if err := visit(sub, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(p.Root, 0); err != nil {
		return err
	}

	if limits.MaxSubtasks > 0 && total-1 > limits.MaxSubtasks {
		return fmt.Errorf("plan has %d subtasks, max %d", total-1, limits.MaxSubtasks)
	}
	return nil
}
