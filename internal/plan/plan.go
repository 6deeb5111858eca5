// Package plan implements the hierarchical plan manager: goal decomposition
// into a bounded subtask tree, the task state machine, and plan bookkeeping.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status tracks the lifecycle of a task or plan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether the status is terminal (finished).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the status satisfies dependents.
func (s Status) IsSuccessful() bool {
	return s == StatusCompleted
}

// Category classifies a task for strategy and tool selection.
type Category string

const (
	CategoryResearch      Category = "research"
	CategoryAutomation    Category = "automation"
	CategoryCommunication Category = "communication"
	CategoryAnalysis      Category = "analysis"
	CategoryGeneral       Category = "general"
)

// Task is a node in the plan tree. Leaf tasks are executable units; interior
// tasks aggregate their subtasks.
type Task struct {
	ID          string   `json:"id"`
	ParentID    string   `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Status      Status   `json:"status"`

	// Tools names the tools the planner suggested for this task.
	Tools []string `json:"tools,omitempty"`

	// DependsOn holds indices of earlier siblings this task requires.
	// Siblings without dependencies may run concurrently.
	DependsOn []int `json:"depends_on,omitempty"`

	Subtasks []*Task `json:"subtasks,omitempty"`

	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`

	// Strategy records which strategy produced the final result.
	Strategy string `json:"strategy,omitempty"`
}

// IsLeaf reports whether the task has no subtasks.
func (t *Task) IsLeaf() bool {
	return len(t.Subtasks) == 0
}

// Plan is a decomposed goal: a single-rooted tree of tasks.
type Plan struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Root      *Task     `json:"root"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan creates a plan with a root task wrapping the goal.
func NewPlan(goal string) *Plan {
	root := &Task{
		ID:          uuid.NewString(),
		Title:       goal,
		Description: goal,
		Category:    CategoryGeneral,
		Status:      StatusPending,
	}
	return &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Root:      root,
		CreatedAt: time.Now(),
	}
}

// Walk visits every task depth-first, parent before children.
// The walk stops early if fn returns false.
func (p *Plan) Walk(fn func(t *Task) bool) {
	var visit func(t *Task) bool
	visit = func(t *Task) bool {
		if !fn(t) {
			return false
		}
		for _, sub := range t.Subtasks {
			if !visit(sub) {
				return false
			}
		}
		return true
	}
	if p.Root != nil {
		visit(p.Root)
	}
}

// Leaves returns all leaf tasks in depth-first order.
func (p *Plan) Leaves() []*Task {
	var leaves []*Task
	p.Walk(func(t *Task) bool {
		if t.IsLeaf() {
			leaves = append(leaves, t)
		}
		return true
	})
	return leaves
}

// Find returns the task with the given id, or nil.
func (p *Plan) Find(id string) *Task {
	var found *Task
	p.Walk(func(t *Task) bool {
		if t.ID == id {
			found = t
			return false
		}
		return true
	})
	return found
}

// Progress returns completed and total leaf counts.
func (p *Plan) Progress() (done, total int) {
	for _, leaf := range p.Leaves() {
		total++
		if leaf.Status.IsTerminal() {
			done++
		}
	}
	return done, total
}

// Status derives the plan's overall status from its leaves.
// Any failed leaf fails the plan; all-successful leaves complete it.
func (p *Plan) Status() Status {
	leaves := p.Leaves()
	if len(leaves) == 0 {
		return StatusCompleted // vacuously complete
	}

	allTerminal := true
	anyFailed := false
	anyRunning := false
	for _, leaf := range leaves {
		if !leaf.Status.IsTerminal() {
			allTerminal = false
		}
		if leaf.Status == StatusFailed {
			anyFailed = true
		}
		if leaf.Status == StatusRunning {
			anyRunning = true
		}
	}

	switch {
	case anyFailed && allTerminal:
		return StatusFailed
	case allTerminal:
		return StatusCompleted
	case anyRunning || anyFailed:
		return StatusRunning
	default:
		return StatusPending
	}
}

// Transition performs a validated status change on a task.
// The caller supplies the expected prior status to make races observable.
func Transition(t *Task, from, to Status) error {
	if t.Status != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", t.Title, from, t.Status)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", t.Title, from, to)
	}
	t.Status = to
	return nil
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// FailAndSkipDependents marks a running task failed and transitively skips
// every pending sibling that depends on it. Subtasks of skipped siblings are
// skipped too.
func FailAndSkipDependents(parent, failed *Task) error {
	if failed.Status != StatusRunning && failed.Status != StatusFailed {
		return fmt.Errorf("cannot fail %q from status %s", failed.Title, failed.Status)
	}
	failed.Status = StatusFailed

	if parent == nil {
		return nil
	}

	failedIdx := -1
	for i, sib := range parent.Subtasks {
		if sib == failed {
			failedIdx = i
			break
		}
	}
	if failedIdx == -1 {
		return fmt.Errorf("task %q is not a child of %q", failed.Title, parent.Title)
	}

	// Transitive closure over sibling dependency edges.
	skipped := map[int]bool{failedIdx: true}
	changed := true
	for changed {
		changed = false
		for i, sib := range parent.Subtasks {
			if skipped[i] {
				continue
			}
			for _, dep := range sib.DependsOn {
				if skipped[dep] {
					if sib.Status == StatusRunning {
						return fmt.Errorf("invariant violation: dependent task %q is running during failure propagation", sib.Title)
					}
					if sib.Status == StatusPending {
						skipSubtree(sib)
					}
					skipped[i] = true
					changed = true
					break
				}
			}
		}
	}
	return nil
}

// skipSubtree marks a pending task and all its pending descendants skipped.
func skipSubtree(t *Task) {
	if t.Status == StatusPending {
		t.Status = StatusSkipped
	}
	for _, sub := range t.Subtasks {
		skipSubtree(sub)
	}
}

// ParseCategory normalizes a category string, defaulting to general.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryResearch, CategoryAutomation, CategoryCommunication, CategoryAnalysis, CategoryGeneral:
		return Category(s)
	default:
		return CategoryGeneral
	}
}
