package plan

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChild(parent *Task, title string, deps ...int) *Task {
	t := &Task{
		ID:        uuid.NewString(),
		ParentID:  parent.ID,
		Title:     title,
		Category:  CategoryGeneral,
		Status:    StatusPending,
		DependsOn: deps,
	}
	parent.Subtasks = append(parent.Subtasks, t)
	return t
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())

	assert.True(t, StatusCompleted.IsSuccessful())
	assert.False(t, StatusSkipped.IsSuccessful())
}

func TestTransitionValidation(t *testing.T) {
	task := &Task{Title: "t", Status: StatusPending}

	require.NoError(t, Transition(task, StatusPending, StatusRunning))
	assert.Equal(t, StatusRunning, task.Status)

	// wrong expected prior status
	err := Transition(task, StatusPending, StatusCompleted)
	assert.Error(t, err)

	require.NoError(t, Transition(task, StatusRunning, StatusCompleted))

	// terminal -> anything is disallowed
	err = Transition(task, StatusCompleted, StatusRunning)
	assert.Error(t, err)
}

func TestTransitionPendingToSkipped(t *testing.T) {
	task := &Task{Title: "t", Status: StatusPending}
	require.NoError(t, Transition(task, StatusPending, StatusSkipped))
}

func TestFailAndSkipDependents(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	b := newChild(p.Root, "b", 0)     // depends on a
	c := newChild(p.Root, "c", 1)     // depends on b (transitive)
	d := newChild(p.Root, "d")        // independent
	sub := newChild(c, "c-sub")       // nested under a dependent

	a.Status = StatusRunning
	require.NoError(t, FailAndSkipDependents(p.Root, a))

	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, StatusSkipped, b.Status)
	assert.Equal(t, StatusSkipped, c.Status)
	assert.Equal(t, StatusSkipped, sub.Status, "descendants of skipped tasks are skipped")
	assert.Equal(t, StatusPending, d.Status, "independent sibling untouched")
}

func TestFailAndSkipDependentsRunningDependent(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	b := newChild(p.Root, "b", 0)

	a.Status = StatusRunning
	b.Status = StatusRunning // should never happen; invariant violation

	err := FailAndSkipDependents(p.Root, a)
	assert.ErrorContains(t, err, "invariant violation")
}

func TestPlanStatusDerivation(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	b := newChild(p.Root, "b")

	assert.Equal(t, StatusPending, p.Status())

	a.Status = StatusRunning
	assert.Equal(t, StatusRunning, p.Status())

	a.Status = StatusCompleted
	b.Status = StatusCompleted
	assert.Equal(t, StatusCompleted, p.Status())

	b.Status = StatusFailed
	assert.Equal(t, StatusFailed, p.Status())
}

func TestPlanStatusEmptyPlanVacuouslyComplete(t *testing.T) {
	p := NewPlan("goal")
	// root with no subtasks is itself the only leaf
	p.Root.Status = StatusCompleted
	assert.Equal(t, StatusCompleted, p.Status())
}

func TestLeavesAndProgress(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	newChild(a, "a1")
	newChild(a, "a2")
	newChild(p.Root, "b")

	leaves := p.Leaves()
	require.Len(t, leaves, 3) // a1, a2, b — a is interior

	leaves[0].Status = StatusCompleted
	done, total := p.Progress()
	assert.Equal(t, 1, done)
	assert.Equal(t, 3, total)
}

func TestFind(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	nested := newChild(a, "nested")

	assert.Equal(t, nested, p.Find(nested.ID))
	assert.Nil(t, p.Find("missing"))
}

func TestValidateAcceptsGoodPlan(t *testing.T) {
	p := NewPlan("goal")
	newChild(p.Root, "a")
	newChild(p.Root, "b", 0)

	assert.NoError(t, p.Validate(Limits{MaxDepth: 3, MaxFanOut: 6, MaxSubtasks: 24}))
}

func TestValidateRejectsDepth(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	b := newChild(a, "b")
	newChild(b, "c")

	err := p.Validate(Limits{MaxDepth: 2})
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestValidateRejectsFanOut(t *testing.T) {
	p := NewPlan("goal")
	for i := 0; i < 4; i++ {
		newChild(p.Root, "t")
	}
	err := p.Validate(Limits{MaxFanOut: 3})
	assert.ErrorIs(t, err, ErrFanOutExceeded)
}

func TestValidateRejectsForwardDependency(t *testing.T) {
	p := NewPlan("goal")
	newChild(p.Root, "a", 1) // forward reference
	newChild(p.Root, "b")

	err := p.Validate(Limits{})
	assert.ErrorIs(t, err, ErrBadDependency)
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	b := newChild(p.Root, "b")
	b.ID = a.ID

	err := p.Validate(Limits{})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestValidateRejectsBrokenParentLink(t *testing.T) {
	p := NewPlan("goal")
	a := newChild(p.Root, "a")
	a.ParentID = "someone-else"

	assert.Error(t, p.Validate(Limits{}))
}
