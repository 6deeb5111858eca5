// Package executor runs plans: it schedules tasks in dependency order and
// adapts per-task strategy when an attempt fails, climbing a configured
// ladder (direct tool, LLM composition, further decomposition, tool
// regeneration) instead of giving up on the first error.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"atlas/internal/config"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/plan"
	"atlas/internal/tools"
	"atlas/internal/verification"
)

// Strategy names as they appear in config ladders.
const (
	StrategyDirectTool       = "direct_tool"
	StrategyLLMCompose       = "llm_compose"
	StrategyDecomposeFurther = "decompose_further"
	StrategyRegenerateTool   = "regenerate_tool"
)

// Recorder persists per-attempt execution records.
type Recorder interface {
	RecordExecution(planID, taskID, strategy string, attempt int, durationMs int64, errMsg string) error
}

// Verifier judges whether a task's output actually satisfies the task.
type Verifier interface {
	Verify(ctx context.Context, task *plan.Task, output string) error
}

// Regenerator builds a new tool for a purpose the registry cannot serve.
type Regenerator interface {
	GenerateTool(ctx context.Context, purpose string, category tools.Category) (*tools.Tool, error)
}

// Options wires the executor's collaborators. Client, Planner, Verifier,
// Regen, and Recorder may all be nil; the corresponding strategies then
// report an error and the ladder moves on.
type Options struct {
	Registry *tools.Registry
	Client   llm.Client
	Planner  *plan.Planner
	Verifier Verifier
	Regen    Regenerator
	Recorder Recorder

	Config   config.ExecutorConfig
	MaxDepth int // decompose_further stops at this tree depth
}

// Executor runs a plan's task tree to completion.
type Executor struct {
	registry *tools.Registry
	client   llm.Client
	planner  *plan.Planner
	verifier Verifier
	regen    Regenerator
	recorder Recorder

	maxWorkers  int
	maxAttempts int
	maxDepth    int
	baseBackoff time.Duration
	strategies  map[string][]string

	// apiSlots throttles concurrent LLM calls across all workers.
	apiSlots chan struct{}

	// treeMu serializes failure propagation; two siblings in the same
	// wave can fail at the same time.
	treeMu sync.Mutex
}

// New creates an executor from options, applying config defaults.
func New(opts Options) *Executor {
	workers := opts.Config.MaxWorkers
	if workers < 1 {
		workers = 4
	}
	slots := opts.Config.MaxAPISlots
	if slots < 1 {
		slots = 2
	}
	attempts := opts.Config.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	maxDepth := opts.MaxDepth
	if maxDepth < 1 {
		maxDepth = 3
	}

	return &Executor{
		registry:    opts.Registry,
		client:      opts.Client,
		planner:     opts.Planner,
		verifier:    opts.Verifier,
		regen:       opts.Regen,
		recorder:    opts.Recorder,
		maxWorkers:  workers,
		maxAttempts: attempts,
		maxDepth:    maxDepth,
		baseBackoff: opts.Config.BackoffDuration(),
		strategies:  opts.Config.Strategies,
		apiSlots:    make(chan struct{}, slots),
	}
}

// transition performs a status change under treeMu: failure propagation
// reads sibling statuses from other goroutines.
func (e *Executor) transition(t *plan.Task, from, to plan.Status) error {
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	return plan.Transition(t, from, to)
}

// ladder returns the strategy order for a category.
func (e *Executor) ladder(category plan.Category) []string {
	if l, ok := e.strategies[string(category)]; ok && len(l) > 0 {
		return l
	}
	return config.DefaultStrategyLadder
}

// Execute runs the whole plan. Task outcomes land in the tree itself;
// the returned error reports scheduler-level problems (cancellation,
// state-machine violations), not individual task failures. Check
// p.Status() for the plan outcome.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) error {
	timer := logging.StartTimer(logging.CategoryExecutor, "execute plan "+p.ID)
	defer timer.Stop()

	root := p.Root
	if len(root.Subtasks) == 0 {
		// degenerate single-task plan: the root is its own leaf
		return e.runLadder(ctx, p, nil, root, 1)
	}

	if err := e.transition(root, plan.StatusPending, plan.StatusRunning); err != nil {
		return err
	}
	if err := e.executeChildren(ctx, p, root, 1); err != nil {
		_ = e.finishInterior(nil, root)
		return err
	}
	if err := e.finishInterior(nil, root); err != nil {
		return err
	}

	done, total := p.Progress()
	logging.Executor("plan %s finished: %s (%d/%d leaves)", p.ID, p.Status(), done, total)
	return nil
}

// executeChildren runs parent's subtasks in waves: each wave is the set of
// pending tasks whose sibling dependencies have all completed.
func (e *Executor) executeChildren(ctx context.Context, p *plan.Plan, parent *plan.Task, depth int) error {
	for {
		ready := readySiblings(parent)
		if len(ready) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxWorkers)
		for _, task := range ready {
			task := task
			g.Go(func() error {
				return e.executeTask(gctx, p, parent, task, depth)
			})
		}
		if err := g.Wait(); err != nil {
			e.skipRemaining(parent)
			return err
		}
	}

	// anything still pending has an unsatisfiable dependency chain
	e.skipRemaining(parent)
	return nil
}

// readySiblings returns pending subtasks whose dependencies are all completed.
func readySiblings(parent *plan.Task) []*plan.Task {
	var ready []*plan.Task
	for _, t := range parent.Subtasks {
		if t.Status != plan.StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if dep < 0 || dep >= len(parent.Subtasks) ||
				parent.Subtasks[dep].Status != plan.StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// skipRemaining marks any still-pending subtasks (and their subtrees) skipped.
func (e *Executor) skipRemaining(parent *plan.Task) {
	for _, t := range parent.Subtasks {
		if t.Status == plan.StatusPending {
			_ = e.transition(t, plan.StatusPending, plan.StatusSkipped)
			e.skipRemaining(t)
		}
	}
}

// executeTask dispatches one task: interior tasks recurse into their
// subtasks, leaves climb the strategy ladder.
func (e *Executor) executeTask(ctx context.Context, p *plan.Plan, parent, task *plan.Task, depth int) error {
	if ctx.Err() != nil {
		return e.transition(task, plan.StatusPending, plan.StatusSkipped)
	}

	if len(task.Subtasks) > 0 {
		if err := e.transition(task, plan.StatusPending, plan.StatusRunning); err != nil {
			return err
		}
		if err := e.executeChildren(ctx, p, task, depth+1); err != nil {
			_ = e.finishInterior(parent, task)
			return err
		}
		return e.finishInterior(parent, task)
	}

	return e.runLadder(ctx, p, parent, task, depth)
}

// finishInterior derives an interior task's outcome from its children.
func (e *Executor) finishInterior(parent, task *plan.Task) error {
	allOK := true
	var results []string
	for _, c := range task.Subtasks {
		if !c.Status.IsSuccessful() {
			allOK = false
		}
		if c.Result != "" {
			results = append(results, c.Result)
		}
	}

	if allOK {
		task.Result = strings.Join(results, "\n")
		return e.transition(task, plan.StatusRunning, plan.StatusCompleted)
	}

	task.Error = "one or more subtasks failed"
	if parent == nil {
		return e.transition(task, plan.StatusRunning, plan.StatusFailed)
	}
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	return plan.FailAndSkipDependents(parent, task)
}

// runLadder drives one leaf through attempts and strategies until one
// succeeds or the budget is spent.
func (e *Executor) runLadder(ctx context.Context, p *plan.Plan, parent, task *plan.Task, depth int) error {
	if err := e.transition(task, plan.StatusPending, plan.StatusRunning); err != nil {
		return err
	}

	ladder := e.ladder(task.Category)
	var lastErr error = ErrAllStrategiesFailed

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		task.Attempts = attempt

		exhausted := false
		for _, strategy := range ladder {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}

			start := time.Now()
			output, err := e.runStrategy(ctx, p, parent, task, strategy, depth)
			e.record(p.ID, task.ID, strategy, attempt, time.Since(start).Milliseconds(), err)

			if err == nil && e.verifier != nil {
				verr := e.acquireSlot(ctx)
				if verr == nil {
					verr = e.verifier.Verify(ctx, task, output)
					e.releaseSlot()
				}
				if verr != nil {
					logging.ExecutorWarn("task %q: %s output rejected: %v", task.Title, strategy, verr)
					err = fmt.Errorf("verification failed: %w", verr)
				}
			}
			if err == nil {
				task.Result = output
				task.Strategy = strategy
				logging.Executor("task %q completed via %s (attempt %d)", task.Title, strategy, attempt)
				return e.transition(task, plan.StatusRunning, plan.StatusCompleted)
			}

			lastErr = err
			logging.ExecutorDebug("task %q: strategy %s failed: %v", task.Title, strategy, err)

			// Verifier rejection budget spent: stop the ladder for this task.
			if errors.Is(err, verification.ErrMaxRetriesExceeded) {
				exhausted = true
				break
			}
		}

		if exhausted || ctx.Err() != nil {
			break
		}
		if attempt < e.maxAttempts {
			backoff := e.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
	}

	task.Error = lastErr.Error()
	logging.ExecutorWarn("task %q failed after %d attempts: %v", task.Title, task.Attempts, lastErr)

	if parent == nil {
		return e.transition(task, plan.StatusRunning, plan.StatusFailed)
	}
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	return plan.FailAndSkipDependents(parent, task)
}

// runStrategy executes a single strategy for a leaf task.
func (e *Executor) runStrategy(ctx context.Context, p *plan.Plan, parent, task *plan.Task, strategy string, depth int) (string, error) {
	switch strategy {
	case StrategyDirectTool:
		return e.runDirectTool(ctx, task)
	case StrategyLLMCompose:
		return e.runLLMCompose(ctx, p, parent, task)
	case StrategyDecomposeFurther:
		return e.runDecomposeFurther(ctx, p, task, depth)
	case StrategyRegenerateTool:
		return e.runRegenerateTool(ctx, task)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

// runDirectTool picks a matching tool and invokes it.
func (e *Executor) runDirectTool(ctx context.Context, task *plan.Task) (string, error) {
	tool := e.pickTool(task)
	if tool == nil {
		return "", fmt.Errorf("%w: %q (category=%s)", ErrNoToolAvailable, task.Title, task.Category)
	}

	res, err := e.registry.ExecuteTool(ctx, tool, fillArgs(tool, task))
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", tool.Name, err)
	}
	return res.Output, nil
}

// pickTool prefers tools the planner suggested, then the category's best.
func (e *Executor) pickTool(task *plan.Task) *tools.Tool {
	for _, name := range task.Tools {
		if t := e.registry.Get(name); t != nil {
			return t
		}
	}
	cat := tools.Category(task.Category)
	if matched := e.registry.GetByCategory(cat); len(matched) > 0 {
		return matched[0]
	}
	return nil
}

// fillArgs satisfies a tool's required arguments from the task text.
// Tools with stricter needs fail validation and the ladder moves on.
func fillArgs(tool *tools.Tool, task *plan.Task) map[string]any {
	args := map[string]any{"input": task.Description}
	for _, req := range tool.Schema.Required {
		if _, ok := args[req]; !ok {
			args[req] = task.Description
		}
	}
	return args
}

const composeSystemPrompt = `You are the execution engine of a desktop assistant.
Complete the given task directly and return ONLY the task's output,
no preamble and no commentary.`

// runLLMCompose asks the model to produce the task's output directly,
// feeding it the results of the task's dependencies.
func (e *Executor) runLLMCompose(ctx context.Context, p *plan.Plan, parent, task *plan.Task) (string, error) {
	if e.client == nil {
		return "", fmt.Errorf("no LLM client configured")
	}
	if err := e.acquireSlot(ctx); err != nil {
		return "", err
	}
	defer e.releaseSlot()

	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n\nTask: %s\n%s\n", p.Goal, task.Title, task.Description)
	if deps := dependencyResults(parent, task); len(deps) > 0 {
		b.WriteString("\nResults from earlier steps:\n")
		for _, d := range deps {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	out, err := e.client.CompleteWithSystem(ctx, composeSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("compose call failed: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("model returned empty output")
	}
	return out, nil
}

// dependencyResults collects the outputs of the task's completed
// sibling dependencies.
func dependencyResults(parent *plan.Task, task *plan.Task) []string {
	if parent == nil {
		return nil
	}
	var out []string
	for _, dep := range task.DependsOn {
		if dep >= 0 && dep < len(parent.Subtasks) {
			if r := parent.Subtasks[dep].Result; r != "" {
				out = append(out, fmt.Sprintf("%s: %s", parent.Subtasks[dep].Title, r))
			}
		}
	}
	return out
}

// runDecomposeFurther splits a stubborn leaf into finer subtasks and runs
// them. Depth-limited so a failing task cannot recurse forever.
func (e *Executor) runDecomposeFurther(ctx context.Context, p *plan.Plan, task *plan.Task, depth int) (string, error) {
	if e.planner == nil {
		return "", fmt.Errorf("no planner configured")
	}
	if depth >= e.maxDepth {
		return "", fmt.Errorf("max decomposition depth %d reached", e.maxDepth)
	}
	if len(task.Subtasks) > 0 {
		return "", fmt.Errorf("task already decomposed")
	}

	if err := e.acquireSlot(ctx); err != nil {
		return "", err
	}
	sub, err := e.planner.Decompose(ctx, task.Description)
	e.releaseSlot()
	if err != nil {
		return "", fmt.Errorf("decomposition failed: %w", err)
	}
	if len(sub.Root.Subtasks) == 0 {
		return "", fmt.Errorf("decomposition produced no subtasks")
	}

	for _, c := range sub.Root.Subtasks {
		c.ParentID = task.ID
	}
	task.Subtasks = sub.Root.Subtasks
	logging.Executor("task %q decomposed into %d subtasks at depth %d", task.Title, len(task.Subtasks), depth+1)

	if err := e.executeChildren(ctx, p, task, depth+1); err != nil {
		return "", err
	}

	var results []string
	for _, c := range task.Subtasks {
		if !c.Status.IsSuccessful() {
			// reset for a potential retry under a different strategy
			task.Subtasks = nil
			return "", fmt.Errorf("decomposed subtask %q did not complete", c.Title)
		}
		if c.Result != "" {
			results = append(results, c.Result)
		}
	}
	return strings.Join(results, "\n"), nil
}

// runRegenerateTool asks the regeneration manager for a purpose-built tool
// and runs it.
func (e *Executor) runRegenerateTool(ctx context.Context, task *plan.Task) (string, error) {
	if e.regen == nil {
		return "", ErrRegenDisabled
	}

	if err := e.acquireSlot(ctx); err != nil {
		return "", err
	}
	tool, err := e.regen.GenerateTool(ctx, task.Description, tools.Category(task.Category))
	e.releaseSlot()
	if err != nil {
		return "", fmt.Errorf("tool regeneration failed: %w", err)
	}

	res, err := e.registry.ExecuteTool(ctx, tool, fillArgs(tool, task))
	if err != nil {
		return "", fmt.Errorf("generated tool %s: %w", tool.Name, err)
	}
	return res.Output, nil
}

// acquireSlot blocks until an API slot is free or the context ends.
func (e *Executor) acquireSlot(ctx context.Context) error {
	select {
	case e.apiSlots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) releaseSlot() {
	<-e.apiSlots
}

// record persists one attempt; recording failures are logged, not fatal.
func (e *Executor) record(planID, taskID, strategy string, attempt int, durationMs int64, err error) {
	if e.recorder == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if rerr := e.recorder.RecordExecution(planID, taskID, strategy, attempt, durationMs, msg); rerr != nil {
		logging.ExecutorWarn("failed to record execution: %v", rerr)
	}
}

const answerSystemPrompt = `You are a desktop assistant. Given a goal and the
results of the steps taken, write the final answer for the user. Be concise.`

// ComposeAnswer turns a finished plan's leaf results into a user-facing
// answer. Without an LLM client it concatenates the results.
func (e *Executor) ComposeAnswer(ctx context.Context, p *plan.Plan) (string, error) {
	var results []string
	for _, leaf := range p.Leaves() {
		if leaf.Status.IsSuccessful() && leaf.Result != "" {
			results = append(results, fmt.Sprintf("%s: %s", leaf.Title, leaf.Result))
		}
	}
	joined := strings.Join(results, "\n")

	if e.client == nil || joined == "" {
		return joined, nil
	}
	if err := e.acquireSlot(ctx); err != nil {
		return joined, nil
	}
	defer e.releaseSlot()

	prompt := fmt.Sprintf("Goal: %s\n\nStep results:\n%s", p.Goal, joined)
	out, err := e.client.CompleteWithSystem(ctx, answerSystemPrompt, prompt)
	if err != nil {
		logging.ExecutorWarn("answer composition failed, returning raw results: %v", err)
		return joined, nil
	}
	return strings.TrimSpace(out), nil
}
