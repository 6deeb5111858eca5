package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"atlas/internal/plan"
	"atlas/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Plan and execute a single goal",
	Long: `Decomposes the goal into a task tree, executes it in dependency
order with adaptive strategies, and prints the composed answer.

Example:
  atlas run "summarize the release notes and draft an announcement"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sess, err := openSession(a)
		if err != nil {
			return err
		}

		return runGoal(cmd.Context(), a, sess, strings.Join(args, " "))
	},
}

// openSession starts a new session or resumes the one named by --session.
func openSession(a *app) (*session.Session, error) {
	if sessionID != "" {
		return a.sessions.Resume(sessionID)
	}
	return a.sessions.Start()
}

// runGoal drives one goal through the full pipeline: decompose, persist,
// execute, compose the answer, and record the turn.
func runGoal(ctx context.Context, a *app, sess *session.Session, goal string) error {
	planner, exec := a.components()

	// fold prior turns into the goal so follow-ups resolve references
	if history, err := sess.ContextPrompt(5); err == nil && history != "" {
		goal = history + "\nCurrent goal: " + goal
	}

	p, err := planner.Decompose(ctx, goal)
	if err != nil {
		return err
	}
	if err := a.store.SavePlan(p); err != nil {
		return err
	}

	fmt.Printf("Plan %s (%d steps)\n", p.ID, len(p.Leaves()))
	printTree(p.Root, 0)
	fmt.Println()

	if err := exec.Execute(ctx, p); err != nil {
		_ = a.store.SavePlan(p)
		return err
	}
	if err := a.store.SavePlan(p); err != nil {
		return err
	}

	answer, err := exec.ComposeAnswer(ctx, p)
	if err != nil {
		return err
	}

	done, total := p.Progress()
	confidence := 0.0
	if total > 0 {
		confidence = float64(done) / float64(total)
	}
	if err := sess.RecordTurn(goal, p.ID, answer, confidence); err != nil {
		return err
	}

	switch p.Status() {
	case plan.StatusCompleted:
		fmt.Println(answer)
	default:
		fmt.Printf("Plan finished with status %s (%d/%d steps done)\n", p.Status(), done, total)
		if answer != "" {
			fmt.Println(answer)
		}
		printFailures(p)
	}
	return nil
}

// printTree renders the task tree with status glyphs.
func printTree(t *plan.Task, depth int) {
	if depth > 0 {
		fmt.Printf("%s%s %s", strings.Repeat("  ", depth), statusGlyph(t.Status), t.Title)
		if len(t.DependsOn) > 0 {
			fmt.Printf(" (after %v)", t.DependsOn)
		}
		if t.Strategy != "" {
			fmt.Printf(" [%s]", t.Strategy)
		}
		fmt.Println()
	}
	for _, sub := range t.Subtasks {
		printTree(sub, depth+1)
	}
}

func statusGlyph(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return "[x]"
	case plan.StatusFailed:
		return "[!]"
	case plan.StatusSkipped:
		return "[-]"
	case plan.StatusRunning:
		return "[~]"
	default:
		return "[ ]"
	}
}

func printFailures(p *plan.Plan) {
	for _, leaf := range p.Leaves() {
		if leaf.Status == plan.StatusFailed {
			fmt.Printf("  failed: %s: %s\n", leaf.Title, leaf.Error)
		}
	}
}
