package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"atlas/internal/llm"
	"atlas/internal/logging"
)

// Planner decomposes a goal into a bounded subtask tree.
// With no LLM client configured it falls back to deterministic templates,
// so planning never hard-fails.
type Planner struct {
	client llm.Client
	limits Limits

	// toolNames is advertised to the model so suggested tools exist.
	toolNames []string
}

// NewPlanner creates a planner. client may be nil (template-only mode).
func NewPlanner(client llm.Client, limits Limits, toolNames []string) *Planner {
	return &Planner{client: client, limits: limits, toolNames: toolNames}
}

const decomposeSystemPrompt = `You are a task planner for a desktop assistant.
Decompose the user's goal into a small tree of concrete subtasks.

Respond with ONLY a JSON object, no prose, in this exact schema:
{
  "category": "research|automation|communication|analysis|general",
  "subtasks": [
    {
      "title": "short imperative title",
      "description": "what to do and what output is expected",
      "category": "research|automation|communication|analysis|general",
      "tools": ["optional tool names"],
      "depends_on": [0],
      "subtasks": []
    }
  ]
}

Rules:
- depends_on lists indices of EARLIER siblings only.
- Prefer 2-5 subtasks; nest only when a step is genuinely compound.
- Use only tools from the provided list, or omit tools.`

// decomposeResponse is the wire schema the model must produce.
type decomposeResponse struct {
	Category string          `json:"category"`
	Subtasks []subtaskSchema `json:"subtasks"`
}

type subtaskSchema struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Tools       []string        `json:"tools"`
	DependsOn   []int           `json:"depends_on"`
	Subtasks    []subtaskSchema `json:"subtasks"`
}

// Decompose builds a plan for the goal. LLM output that fails to parse or
// validate falls back to the category template rather than erroring.
func (p *Planner) Decompose(ctx context.Context, goal string) (*Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("goal cannot be empty")
	}

	timer := logging.StartTimer(logging.CategoryPlanner, "decompose")
	defer timer.Stop()

	if p.client != nil {
		if pl, err := p.decomposeLLM(ctx, goal); err == nil {
			return pl, nil
		} else {
			logging.Planner("LLM decomposition failed, using template: %v", err)
		}
	}

	pl := p.templatePlan(goal)
	logging.Planner("plan %s built from template (%d leaves)", pl.ID, len(pl.Leaves()))
	return pl, nil
}

func (p *Planner) decomposeLLM(ctx context.Context, goal string) (*Plan, error) {
	user := fmt.Sprintf("Goal: %s\n\nAvailable tools: %s", goal, strings.Join(p.toolNames, ", "))

	raw, err := p.client.CompleteWithSystem(ctx, decomposeSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("decomposition call failed: %w", err)
	}

	jsonStr := extractJSONObject(raw)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var resp decomposeResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	if len(resp.Subtasks) == 0 {
		return nil, fmt.Errorf("model returned no subtasks")
	}

	pl := NewPlan(goal)
	pl.Root.Category = ParseCategory(resp.Category)
	attachSubtasks(pl.Root, resp.Subtasks, p.limits.MaxDepth, 1)

	if err := pl.Validate(p.limits); err != nil {
		return nil, fmt.Errorf("model plan rejected: %w", err)
	}

	logging.Planner("plan %s decomposed by LLM (%d leaves)", pl.ID, len(pl.Leaves()))
	return pl, nil
}

// attachSubtasks converts schema nodes to tasks, truncating at maxDepth.
func attachSubtasks(parent *Task, subs []subtaskSchema, maxDepth, depth int) {
	if maxDepth > 0 && depth > maxDepth {
		return
	}
	for _, s := range subs {
		title := strings.TrimSpace(s.Title)
		if title == "" {
			continue
		}
		task := &Task{
			ID:          uuid.NewString(),
			ParentID:    parent.ID,
			Title:       title,
			Description: strings.TrimSpace(s.Description),
			Category:    ParseCategory(s.Category),
			Status:      StatusPending,
			Tools:       s.Tools,
			DependsOn:   sanitizeDeps(s.DependsOn, len(parent.Subtasks)),
		}
		if task.Description == "" {
			task.Description = title
		}
		parent.Subtasks = append(parent.Subtasks, task)
		attachSubtasks(task, s.Subtasks, maxDepth, depth+1)
	}
}

// sanitizeDeps drops out-of-range or forward references instead of failing
// the whole plan over one bad index.
func sanitizeDeps(deps []int, selfIdx int) []int {
	var out []int
	for _, d := range deps {
		if d >= 0 && d < selfIdx {
			out = append(out, d)
		}
	}
	return out
}

// InferCategory guesses a goal's category from its wording. Used only for
// template fallback; the LLM's category wins when available.
func InferCategory(goal string) Category {
	lower := strings.ToLower(goal)
	switch {
	case containsAny(lower, "search", "find out", "look up", "research", "read about"):
		return CategoryResearch
	case containsAny(lower, "click", "type", "open app", "screenshot", "copy", "paste", "automate"):
		return CategoryAutomation
	case containsAny(lower, "email", "send", "message", "reply", "notify"):
		return CategoryCommunication
	case containsAny(lower, "analyze", "summarize", "compare", "count", "extract"):
		return CategoryAnalysis
	default:
		return CategoryGeneral
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// templatePlan builds a deterministic fallback plan for the goal.
func (p *Planner) templatePlan(goal string) *Plan {
	category := InferCategory(goal)
	pl := NewPlan(goal)
	pl.Root.Category = category

	steps := templateSteps(category, goal)
	for i, step := range steps {
		task := &Task{
			ID:          uuid.NewString(),
			ParentID:    pl.Root.ID,
			Title:       step.title,
			Description: step.description,
			Category:    category,
			Status:      StatusPending,
		}
		if i > 0 {
			task.DependsOn = []int{i - 1} // templates are strictly sequential
		}
		pl.Root.Subtasks = append(pl.Root.Subtasks, task)
	}
	return pl
}

type templateStep struct {
	title       string
	description string
}

func templateSteps(category Category, goal string) []templateStep {
	switch category {
	case CategoryResearch:
		return []templateStep{
			{"Gather sources", fmt.Sprintf("Collect relevant information for: %s", goal)},
			{"Extract findings", "Extract the key facts from the gathered sources"},
			{"Compose answer", fmt.Sprintf("Write a concise answer to: %s", goal)},
		}
	case CategoryAutomation:
		return []templateStep{
			{"Plan actions", fmt.Sprintf("Determine the concrete steps for: %s", goal)},
			{"Execute actions", "Perform the planned actions via the available tools"},
			{"Confirm outcome", "Verify the actions had the intended effect"},
		}
	case CategoryCommunication:
		return []templateStep{
			{"Draft message", fmt.Sprintf("Draft the content for: %s", goal)},
			{"Send message", "Deliver the drafted content via the appropriate tool"},
		}
	case CategoryAnalysis:
		return []templateStep{
			{"Prepare input", fmt.Sprintf("Assemble the data needed for: %s", goal)},
			{"Analyze", "Run the analysis over the prepared input"},
			{"Report results", "Summarize the analysis results"},
		}
	default:
		return []templateStep{
			{"Work on goal", goal},
			{"Summarize result", fmt.Sprintf("Summarize the outcome of: %s", goal)},
		}
	}
}

// extractJSONObject returns the first balanced {...} block in s, or "".
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
