// Package verification judges task outputs before the executor accepts
// them. Structural checks run always; an optional LLM judge scores
// semantic fit against the task description.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"atlas/internal/config"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/plan"
)

// ErrMaxRetriesExceeded means a task's output was rejected more times than
// the configured budget allows.
var ErrMaxRetriesExceeded = errors.New("verification retries exceeded")

// Violation is one structural problem found in an output.
type Violation struct {
	Kind   string
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// Judgment is the LLM judge's verdict on an output.
type Judgment struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Verifier checks task outputs. It satisfies the executor's Verifier
// interface.
type Verifier struct {
	client        llm.Client
	useJudge      bool
	minConfidence float64
	maxRetries    int

	mu         sync.Mutex
	rejections map[string]int // task id -> rejection count
}

// New creates a verifier. client may be nil; the LLM judge is then skipped
// regardless of config.
func New(client llm.Client, cfg config.VerifyConfig) *Verifier {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Verifier{
		client:        client,
		useJudge:      cfg.UseLLMJudge,
		minConfidence: cfg.MinConfidence,
		maxRetries:    maxRetries,
		rejections:    make(map[string]int),
	}
}

// Verify returns nil when the output is acceptable. A rejection past the
// retry budget wraps ErrMaxRetriesExceeded so the executor stops retrying.
func (v *Verifier) Verify(ctx context.Context, task *plan.Task, output string) error {
	if violations := CheckStructure(output); len(violations) > 0 {
		return v.reject(task, fmt.Errorf("structural check failed: %s", joinViolations(violations)))
	}

	if v.useJudge && v.client != nil {
		j, err := v.judge(ctx, task, output)
		if err != nil {
			// judge unavailable: structural pass stands
			logging.Verify("LLM judge unavailable for %q, accepting on structural checks: %v", task.Title, err)
		} else if !j.Passed || j.Confidence < v.minConfidence {
			return v.reject(task, fmt.Errorf("judged insufficient (confidence %.2f): %s", j.Confidence, j.Reason))
		}
	}

	v.mu.Lock()
	delete(v.rejections, task.ID)
	v.mu.Unlock()
	return nil
}

// reject tracks per-task rejection counts against the retry budget.
func (v *Verifier) reject(task *plan.Task, cause error) error {
	v.mu.Lock()
	v.rejections[task.ID]++
	count := v.rejections[task.ID]
	v.mu.Unlock()

	logging.Verify("rejected output for %q (%d/%d): %v", task.Title, count, v.maxRetries, cause)
	if count >= v.maxRetries {
		return fmt.Errorf("%w after %d rejections: %v", ErrMaxRetriesExceeded, count, cause)
	}
	return cause
}

// errorMarkers are substrings that indicate a tool or model dumped a
// failure message instead of a result.
var errorMarkers = []string{
	"error:",
	"exception:",
	"traceback (most recent call last)",
	"panic:",
	"fatal:",
	"i cannot",
	"i'm unable to",
	"as an ai",
}

// placeholderMarkers indicate filler text rather than real output.
var placeholderMarkers = []string{
	"todo",
	"tbd",
	"lorem ipsum",
	"[insert",
	"<placeholder",
	"your text here",
}

// CheckStructure runs the deterministic output checks.
func CheckStructure(output string) []Violation {
	var violations []Violation

	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return []Violation{{Kind: "empty", Detail: "output is empty"}}
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			violations = append(violations, Violation{Kind: "error_text", Detail: fmt.Sprintf("output contains %q", marker)})
			break
		}
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			violations = append(violations, Violation{Kind: "placeholder", Detail: fmt.Sprintf("output contains %q", marker)})
			break
		}
	}
	return violations
}

func joinViolations(violations []Violation) string {
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

const judgeSystemPrompt = `You are a strict quality judge for a task execution
engine. Given a task and the output produced for it, decide whether the output
actually accomplishes the task.

Respond with ONLY a JSON object:
{"passed": true|false, "confidence": 0.0-1.0, "reason": "one sentence"}`

// judge asks the model whether the output satisfies the task.
func (v *Verifier) judge(ctx context.Context, task *plan.Task, output string) (Judgment, error) {
	user := fmt.Sprintf("Task: %s\n%s\n\nOutput:\n%s", task.Title, task.Description, output)

	raw, err := v.client.CompleteWithSystem(ctx, judgeSystemPrompt, user)
	if err != nil {
		return Judgment{}, fmt.Errorf("judge call failed: %w", err)
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return Judgment{}, fmt.Errorf("no JSON in judge output")
	}

	var j Judgment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &j); err != nil {
		return Judgment{}, fmt.Errorf("failed to parse judgment: %w", err)
	}
	return j, nil
}
