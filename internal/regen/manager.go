// Package regen is the self-regeneration manager: when no registered tool
// can serve a task, it has the model write a small Go tool, validates and
// smoke-tests it in a yaegi sandbox, and registers it for the rest of the
// session. Accepted sources are persisted so later sessions can reload them.
package regen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"atlas/internal/config"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/tools"
)

// Recorder persists generation outcomes for provenance.
type Recorder interface {
	RecordToolGeneration(toolName, purpose, sourcePath string, accepted bool, rejectReason string) error
}

// Manager generates, vets, and registers tools at runtime.
type Manager struct {
	client   llm.Client
	registry *tools.Registry
	recorder Recorder
	sandbox  *Sandbox

	toolDir     string
	execTimeout time.Duration
	maxAttempts int
}

// New creates a regeneration manager. recorder may be nil.
func New(client llm.Client, registry *tools.Registry, recorder Recorder, cfg config.RegenConfig) *Manager {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 2
	}
	return &Manager{
		client:      client,
		registry:    registry,
		recorder:    recorder,
		sandbox:     NewSandbox(),
		toolDir:     cfg.ToolDir,
		execTimeout: cfg.ExecTimeoutDuration(),
		maxAttempts: attempts,
	}
}

const generateSystemPrompt = `You write small Go tools for a desktop assistant.
Write a single self-contained Go snippet that defines exactly:

    func RunTool(input string) (string, error)

Constraints:
- Import ONLY from this whitelist: %s
- No package clause needed; no main function; no global state.
- RunTool must be deterministic and finish quickly.
- Return errors instead of panicking.

Respond with ONLY the Go code, inside a single ` + "```go" + ` fence.`

// GenerateTool builds (or reuses) a tool for the purpose. It satisfies the
// executor's Regenerator interface.
func (m *Manager) GenerateTool(ctx context.Context, purpose string, category tools.Category) (*tools.Tool, error) {
	if m.client == nil {
		return nil, ErrNoClient
	}

	name := ToolName(purpose)
	if existing := m.registry.Get(name); existing != nil {
		logging.Regen("reusing generated tool %s", name)
		return existing, nil
	}

	timer := logging.StartTimer(logging.CategoryRegen, "generate "+name)
	defer timer.Stop()

	system := fmt.Sprintf(generateSystemPrompt, strings.Join(m.sandbox.allowedList(), ", "))
	user := fmt.Sprintf("Purpose: %s", purpose)

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		raw, err := m.client.CompleteWithSystem(ctx, system, user)
		if err != nil {
			lastErr = fmt.Errorf("generation call failed: %w", err)
			continue
		}

		source := extractGoSource(raw)
		if source == "" {
			lastErr = fmt.Errorf("no Go code in model output")
			user = fmt.Sprintf("Purpose: %s\n\nYour previous answer contained no code fence. Respond with only the code.", purpose)
			continue
		}

		if err := m.vet(ctx, source); err != nil {
			lastErr = err
			logging.RegenWarn("attempt %d for %s rejected: %v", attempt, name, err)
			// feed the failure back so the next attempt can correct it
			user = fmt.Sprintf("Purpose: %s\n\nYour previous code was rejected: %v\nFix it and respond with only the corrected code.", purpose, err)
			continue
		}

		sourcePath := m.persist(name, purpose, source)
		m.record(name, purpose, sourcePath, true, "")
		tool := m.buildTool(name, purpose, category, source)
		if err := m.registry.Register(tool); err != nil {
			return nil, fmt.Errorf("failed to register generated tool: %w", err)
		}
		logging.Regen("accepted generated tool %s (attempt %d)", name, attempt)
		return tool, nil
	}

	reason := "unknown"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	m.record(name, purpose, "", false, reason)
	return nil, fmt.Errorf("%w for %q: %v", ErrGenerationFailed, purpose, lastErr)
}

// vet runs the static and dynamic acceptance checks on generated source.
func (m *Manager) vet(ctx context.Context, source string) error {
	if err := m.sandbox.ValidateImports(source); err != nil {
		return err
	}
	// smoke test: the source must evaluate and expose RunTool
	checkCtx, cancel := context.WithTimeout(ctx, m.execTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.sandbox.Check(source) }()
	select {
	case err := <-done:
		return err
	case <-checkCtx.Done():
		return fmt.Errorf("%w during smoke test", ErrSandboxTimeout)
	}
}

// buildTool wraps sandboxed execution of the source as a registry tool.
func (m *Manager) buildTool(name, purpose string, category tools.Category, source string) *tools.Tool {
	if category == "" {
		category = tools.CategoryGeneral
	}
	return &tools.Tool{
		Name:        name,
		Description: purpose,
		Category:    category,
		Generated:   true,
		Priority:    30, // hand-written tools win ties
		Schema: tools.Schema{
			Required: []string{"input"},
			Properties: map[string]tools.Property{
				"input": {Type: "string", Description: "tool input"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			input, _ := args["input"].(string)
			runCtx, cancel := context.WithTimeout(ctx, m.execTimeout)
			defer cancel()
			return m.sandbox.Run(runCtx, source, input)
		},
	}
}

// persist writes the accepted source to the tool directory with a
// provenance header. Persistence failures are logged, not fatal.
func (m *Manager) persist(name, purpose, source string) string {
	if m.toolDir == "" {
		return ""
	}
	if err := os.MkdirAll(m.toolDir, 0755); err != nil {
		logging.RegenWarn("failed to create tool dir: %v", err)
		return ""
	}

	path := filepath.Join(m.toolDir, name+".go")
	content := fmt.Sprintf("// Generated tool: %s\n// Purpose: %s\n// Created: %s\n\n%s\n",
		name, purpose, time.Now().UTC().Format(time.RFC3339), source)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		logging.RegenWarn("failed to persist tool source: %v", err)
		return ""
	}
	return path
}

// LoadPersisted re-registers tools persisted by earlier sessions. Sources
// that no longer pass vetting are skipped.
func (m *Manager) LoadPersisted(ctx context.Context) (int, error) {
	if m.toolDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.toolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read tool dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.toolDir, entry.Name()))
		if err != nil {
			logging.RegenWarn("failed to read %s: %v", entry.Name(), err)
			continue
		}
		source := string(data)
		if err := m.vet(ctx, source); err != nil {
			logging.RegenWarn("persisted tool %s no longer passes vetting: %v", entry.Name(), err)
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".go")
		if m.registry.Has(name) {
			continue
		}
		purpose := persistedPurpose(source)
		if err := m.registry.Register(m.buildTool(name, purpose, tools.CategoryGeneral, source)); err != nil {
			logging.RegenWarn("failed to register persisted tool %s: %v", name, err)
			continue
		}
		loaded++
	}
	if loaded > 0 {
		logging.Regen("loaded %d persisted tools from %s", loaded, m.toolDir)
	}
	return loaded, nil
}

// persistedPurpose recovers the purpose line from a provenance header.
func persistedPurpose(source string) string {
	for _, line := range strings.Split(source, "\n") {
		if strings.HasPrefix(line, "// Purpose: ") {
			return strings.TrimPrefix(line, "// Purpose: ")
		}
	}
	return "persisted generated tool"
}

// record persists a generation outcome if a recorder is wired.
func (m *Manager) record(name, purpose, sourcePath string, accepted bool, reason string) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordToolGeneration(name, purpose, sourcePath, accepted, reason); err != nil {
		logging.RegenWarn("failed to record tool generation: %v", err)
	}
}

// ToolName derives a stable gen_ prefixed registry name from a purpose.
func ToolName(purpose string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(purpose)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	if len(slug) > 32 {
		slug = strings.Trim(slug[:32], "_")
	}
	if slug == "" {
		slug = "tool"
	}
	return "gen_" + slug
}

// extractGoSource pulls the code out of a fenced block, tolerating replies
// without fences.
func extractGoSource(raw string) string {
	for _, fence := range []string{"```go", "```"} {
		start := strings.Index(raw, fence)
		if start == -1 {
			continue
		}
		rest := raw[start+len(fence):]
		end := strings.Index(rest, "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}

	trimmed := strings.TrimSpace(raw)
	if strings.Contains(trimmed, "func RunTool(") {
		return trimmed
	}
	return ""
}
