package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"atlas/internal/config"
	"atlas/internal/plan"
	"atlas/internal/tools"
	"atlas/internal/verification"
)

func TestMain(m *testing.M) {
	// go.opencensus.io starts a permanent worker goroutine in its package
	// init that cannot be stopped; ignore it so leak detection covers only
	// goroutines this package controls.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeClient returns canned completions.
type fakeClient struct {
	mu       sync.Mutex
	response string
	err      error
	prompts  []string
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, user)
	return f.response, f.err
}

// fakeRecorder collects execution records in memory.
type fakeRecorder struct {
	mu      sync.Mutex
	records []string
}

func (f *fakeRecorder) RecordExecution(planID, taskID, strategy string, attempt int, durationMs int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, fmt.Sprintf("%s/%d/%v", strategy, attempt, errMsg == ""))
	return nil
}

// verifierFunc adapts a func to the Verifier interface.
type verifierFunc func(ctx context.Context, task *plan.Task, output string) error

func (f verifierFunc) Verify(ctx context.Context, task *plan.Task, output string) error {
	return f(ctx, task, output)
}

// regenFunc adapts a func to the Regenerator interface.
type regenFunc func(ctx context.Context, purpose string, category tools.Category) (*tools.Tool, error)

func (f regenFunc) GenerateTool(ctx context.Context, purpose string, category tools.Category) (*tools.Tool, error) {
	return f(ctx, purpose, category)
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MaxWorkers:  4,
		MaxAPISlots: 2,
		MaxAttempts: 2,
		BaseBackoff: "1ms",
		Strategies: map[string][]string{
			"general": {"direct_tool", "llm_compose"},
		},
	}
}

func okTool(name string, calls *[]string, mu *sync.Mutex) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: "test tool",
		Category:    tools.CategoryGeneral,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if mu != nil {
				mu.Lock()
				*calls = append(*calls, name)
				mu.Unlock()
			}
			return "output from " + name, nil
		},
	}
}

func leaf(parent *plan.Task, title string, deps ...int) *plan.Task {
	t := &plan.Task{
		ID:        uuid.NewString(),
		ParentID:  parent.ID,
		Title:     title,
		Category:  plan.CategoryGeneral,
		Status:    plan.StatusPending,
		DependsOn: deps,
	}
	parent.Subtasks = append(parent.Subtasks, t)
	return t
}

func TestExecuteSimplePlan(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(okTool("t1", nil, nil))

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	b := leaf(p.Root, "b", 0)

	e := New(Options{Registry: reg, Config: testConfig()})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusCompleted, p.Status())
	assert.Equal(t, plan.StatusCompleted, a.Status)
	assert.Equal(t, plan.StatusCompleted, b.Status)
	assert.Equal(t, StrategyDirectTool, a.Strategy)
	assert.Equal(t, "output from t1", a.Result)
	assert.Equal(t, plan.StatusCompleted, p.Root.Status)
	assert.Contains(t, p.Root.Result, "output from t1")
}

func TestExecuteRespectsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Tool{
		Name:     "seq",
		Category: tools.CategoryGeneral,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			mu.Lock()
			order = append(order, args["input"].(string))
			mu.Unlock()
			return "done", nil
		},
	})

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	a.Description = "first"
	b := leaf(p.Root, "b", 0)
	b.Description = "second"
	c := leaf(p.Root, "c", 1)
	c.Description = "third"

	e := New(Options{Registry: reg, Config: testConfig()})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestLadderFallsThroughToLLMCompose(t *testing.T) {
	reg := tools.NewRegistry() // empty: direct_tool will fail
	client := &fakeClient{response: "composed answer"}

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")

	e := New(Options{Registry: reg, Client: client, Config: testConfig()})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusCompleted, a.Status)
	assert.Equal(t, StrategyLLMCompose, a.Strategy)
	assert.Equal(t, "composed answer", a.Result)
}

func TestFailurePropagatesToDependents(t *testing.T) {
	reg := tools.NewRegistry() // no tools, no client: everything fails

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	b := leaf(p.Root, "b", 0)
	c := leaf(p.Root, "c") // independent

	// independent task gets its own category with a working tool
	c.Category = plan.CategoryAnalysis
	reg.MustRegister(&tools.Tool{
		Name:     "analyzer",
		Category: tools.CategoryAnalysis,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "analysis done", nil
		},
	})

	cfg := testConfig()
	cfg.Strategies["analysis"] = []string{"direct_tool"}

	e := New(Options{Registry: reg, Config: cfg})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusFailed, a.Status)
	assert.Equal(t, plan.StatusSkipped, b.Status)
	assert.Equal(t, plan.StatusCompleted, c.Status)
	assert.Equal(t, plan.StatusFailed, p.Status())
	assert.NotEmpty(t, a.Error)
}

func TestVerifierRejectionFailsTask(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(okTool("t1", nil, nil))

	rejectAll := verifierFunc(func(ctx context.Context, task *plan.Task, output string) error {
		return errors.New("output looks like a placeholder")
	})

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")

	cfg := testConfig()
	cfg.Strategies["general"] = []string{"direct_tool"}

	e := New(Options{Registry: reg, Verifier: rejectAll, Config: cfg})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "verification failed")
}

func TestVerifierBudgetStopsLadder(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Tool{
		Name:     "stub",
		Category: tools.CategoryGeneral,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "TODO: fill this in later", nil
		},
	})
	rec := &fakeRecorder{}

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")

	cfg := testConfig()
	cfg.Strategies["general"] = []string{"direct_tool"}
	cfg.MaxAttempts = 5

	v := verification.New(nil, config.VerifyConfig{MaxRetries: 2})
	e := New(Options{Registry: reg, Verifier: v, Recorder: rec, Config: cfg})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusFailed, a.Status)
	assert.Contains(t, a.Error, verification.ErrMaxRetriesExceeded.Error())
	assert.Len(t, rec.records, 2, "attempts must stop once the verifier budget is spent")
	assert.Equal(t, 2, a.Attempts)
}

func TestRecorderSeesEveryAttempt(t *testing.T) {
	reg := tools.NewRegistry() // empty, so direct_tool fails every attempt
	rec := &fakeRecorder{}

	p := plan.NewPlan("goal")
	leaf(p.Root, "a")

	cfg := testConfig()
	cfg.Strategies["general"] = []string{"direct_tool"}
	cfg.MaxAttempts = 2

	e := New(Options{Registry: reg, Recorder: rec, Config: cfg})
	require.NoError(t, e.Execute(context.Background(), p))

	require.Len(t, rec.records, 2)
	assert.Equal(t, "direct_tool/1/false", rec.records[0])
	assert.Equal(t, "direct_tool/2/false", rec.records[1])
}

func TestRegenerateToolStrategy(t *testing.T) {
	reg := tools.NewRegistry()

	regen := regenFunc(func(ctx context.Context, purpose string, category tools.Category) (*tools.Tool, error) {
		tool := &tools.Tool{
			Name:      "gen_helper",
			Category:  category,
			Generated: true,
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				return "generated output", nil
			},
		}
		if err := reg.Register(tool); err != nil {
			return nil, err
		}
		return tool, nil
	})

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	a.Category = plan.CategoryAutomation

	cfg := testConfig()
	cfg.Strategies["automation"] = []string{"regenerate_tool"}

	e := New(Options{Registry: reg, Regen: regen, Config: cfg})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusCompleted, a.Status)
	assert.Equal(t, StrategyRegenerateTool, a.Strategy)
	assert.Equal(t, "generated output", a.Result)
	assert.True(t, reg.Has("gen_helper"))
}

func TestRegenerateToolWithoutRegenerator(t *testing.T) {
	reg := tools.NewRegistry()

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")

	cfg := testConfig()
	cfg.Strategies["general"] = []string{"regenerate_tool"}
	cfg.MaxAttempts = 1

	e := New(Options{Registry: reg, Config: cfg})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusFailed, a.Status)
	assert.Contains(t, a.Error, ErrRegenDisabled.Error())
}

func TestDecomposeFurtherStrategy(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(okTool("t1", nil, nil))

	// planner client hands back a two-step refinement
	plannerClient := &fakeClient{response: `{"category":"general","subtasks":[
		{"title":"part one","description":"do part one"},
		{"title":"part two","description":"do part two","depends_on":[0]}
	]}`}
	planner := plan.NewPlanner(plannerClient, plan.Limits{MaxDepth: 3, MaxFanOut: 6}, nil)

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	a.Category = plan.CategoryAnalysis
	a.Description = "a compound step"

	cfg := testConfig()
	cfg.Strategies["analysis"] = []string{"decompose_further"}

	e := New(Options{Registry: reg, Planner: planner, Config: cfg, MaxDepth: 3})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusCompleted, a.Status)
	assert.Equal(t, StrategyDecomposeFurther, a.Strategy)
	require.Len(t, a.Subtasks, 2)
	assert.Equal(t, plan.StatusCompleted, a.Subtasks[0].Status)
	assert.Contains(t, a.Result, "output from t1")
}

func TestDecomposeFurtherDepthLimit(t *testing.T) {
	reg := tools.NewRegistry()
	planner := plan.NewPlanner(nil, plan.Limits{MaxDepth: 3}, nil)

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")

	cfg := testConfig()
	cfg.Strategies["general"] = []string{"decompose_further"}
	cfg.MaxAttempts = 1

	e := New(Options{Registry: reg, Planner: planner, Config: cfg, MaxDepth: 1})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "depth")
}

func TestCancellationSkipsRemaining(t *testing.T) {
	started := make(chan struct{})
	reg := tools.NewRegistry()
	reg.MustRegister(&tools.Tool{
		Name:     "blocker",
		Category: tools.CategoryGeneral,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	b := leaf(p.Root, "b", 0)

	cfg := testConfig()
	cfg.Strategies["general"] = []string{"direct_tool"}
	cfg.MaxAttempts = 1

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	defer cancel()

	e := New(Options{Registry: reg, Config: cfg})
	require.NoError(t, e.Execute(ctx, p))

	assert.Equal(t, plan.StatusFailed, a.Status)
	assert.Equal(t, plan.StatusSkipped, b.Status)
	assert.Equal(t, plan.StatusFailed, p.Status())
}

func TestSingleTaskPlanRunsRoot(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(okTool("t1", nil, nil))

	p := plan.NewPlan("just one thing")
	p.Root.Description = "just one thing"

	e := New(Options{Registry: reg, Config: testConfig()})
	require.NoError(t, e.Execute(context.Background(), p))

	assert.Equal(t, plan.StatusCompleted, p.Root.Status)
	assert.Equal(t, "output from t1", p.Root.Result)
}

func TestComposeAnswerWithoutClient(t *testing.T) {
	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	a.Status = plan.StatusCompleted
	a.Result = "found it"

	e := New(Options{Registry: tools.NewRegistry(), Config: testConfig()})
	answer, err := e.ComposeAnswer(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, answer, "found it")
}

func TestComposeAnswerWithClient(t *testing.T) {
	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	a.Status = plan.StatusCompleted
	a.Result = "raw result"

	client := &fakeClient{response: "polished answer"}
	e := New(Options{Registry: tools.NewRegistry(), Client: client, Config: testConfig()})

	answer, err := e.ComposeAnswer(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "polished answer", answer)
	require.Len(t, client.prompts, 1)
	assert.True(t, strings.Contains(client.prompts[0], "raw result"))
}

func TestLLMComposeFeedsDependencyResults(t *testing.T) {
	reg := tools.NewRegistry()
	client := &fakeClient{response: "step two output"}

	p := plan.NewPlan("goal")
	a := leaf(p.Root, "a")
	a.Status = plan.StatusCompleted
	a.Result = "step one output"
	b := leaf(p.Root, "b", 0)
	b.Description = "use step one"

	cfg := testConfig()
	cfg.Strategies["general"] = []string{"llm_compose"}

	e := New(Options{Registry: reg, Client: client, Config: cfg})
	out, err := e.runLLMCompose(context.Background(), p, p.Root, b)
	require.NoError(t, err)
	assert.Equal(t, "step two output", out)
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "step one output")
}

func TestAPISlotThrottling(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	slow := func(ctx context.Context, system, user string) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "ok", nil
	}

	reg := tools.NewRegistry()
	cfg := testConfig()
	cfg.MaxAPISlots = 1
	cfg.MaxWorkers = 4
	cfg.Strategies["general"] = []string{"llm_compose"}

	e := New(Options{Registry: reg, Client: clientFunc(slow), Config: cfg})

	p := plan.NewPlan("goal")
	for i := 0; i < 4; i++ {
		leaf(p.Root, fmt.Sprintf("t%d", i))
	}

	require.NoError(t, e.Execute(context.Background(), p))
	assert.Equal(t, 1, maxInFlight, "only one LLM call at a time with one slot")
	assert.Equal(t, plan.StatusCompleted, p.Status())
}

func TestAPISlotsCoverPlannerAndRegenCalls(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	enter := func() {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	exit := func() {
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	plannerClient := clientFunc(func(ctx context.Context, system, user string) (string, error) {
		enter()
		defer exit()
		return `{"category":"general","subtasks":[
			{"title":"part one","description":"do part one"},
			{"title":"part two","description":"do part two"}
		]}`, nil
	})
	planner := plan.NewPlanner(plannerClient, plan.Limits{MaxDepth: 3, MaxFanOut: 6}, nil)

	regen := regenFunc(func(ctx context.Context, purpose string, category tools.Category) (*tools.Tool, error) {
		enter()
		defer exit()
		return &tools.Tool{
			Name:      "gen_adhoc",
			Category:  category,
			Generated: true,
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				return "generated output", nil
			},
		}, nil
	})

	reg := tools.NewRegistry()
	reg.MustRegister(okTool("t1", nil, nil))

	cfg := testConfig()
	cfg.MaxAPISlots = 1
	cfg.MaxWorkers = 4
	cfg.Strategies["analysis"] = []string{"decompose_further"}
	cfg.Strategies["automation"] = []string{"regenerate_tool"}

	e := New(Options{Registry: reg, Planner: planner, Regen: regen, Config: cfg, MaxDepth: 3})

	p := plan.NewPlan("goal")
	for i := 0; i < 2; i++ {
		d := leaf(p.Root, fmt.Sprintf("d%d", i))
		d.Category = plan.CategoryAnalysis
		d.Description = "a compound step"
	}
	for i := 0; i < 2; i++ {
		g := leaf(p.Root, fmt.Sprintf("g%d", i))
		g.Category = plan.CategoryAutomation
	}

	require.NoError(t, e.Execute(context.Background(), p))
	assert.Equal(t, plan.StatusCompleted, p.Status())
	assert.Equal(t, 1, maxInFlight, "planner and regen calls share the API slot budget")
}

// clientFunc adapts a func to llm.Client for throttling tests.
type clientFunc func(ctx context.Context, system, user string) (string, error)

func (f clientFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, "", prompt)
}

func (f clientFunc) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}
