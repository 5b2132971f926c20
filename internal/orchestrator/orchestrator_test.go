package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/dsl"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/monitor"
	"github.com/mpataki/foreman/internal/spec"
	"github.com/mpataki/foreman/internal/storage"
)

type fakeInvoker struct {
	mu       sync.Mutex
	calls    []agent.Request
	fail     map[string]bool
	outputs  map[string]string
	cancel   map[string]bool
	barrier  *sync.WaitGroup
	failedID int64
}

func (f *fakeInvoker) Run(ctx context.Context, req agent.Request) (agent.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	id := int64(len(f.calls))
	f.mu.Unlock()

	if f.barrier != nil {
		f.barrier.Done()
		done := make(chan struct{})
		go func() { f.barrier.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return agent.Outcome{}, errors.New("parallel commands did not run concurrently")
		}
	}

	if f.cancel[req.Name] {
		return agent.Outcome{AgentID: id, Status: agent.OutcomeCancelled}, nil
	}
	if f.fail[req.Name] {
		return agent.Outcome{AgentID: f.failedID}, errors.New(req.Name + " exploded")
	}
	return agent.Outcome{AgentID: id, Status: agent.OutcomeCompleted, Output: f.outputs[req.Name]}, nil
}

func (f *fakeInvoker) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Name)
	}
	return out
}

func testCatalog(names ...string) *spec.Catalog {
	var defs []models.AgentDefinition
	for _, n := range names {
		defs = append(defs, models.AgentDefinition{ID: n})
	}
	return spec.NewCatalog(defs...)
}

func newTestOrchestrator(inv AgentInvoker, opts ...Option) *Orchestrator {
	return New(inv, testCatalog("a", "b", "c", "d"), agent.NewTemplates(nil, "", nil), opts...)
}

func mustParse(t *testing.T, script string) *models.CoordinationPlan {
	t.Helper()
	plan, err := dsl.Parse(script)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", script, err)
	}
	return plan
}

func resultNames(r *models.CoordinationResult) []string {
	var out []string
	for _, res := range r.Results {
		out = append(out, res.Name)
	}
	return out
}

func TestParallelAggregation(t *testing.T) {
	barrier := &sync.WaitGroup{}
	barrier.Add(3)
	inv := &fakeInvoker{fail: map[string]bool{"b": true}, barrier: barrier}

	res := newTestOrchestrator(inv).Execute(context.Background(), mustParse(t, "a 'x' & b 'y' & c 'z'"))

	if res.Success {
		t.Error("expected failure")
	}
	if got := strings.Join(resultNames(res), ","); got != "a,b,c" {
		t.Errorf("results = %s, want a,b,c in command order", got)
	}
	if res.Results[0].Success != true || res.Results[1].Success != false || res.Results[2].Success != true {
		t.Errorf("unexpected success flags: %+v", res.Results)
	}
	if res.Halted {
		t.Error("parallel failure must not halt")
	}
}

func TestSequentialShortCircuit(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]bool{"b": true}}

	res := newTestOrchestrator(inv).Execute(context.Background(), mustParse(t, "a 'x' && b 'y' && c 'z'"))

	if res.Success || !res.Halted {
		t.Errorf("success=%v halted=%v", res.Success, res.Halted)
	}
	if got := strings.Join(resultNames(res), ","); got != "a,b" {
		t.Errorf("results = %s, want a,b", got)
	}
	if got := strings.Join(inv.names(), ","); got != "a,b" {
		t.Errorf("invoked = %s", got)
	}
	if f := res.FirstFailure(); f == nil || f.Name != "b" || !strings.Contains(f.Error, "exploded") {
		t.Errorf("first failure = %+v", f)
	}
}

func TestGroupOrdering(t *testing.T) {
	t.Run("sequential failure halts later groups", func(t *testing.T) {
		inv := &fakeInvoker{fail: map[string]bool{"a": true}}
		res := newTestOrchestrator(inv).Execute(context.Background(), mustParse(t, "a && b & c"))
		if len(res.Results) != 1 || !res.Halted {
			t.Errorf("results = %v halted = %v", resultNames(res), res.Halted)
		}
	})

	t.Run("parallel failure continues", func(t *testing.T) {
		inv := &fakeInvoker{fail: map[string]bool{"b": true}}
		res := newTestOrchestrator(inv).Execute(context.Background(), mustParse(t, "a & b && c"))
		if len(res.Results) != 3 || res.Success {
			t.Errorf("results = %v success = %v", resultNames(res), res.Success)
		}
		if res.Results[2].Name != "c" {
			t.Errorf("last result = %s, want c", res.Results[2].Name)
		}
	})

	t.Run("all succeed", func(t *testing.T) {
		res := newTestOrchestrator(&fakeInvoker{}).Execute(context.Background(), mustParse(t, "a && b & c && d"))
		if !res.Success || len(res.Results) != 4 {
			t.Errorf("success = %v results = %v", res.Success, resultNames(res))
		}
	})
}

func TestUnknownAgent(t *testing.T) {
	inv := &fakeInvoker{}
	res := newTestOrchestrator(inv).Execute(context.Background(), mustParse(t, "ghost 'boo'"))

	if res.Success || res.Results[0].Error != `agent "ghost" not found` {
		t.Errorf("result = %+v", res.Results[0])
	}
	if len(inv.calls) != 0 {
		t.Error("unknown agent must not be invoked")
	}
}

func TestCompositePrompt(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "reviewer.md"), []byte("You review code.\n"), 0644)
	os.MkdirAll(filepath.Join(dir, "docs"), 0755)
	os.WriteFile(filepath.Join(dir, "docs", "plan.md"), []byte("step 1\n"), 0644)

	catalog := spec.NewCatalog(models.AgentDefinition{
		ID:         "reviewer",
		PromptPath: filepath.Join(dir, "reviewer.md"),
		Engine:     "codex",
		Model:      "o3",
	})
	templates := agent.NewTemplates(map[string]string{"docs": "docs"}, dir, nil)
	inv := &fakeInvoker{}
	o := New(inv, catalog, templates, WithParent(7))

	res := o.Execute(context.Background(), mustParse(t, "reviewer[input:{docs}/plan.md;missing.md] 'check it'"))
	if !res.Success {
		t.Fatalf("unexpected failure: %+v", res.Results)
	}

	req := inv.calls[0]
	want := "You review code.\n\n" +
		"[INPUT FILES]\n" +
		"=== File: {docs}/plan.md ===\nstep 1\n\n" +
		"=== File: missing.md ===\n(FAILED TO LOAD: "
	if !strings.HasPrefix(req.Prompt, want) {
		t.Errorf("prompt prefix mismatch:\n%s", req.Prompt)
	}
	if !strings.HasSuffix(req.Prompt, ")\n\n[REQUEST]\ncheck it") {
		t.Errorf("prompt suffix mismatch:\n%s", req.Prompt)
	}
	if req.Engine != "codex" || req.Model != "o3" {
		t.Errorf("engine/model = %q/%q", req.Engine, req.Model)
	}
	if req.ParentID == nil || *req.ParentID != 7 {
		t.Errorf("parent = %v", req.ParentID)
	}
}

func TestTail(t *testing.T) {
	inv := &fakeInvoker{outputs: map[string]string{"a": "1\n2\n3\n4\n", "b": "1\n2\n"}}
	res := newTestOrchestrator(inv).Execute(context.Background(), mustParse(t, "a[tail:2] & b[tail:5]"))

	if res.Results[0].Output != "3\n4" || res.Results[0].TailApplied != 2 {
		t.Errorf("a = %q applied %d", res.Results[0].Output, res.Results[0].TailApplied)
	}
	if res.Results[1].Output != "1\n2\n" || res.Results[1].TailApplied != 0 {
		t.Errorf("b = %q applied %d", res.Results[1].Output, res.Results[1].TailApplied)
	}
}

func TestCancelledCommandFails(t *testing.T) {
	inv := &fakeInvoker{cancel: map[string]bool{"a": true}}
	res := newTestOrchestrator(inv).Execute(context.Background(), mustParse(t, "a && b"))

	if res.Success || len(res.Results) != 1 || res.Results[0].Error != "cancelled" {
		t.Errorf("results = %+v", res.Results)
	}
}

func TestBestEffortAgentID(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	mon := monitor.New(store, t.TempDir())
	defer mon.Flush()

	parent, _ := mon.Register(monitor.RegisterInput{Name: "lead"})
	mon.Register(monitor.RegisterInput{Name: "a", ParentID: &parent})
	latest, _ := mon.Register(monitor.RegisterInput{Name: "a", ParentID: &parent})
	mon.Register(monitor.RegisterInput{Name: "a"})

	inv := &fakeInvoker{fail: map[string]bool{"a": true}}
	o := newTestOrchestrator(inv, WithMonitor(mon), WithParent(parent))

	res := o.Execute(context.Background(), mustParse(t, "a"))
	if res.Results[0].AgentID != latest {
		t.Errorf("agentId = %d, want %d", res.Results[0].AgentID, latest)
	}
}
