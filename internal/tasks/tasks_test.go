package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/models"
)

func ids(tasks []models.TaskItem) string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return strings.Join(out, ",")
}

func task(id string, deps ...string) models.TaskItem {
	return models.TaskItem{ID: id, Name: "task " + id, DependsOn: deps}
}

func TestOrder(t *testing.T) {
	tests := []struct {
		name  string
		tasks []models.TaskItem
		want  string
	}{
		{"no deps keeps declaration order", []models.TaskItem{task("a"), task("b"), task("c")}, "a,b,c"},
		{"dependency moves ahead", []models.TaskItem{task("a", "b"), task("b")}, "b,a"},
		{"diamond", []models.TaskItem{task("d", "b", "c"), task("c", "a"), task("b", "a"), task("a")}, "a,c,b,d"},
		{"unknown dependency adds no edge", []models.TaskItem{task("a", "ghost"), task("b")}, "a,b"},
		{"cycle appended last", []models.TaskItem{task("x", "y"), task("y", "x"), task("z")}, "z,x,y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(Order(tt.tasks)); got != tt.want {
				t.Errorf("Order = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUnmet(t *testing.T) {
	got := Unmet(task("c", "a", "b", "ghost"), map[string]bool{"a": true})
	if strings.Join(got, ",") != "b,ghost" {
		t.Errorf("Unmet = %v", got)
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter(nil, "")

	tests := []struct {
		name string
		task models.TaskItem
		want string
	}{
		{"phase keyword", models.TaskItem{Phase: "Frontend"}, "frontend"},
		{"details keyword", models.TaskItem{Name: "Settings page", Details: "Build the UI for settings"}, "frontend"},
		{"whole words only", models.TaskItem{Details: "build a guide"}, DefaultAgent},
		{"phase wins over details", models.TaskItem{Phase: "qa", Details: "check the css"}, "tester"},
		{"fallback", models.TaskItem{Phase: "backend", Details: "add an endpoint"}, DefaultAgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Route(tt.task); got != tt.want {
				t.Errorf("Route = %q, want %q", got, tt.want)
			}
		})
	}

	custom := NewRouter([]Route{{Agent: "dba", Keywords: []string{"migration"}}}, "generalist")
	if got := custom.Route(models.TaskItem{Details: "write a migration"}); got != "dba" {
		t.Errorf("custom route = %q", got)
	}
	if got := custom.Route(models.TaskItem{Phase: "frontend"}); got != "generalist" {
		t.Errorf("custom routes replace defaults, got %q", got)
	}
}

func TestExtractVerification(t *testing.T) {
	details := strings.Join([]string{
		"Implement the parser.",
		"Run `make gen` first.",
		"",
		"### Verification",
		"- `go test ./...`",
		"- `go vet ./...` and `test -f out.txt`",
		"```",
		"`not a command`",
		"```",
		"#### Notes",
		"- `nested heading stays in section`",
		"### Next steps",
		"- `ignored`",
	}, "\n")

	got := ExtractVerification(details)
	want := []string{"go test ./...", "go vet ./...", "test -f out.txt", "nested heading stays in section"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ExtractVerification = %q, want %q", got, want)
	}

	if got := ExtractVerification("no section `here`"); len(got) != 0 {
		t.Errorf("expected no commands, got %q", got)
	}
}

func TestVerifier(t *testing.T) {
	v := NewVerifier(t.TempDir(), 0, nil)
	ctx := context.Background()

	if res := v.Run(ctx, "echo hi"); !res.Passed() || strings.TrimSpace(res.Output) != "hi" {
		t.Errorf("echo result = %+v", res)
	}
	if res := v.Run(ctx, "echo broken >&2; exit 3"); res.Passed() || res.ExitCode != 3 || !strings.Contains(res.Output, "broken") {
		t.Errorf("failing result = %+v", res)
	}

	failure := v.RunAll(ctx, []string{"true", "false", "echo never"})
	if failure == nil || failure.Command != "false" {
		t.Errorf("RunAll failure = %+v", failure)
	}
	if v.RunAll(ctx, nil) != nil {
		t.Error("no commands should pass")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "tasks.json"))

	got, err := s.Load()
	if err != nil || len(got) != 0 {
		t.Fatalf("Load missing = %v, %v", got, err)
	}

	if err := s.Save([]models.TaskItem{task("a"), task("b", "a")}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err = s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ids(got) != "a,b" || got[1].DependsOn[0] != "a" {
		t.Errorf("loaded %+v", got)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAuditLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log := NewAuditLog(path)

	for _, o := range []models.TaskOutcome{models.TaskOutcomeRetry, models.TaskOutcomeDone} {
		if err := log.Append(models.AuditEntry{TaskID: "t1", Outcome: o}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Simulate a torn write from a crash.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString(`{"taskId":"t2"`)
	f.Close()

	entries, err := ReadAudit(path)
	if err != nil {
		t.Fatalf("ReadAudit failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Outcome != models.TaskOutcomeRetry || entries[1].Outcome != models.TaskOutcomeDone {
		t.Errorf("entries = %+v", entries)
	}
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []agent.Request
	fn    func(req agent.Request, call int) error
}

func (f *fakeInvoker) Run(ctx context.Context, req agent.Request) (agent.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	if f.fn != nil {
		if err := f.fn(req, n); err != nil {
			return agent.Outcome{}, err
		}
	}
	return agent.Outcome{AgentID: int64(n), Status: agent.OutcomeCompleted}, nil
}

type runnerFixture struct {
	dir   string
	store *Store
	audit *AuditLog
}

func newFixture(t *testing.T, tasks ...models.TaskItem) runnerFixture {
	t.Helper()
	dir := t.TempDir()
	f := runnerFixture{
		dir:   dir,
		store: NewStore(filepath.Join(dir, "tasks.json")),
		audit: NewAuditLog(filepath.Join(dir, "audit.jsonl")),
	}
	if err := f.store.Save(tasks); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return f
}

func (f runnerFixture) runner(inv AgentInvoker, opts ...Option) *Runner {
	base := []Option{WithAuditLog(f.audit), WithVerifier(NewVerifier(f.dir, 0, nil))}
	return NewRunner(f.store, inv, append(base, opts...)...)
}

func TestRunPassCompletesInDependencyOrder(t *testing.T) {
	api := task("api")
	api.Phase = "backend"
	api.Details = "### Verification\n`ls api.txt`"
	ui := task("ui", "api")
	ui.Phase = "frontend"

	f := newFixture(t, ui, api)
	inv := &fakeInvoker{fn: func(req agent.Request, _ int) error {
		if strings.Contains(req.Prompt, "Task api:") {
			return os.WriteFile(filepath.Join(f.dir, "api.txt"), nil, 0644)
		}
		return nil
	}}

	res, err := f.runner(inv).RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if strings.Join(res.Done, ",") != "api,ui" {
		t.Errorf("done = %v", res.Done)
	}
	if inv.calls[0].Name != DefaultAgent || inv.calls[1].Name != "frontend" {
		t.Errorf("routed to %q then %q", inv.calls[0].Name, inv.calls[1].Name)
	}

	tasks, _ := f.store.Load()
	for _, tk := range tasks {
		if !tk.Done {
			t.Errorf("task %s not marked done", tk.ID)
		}
	}
}

func TestRunPassRetriesWithRemediation(t *testing.T) {
	tk := task("fix")
	tk.Details = "### Verification\n`test -f fixed.txt`"
	f := newFixture(t, tk)

	inv := &fakeInvoker{fn: func(_ agent.Request, call int) error {
		if call == 2 {
			return os.WriteFile(filepath.Join(f.dir, "fixed.txt"), nil, 0644)
		}
		return nil
	}}

	res, err := f.runner(inv).RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(res.Done) != 1 || len(inv.calls) != 2 {
		t.Fatalf("done = %v after %d calls", res.Done, len(inv.calls))
	}
	if !strings.Contains(inv.calls[1].Prompt, "Command: test -f fixed.txt") {
		t.Errorf("second prompt lacks remediation: %q", inv.calls[1].Prompt)
	}

	entries, _ := ReadAudit(f.audit.Path())
	if len(entries) != 2 || entries[0].Outcome != models.TaskOutcomeRetry || entries[1].Outcome != models.TaskOutcomeDone {
		t.Errorf("audit = %+v", entries)
	}
}

func TestRunPassGivesUpAfterMaxAttempts(t *testing.T) {
	tk := task("hopeless")
	tk.Details = "### Verification\n`false`"
	dependent := task("later", "hopeless")
	f := newFixture(t, tk, dependent)

	inv := &fakeInvoker{}
	res, err := f.runner(inv, WithMaxAttempts(2)).RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if strings.Join(res.Failed, ",") != "hopeless" || strings.Join(res.Blocked, ",") != "later" {
		t.Errorf("result = %+v", res)
	}
	if len(inv.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(inv.calls))
	}

	entries, _ := ReadAudit(f.audit.Path())
	var outcomes []string
	for _, e := range entries {
		outcomes = append(outcomes, string(e.Outcome))
	}
	if strings.Join(outcomes, ",") != "retry,failed,skipped" {
		t.Errorf("audit outcomes = %v", outcomes)
	}

	tasks, _ := f.store.Load()
	if tasks[0].Done {
		t.Error("failed task must stay not done")
	}
}

func TestRunPassAgentErrorCountsAsAttempt(t *testing.T) {
	f := newFixture(t, task("a"))
	inv := &fakeInvoker{fn: func(_ agent.Request, call int) error {
		if call == 1 {
			return errors.New("engine crashed")
		}
		return nil
	}}

	res, err := f.runner(inv).RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(res.Done) != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(inv.calls[1].Prompt, "engine crashed") {
		t.Errorf("retry prompt should mention the failure: %q", inv.calls[1].Prompt)
	}
}

func TestRunUntilStable(t *testing.T) {
	// b is declared first and depends on a cycle member, so it never runs.
	f := newFixture(t, task("b", "x"), task("x", "y"), task("y", "x"), task("a"))
	inv := &fakeInvoker{}

	passes, err := f.runner(inv).RunUntilStable(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunUntilStable failed: %v", err)
	}
	if len(passes) != 2 {
		t.Fatalf("passes = %d, want 2", len(passes))
	}
	if strings.Join(passes[0].Done, ",") != "a" || passes[1].Progressed() {
		t.Errorf("passes = %+v", passes)
	}
}

func TestRunPassStopsOnCancel(t *testing.T) {
	f := newFixture(t, task("a"), task("b"))
	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{fn: func(agent.Request, int) error {
		cancel()
		return nil
	}}

	if _, err := f.runner(inv).RunPass(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(inv.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(inv.calls))
	}
}

func TestTaskPrompt(t *testing.T) {
	p := TaskPrompt(models.TaskItem{
		ID: "t1", Name: "Add login", Phase: "backend",
		Details: "Use sessions.", AcceptanceCriteria: "Users can log in.",
	})
	for _, want := range []string{"Task t1: Add login", "Phase: backend", "Use sessions.", "Acceptance criteria:\nUsers can log in."} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}
