package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return w
}

func TestParseSignal(t *testing.T) {
	for in, want := range map[string]Signal{"continue\n": SignalContinue, " QUIT": SignalQuit, "skip": SignalSkip} {
		got, err := ParseSignal(in)
		if err != nil || got != want {
			t.Errorf("ParseSignal(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSignal("pause"); err == nil {
		t.Error("expected error for unknown signal")
	}
}

func TestResumeRoundTrip(t *testing.T) {
	w := openTestWorkspace(t)
	tpl := filepath.Join(t.TempDir(), "build.yaml")

	s, err := w.OpenResume(tpl, "run-1")
	if err != nil {
		t.Fatalf("OpenResume failed: %v", err)
	}
	s.MarkStarted(0)
	s.MarkFinished(0, true)
	s.MarkStarted(1)
	s.MarkFinished(1, false)
	s.MarkStarted(2) // interrupted

	if s.WasInterrupted(2) {
		t.Error("steps started in this run are not interrupted")
	}

	s2, err := w.OpenResume(tpl, "run-2")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !s2.IsCompleted(0) || s2.IsCompleted(1) || s2.IsCompleted(2) {
		t.Errorf("completed = %v", s2.State().Completed)
	}
	if !s2.WasInterrupted(2) || s2.WasInterrupted(1) {
		t.Errorf("not completed = %v", s2.State().NotCompleted)
	}

	s2.MarkStarted(2)
	if !s2.WasInterrupted(2) {
		t.Error("restarting a step must not hide that it was interrupted")
	}
	s2.MarkFinished(2, false)
	if s2.WasInterrupted(2) {
		t.Error("finished step is no longer interrupted")
	}

	data, err := os.ReadFile(w.ResumePath())
	if err != nil {
		t.Fatal(err)
	}
	var onDisk ResumeState
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("resume file is not valid JSON: %v", err)
	}
	if onDisk.RunID != "run-2" || !reflect.DeepEqual(onDisk.Completed, []int{0}) || len(onDisk.NotCompleted) != 0 {
		t.Errorf("on disk = %+v", onDisk)
	}
}

func TestResumeResetsForOtherTemplate(t *testing.T) {
	w := openTestWorkspace(t)
	dir := t.TempDir()

	s, _ := w.OpenResume(filepath.Join(dir, "a.yaml"), "run-1")
	s.MarkFinished(0, true)
	s.MarkStarted(1)

	other, err := w.OpenResume(filepath.Join(dir, "b.yaml"), "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if other.IsCompleted(0) || other.WasInterrupted(1) {
		t.Error("markers from another template must be discarded")
	}

	again, _ := w.OpenResume(filepath.Join(dir, "a.yaml"), "run-3")
	if again.IsCompleted(0) {
		t.Error("switching templates resets the markers on disk")
	}
}

func TestResumeCorruptFile(t *testing.T) {
	w := openTestWorkspace(t)
	os.WriteFile(w.ResumePath(), []byte("{not json"), 0644)

	s, err := w.OpenResume("x.yaml", "run")
	if err != nil {
		t.Fatalf("corrupt state should be ignored, got %v", err)
	}
	if len(s.State().Completed) != 0 {
		t.Error("expected fresh state")
	}
}

func TestResumeReset(t *testing.T) {
	w := openTestWorkspace(t)
	s, _ := w.OpenResume("x.yaml", "run")
	s.MarkFinished(3, true)
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if s.IsCompleted(3) {
		t.Error("Reset should clear completion")
	}
}

func TestWatcher(t *testing.T) {
	w := openTestWorkspace(t)

	// Stale signal from an earlier run
	if err := w.WriteSignal(SignalQuit); err != nil {
		t.Fatal(err)
	}

	watcher, err := w.Watch(nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer watcher.Close()

	sig := awaitCheckpoint(t, w, watcher, SignalContinue)
	if sig != SignalContinue {
		t.Errorf("got %q, want continue (stale quit must be cleared)", sig)
	}

	if err := w.WriteSignal(SignalSkip); err != nil {
		t.Fatal(err)
	}
	select {
	case <-watcher.Skips():
	case <-time.After(5 * time.Second):
		t.Fatal("skip signal not delivered")
	}

	entries, _ := os.ReadDir(w.SignalsDir())
	for _, e := range entries {
		t.Errorf("signal file %s was not consumed", e.Name())
	}
}

// awaitCheckpoint keeps a receiver waiting and resends sig until the
// watcher delivers it.
func awaitCheckpoint(t *testing.T, w *Workspace, watcher *Watcher, sig Signal) Signal {
	t.Helper()
	got := make(chan Signal, 1)
	go func() { got <- <-watcher.Checkpoints() }()

	deadline := time.After(5 * time.Second)
	for {
		if err := w.WriteSignal(sig); err != nil {
			t.Fatal(err)
		}
		select {
		case s := <-got:
			return s
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("checkpoint signal not delivered")
		}
	}
}

func TestWatcherDropsCheckpointSignalWithoutWaiter(t *testing.T) {
	w := openTestWorkspace(t)
	watcher, err := w.Watch(nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer watcher.Close()

	if err := w.WriteSignal(SignalQuit); err != nil {
		t.Fatal(err)
	}
	consumed := false
	for i := 0; i < 250 && !consumed; i++ {
		if _, err := os.Stat(filepath.Join(w.SignalsDir(), checkpointFile)); os.IsNotExist(err) {
			consumed = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !consumed {
		t.Fatal("signal file was not consumed")
	}
	// The watcher removes the file just before it tries to deliver.
	time.Sleep(100 * time.Millisecond)

	select {
	case sig := <-watcher.Checkpoints():
		t.Fatalf("signal %q sent with no pending checkpoint was delivered later", sig)
	case <-time.After(200 * time.Millisecond):
	}

	if sig := awaitCheckpoint(t, w, watcher, SignalContinue); sig != SignalContinue {
		t.Errorf("got %q, want continue", sig)
	}
}

func TestResumeMarkAborted(t *testing.T) {
	w := openTestWorkspace(t)
	s, _ := w.OpenResume("x.yaml", "run-1")
	s.MarkStarted(0)
	if err := s.MarkAborted(0); err != nil {
		t.Fatal(err)
	}

	s2, err := w.OpenResume("x.yaml", "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if s2.WasInterrupted(0) || s2.IsCompleted(0) {
		t.Errorf("aborted step should leave no markers: %+v", s2.State())
	}
}
