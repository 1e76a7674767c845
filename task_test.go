package hancho

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestTaskState_Strings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    TaskState
		want     string
		terminal bool
	}{
		{StateDeclared, "DECLARED", false},
		{StateQueued, "QUEUED", false},
		{StateStarted, "STARTED", false},
		{StateAwaitingInputs, "AWAITING_INPUTS", false},
		{StateTaskInit, "TASK_INIT", false},
		{StateAwaitingJobs, "AWAITING_JOBS", false},
		{StateRunningCommands, "RUNNING_COMMANDS", false},
		{StateFinished, "FINISHED", true},
		{StateSkipped, "SKIPPED", true},
		{StateCancelled, "CANCELLED", true},
		{StateFailed, "FAILED", true},
		{StateBroken, "BROKEN", true},
	}

	for _, tt := range tests {
		tt := tt
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State.String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.want, got, tt.terminal)
		}
	}
}

func TestTask_NoCommandFinishes(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	bc := repoContext(t, eng, t.TempDir())
	task := bc.Task(map[string]Variant{"name": "noop"})

	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := task.State(); got != StateFinished {
		t.Errorf("state = %v, want FINISHED", got)
	}
}

func TestTask_CommandWritesOutput(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.src"), "payload")
	bc := repoContext(t, eng, dir)

	task := bc.Task(map[string]Variant{
		"name":    "copy",
		"in_src":  "a.src",
		"out_dst": "a.out",
		"command": "cat {in_src} > {out_dst}",
	})

	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := task.State(); got != StateFinished {
		t.Fatalf("state = %v, want FINISHED", got)
	}

	out := filepath.Join(dir, "build", "a.out")
	if got := readFile(t, out); got != "payload" {
		t.Errorf("output content = %q, want payload", got)
	}
	if got := task.OutFiles(); len(got) != 1 || got[0] != out {
		t.Errorf("OutFiles() = %v, want [%s]", got, out)
	}
	if got := task.InFiles(); len(got) != 1 || got[0] != filepath.Join(dir, "a.src") {
		t.Errorf("InFiles() = %v", got)
	}
}

func TestTask_OutputsLandUnderBuildDir(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.src"), "x")
	bc := repoContext(t, eng, dir)

	task := bc.Task(map[string]Variant{
		"in_src":  "a.src",
		"out_dst": "sub/deep/a.out",
		"command": "cat {in_src} > {out_dst}",
	})
	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	buildDir := task.Config.GetString("build_dir")
	for _, out := range task.OutFiles() {
		rel, err := filepath.Rel(buildDir, out)
		if err != nil || rel == ".." || filepath.IsAbs(rel) {
			t.Errorf("output %s escapes build_dir %s", out, buildDir)
		}
	}
}

func TestTask_MissingInputFails(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	dir := t.TempDir()
	bc := repoContext(t, eng, dir)

	task := bc.Task(map[string]Variant{
		"in_src":  "gone.src",
		"out_dst": "a.out",
		"command": "cat {in_src} > {out_dst}",
	})

	err := task.Wait(context.Background())
	if err == nil {
		t.Fatal("Wait succeeded, want failure")
	}
	if got := task.State(); got != StateFailed {
		t.Errorf("state = %v, want FAILED", got)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("want NotFoundError, got %v", err)
	}
}

func TestTask_FailingCommand(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	bc := repoContext(t, eng, t.TempDir())

	task := bc.Task(map[string]Variant{"command": "false"})
	err := task.Wait(context.Background())
	if err == nil {
		t.Fatal("Wait succeeded, want failure")
	}
	if got := task.State(); got != StateFailed {
		t.Errorf("state = %v, want FAILED", got)
	}
	var cf *CommandFailure
	if !errors.As(err, &cf) {
		t.Fatalf("want CommandFailure, got %v", err)
	}
	if cf.ReturnCode == 0 {
		t.Errorf("ReturnCode = 0, want non-zero")
	}
}

func TestTask_ShouldFail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		command   string
		wantState TaskState
	}{
		{"failing command passes", "false", StateFinished},
		{"passing command fails", "true", StateFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			eng := testEngine(t, Options{})
			bc := repoContext(t, eng, t.TempDir())
			task := bc.Task(map[string]Variant{
				"command":     tt.command,
				"should_fail": true,
			})
			_ = task.Wait(context.Background())
			if got := task.State(); got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestTask_CommandSequenceStopsOnFailure(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	dir := t.TempDir()
	bc := repoContext(t, eng, dir)

	task := bc.Task(map[string]Variant{
		"command": []Variant{
			"touch first.marker",
			"false",
			"touch second.marker",
		},
	})
	_ = task.Wait(context.Background())

	if got := task.State(); got != StateFailed {
		t.Fatalf("state = %v, want FAILED", got)
	}
	if !fileExists(filepath.Join(dir, "first.marker")) {
		t.Error("first command did not run")
	}
	if fileExists(filepath.Join(dir, "second.marker")) {
		t.Error("command after the failing one still ran")
	}
}

func TestTask_CallableCommand(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	dir := t.TempDir()
	bc := repoContext(t, eng, dir)

	ran := false
	task := bc.Task(map[string]Variant{
		"command": CommandFunc(func(task *Task) error {
			ran = true
			return nil
		}),
	})
	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !ran {
		t.Error("callable command never ran")
	}
	if got := task.State(); got != StateFinished {
		t.Errorf("state = %v, want FINISHED", got)
	}
}

func TestTask_InvalidCommandValue(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	bc := repoContext(t, eng, t.TempDir())

	task := bc.Task(map[string]Variant{"command": []Variant{42}})
	err := task.Wait(context.Background())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
	if got := task.State(); got != StateFailed {
		t.Errorf("state = %v, want FAILED", got)
	}
}

func TestTask_CapturesOutput(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	bc := repoContext(t, eng, t.TempDir())

	task := bc.Task(map[string]Variant{"command": "echo hello; echo oops >&2"})
	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := task.Stdout(); got != "hello\n" {
		t.Errorf("Stdout() = %q, want hello", got)
	}
	if got := task.Stderr(); got != "oops\n" {
		t.Errorf("Stderr() = %q, want oops", got)
	}
}

func TestTask_OneProducerPerOutput(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{KeepGoing: 0})
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.src"), "x")
	bc := repoContext(t, eng, dir)

	mk := func() *Task {
		return bc.Task(map[string]Variant{
			"in_src":  "a.src",
			"out_dst": "same.out",
			"command": "cat {in_src} > {out_dst}",
		})
	}
	t1, t2 := mk(), mk()

	t1.Queue()
	t2.Queue()
	_ = eng.Build(context.Background())

	broken := 0
	for _, task := range []*Task{t1, t2} {
		if task.State() == StateBroken {
			broken++
			var cfgErr *ConfigError
			if !errors.As(task.Err(), &cfgErr) {
				t.Errorf("broken task error = %v, want ConfigError", task.Err())
			}
		}
	}
	if broken != 1 {
		t.Errorf("broken tasks = %d, want exactly 1", broken)
	}
	if !eng.Failed() {
		t.Error("engine should report failure")
	}
}

func TestTask_AbsoluteOutputOutsideBuildDirBreaks(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.src"), "x")
	bc := repoContext(t, eng, dir)

	task := bc.Task(map[string]Variant{
		"in_src":  "a.src",
		"out_dst": "/elsewhere/a.out",
		"command": "cat {in_src} > {out_dst}",
	})
	err := task.Wait(context.Background())
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %v", err)
	}
	if got := task.State(); got != StateBroken {
		t.Errorf("state = %v, want BROKEN", got)
	}
}

func TestTask_TemplateRecursionBreaks(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{})
	bc := repoContext(t, eng, t.TempDir())

	task := bc.Task(map[string]Variant{
		"x":       "{x}",
		"command": "{x}",
	})
	err := task.Wait(context.Background())
	var xerr *ExpansionError
	if !errors.As(err, &xerr) {
		t.Fatalf("want ExpansionError, got %v", err)
	}
	if got := task.State(); got != StateBroken {
		t.Errorf("state = %v, want BROKEN", got)
	}
}

func TestTask_DependencyCycleBreaks(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{KeepGoing: 0})
	bc := repoContext(t, eng, t.TempDir())

	a := bc.Task(map[string]Variant{"name": "a"})
	b := bc.Task(map[string]Variant{"name": "b", "dep": a})
	a.Config.Set("dep", b)

	a.Queue()
	_ = eng.Build(context.Background())

	states := map[TaskState]int{}
	states[a.State()]++
	states[b.State()]++
	if states[StateBroken] != 1 {
		t.Errorf("states = a:%v b:%v, want exactly one BROKEN", a.State(), b.State())
	}
	if states[StateCancelled] != 1 {
		t.Errorf("states = a:%v b:%v, want exactly one CANCELLED", a.State(), b.State())
	}
}

func TestTask_UpstreamFailureCancelsDownstream(t *testing.T) {
	t.Parallel()

	eng := testEngine(t, Options{KeepGoing: 0})
	dir := t.TempDir()
	bc := repoContext(t, eng, dir)

	up := bc.Task(map[string]Variant{"command": "false"})
	down := bc.Task(map[string]Variant{
		"in_dep":  up,
		"out_dst": "never.out",
		"command": "touch {out_dst}",
	})

	down.Queue()
	_ = eng.Build(context.Background())

	if got := up.State(); got != StateFailed {
		t.Errorf("upstream state = %v, want FAILED", got)
	}
	if got := down.State(); got != StateCancelled {
		t.Errorf("downstream state = %v, want CANCELLED", got)
	}
	if !IsCancelled(down.Err()) {
		t.Errorf("downstream error = %v, want CancelledError", down.Err())
	}
}

func TestDecodeSettings_WeakTyping(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(map[string]Variant{
		"job_count":   "3",
		"verbosity":   2,
		"should_fail": "true",
		"depformat":   "msvc",
		"name":        "link",
	})
	s, err := decodeSettings(cfg, Options{})
	if err != nil {
		t.Fatalf("decodeSettings failed: %v", err)
	}
	if s.JobCount != 3 {
		t.Errorf("JobCount = %d, want 3", s.JobCount)
	}
	if s.Verbosity != 2 {
		t.Errorf("Verbosity = %d, want 2", s.Verbosity)
	}
	if !s.ShouldFail {
		t.Error("ShouldFail = false, want true")
	}
	if s.Depformat != "msvc" {
		t.Errorf("Depformat = %q, want msvc", s.Depformat)
	}
	if s.Name != "link" {
		t.Errorf("Name = %q, want link", s.Name)
	}
}

func TestDecodeSettings_Defaults(t *testing.T) {
	t.Parallel()

	s, err := decodeSettings(NewConfig(), Options{Verbosity: 1, Force: true})
	if err != nil {
		t.Fatalf("decodeSettings failed: %v", err)
	}
	if s.JobCount != 1 {
		t.Errorf("JobCount = %d, want 1", s.JobCount)
	}
	if s.Verbosity != 1 {
		t.Errorf("Verbosity = %d, want engine default 1", s.Verbosity)
	}
	if !s.Force {
		t.Error("Force = false, want engine default true")
	}
	if s.Depformat != "gcc" {
		t.Errorf("Depformat = %q, want gcc", s.Depformat)
	}
}
