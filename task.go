package hancho

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// waitDelay is the grace period given to child processes to handle the
// termination signal before being force-killed.
const waitDelay = 5 * time.Second

// TaskState tracks a task through its lifecycle.
type TaskState int

const (
	StateDeclared TaskState = iota
	StateQueued
	StateStarted
	StateAwaitingInputs
	StateTaskInit
	StateAwaitingJobs
	StateRunningCommands

	// Terminal states.
	StateFinished
	StateSkipped
	StateCancelled
	StateFailed
	StateBroken
)

var stateNames = map[TaskState]string{
	StateDeclared:        "DECLARED",
	StateQueued:          "QUEUED",
	StateStarted:         "STARTED",
	StateAwaitingInputs:  "AWAITING_INPUTS",
	StateTaskInit:        "TASK_INIT",
	StateAwaitingJobs:    "AWAITING_JOBS",
	StateRunningCommands: "RUNNING_COMMANDS",
	StateFinished:        "FINISHED",
	StateSkipped:         "SKIPPED",
	StateCancelled:       "CANCELLED",
	StateFailed:          "FAILED",
	StateBroken:          "BROKEN",
}

func (s TaskState) String() string { return stateNames[s] }

// Terminal reports whether a task in this state is done for good.
func (s TaskState) Terminal() bool { return s >= StateFinished }

// Task is a declared unit of work: a config carrying its parameters, the
// derived input/output file lists, a lifecycle state and the captured
// results of its commands. Tasks are unique by identity; they are never
// copied, or the one-producer-per-output check would trip.
type Task struct {
	// Config is the task's parameter bag. After the awaiting-inputs phase
	// it is owned exclusively by the task's goroutine.
	Config *Config

	eng *Engine

	mu          sync.Mutex
	state       TaskState
	reason      string
	inFiles     []string
	outFiles    []string
	taskIndex   int
	stdout      string
	stderr      string
	returnCode  int
	cycle       bool
	settings    taskSettings
	loadedFiles []string

	startOnce sync.Once
	done      chan struct{}
	err       error
	cancel    context.CancelFunc
}

func newTask(eng *Engine, args ...any) *Task {
	t := &Task{
		Config: NewConfig(map[string]Variant{
			"desc":    "{command}",
			"command": nil,
		}),
		eng:        eng,
		state:      StateDeclared,
		returnCode: -1,
		done:       make(chan struct{}),
	}
	t.Config.Merge(args...)
	t.loadedFiles = eng.snapshotLoadedFiles()
	eng.registerTask(t)
	return t
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Reason returns why the task ran (or was skipped).
func (t *Task) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// InFiles returns the gathered absolute input paths.
func (t *Task) InFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.inFiles...)
}

// OutFiles returns the gathered absolute output paths.
func (t *Task) OutFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.outFiles...)
}

// Stdout returns the captured stdout of the last command.
func (t *Task) Stdout() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdout
}

// Stderr returns the captured stderr of the last command.
func (t *Task) Stderr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stderr
}

// Err returns the task's terminal error, nil for FINISHED and SKIPPED.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) outFilesVariant() Variant {
	files := t.OutFiles()
	out := make([]Variant, 0, len(files))
	for _, f := range files {
		out = append(out, f)
	}
	return out
}

// Promise returns a deferred projection of the given config fields.
func (t *Task) Promise(fields ...string) *Promise {
	return NewPromise(t, fields...)
}

// Queue marks the task ready for the scheduler. Queueing is idempotent and
// recursively queues every task referenced anywhere inside the config, so
// transitive dependencies are known to the scheduler even when the script
// never names them.
func (t *Task) Queue() {
	t.eng.queueTask(t)
}

// Start queues the task if it is not queued yet and launches its goroutine
// once. Called by the scheduler and by awaiting dependents.
func (t *Task) Start() {
	t.Queue()
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(t.eng.buildCtx())
		t.cancel = cancel
		t.setState(StateStarted)
		t.eng.noteStarted()
		go t.taskMain(ctx)
	})
}

// Wait blocks until the task reaches a terminal state and returns its
// terminal error. Starts the task if it has not started yet.
func (t *Task) Wait(ctx context.Context) error {
	t.Start()
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// interrupt cancels the task unless its commands are already running;
// work that made it to a subprocess is allowed to drain.
func (t *Task) interrupt() {
	t.mu.Lock()
	running := t.state == StateRunningCommands
	cancel := t.cancel
	t.mu.Unlock()
	if !running && cancel != nil {
		cancel()
	}
}

func (t *Task) finish(state TaskState, err error) {
	t.mu.Lock()
	t.state = state
	t.err = err
	t.mu.Unlock()
	t.eng.noteTerminal(state)
}

// taskMain drives the task through its lifecycle on its own goroutine.
func (t *Task) taskMain(ctx context.Context) {
	defer close(t.done)
	t.run(ctx)
}

func (t *Task) run(ctx context.Context) {
	// A task started after the build was stopped never gets to run.
	if ctx.Err() != nil || t.eng.isStopped() {
		t.finish(StateCancelled, &CancelledError{Reason: "build stopped", Cause: ctx.Err()})
		return
	}

	// A config that transitively contains its own task can never settle
	// its inputs.
	if t.cycle {
		err := configErrorf("dependency cycle through task %q", t.Config.GetString("name"))
		t.finish(StateBroken, &BrokenError{Cause: err})
		return
	}

	// Await everything awaitable inside the config. A dependency that did
	// not finish cancels this task, and the cancellation propagates to
	// anyone awaiting us in turn.
	t.setState(StateAwaitingInputs)
	if err := t.awaitInputs(ctx); err != nil {
		t.finish(StateCancelled, &CancelledError{Reason: "dependency did not finish", Cause: err})
		return
	}

	// Everything awaited; task init runs synchronously.
	t.setState(StateTaskInit)
	if err := t.taskInit(ctx); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			t.finish(StateFailed, err)
		} else {
			t.finish(StateBroken, &BrokenError{Cause: err})
		}
		return
	}

	// No command means this config-only task is trivially done.
	command, _ := t.Config.Get("command")
	if command == nil {
		t.finish(StateFinished, nil)
		return
	}

	reason, err := t.needsRerun(t.settings.Force)
	if err != nil {
		t.finish(StateFailed, err)
		return
	}
	if reason == "" {
		t.finish(StateSkipped, nil)
		return
	}
	t.mu.Lock()
	t.reason = reason
	t.mu.Unlock()

	// Wait for enough job slots to free up.
	t.setState(StateAwaitingJobs)
	if err := t.eng.jobPool.Acquire(ctx, t.settings.JobCount, t); err != nil {
		if IsCancelled(err) || ctx.Err() != nil {
			t.finish(StateCancelled, err)
		} else {
			t.finish(StateFailed, err)
		}
		return
	}
	defer t.eng.jobPool.Release(t.settings.JobCount, t)

	t.setState(StateRunningCommands)
	t.mu.Lock()
	t.taskIndex = t.eng.nextRunningIndex()
	t.mu.Unlock()
	t.printStatus()
	if t.settings.Verbosity > 0 || t.settings.Debug {
		t.eng.log.Print(reasonColor.Sprintf("reason: %s", reason))
	}

	for _, command := range flatten(command) {
		if err := t.runCommand(ctx, command); err != nil {
			if IsCancelled(err) || ctx.Err() != nil {
				t.finish(StateCancelled, &CancelledError{Reason: "build stopped", Cause: err})
			} else {
				t.finish(StateFailed, err)
			}
			return
		}
	}

	t.finish(StateFinished, nil)
}

// awaitInputs walks the config depth-first and replaces every task,
// promise or nested awaitable with its awaited value.
func (t *Task) awaitInputs(ctx context.Context) error {
	for _, key := range t.Config.Keys() {
		val, _ := t.Config.Get(key)
		awaited, err := awaitVariant(ctx, val)
		if err != nil {
			return err
		}
		t.Config.Set(key, awaited)
	}
	return nil
}

// awaitVariant recursively replaces every awaitable inside v with its
// awaited value.
func awaitVariant(ctx context.Context, v Variant) (Variant, error) {
	switch val := v.(type) {
	case *Promise:
		res, err := val.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return awaitVariant(ctx, res)
	case *Task:
		if err := val.Wait(ctx); err != nil {
			return nil, err
		}
		return awaitVariant(ctx, val.outFilesVariant())
	case *Config:
		for _, key := range val.Keys() {
			awaited, err := awaitVariant(ctx, val.data[key])
			if err != nil {
				return nil, err
			}
			val.data[key] = awaited
		}
		return val, nil
	case map[string]Variant:
		for _, key := range sortedKeys(val) {
			awaited, err := awaitVariant(ctx, val[key])
			if err != nil {
				return nil, err
			}
			val[key] = awaited
		}
		return val, nil
	case []Variant:
		for i, elem := range val {
			awaited, err := awaitVariant(ctx, elem)
			if err != nil {
				return nil, err
			}
			val[i] = awaited
		}
		return val, nil
	default:
		return v, nil
	}
}

// taskInit performs all setup needed before the task can run: expanding
// directories and file lists, normalizing paths, collision and sanity
// checks, output directory creation.
func (t *Task) taskInit(ctx context.Context) error {
	settings, err := decodeSettings(t.Config, t.eng.opts)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.settings = settings
	t.mu.Unlock()

	if settings.Debug {
		t.eng.log.Debug("task before expand", "config", t.Config.String())
	}

	ex := newExpander(t.eng, t.Config, ctx)

	// Expand task_dir and build_dir to absolute paths first; every other
	// path hangs off them.
	taskDirV, err := ex.get("task_dir")
	if err != nil {
		return fmt.Errorf("expanding task_dir: %w", err)
	}
	taskDir := absPath(stringify(taskDirV))
	t.Config.Set("task_dir", taskDir)

	buildDirV, err := ex.get("build_dir")
	if err != nil {
		return fmt.Errorf("expanding build_dir: %w", err)
	}
	buildDir := absPath(stringify(buildDirV))
	t.Config.Set("build_dir", buildDir)

	if repoDir := t.Config.GetString("repo_dir"); repoDir != "" {
		if !strings.HasPrefix(buildDir, repoDir) {
			return configErrorf("build_dir %s is not under repo dir %s", buildDir, repoDir)
		}
	}

	// Expand all in_ and out_ values before joining paths; joining first
	// would bake relative prefixes into the wrong base.
	for _, key := range t.Config.Keys() {
		if !strings.HasPrefix(key, "in_") && !strings.HasPrefix(key, "out_") {
			continue
		}
		val, _ := t.Config.Get(key)
		expanded, err := ex.Expand(val)
		if err != nil {
			return err
		}
		expanded = mapVariant(key, expanded, func(_ string, v Variant) Variant {
			if s, ok := v.(string); ok {
				return normPath(s)
			}
			return v
		})
		t.Config.Set(key, expanded)
	}

	// Rebase output paths (and the depfile) under build_dir; anchor other
	// inputs at task_dir.
	for _, key := range t.Config.Keys() {
		val, _ := t.Config.Get(key)
		switch {
		case strings.HasPrefix(key, "out_") || key == "in_depfile":
			var pathErr error
			val = mapVariant(key, val, func(_ string, v Variant) Variant {
				s, ok := v.(string)
				if !ok {
					return v
				}
				switch {
				// build_dir can itself live under task_dir, so this
				// check must come first.
				case strings.HasPrefix(s, buildDir):
					return s
				case strings.HasPrefix(s, taskDir):
					return filepath.Join(buildDir, relPathStr(s, taskDir))
				case isAbs(s):
					if pathErr == nil {
						pathErr = configErrorf("output file has absolute path that is not under task_dir or build_dir: %s", s)
					}
					return s
				default:
					return filepath.Join(buildDir, s)
				}
			})
			if pathErr != nil {
				return pathErr
			}
			t.Config.Set(key, val)
		case strings.HasPrefix(key, "in_"):
			val = mapVariant(key, val, func(_ string, v Variant) Variant {
				if s, ok := v.(string); ok && !isAbs(s) {
					return filepath.Join(taskDir, s)
				}
				return v
			})
			t.Config.Set(key, val)
		}
	}

	// Gather inputs and outputs.
	var inFiles, outFiles []string
	for _, key := range t.Config.Keys() {
		val, _ := t.Config.Get(key)
		switch {
		case key == "in_depfile":
			// The depfile joins in_files only when it already exists,
			// or the all-inputs-present check below would fail on the
			// very first build.
			depfile := stringify(val)
			t.settings.InDepfile = depfile
			if _, err := os.Stat(depfile); err == nil {
				inFiles = append(inFiles, depfile)
			}
		case strings.HasPrefix(key, "out_"):
			outFiles = append(outFiles, flattenStrings(val)...)
		case strings.HasPrefix(key, "in_"):
			inFiles = append(inFiles, flattenStrings(val)...)
		}
	}
	t.mu.Lock()
	t.inFiles = inFiles
	t.outFiles = outFiles
	t.mu.Unlock()

	// Now the command and description can expand.
	if _, ok := t.Config.Get("desc"); ok {
		descV, err := ex.get("desc")
		if err != nil {
			return err
		}
		t.Config.Set("desc", stringify(descV))
	}
	if commandV, ok := t.Config.Get("command"); ok && commandV != nil {
		expanded, err := ex.Expand(commandV)
		if err != nil {
			return err
		}
		t.Config.Set("command", expanded)
	}

	if t.settings.Debug {
		t.eng.log.Debug("task after expand", "config", t.Config.String())
	}

	// One producer per output file.
	command, _ := t.Config.Get("command")
	if command != nil {
		fingerprint := stringify(command)
		for _, file := range outFiles {
			if err := t.eng.claimOutput(realPath(file), fingerprint); err != nil {
				return err
			}
		}
	}

	// Sanity checks: the task directory and every input must exist, and
	// every output must land under build_dir.
	if _, err := os.Stat(taskDir); err != nil {
		return &NotFoundError{Path: taskDir}
	}
	for _, file := range inFiles {
		if file == "" {
			return configErrorf("in_files contained an empty path")
		}
		if _, err := os.Stat(file); err != nil {
			return &NotFoundError{Path: file}
		}
	}
	for _, file := range outFiles {
		if file == "" {
			return configErrorf("out_files contained an empty path")
		}
		if !strings.HasPrefix(file, buildDir) {
			return configErrorf("output file %s is not under build_dir %s", file, buildDir)
		}
	}

	if !t.eng.opts.DryRun {
		for _, file := range outFiles {
			if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
				return err
			}
		}
	}

	// Unknown depfile formats fail before the oracle ever reads one.
	if t.settings.InDepfile != "" {
		switch t.settings.Depformat {
		case "gcc", "msvc":
		default:
			return configErrorf("invalid dependency file format %q", t.settings.Depformat)
		}
	}

	return nil
}

// printStatus prints the "[1/N] Compiling foo.cpp -> foo.o" status line.
func (t *Task) printStatus() {
	desc := t.Config.GetString("desc")
	line := statusColor.Sprintf("[%d/%d]", t.taskIndex, t.eng.startedCount()) + " " + desc
	if t.settings.Verbosity == 0 {
		t.eng.log.Status(line)
	} else {
		t.eng.log.Print(line)
	}
}

// runCommand runs a single command, either by calling it or by launching
// it in a shell.
func (t *Task) runCommand(ctx context.Context, command Variant) error {
	taskDir := t.Config.GetString("task_dir")

	if t.settings.Verbosity > 0 || t.settings.Debug {
		prefix := ""
		if t.eng.opts.DryRun {
			prefix = "(dry run) "
		}
		dir := relPathStr(taskDir, t.Config.GetString("repo_dir"))
		t.eng.log.Print(commandColor.Sprintf("%s%s$ ", prefix, dir) + stringify(command))
	}

	if t.eng.opts.DryRun {
		return nil
	}

	switch cmd := command.(type) {
	case CommandFunc:
		if err := cmd(t); err != nil {
			return err
		}
		t.mu.Lock()
		t.returnCode = 0
		t.mu.Unlock()
		return nil

	case string:
		return t.runShellCommand(ctx, cmd, taskDir)

	default:
		return configErrorf("don't know what to do with command %v (%T)", command, command)
	}
}

func (t *Task) runShellCommand(ctx context.Context, command, taskDir string) error {
	t.eng.log.Debug("subprocess start", "command", command)

	proc := exec.CommandContext(ctx, "sh", "-c", command)
	proc.Dir = taskDir
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	// On cancellation the process gets an interrupt first and a kill
	// after the grace period.
	proc.Cancel = func() error {
		return proc.Process.Signal(os.Interrupt)
	}
	proc.WaitDelay = waitDelay

	runErr := proc.Run()
	returnCode := -1
	if proc.ProcessState != nil {
		returnCode = proc.ProcessState.ExitCode()
	}

	t.eng.log.Debug("subprocess done", "command", command, "rc", returnCode)

	t.mu.Lock()
	t.stdout = stdout.String()
	t.stderr = stderr.String()
	t.returnCode = returnCode
	t.mu.Unlock()

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		// The command never ran (shell missing, cancelled before start).
		if ctx.Err() != nil {
			return &CancelledError{Reason: "build stopped", Cause: runErr}
		}
		return &CommandFailure{Command: command, ReturnCode: returnCode, Stderr: runErr.Error()}
	}

	pass := (returnCode == 0) != t.settings.ShouldFail
	if !pass {
		return &CommandFailure{
			Command:    command,
			ReturnCode: returnCode,
			Stdout:     t.stdout,
			Stderr:     t.stderr,
		}
	}

	if t.settings.Verbosity > 0 || t.settings.Debug {
		t.eng.log.Print(statusColor.Sprintf("[%d/%d]", t.taskIndex, t.eng.startedCount()) +
			" task passed - " + t.Config.GetString("desc"))
		if t.stdout != "" {
			t.eng.log.Print("stdout:\n" + t.stdout)
		}
		if t.stderr != "" {
			t.eng.log.Print("stderr:\n" + t.stderr)
		}
	}
	return nil
}

func realPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}
