// Package hancho is an incremental build engine configured by build
// scripts. Scripts declare tasks that transform input files into output
// files by running shell commands; the engine schedules them, expands
// their templated configuration, deduplicates shared dependencies and
// re-runs only the tasks whose dependencies changed.
package hancho

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Engine owns all build state: the task lists, the job pool, the claimed
// output paths and the loader bookkeeping. Everything that used to be
// process-global is threaded through this value.
type Engine struct {
	opts    Options
	log     *Logger
	jobPool *JobPool

	ctx    context.Context
	cancel context.CancelFunc

	exePath string
	exeDir  string

	mu          sync.Mutex
	stopped     bool
	allTasks    []*Task
	queued      []*Task
	started     []*Task
	finished    []*Task
	outFiles    map[string]string
	loadedFiles []string
	dirStack    []string
	repos       map[string]*Config
	mtimeCalls  int64

	tasksStarted   int
	tasksRunning   int
	tasksFinished  int
	tasksSkipped   int
	tasksFailed    int
	tasksCancelled int
	tasksBroken    int
}

// NewEngine creates an engine with the given options, writing build output
// to out.
func NewEngine(opts Options, out io.Writer) *Engine {
	opts = opts.WithDefaults()
	e := &Engine{
		opts:     opts,
		log:      NewLogger(out, opts),
		jobPool:  NewJobPool(opts.Jobs),
		outFiles: make(map[string]string),
		repos:    make(map[string]*Config),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	if exe, err := os.Executable(); err == nil {
		e.exePath = exe
		e.exeDir = filepath.Dir(exe)
	}
	if cwd, err := os.Getwd(); err == nil {
		e.dirStack = []string{cwd}
	} else {
		e.dirStack = []string{"."}
	}
	return e
}

// Options returns the engine's options.
func (e *Engine) Options() Options { return e.opts }

// Log returns the engine's logger.
func (e *Engine) Log() *Logger { return e.log }

// JobPool returns the engine's job pool.
func (e *Engine) JobPool() *JobPool { return e.jobPool }

// Tasks returns every task declared so far.
func (e *Engine) Tasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Task(nil), e.allTasks...)
}

func (e *Engine) buildCtx() context.Context { return e.ctx }

func (e *Engine) registerTask(t *Task) {
	e.mu.Lock()
	e.allTasks = append(e.allTasks, t)
	e.mu.Unlock()
}

// queueTask queues t and, recursively, every task referenced anywhere
// inside its config. Tasks found while already on the walk path form a
// dependency cycle and are flagged so they break instead of deadlocking.
func (e *Engine) queueTask(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueLocked(t, make(map[*Task]bool))
}

func (e *Engine) queueLocked(t *Task, path map[*Task]bool) {
	if path[t] {
		t.cycle = true
		return
	}
	t.mu.Lock()
	declared := t.state == StateDeclared
	if declared {
		t.state = StateQueued
	}
	t.mu.Unlock()
	if !declared {
		return
	}
	e.queued = append(e.queued, t)

	path[t] = true
	visitVariant(t.Config, func(v Variant) {
		switch val := v.(type) {
		case *Task:
			e.queueLocked(val, path)
		case *Promise:
			e.queueLocked(val.Task(), path)
		}
	})
	delete(path, t)
}

// QueueTargets queues the tasks selected by the target regex; an empty
// pattern queues every declared task. Tasks queued this way still
// transitively queue their dependencies.
func (e *Engine) QueueTargets(pattern string) error {
	if pattern == "" {
		for _, t := range e.Tasks() {
			t.Queue()
		}
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return configErrorf("bad target pattern %q: %v", pattern, err)
	}
	for _, t := range e.Tasks() {
		name := t.Config.GetString("name")
		if name != "" && re.MatchString(name) {
			e.log.Debug("queueing task", "name", name)
			t.Queue()
		}
	}
	return nil
}

// Build runs queued tasks until the graph drains or the keep-going
// threshold is hit. It returns the aggregated errors of every FAILED and
// BROKEN task; a nil result means the build passed (or was clean).
func (e *Engine) Build(ctx context.Context) error {
	// An outside cancellation (^C) stops everything, including running
	// subprocesses.
	stop := context.AfterFunc(ctx, e.cancelAll)
	defer stop()

	var result *multierror.Error

	// Tasks can create more tasks while running, so the queue refills
	// between awaits. Awaiting started tasks in creation order walks the
	// graph in dependency order: each task's await-inputs blocks until
	// its producers finish, and tasks created by running tasks always
	// append later.
	for {
		e.mu.Lock()
		if e.opts.Shuffle && len(e.queued) > 1 {
			e.log.Debug("shuffling queued tasks", "count", len(e.queued))
			rand.Shuffle(len(e.queued), func(i, j int) {
				e.queued[i], e.queued[j] = e.queued[j], e.queued[i]
			})
		}
		toStart := e.queued
		e.queued = nil
		e.mu.Unlock()

		for _, t := range toStart {
			t.Start()
			e.mu.Lock()
			e.started = append(e.started, t)
			e.mu.Unlock()
		}

		e.mu.Lock()
		if len(e.started) == 0 && len(e.queued) == 0 {
			e.mu.Unlock()
			break
		}
		if len(e.started) == 0 {
			e.mu.Unlock()
			continue
		}
		task := e.started[0]
		e.started = e.started[1:]
		e.mu.Unlock()

		// Join the task even when our own context is gone; cancellation
		// has already been propagated and the task will land in a
		// terminal state promptly.
		err := task.Wait(context.Background())
		if err != nil {
			e.reportFailure(task, err)
			switch task.State() {
			case StateFailed, StateBroken:
				result = multierror.Append(result, err)
			}
			failCount := e.failCount()
			if e.opts.KeepGoing > 0 && failCount >= e.opts.KeepGoing && !e.isStopped() {
				e.log.Print(cancelColor.Sprint("too many failures, cancelling tasks and stopping build"))
				e.interruptAll()
			}
		}
		e.mu.Lock()
		e.finished = append(e.finished, task)
		e.mu.Unlock()
	}

	e.printSummary()
	return result.ErrorOrNil()
}

// reportFailure prints the task's description, the offending command, the
// captured output and a one-line reason.
func (e *Engine) reportFailure(t *Task, err error) {
	desc := t.Config.GetString("desc")
	switch t.State() {
	case StateCancelled:
		e.log.Print(cancelColor.Sprintf("task cancelled: %s", desc))
	default:
		e.log.Print(failColor.Sprintf("task failed: %s", desc))
	}
	if cmd, ok := t.Config.Get("command"); ok && cmd != nil {
		e.log.Print("command: " + stringify(cmd))
	}
	if out := t.Stdout(); out != "" {
		e.log.Print("stdout:\n" + out)
	}
	if errOut := t.Stderr(); errOut != "" {
		e.log.Print("stderr:\n" + errOut)
	}
	e.log.Print(failColor.Sprintf("reason: %v", err))
}

func (e *Engine) failCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasksFailed + e.tasksCancelled + e.tasksBroken
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// interruptAll cancels every in-flight task that has not made it to its
// commands yet. Tasks already running a subprocess are left to drain so
// independent work completes instead of dying half-written.
func (e *Engine) interruptAll() {
	e.mu.Lock()
	e.stopped = true
	tasks := append([]*Task(nil), e.started...)
	e.mu.Unlock()
	for _, t := range tasks {
		t.interrupt()
	}
}

// cancelAll hard-stops the build, subprocesses included.
func (e *Engine) cancelAll() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
}

func (e *Engine) printSummary() {
	e.mu.Lock()
	started, finished := e.tasksStarted, e.tasksFinished
	failed, skipped := e.tasksFailed, e.tasksSkipped
	cancelled, broken := e.tasksCancelled, e.tasksBroken
	mtimes := e.mtimeCalls
	e.mu.Unlock()

	if e.opts.Debug || e.opts.Verbosity > 0 {
		e.log.Printf("tasks started:   %d", started)
		e.log.Printf("tasks finished:  %d", finished)
		e.log.Printf("tasks failed:    %d", failed)
		e.log.Printf("tasks skipped:   %d", skipped)
		e.log.Printf("tasks cancelled: %d", cancelled)
		e.log.Printf("tasks broken:    %d", broken)
		e.log.Printf("mtime calls:     %d", mtimes)
	}

	switch {
	case failed > 0 || broken > 0:
		e.log.Print("hancho: " + failColor.Sprint("BUILD FAILED"))
	case finished > 0:
		e.log.Print("hancho: " + passColor.Sprint("BUILD PASSED"))
	default:
		e.log.Print("hancho: " + cleanColor.Sprint("BUILD CLEAN"))
	}
}

// Failed reports whether any task ended FAILED or BROKEN; the process exit
// code derives from it.
func (e *Engine) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasksFailed > 0 || e.tasksBroken > 0
}

func (e *Engine) noteStarted() {
	e.mu.Lock()
	e.tasksStarted++
	e.mu.Unlock()
}

func (e *Engine) startedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasksStarted
}

func (e *Engine) nextRunningIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasksRunning++
	return e.tasksRunning
}

func (e *Engine) noteTerminal(state TaskState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch state {
	case StateFinished:
		e.tasksFinished++
	case StateSkipped:
		e.tasksSkipped++
	case StateFailed:
		e.tasksFailed++
	case StateCancelled:
		e.tasksCancelled++
	case StateBroken:
		e.tasksBroken++
	}
}

// claimOutput records path as produced by a command; a second producer for
// the same real path is a configuration error.
func (e *Engine) claimOutput(path, fingerprint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.outFiles[path]; ok {
		return configErrorf("multiple tasks build %s", path)
	}
	e.outFiles[path] = fingerprint
	return nil
}

// mtimeNS returns the file's modification time in nanoseconds, counting
// how often the oracle hits the filesystem.
func (e *Engine) mtimeNS(path string) (int64, error) {
	e.mu.Lock()
	e.mtimeCalls++
	e.mu.Unlock()
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

// MtimeCalls returns how many times the rerun oracle stat'ed a file.
func (e *Engine) MtimeCalls() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mtimeCalls
}

func (e *Engine) snapshotLoadedFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loadedFiles...)
}

func (e *Engine) addLoadedFile(path string) {
	e.mu.Lock()
	e.loadedFiles = append(e.loadedFiles, path)
	e.mu.Unlock()
}

// The loader needs cwd-like semantics while scripts execute, but nothing
// may depend on process-wide cwd: commands get their directory passed
// explicitly. A logical stack is enough.

func (e *Engine) pushDir(dir string) {
	e.mu.Lock()
	e.dirStack = append(e.dirStack, dir)
	e.mu.Unlock()
}

func (e *Engine) popDir() {
	e.mu.Lock()
	if len(e.dirStack) > 1 {
		e.dirStack = e.dirStack[:len(e.dirStack)-1]
	}
	e.mu.Unlock()
}

func (e *Engine) currentDir() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirStack[len(e.dirStack)-1]
}

// BuildRoots returns every distinct expanded build_root across all tasks;
// the clean tool deletes them.
func (e *Engine) BuildRoots() []string {
	seen := make(map[string]bool)
	var roots []string
	for _, t := range e.Tasks() {
		ex := newExpander(e, t.Config, nil)
		root, err := ex.ExpandString("{build_root}")
		if err != nil || root == "" || macroRegex.MatchString(root) {
			continue
		}
		root = realPath(absPath(normPath(root)))
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}
