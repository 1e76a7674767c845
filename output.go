package hancho

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	charmlog "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	statusColor  = color.RGB(128, 255, 196)
	reasonColor  = color.RGB(128, 128, 128)
	commandColor = color.RGB(128, 128, 255)
	failColor    = color.RGB(255, 128, 128)
	cancelColor  = color.RGB(255, 128, 0)
	passColor    = color.RGB(128, 255, 128)
	cleanColor   = color.RGB(128, 128, 255)
)

// Logger renders the build's user-facing output: Ninja-style same-line
// status updates, failure reports and the final verdict. Diagnostic
// (debug/trace) messages go through a leveled charm logger on the same
// writer. Everything written through Print and Status is also kept and
// returned by Captured, even when quiet; charm diagnostics are not kept.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	quiet     bool
	isTTY     bool
	width     int
	lineDirty bool
	captured  strings.Builder
	charm     *charmlog.Logger
}

// NewLogger builds a logger writing to out. Same-line updates are only
// used when out is a terminal.
func NewLogger(out io.Writer, opts Options) *Logger {
	l := &Logger{
		out:   out,
		quiet: opts.Quiet,
		width: 80,
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		l.isTTY = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			l.width = w
		}
	}

	level := charmlog.WarnLevel
	if opts.Verbosity > 0 {
		level = charmlog.InfoLevel
	}
	if opts.Debug || opts.Trace {
		level = charmlog.DebugLevel
	}
	charmOut := out
	if opts.Quiet {
		charmOut = io.Discard
	}
	l.charm = charmlog.NewWithOptions(charmOut, charmlog.Options{
		Level:           level,
		ReportTimestamp: false,
		Prefix:          "hancho",
	})
	return l
}

func (l *Logger) write(msg string) {
	l.captured.WriteString(msg)
	if !l.quiet {
		fmt.Fprint(l.out, msg)
	}
}

// Print writes a full log line.
func (l *Logger) Print(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lineDirty {
		l.write("\n")
		l.lineDirty = false
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	l.write(msg)
}

func (l *Logger) Printf(format string, args ...any) {
	l.Print(fmt.Sprintf(format, args...))
}

// Status writes a same-line status update when attached to a terminal,
// falling back to a plain line otherwise.
func (l *Logger) Status(msg string) {
	if !l.isTTY {
		l.Print(msg)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(msg) > l.width-1 {
		msg = msg[:l.width-1]
	}
	l.write("\r" + msg + "\x1b[K")
	l.lineDirty = true
}

// Debug writes a diagnostic message at debug level.
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.charm.Debug(msg, keyvals...)
}

// Info writes a diagnostic message at info level.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.charm.Info(msg, keyvals...)
}

// Trace writes an expansion-trace line. Trace output rides the debug
// channel; it only fires when tracing is on, which NewLogger maps to the
// debug level.
func (l *Logger) Trace(msg string) {
	l.charm.Debug(msg)
}

// Captured returns everything logged so far.
func (l *Logger) Captured() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.captured.String()
}
