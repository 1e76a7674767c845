package hancho

import (
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Pure helpers shared by the expander builtins and task init. Most mirror
// everyday path manipulation; rel_path is deliberately a string-prefix
// strip rather than filepath.Rel, because ".." segments through symlinks do
// not behave the way build paths need them to.

func absPath(p string) string {
	out, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return out
}

func relPathStr(p, base string) string {
	if p == base {
		return "."
	}
	return strings.TrimPrefix(p, base+"/")
}

func normPath(p string) string {
	return filepath.Clean(p)
}

func isAbs(p string) bool {
	return filepath.IsAbs(p)
}

func stemStr(name string) string {
	name = path.Base(name)
	return strings.TrimSuffix(name, path.Ext(name))
}

func swapExtStr(name, newExt string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + newExt
}

// ansiColor converts an RGB triple to an ANSI escape; no arguments resets.
func ansiColor(rgb ...int) string {
	if len(rgb) == 0 {
		return "\x1b[0m"
	}
	if len(rgb) != 3 {
		return ""
	}
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm", rgb[0], rgb[1], rgb[2])
}

// runCmdCapture runs a console command synchronously through the shell and
// returns its stdout with surrounding whitespace stripped.
func runCmdCapture(command, dir string) (string, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ----------------------------------------------------------------------
// Builtin helper table for macros.

type builtinFunc func(ex *Expander, args []Variant) (Variant, error)

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"abs_path":    builtinAbsPath,
		"rel_path":    builtinRelPath,
		"join_path":   builtinJoinPath,
		"join_prefix": builtinJoinPrefix,
		"join_suffix": builtinJoinSuffix,
		"flatten":     builtinFlatten,
		"glob":        builtinGlob,
		"stem":        builtinStem,
		"swap_ext":    builtinSwapExt,
		"color":       builtinColor,
		"run_cmd":     builtinRunCmd,
		"rel":         builtinRel,
		"re":          builtinRe,
		"len":         builtinLen,
		"log":         builtinLog,
		"print":       builtinLog,
		"dirname":     builtinDirname,
		"basename":    builtinBasename,
	}
}

func argCount(name string, args []Variant, want int) error {
	if len(args) != want {
		return fmt.Errorf("%s: want %d args, got %d", name, want, len(args))
	}
	return nil
}

// mapStrings applies fn across a string or (nested) sequence of strings,
// preserving list structure at the top level.
func mapStrings(v Variant, fn func(string) (string, error)) (Variant, error) {
	switch val := v.(type) {
	case string:
		return fn(val)
	case []Variant:
		out := make([]Variant, 0, len(val))
		for _, elem := range flatten(val) {
			mapped, err := mapStrings(elem, fn)
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected path or path list, got %T", v)
	}
}

func builtinAbsPath(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("abs_path", args, 1); err != nil {
		return nil, err
	}
	return mapStrings(args[0], func(s string) (string, error) {
		return absPath(s), nil
	})
}

func builtinRelPath(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("rel_path", args, 2); err != nil {
		return nil, err
	}
	base, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("rel_path: base must be a string, got %T", args[1])
	}
	return mapStrings(args[0], func(s string) (string, error) {
		return relPathStr(s, base), nil
	})
}

func builtinJoinPath(ex *Expander, args []Variant) (Variant, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("join_path: want at least 2 args, got %d", len(args))
	}
	result, err := joinPathVariant(args[0], args[1], args[2:]...)
	if err != nil {
		return nil, err
	}
	if listLike(result) {
		return []Variant(flatten(result)), nil
	}
	return result, nil
}

func joinPathVariant(p1, p2 Variant, rest ...Variant) (Variant, error) {
	if len(rest) > 0 {
		tail, err := joinPathVariant(p2, rest[0], rest[1:]...)
		if err != nil {
			return nil, err
		}
		var out []Variant
		for _, p := range flatten(tail) {
			joined, err := joinPathVariant(p1, p)
			if err != nil {
				return nil, err
			}
			out = append(out, joined)
		}
		return out, nil
	}
	if listLike(p1) {
		var out []Variant
		for _, p := range flatten(p1) {
			joined, err := joinPathVariant(p, p2)
			if err != nil {
				return nil, err
			}
			out = append(out, joined)
		}
		return out, nil
	}
	if listLike(p2) {
		var out []Variant
		for _, p := range flatten(p2) {
			joined, err := joinPathVariant(p1, p)
			if err != nil {
				return nil, err
			}
			out = append(out, joined)
		}
		return out, nil
	}
	s1, s2 := stringify(p1), stringify(p2)
	if s2 == "" {
		return nil, fmt.Errorf("cannot join %q with an empty path", s1)
	}
	return filepath.Join(s1, s2), nil
}

func builtinJoinPrefix(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("join_prefix", args, 2); err != nil {
		return nil, err
	}
	prefix := stringify(args[0])
	var out []Variant
	for _, s := range flatten(args[1]) {
		out = append(out, prefix+stringify(s))
	}
	return out, nil
}

func builtinJoinSuffix(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("join_suffix", args, 2); err != nil {
		return nil, err
	}
	suffix := stringify(args[1])
	var out []Variant
	for _, s := range flatten(args[0]) {
		out = append(out, stringify(s)+suffix)
	}
	return out, nil
}

func builtinFlatten(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("flatten", args, 1); err != nil {
		return nil, err
	}
	return []Variant(flatten(args[0])), nil
}

// builtinGlob resolves relative patterns against the context's task_dir so
// scripts never depend on process-wide cwd.
func builtinGlob(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("glob", args, 1); err != nil {
		return nil, err
	}
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("glob: pattern must be a string, got %T", args[0])
	}
	base := ""
	if !isAbs(pattern) {
		dir, err := ex.get("task_dir")
		if err != nil {
			return nil, err
		}
		base = absPath(stringify(dir))
		pattern = filepath.Join(base, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := make([]Variant, 0, len(matches))
	for _, m := range matches {
		if base != "" {
			m = relPathStr(m, base)
		}
		out = append(out, m)
	}
	return out, nil
}

func builtinStem(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("stem", args, 1); err != nil {
		return nil, err
	}
	flat := flatten(args[0])
	if len(flat) == 0 {
		return nil, fmt.Errorf("stem: empty argument")
	}
	return stemStr(stringify(flat[0])), nil
}

func builtinSwapExt(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("swap_ext", args, 2); err != nil {
		return nil, err
	}
	newExt, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("swap_ext: extension must be a string, got %T", args[1])
	}
	name := args[0]
	if task, ok := name.(*Task); ok {
		awaited, err := ex.awaitTask(task)
		if err != nil {
			return nil, err
		}
		name = awaited
	}
	return mapStrings(name, func(s string) (string, error) {
		return swapExtStr(s, newExt), nil
	})
}

func builtinColor(ex *Expander, args []Variant) (Variant, error) {
	if len(args) == 0 {
		return ansiColor(), nil
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("color: want 0 or 3 args, got %d", len(args))
	}
	rgb := make([]int, 3)
	for i, a := range args {
		n, ok := toInt(a)
		if !ok {
			return nil, fmt.Errorf("color: want int args, got %T", a)
		}
		rgb[i] = n
	}
	return ansiColor(rgb...), nil
}

func builtinRunCmd(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("run_cmd", args, 1); err != nil {
		return nil, err
	}
	dir := ""
	if v, err := ex.get("task_dir"); err == nil {
		dir = absPath(stringify(v))
	}
	return runCmdCapture(stringify(args[0]), dir)
}

// builtinRel returns its argument expressed relative to the context's
// expanded task_dir.
func builtinRel(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("rel", args, 1); err != nil {
		return nil, err
	}
	dir, err := ex.get("task_dir")
	if err != nil {
		return nil, err
	}
	base := absPath(stringify(dir))
	return mapStrings(args[0], func(s string) (string, error) {
		return relPathStr(s, base), nil
	})
}

// builtinRe returns the first match of pattern in text, or null.
func builtinRe(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("re", args, 2); err != nil {
		return nil, err
	}
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("re: pattern must be a string, got %T", args[0])
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	match := re.FindString(stringify(args[1]))
	if match == "" {
		return nil, nil
	}
	return match, nil
}

func builtinLen(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("len", args, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return len(v), nil
	case []Variant:
		return len(v), nil
	case *Config:
		return v.Len(), nil
	case map[string]Variant:
		return len(v), nil
	case nil:
		return 0, nil
	}
	return nil, fmt.Errorf("len: unsupported type %T", args[0])
}

func builtinLog(ex *Expander, args []Variant) (Variant, error) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, stringify(a))
	}
	if ex.eng != nil {
		ex.eng.log.Print(strings.Join(parts, " "))
	}
	return nil, nil
}

func builtinDirname(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("dirname", args, 1); err != nil {
		return nil, err
	}
	return mapStrings(args[0], func(s string) (string, error) {
		return filepath.Dir(s), nil
	})
}

func builtinBasename(ex *Expander, args []Variant) (Variant, error) {
	if err := argCount("basename", args, 1); err != nil {
		return nil, err
	}
	return mapStrings(args[0], func(s string) (string, error) {
		return filepath.Base(s), nil
	})
}

func toInt(v Variant) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
