package hancho

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The rerun oracle. A non-empty reason string means the task must run;
// empty means it can be skipped. All decisions derive from filesystem
// mtimes; nothing persists between runs.
//
// Comparisons use >= rather than > so ties on coarse filesystem timestamps
// count as changed.

func (t *Task) needsRerun(force bool) (string, error) {
	eng := t.eng

	if force {
		return fmt.Sprintf("files %v forced to rebuild", t.outFiles), nil
	}
	if len(t.inFiles) == 0 {
		return "always rebuild a target with no inputs", nil
	}
	if len(t.outFiles) == 0 {
		return "always rebuild a target with no outputs", nil
	}

	for _, file := range t.outFiles {
		if _, err := os.Stat(file); err != nil {
			return fmt.Sprintf("rebuilding because %s is missing", file), nil
		}
	}

	minOut := int64(0)
	for i, file := range t.outFiles {
		m, err := eng.mtimeNS(file)
		if err != nil {
			return fmt.Sprintf("rebuilding because %s is missing", file), nil
		}
		if i == 0 || m < minOut {
			minOut = m
		}
	}

	// A rebuilt engine binary invalidates everything it built before.
	if m, err := eng.mtimeNS(eng.exePath); err == nil && m >= minOut {
		return "rebuilding because the hancho binary has changed", nil
	}

	for _, file := range t.inFiles {
		m, err := eng.mtimeNS(file)
		if err != nil || m >= minOut {
			return fmt.Sprintf("rebuilding because %s has changed", file), nil
		}
	}

	for _, file := range t.loadedFiles {
		m, err := eng.mtimeNS(file)
		if err != nil || m >= minOut {
			return fmt.Sprintf("rebuilding because %s has changed", file), nil
		}
	}

	// Check secondary dependencies from the compiler-emitted depfile, if
	// one exists.
	if depfile := t.settings.InDepfile; depfile != "" {
		if _, err := os.Stat(depfile); err == nil {
			reason, err := t.depfileRerun(depfile, minOut)
			if err != nil {
				return "", err
			}
			if reason != "" {
				return reason, nil
			}
		}
	}

	return "", nil
}

func (t *Task) depfileRerun(depfile string, minOut int64) (string, error) {
	t.eng.log.Debug("found dependency file", "path", depfile)

	data, err := os.ReadFile(depfile)
	if err != nil {
		return "", err
	}

	var deps []string
	switch t.settings.Depformat {
	case "msvc":
		deps, err = parseDepfileMSVC(data)
	case "gcc":
		deps = parseDepfileGCC(data)
	default:
		return "", configErrorf("invalid dependency file format %q", t.settings.Depformat)
	}
	if err != nil {
		return "", err
	}

	// Depfile contents are relative to the directory the compiler ran in.
	taskDir := t.Config.GetString("task_dir")
	for _, dep := range deps {
		if !filepath.IsAbs(dep) {
			dep = filepath.Join(taskDir, dep)
		}
		m, err := t.eng.mtimeNS(dep)
		if err != nil || m >= minOut {
			return fmt.Sprintf("rebuilding because %s has changed", dep), nil
		}
	}
	return "", nil
}

// parseDepfileGCC parses depfiles as emitted by gcc -MMD:
// whitespace-separated tokens, dropping the target and the backslash
// continuations.
func parseDepfileGCC(data []byte) []string {
	tokens := strings.Fields(string(data))
	var deps []string
	for i, tok := range tokens {
		if i == 0 {
			continue
		}
		if tok == "\\" {
			continue
		}
		deps = append(deps, tok)
	}
	return deps
}

// parseDepfileMSVC parses the JSON emitted by cl.exe /sourceDependencies;
// the dependency list lives at Data.Includes.
func parseDepfileMSVC(data []byte) ([]string, error) {
	var doc struct {
		Data struct {
			Includes []string `json:"Includes"`
		} `json:"Data"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Data.Includes, nil
}
