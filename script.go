package hancho

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// BuildContext is the API surface a build script executes against: create
// tasks, load child modules, load repository roots. Go callers get the
// same object programmatically and may put live *Task, *Promise and
// CommandFunc values straight into configs.
type BuildContext struct {
	Config *Config
	eng    *Engine
	isRepo bool

	// scope holds the script's local bindings: named tasks and loaded
	// module exports. Scope names resolve task references but are not
	// merged into task configs, so binding a task never creates a
	// dependency edge by itself.
	scope *Config
}

// Engine returns the engine this context belongs to.
func (bc *BuildContext) Engine() *Engine { return bc.eng }

// defaultRepoFields seeds every repository root so that expanding
// "{build_dir}" works before any task exists.
func defaultRepoFields(modPath string) map[string]Variant {
	modDir := filepath.Dir(modPath)
	modFile := filepath.Base(modPath)
	modName := strings.TrimSuffix(modFile, filepath.Ext(modFile))
	return map[string]Variant{
		"repo_name": filepath.Base(modDir),
		"repo_dir":  modDir,
		"repo_path": modPath,

		"mod_name": modName,
		"mod_dir":  modDir,
		"mod_path": modPath,

		"build_root": "{repo_dir}/build",
		"build_tag":  "",
		"build_dir":  "{build_root}/{build_tag}/{rel_path(task_dir, repo_dir)}",
		"task_dir":   "{mod_dir}",
	}
}

func createRepo(eng *Engine, modPath string) *BuildContext {
	return &BuildContext{
		Config: NewConfig(defaultRepoFields(modPath)),
		eng:    eng,
		isRepo: true,
		scope:  NewConfig(),
	}
}

func createMod(parent *BuildContext, modPath string) *BuildContext {
	modDir := filepath.Dir(modPath)
	modFile := filepath.Base(modPath)
	modName := strings.TrimSuffix(modFile, filepath.Ext(modFile))
	return &BuildContext{
		Config: NewConfig(parent.Config, map[string]Variant{
			"mod_name": modName,
			"mod_dir":  modDir,
			"mod_path": modPath,
		}),
		eng:    parent.eng,
		isRepo: false,
		scope:  NewConfig(),
	}
}

// RootContext creates the repository context for the configured root
// script.
func (e *Engine) RootContext() (*BuildContext, error) {
	rootDir := e.opts.RootDir
	if rootDir == "" {
		rootDir = e.currentDir()
	}
	rootDir = absPath(rootDir)
	rootPath := realPath(normPath(filepath.Join(rootDir, e.opts.RootFile)))
	if _, err := os.Stat(rootPath); err != nil {
		return nil, &NotFoundError{Path: rootPath}
	}
	return createRepo(e, rootPath), nil
}

// Task creates a task whose config is this context's config merged with
// the given arguments, in order.
func (bc *BuildContext) Task(args ...any) *Task {
	return newTask(bc.eng, append([]any{bc.Config}, args...)...)
}

// Load loads a child module script relative to the current script. The
// child inherits this context's config; its exports are returned.
func (bc *BuildContext) Load(path string) (*Config, error) {
	modPath, err := bc.resolveScriptPath(path)
	if err != nil {
		return nil, err
	}
	child := createMod(bc, modPath)
	return child.runScript()
}

// Repo loads a repository root script: a fresh config root with its own
// repo_dir. Repos are deduplicated by canonical filesystem path, so
// diamond imports load only once.
func (bc *BuildContext) Repo(path string) (*Config, error) {
	modPath, err := bc.resolveScriptPath(path)
	if err != nil {
		return nil, err
	}
	modPath = realPath(modPath)

	eng := bc.eng
	eng.mu.Lock()
	cached, ok := eng.repos[modPath]
	eng.mu.Unlock()
	if ok {
		return cached, nil
	}

	child := createRepo(eng, modPath)
	exports, err := child.runScript()
	if err != nil {
		return nil, err
	}
	eng.mu.Lock()
	eng.repos[modPath] = exports
	eng.mu.Unlock()
	return exports, nil
}

func (bc *BuildContext) resolveScriptPath(path string) (string, error) {
	ex := newExpander(bc.eng, bc.Config, nil)
	expanded, err := ex.ExpandString(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(bc.eng.currentDir(), expanded)
	}
	return normPath(expanded), nil
}

// LoadRoot executes this context's script. Used on the root context; Load
// and Repo route through it for children.
func (bc *BuildContext) LoadRoot() (*Config, error) {
	return bc.runScript()
}

// runScript reads, decodes and processes the script file, returning the
// module's exports as a Config. Section order is fixed: config bindings
// first, then repos, then child modules, then tasks, so later sections can
// reference earlier bindings.
func (bc *BuildContext) runScript() (*Config, error) {
	eng := bc.eng
	modPath := bc.Config.GetString("mod_path")

	depth := 0
	eng.mu.Lock()
	depth = len(eng.dirStack) - 1
	eng.mu.Unlock()
	trellis := strings.Repeat("| ", depth)
	if bc.isRepo {
		eng.log.Print(trellis + commandColor.Sprintf("loading repo %s", modPath))
	} else {
		eng.log.Print(trellis + passColor.Sprintf("loading file %s", modPath))
	}

	eng.addLoadedFile(modPath)

	data, err := os.ReadFile(modPath)
	if err != nil {
		return nil, fmt.Errorf("reading script %s: %w", modPath, err)
	}

	doc, err := decodeScript(modPath, data)
	if err != nil {
		return nil, err
	}

	// Relative paths inside the script resolve against the script's own
	// directory for the duration of its execution.
	eng.pushDir(filepath.Dir(modPath))
	defer eng.popDir()

	exports := NewConfig()

	if section, ok := doc["config"]; ok && section != nil {
		cfgMap, ok := section.(map[string]Variant)
		if !ok {
			return nil, fmt.Errorf("%s: config section must be a mapping", modPath)
		}
		bc.Config.Merge(cfgMap)
		for _, key := range sortedKeys(cfgMap) {
			if strings.HasPrefix(key, "_") {
				continue
			}
			v, _ := bc.Config.Get(key)
			exports.Set(key, v)
		}
	}

	if err := bc.loadSection(doc["repo"], modPath, exports, bc.Repo); err != nil {
		return nil, err
	}
	if err := bc.loadSection(doc["load"], modPath, exports, bc.Load); err != nil {
		return nil, err
	}

	if section, ok := doc["tasks"]; ok && section != nil {
		taskList, ok := section.([]Variant)
		if !ok {
			return nil, fmt.Errorf("%s: tasks section must be a sequence", modPath)
		}
		for _, entry := range taskList {
			taskCfg, ok := entry.(map[string]Variant)
			if !ok {
				return nil, fmt.Errorf("%s: each task must be a mapping", modPath)
			}
			bc.resolveTaskRefs(taskCfg)
			task := bc.Task(taskCfg)
			if name, ok := taskCfg["name"].(string); ok && name != "" {
				bc.scope.Set(name, task)
				if !strings.HasPrefix(name, "_") {
					exports.Set(name, task)
				}
			}
		}
	}

	return exports, nil
}

// loadSection handles a "load:" or "repo:" section. The mapping form binds
// each child's exports under the given name; the sequence form binds under
// the child directory's base name.
func (bc *BuildContext) loadSection(section Variant, modPath string, exports *Config, loadFn func(string) (*Config, error)) error {
	switch sec := section.(type) {
	case nil:
		return nil
	case map[string]Variant:
		for _, name := range sortedKeys(sec) {
			path, ok := sec[name].(string)
			if !ok {
				return fmt.Errorf("%s: script path for %q must be a string", modPath, name)
			}
			child, err := loadFn(path)
			if err != nil {
				return err
			}
			bc.scope.Set(name, child)
			if !strings.HasPrefix(name, "_") {
				exports.Set(name, child)
			}
		}
		return nil
	case []Variant:
		for _, entry := range sec {
			path, ok := entry.(string)
			if !ok {
				return fmt.Errorf("%s: script paths must be strings", modPath)
			}
			child, err := loadFn(path)
			if err != nil {
				return err
			}
			name := filepath.Base(filepath.Dir(path))
			bc.scope.Set(name, child)
			exports.Set(name, child)
		}
		return nil
	default:
		return fmt.Errorf("%s: load/repo section must be a mapping or sequence", modPath)
	}
}

// taskRefRegex matches a string that is exactly one macro naming a plain
// dotted identifier.
var taskRefRegex = regexp.MustCompile(`^\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\}$`)

// resolveTaskRefs replaces strings of the form "{name}" that name an
// already-bound task or promise with the live reference, so the scheduler
// sees real dependency edges. A dotted path that crosses a task, like
// "{a_o.out_obj}", becomes a promise for that task's fields. Names that
// don't resolve stay literal.
func (bc *BuildContext) resolveTaskRefs(cfg map[string]Variant) {
	mapVariant("", cfg, func(_ string, v Variant) Variant {
		s, ok := v.(string)
		if !ok {
			return v
		}
		m := taskRefRegex.FindStringSubmatch(s)
		if m == nil {
			return v
		}
		segments := strings.Split(m[1], ".")
		for i := range segments {
			resolved := lookupDotted(bc.scope, strings.Join(segments[:i+1], "."))
			switch ref := resolved.(type) {
			case *Task:
				if i == len(segments)-1 {
					return ref
				}
				return NewPromise(ref, segments[i+1:]...)
			case *Promise:
				if i == len(segments)-1 {
					return ref
				}
			}
		}
		return v
	})
}

// lookupDotted walks a dotted path through nested configs without
// expanding anything.
func lookupDotted(cfg *Config, name string) Variant {
	var current Variant = cfg
	for _, seg := range strings.Split(name, ".") {
		switch v := current.(type) {
		case *Config:
			val, ok := v.Get(seg)
			if !ok {
				return nil
			}
			current = val
		case map[string]Variant:
			val, ok := v[seg]
			if !ok {
				return nil
			}
			current = val
		default:
			return nil
		}
	}
	return current
}

// decodeScript parses a build script by extension: TOML for .toml,
// YAML otherwise.
func decodeScript(path string, data []byte) (map[string]Variant, error) {
	var doc map[string]any
	if strings.HasSuffix(path, ".toml") {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	normalized, _ := normalizeDecoded(doc).(map[string]Variant)
	return normalized, nil
}

// normalizeDecoded flattens decoder-specific container types (TOML's
// []map[string]any, YAML's map[any]any) into the variant shapes the rest
// of the engine walks.
func normalizeDecoded(v any) Variant {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]Variant, len(val))
		for k, elem := range val {
			out[k] = normalizeDecoded(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]Variant, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = normalizeDecoded(elem)
		}
		return out
	case []any:
		out := make([]Variant, len(val))
		for i, elem := range val {
			out[i] = normalizeDecoded(elem)
		}
		return out
	case []map[string]any:
		out := make([]Variant, len(val))
		for i, elem := range val {
			out[i] = normalizeDecoded(elem)
		}
		return out
	default:
		return v
	}
}
