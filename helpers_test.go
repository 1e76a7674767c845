package hancho

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testEngine builds a quiet engine whose "engine binary" mtime is pinned
// far in the past, so the rebuilt-binary rerun rule stays out of the way.
func testEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.Quiet = true
	if opts.Jobs == 0 {
		opts.Jobs = 4
	}
	eng := NewEngine(opts, io.Discard)
	exe := filepath.Join(t.TempDir(), "hancho.bin")
	writeFileAt(t, exe, "binary", time.Now().Add(-72*time.Hour))
	eng.exePath = exe
	return eng
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeFileAt writes a file and pins its mtime.
func writeFileAt(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	writeFile(t, path, content)
	chtimes(t, path, mtime)
}

func chtimes(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func mtimeOf(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.ModTime()
}

// repoContext builds a repository context rooted at dir, as if a script
// at dir/build.hancho were executing.
func repoContext(t *testing.T, eng *Engine, dir string) *BuildContext {
	t.Helper()
	return createRepo(eng, filepath.Join(dir, "build.hancho"))
}
