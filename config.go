package hancho

import (
	"sort"
	"strings"
)

// Config is a string→Variant mapping with merge composition. It is the
// substrate every template expands against: a task's parameter bag, a
// module's bindings, a repo root.
type Config struct {
	data map[string]Variant
}

// NewConfig builds a Config by merging the given arguments in order. Each
// argument may be nil, another *Config, or a map[string]Variant.
func NewConfig(args ...any) *Config {
	c := &Config{data: make(map[string]Variant)}
	c.Merge(args...)
	return c
}

// Merge merges the arguments into c in order and returns c. For each key on
// the right side, a non-null right value recursively replaces or merges the
// left value; null right values leave existing entries alone. Scalar and
// sequence values are deep-copied so no two trees alias a mutable subtree.
func (c *Config) Merge(args ...any) *Config {
	for _, arg := range flatten(args) {
		if arg == nil {
			continue
		}
		mergeVariant(c, arg)
	}
	return c
}

// Get returns the value for key and whether it was present.
func (c *Config) Get(key string) (Variant, bool) {
	v, ok := c.data[key]
	return v, ok
}

// GetDefault returns the value for key, or fallback when the key is absent
// or null.
func (c *Config) GetDefault(key string, fallback Variant) Variant {
	if v, ok := c.data[key]; ok && v != nil {
		return v
	}
	return fallback
}

// GetString returns the value for key stringified, or "" when absent.
func (c *Config) GetString(key string) string {
	v, ok := c.data[key]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

// Set stores val under key.
func (c *Config) Set(key string, val Variant) {
	c.data[key] = val
}

// Delete removes key.
func (c *Config) Delete(key string) {
	delete(c.data, key)
}

// Has reports whether key is present.
func (c *Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Keys returns the keys in sorted order.
func (c *Config) Keys() []string {
	return sortedKeys(c.data)
}

// Len returns the number of entries.
func (c *Config) Len() int { return len(c.data) }

func sortedKeys(m map[string]Variant) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders a shallow dump, mostly for debug logging.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, k := range c.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(dumpVariant(c.data[k]))
	}
	b.WriteString("}")
	return b.String()
}

func dumpVariant(v Variant) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return "\"" + val + "\""
	case *Config, map[string]Variant:
		return "{...}"
	case []Variant:
		return "[...]"
	case *Task:
		return "Task"
	case *Promise:
		return "Promise"
	case CommandFunc:
		return "Callable"
	default:
		return stringify(val)
	}
}
