package hancho

// Variant is the universal value the engine carries around: nil, a scalar
// (string, int, float64, bool), a sequence ([]Variant), a mapping (*Config
// or a plain map[string]Variant), a *Task, a *Promise, or a callable
// command (CommandFunc). Code dispatches on the dynamic type.
type Variant = any

// CommandFunc is a callable command value. It is invoked with the task it
// belongs to; a nil return means success. Callables may block; they run on
// the task's own goroutine.
type CommandFunc func(t *Task) error

func listLike(v Variant) bool {
	_, ok := v.([]Variant)
	return ok
}

func dictLike(v Variant) bool {
	switch v.(type) {
	case *Config, map[string]Variant:
		return true
	}
	return false
}

// flatten reduces an arbitrarily nested sequence to a flat one, dropping
// nils. Non-sequence values flatten to a single-element slice.
func flatten(v Variant) []Variant {
	switch val := v.(type) {
	case nil:
		return nil
	case []Variant:
		var out []Variant
		for _, elem := range val {
			out = append(out, flatten(elem)...)
		}
		return out
	default:
		return []Variant{v}
	}
}

// flattenStrings flattens v and stringifies every element.
func flattenStrings(v Variant) []string {
	flat := flatten(v)
	out := make([]string, 0, len(flat))
	for _, elem := range flat {
		out = append(out, stringify(elem))
	}
	return out
}

// deepCopyVariant copies sequences and mappings recursively. Tasks,
// promises and callables copy by reference: a Task must stay unique by
// identity or the one-producer-per-output check would trip on its copies.
func deepCopyVariant(v Variant) Variant {
	switch val := v.(type) {
	case []Variant:
		out := make([]Variant, len(val))
		for i, elem := range val {
			out[i] = deepCopyVariant(elem)
		}
		return out
	case map[string]Variant:
		out := make(map[string]Variant, len(val))
		for k, elem := range val {
			out[k] = deepCopyVariant(elem)
		}
		return out
	case *Config:
		out := NewConfig()
		for k, elem := range val.data {
			out.data[k] = deepCopyVariant(elem)
		}
		return out
	default:
		return v
	}
}

// mergeVariant merges rhs into lhs. Mappings merge recursively; nulls on
// the right never overwrite non-null left values; everything else is
// replaced by a deep copy of the right value.
func mergeVariant(lhs, rhs Variant) Variant {
	ldict, lok := lhs.(*Config)
	if lok && dictLike(rhs) {
		for _, key := range dictKeys(rhs) {
			rval := dictGet(rhs, key)
			lval, _ := ldict.Get(key)
			if lval == nil || rval != nil {
				ldict.data[key] = mergeVariant(lval, rval)
			}
		}
		return ldict
	}
	return deepCopyVariant(rhs)
}

// dictKeys returns the keys of a mapping variant in sorted order. Relative
// key order carries no meaning, but a stable order keeps traversal
// deterministic.
func dictKeys(v Variant) []string {
	switch val := v.(type) {
	case *Config:
		return val.Keys()
	case map[string]Variant:
		return sortedKeys(val)
	}
	return nil
}

func dictGet(v Variant, key string) Variant {
	switch val := v.(type) {
	case *Config:
		out, _ := val.Get(key)
		return out
	case map[string]Variant:
		return val[key]
	}
	return nil
}

// mapVariant applies fn to val and then walks mappings and sequences,
// replacing each element with the transformed result.
func mapVariant(key string, val Variant, fn func(key string, val Variant) Variant) Variant {
	val = fn(key, val)
	switch v := val.(type) {
	case *Config:
		for _, k := range v.Keys() {
			v.data[k] = mapVariant(k, v.data[k], fn)
		}
	case map[string]Variant:
		for _, k := range sortedKeys(v) {
			v[k] = mapVariant(k, v[k], fn)
		}
	case []Variant:
		for i, elem := range v {
			v[i] = mapVariant(key, elem, fn)
		}
	}
	return val
}

// visitVariant walks val depth-first, calling fn on every node.
func visitVariant(val Variant, fn func(val Variant)) {
	fn(val)
	switch v := val.(type) {
	case *Config:
		for _, k := range v.Keys() {
			visitVariant(v.data[k], fn)
		}
	case map[string]Variant:
		for _, k := range sortedKeys(v) {
			visitVariant(v[k], fn)
		}
	case []Variant:
		for _, elem := range v {
			visitVariant(elem, fn)
		}
	}
}
