// Package patch implements JMAP patch objects: flat maps from RFC 6901
// pointers to replacement values, applied against JSON documents decoded
// into map[string]any form.
package patch

import (
	"fmt"
	"sort"

	"github.com/qri-io/jsonpointer"
)

// Apply returns a deep copy of val with every (pointer -> value) entry of
// patch applied. A null value deletes the target. Intermediate objects are
// created as needed; patching through a non-object fails with the offending
// pointer in the error.
func Apply(val map[string]any, patch map[string]any) (map[string]any, error) {
	out := deepCopyObject(val)

	// Deterministic application order; entries are independent per the
	// JMAP patch contract, but a stable order keeps errors reproducible.
	paths := make([]string, 0, len(patch))
	for path := range patch {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := applyOne(out, path, patch[path]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyOne(root map[string]any, path string, value any) error {
	ptr, err := jsonpointer.Parse(normalize(path))
	if err != nil {
		return fmt.Errorf("invalid patch pointer %q: %w", path, err)
	}
	if len(ptr) == 0 {
		return fmt.Errorf("invalid patch pointer %q: cannot replace the root", path)
	}

	obj := root
	for _, seg := range ptr[:len(ptr)-1] {
		next, present := obj[seg]
		if !present || next == nil {
			child := map[string]any{}
			obj[seg] = child
			obj = child
			continue
		}
		childObj, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("patch pointer %q traverses a non-object at %q", path, seg)
		}
		obj = childObj
	}

	leaf := ptr[len(ptr)-1]
	if value == nil {
		delete(obj, leaf)
		return nil
	}
	obj[leaf] = deepCopy(value)
	return nil
}

// Create derives the minimal patch that transforms a into b, such that
// Apply(a, Create(a, b)) equals b.
func Create(a, b map[string]any) map[string]any {
	patch := map[string]any{}
	diffInto(patch, "", a, b)
	return patch
}

func diffInto(patch map[string]any, prefix string, a, b map[string]any) {
	for key := range a {
		if _, present := b[key]; !present {
			patch[join(prefix, key)] = nil
		}
	}
	for key, bv := range b {
		path := join(prefix, key)
		av, present := a[key]
		if !present {
			patch[path] = deepCopy(bv)
			continue
		}
		aObj, aIsObj := av.(map[string]any)
		bObj, bIsObj := bv.(map[string]any)
		if aIsObj && bIsObj {
			diffInto(patch, path, aObj, bObj)
			continue
		}
		if !equalValue(av, bv) {
			patch[path] = deepCopy(bv)
		}
	}
}

func equalValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !equalValue(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func deepCopy(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyObject(tv)
	case []any:
		out := make([]any, len(tv))
		for i, el := range tv {
			out[i] = deepCopy(el)
		}
		return out
	default:
		return v
	}
}

func deepCopyObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = deepCopy(v)
	}
	return out
}

// normalize accepts both "/a/b" and "a/b" pointer spellings; JMAP patch
// keys conventionally omit the leading slash.
func normalize(path string) string {
	if path == "" || path[0] == '/' {
		return path
	}
	return "/" + path
}

// join builds a patch key; JMAP patch keys omit the leading slash.
func join(prefix, key string) string {
	if prefix == "" {
		return escape(key)
	}
	return prefix + "/" + escape(key)
}

func escape(token string) string {
	out := make([]byte, 0, len(token))
	for i := 0; i < len(token); i++ {
		switch token[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, token[i])
		}
	}
	return string(out)
}
