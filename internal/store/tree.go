// internal/store/tree.go
package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func cleanPath(p string) string {
	return strings.Trim(p, "/")
}

func joinPath(base, rel string) string {
	base, rel = cleanPath(base), cleanPath(rel)
	switch {
	case base == "":
		return rel
	case rel == "":
		return base
	}
	return base + "/" + rel
}

// splitPath turns "a/b/c" into segments. The root path "" yields no segments.
func splitPath(p string) ([]string, error) {
	p = cleanPath(p)
	if p == "" {
		return nil, nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

// normalize converts any Go value into its JSON shape and resolves ServerTimestamp.
func normalize(v any, nowMillis int64) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("store: unmarshal value: %w", err)
	}
	return prune(resolveTimestamps(out, nowMillis)), nil
}

func resolveTimestamps(v any, nowMillis int64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 && t[".sv"] == "timestamp" {
			return float64(nowMillis)
		}
		for k, child := range t {
			t[k] = resolveTimestamps(child, nowMillis)
		}
	case []any:
		for i, child := range t {
			t[i] = resolveTimestamps(child, nowMillis)
		}
	}
	return v
}

// prune drops nulls and empty objects; a node with no children does not exist.
func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if c := prune(child); c == nil {
				delete(t, k)
			} else {
				t[k] = c
			}
		}
		if len(t) == 0 {
			return nil
		}
	case []any:
		if len(t) == 0 {
			return nil
		}
	}
	return v
}

func getAt(root any, segs []string) any {
	cur := root
	for _, s := range segs {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[s]
		case []any:
			i, err := strconv.Atoi(s)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// setAt returns a new root with v placed at segs. Containers along the path are copied,
// so values previously handed out in snapshots are never mutated.
func setAt(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	head, rest := segs[0], segs[1:]
	if arr, ok := root.([]any); ok {
		if i, err := strconv.Atoi(head); err == nil && i >= 0 && i < len(arr) {
			cp := make([]any, len(arr))
			copy(cp, arr)
			cp[i] = setAt(arr[i], rest, v)
			return cp
		}
		root = arrayToMap(arr)
	}
	src, _ := root.(map[string]any)
	cp := make(map[string]any, len(src)+1)
	for k, child := range src {
		cp[k] = child
	}
	child := setAt(src[head], rest, v)
	if child == nil {
		delete(cp, head)
	} else {
		cp[head] = child
	}
	if len(cp) == 0 {
		return nil
	}
	return cp
}

func arrayToMap(arr []any) map[string]any {
	m := make(map[string]any, len(arr))
	for i, v := range arr {
		if v != nil {
			m[strconv.Itoa(i)] = v
		}
	}
	return m
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, child := range t {
			m[k] = clone(child)
		}
		return m
	case []any:
		a := make([]any, len(t))
		for i, child := range t {
			a[i] = clone(child)
		}
		return a
	}
	return v
}

// related reports whether a write at w can change the value observed at s.
func related(w, s []string) bool {
	n := len(w)
	if len(s) < n {
		n = len(s)
	}
	for i := 0; i < n; i++ {
		if w[i] != s[i] {
			return false
		}
	}
	return true
}

// applyUpdate resolves a multi-path update relative to base into absolute segment writes.
func applyUpdate(root any, base []string, values map[string]any, nowMillis int64) (any, [][]string, error) {
	touched := make([][]string, 0, len(values))
	for rel, v := range values {
		relSegs, err := splitPath(rel)
		if err != nil {
			return nil, nil, err
		}
		if len(relSegs) == 0 {
			return nil, nil, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		nv, err := normalize(v, nowMillis)
		if err != nil {
			return nil, nil, err
		}
		full := append(append([]string{}, base...), relSegs...)
		root = setAt(root, full, nv)
		touched = append(touched, full)
	}
	return root, touched, nil
}
