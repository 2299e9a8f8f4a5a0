// Package diff computes structural deltas between decoded JSON trees.
//
// The delta is asymmetric: keys present in next but missing or different in
// prev are reported, while keys only present in prev flip the changed flag
// without appearing in the delta. Removals are never encoded, not even as an
// empty parent object when a nested key is the only thing removed.
package diff

import (
	"reflect"
	"strconv"
	"strings"
)

// Diff returns the keys of next whose values are absent from or differ from
// prev. Nested objects recurse and contribute only their own delta.
func Diff(next, prev map[string]any) (map[string]any, bool) {
	delta := map[string]any{}
	changed := false

	for k, nv := range next {
		pv, ok := prev[k]
		if !ok {
			delta[k] = nv
			changed = true
			continue
		}
		nm, nIsMap := nv.(map[string]any)
		pm, pIsMap := pv.(map[string]any)
		if nIsMap && pIsMap {
			if sub, subChanged := Diff(nm, pm); subChanged {
				changed = true
				if len(sub) > 0 {
					delta[k] = sub
				}
			}
			continue
		}
		if !reflect.DeepEqual(nv, pv) {
			delta[k] = nv
			changed = true
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed = true
		}
	}
	return delta, changed
}

// Changes generalizes Diff to excerpts that may not be objects. Two objects
// are diffed; otherwise next is returned whole when it differs from prev and
// an empty delta when it does not.
func Changes(next, prev any) (any, bool) {
	nm, nIsMap := next.(map[string]any)
	pm, pIsMap := prev.(map[string]any)
	if nIsMap && pIsMap {
		return Diff(nm, pm)
	}
	if nIsMap && prev == nil {
		return Diff(nm, nil)
	}
	if reflect.DeepEqual(next, prev) {
		return map[string]any{}, false
	}
	return next, true
}

// Excerpt descends into payload along a dot-separated path. Numeric segments
// index arrays. An empty path selects the whole payload.
func Excerpt(payload any, path string) (any, bool) {
	if path == "" {
		return payload, true
	}
	cur := payload
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
