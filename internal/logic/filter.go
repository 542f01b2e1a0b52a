package logic

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
)

// Sorted returns a copy of filters in ascending Idx order. Filters sharing an
// Idx keep their configured order.
func Sorted(filters []FilterSpec) []FilterSpec {
	out := slices.Clone(filters)
	slices.SortStableFunc(out, func(a, b FilterSpec) int {
		return cmp.Compare(a.Idx, b.Idx)
	})
	return out
}

// Resolve walks a dot-separated path through nested maps and slices.
// It returns false if any segment is missing or the walk hits a scalar.
func Resolve(record map[string]any, path string) (any, bool) {
	var cur any = record
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if part == "length" {
				cur = len(node)
				continue
			}
			i, err := strconv.Atoi(part)
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

func resolveValue(record map[string]any, path string) value {
	v, ok := Resolve(record, path)
	if !ok {
		return undefined
	}
	return fromGo(v)
}

// Evaluate applies every filter to record in Idx order and reports each
// outcome. Filter values are the left operand, session values the right.
func Evaluate(record map[string]any, filters []FilterSpec) []Result {
	ordered := Sorted(filters)
	results := make([]Result, 0, len(ordered))
	for _, f := range ordered {
		session := coerce(resolveValue(record, f.Key), f.ValueType)
		literal := coerce(fromGo(f.Value), f.ValueType)
		results = append(results, Result{
			Filter:  f,
			Session: session.export(),
			Literal: literal.export(),
			Matched: compare(f.Operator, literal, session),
		})
	}
	return results
}

// Matches reports whether every filter holds for record. An empty filter
// list matches everything.
func Matches(record map[string]any, filters []FilterSpec) bool {
	result := true
	for _, r := range Evaluate(record, filters) {
		result = result && r.Matched
	}
	return result
}
