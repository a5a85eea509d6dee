package docstore

import (
	"reflect"
	"strings"
)

// Match reports whether doc satisfies filter. It implements the operator
// subset documented on Filter and is the evaluation engine of the in-memory
// store; the SQL-backed stores translate the same subset to SQL instead.
func Match(doc Document, filter Filter) bool {
	for key, cond := range filter {
		switch key {
		case "$and":
			clauses, ok := cond.([]Filter)
			if !ok {
				generic, gok := cond.([]any)
				if !gok {
					return false
				}
				clauses = make([]Filter, 0, len(generic))
				for _, g := range generic {
					m, mok := g.(map[string]any)
					if !mok {
						return false
					}
					clauses = append(clauses, m)
				}
			}
			for _, clause := range clauses {
				if !Match(doc, clause) {
					return false
				}
			}
		case "$text":
			spec, ok := cond.(map[string]any)
			if !ok {
				return false
			}
			needle, ok := spec["$search"].(string)
			if !ok || !containsText(doc, strings.ToLower(needle)) {
				return false
			}
		default:
			if !matchField(doc, key, cond) {
				return false
			}
		}
	}
	return true
}

func matchField(doc Document, path string, cond any) bool {
	val, present := lookupPath(doc, path)
	ops, isOps := operatorDoc(cond)
	if !isOps {
		return present && equalValues(val, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$gt", "$gte", "$lt", "$lte":
			if !present {
				return false
			}
			c, ok := compareValues(val, arg)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if c <= 0 {
					return false
				}
			case "$gte":
				if c < 0 {
					return false
				}
			case "$lt":
				if c >= 0 {
					return false
				}
			case "$lte":
				if c > 0 {
					return false
				}
			}
		case "$in":
			if !present {
				return false
			}
			if !memberOf(val, arg) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// operatorDoc reports whether cond is an operator document (a map whose keys
// start with "$"). A plain map is literal subdocument equality instead.
func operatorDoc(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func lookupPath(doc Document, path string) (any, bool) {
	var cur any = map[string]any(doc)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func memberOf(val, arg any) bool {
	switch set := arg.(type) {
	case []any:
		for _, e := range set {
			if equalValues(val, e) {
				return true
			}
		}
	case []string:
		s, ok := val.(string)
		if !ok {
			return false
		}
		for _, e := range set {
			if s == e {
				return true
			}
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		return bok && as == bs
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two scalars. Numbers compare after float64 coercion,
// strings lexically; anything else is unordered.
func compareValues(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// AsFloat64 coerces any numeric document value to float64. Stores differ in
// whether they hand back int, int64 or float64 for the same inserted value;
// callers reading numeric fields should go through this.
func AsFloat64(v any) (float64, bool) {
	return asFloat(v)
}

// AsInt64 coerces any numeric document value to int64, truncating toward
// zero.
func AsInt64(v any) (int64, bool) {
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// containsText walks every string value of doc, at any depth, looking for a
// case-insensitive substring match. It is the in-memory approximation of a
// store text index.
func containsText(v any, needle string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(t), needle)
	case map[string]any:
		for k, e := range t {
			if k == IDField {
				continue
			}
			if containsText(e, needle) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if containsText(e, needle) {
				return true
			}
		}
	}
	return false
}
