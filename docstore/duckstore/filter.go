package duckstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lumen-lab/beamline-go/docstore"
)

// translateFilter compiles a docstore.Filter into a WHERE clause. Conditions
// on the reserved identifier field compile against the id column; everything
// else goes through the json functions with a json_type guard, so values
// only compare within their own JSON type. $text clauses cannot be pushed
// down and come back as a residual filter for the caller to evaluate on the
// fetched rows. An empty filter yields an empty clause.
func translateFilter(filter docstore.Filter) (string, []any, docstore.Filter, error) {
	b := &condBuilder{}
	if err := b.filter(filter); err != nil {
		return "", nil, nil, err
	}
	var residual docstore.Filter
	switch len(b.residual) {
	case 0:
	case 1:
		residual = b.residual[0]
	default:
		residual = docstore.Filter{"$and": b.residual}
	}
	return strings.Join(b.conds, " AND "), b.args, residual, nil
}

type condBuilder struct {
	conds    []string
	args     []any
	residual []docstore.Filter
}

func (b *condBuilder) add(cond string, args ...any) {
	b.conds = append(b.conds, cond)
	b.args = append(b.args, args...)
}

func (b *condBuilder) filter(f docstore.Filter) error {
	for key, cond := range f {
		switch key {
		case "$and":
			clauses, err := andClauses(cond)
			if err != nil {
				return err
			}
			for _, clause := range clauses {
				if err := b.filter(clause); err != nil {
					return err
				}
			}
		case "$text":
			spec, ok := cond.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: $text requires a $search document", docstore.ErrUnsupportedFilter)
			}
			if _, ok := spec["$search"].(string); !ok {
				return fmt.Errorf("%w: $text requires a $search string", docstore.ErrUnsupportedFilter)
			}
			b.residual = append(b.residual, docstore.Filter{"$text": spec})
		default:
			if err := b.field(key, cond); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *condBuilder) field(path string, cond any) error {
	if path == docstore.IDField {
		return b.idField(cond)
	}
	ops, isOps := operatorDoc(cond)
	if !isOps {
		sql, args, err := equalityCond(path, cond)
		if err != nil {
			return err
		}
		b.add(sql, args...)
		return nil
	}
	for op, arg := range ops {
		switch op {
		case "$gt", "$gte", "$lt", "$lte":
			sql, args, err := orderedCond(path, comparisonOps[op], arg)
			if err != nil {
				return err
			}
			b.add(sql, args...)
		case "$in":
			sql, args, err := membershipCond(path, arg)
			if err != nil {
				return err
			}
			b.add(sql, args...)
		default:
			return fmt.Errorf("%w: operator %q", docstore.ErrUnsupportedFilter, op)
		}
	}
	return nil
}

// idField compiles conditions against the id column directly; the stored
// payload never carries the identifier.
func (b *condBuilder) idField(cond any) error {
	ops, isOps := operatorDoc(cond)
	if !isOps {
		if !isNumber(cond) {
			return fmt.Errorf("%w: %s compares to numbers only", docstore.ErrUnsupportedFilter, docstore.IDField)
		}
		b.add("id = ?", cond)
		return nil
	}
	for op, arg := range ops {
		switch op {
		case "$gt", "$gte", "$lt", "$lte":
			if !isNumber(arg) {
				return fmt.Errorf("%w: %s compares to numbers only", docstore.ErrUnsupportedFilter, docstore.IDField)
			}
			b.add(fmt.Sprintf("id %s ?", comparisonOps[op]), arg)
		case "$in":
			elems, err := listElements(arg)
			if err != nil {
				return err
			}
			if len(elems) == 0 {
				b.add("1 = 0")
				continue
			}
			placeholders := make([]string, len(elems))
			args := make([]any, len(elems))
			for i, e := range elems {
				if !isNumber(e) {
					return fmt.Errorf("%w: %s compares to numbers only", docstore.ErrUnsupportedFilter, docstore.IDField)
				}
				placeholders[i] = "?"
				args[i] = e
			}
			b.add("id IN ("+strings.Join(placeholders, ", ")+")", args...)
		default:
			return fmt.Errorf("%w: operator %q", docstore.ErrUnsupportedFilter, op)
		}
	}
	return nil
}

var comparisonOps = map[string]string{
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

// equalityCond builds a type-guarded equality condition for one field.
func equalityCond(path string, v any) (string, []any, error) {
	p := jsonPath(path)
	switch t := v.(type) {
	case nil:
		return "json_type(doc, ?) = 'NULL'", []any{p}, nil
	case string:
		return "(json_type(doc, ?) = 'VARCHAR' AND json_extract_string(doc, ?) = ?)", []any{p, p, t}, nil
	case bool:
		return "(json_type(doc, ?) = 'BOOLEAN' AND json_extract_string(doc, ?) = ?)", []any{p, p, strconv.FormatBool(t)}, nil
	case map[string]any, []any:
		payload, err := json.Marshal(t)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode filter value: %w", err)
		}
		return "(json_type(doc, ?) IN ('OBJECT', 'ARRAY') AND CAST(json_extract(doc, ?) AS VARCHAR) = ?)", []any{p, p, string(payload)}, nil
	default:
		if !isNumber(v) {
			return "", nil, fmt.Errorf("%w: cannot compare %T", docstore.ErrUnsupportedFilter, v)
		}
		return "(json_type(doc, ?) IN ('BIGINT', 'UBIGINT', 'DOUBLE') AND TRY_CAST(json_extract_string(doc, ?) AS DOUBLE) = ?)", []any{p, p, v}, nil
	}
}

// orderedCond builds a type-guarded ordered comparison. Numbers order
// numerically, strings lexically; nothing else is ordered.
func orderedCond(path, sqlOp string, arg any) (string, []any, error) {
	p := jsonPath(path)
	if s, ok := arg.(string); ok {
		cond := fmt.Sprintf("(json_type(doc, ?) = 'VARCHAR' AND json_extract_string(doc, ?) %s ?)", sqlOp)
		return cond, []any{p, p, s}, nil
	}
	if !isNumber(arg) {
		return "", nil, fmt.Errorf("%w: cannot order %T", docstore.ErrUnsupportedFilter, arg)
	}
	cond := fmt.Sprintf("(json_type(doc, ?) IN ('BIGINT', 'UBIGINT', 'DOUBLE') AND TRY_CAST(json_extract_string(doc, ?) AS DOUBLE) %s ?)", sqlOp)
	return cond, []any{p, p, arg}, nil
}

// membershipCond builds $in as a disjunction of equality conditions, so each
// element keeps its own type guard.
func membershipCond(path string, arg any) (string, []any, error) {
	elems, err := listElements(arg)
	if err != nil {
		return "", nil, err
	}
	if len(elems) == 0 {
		return "1 = 0", nil, nil
	}
	parts := make([]string, 0, len(elems))
	var args []any
	for _, e := range elems {
		sql, eargs, err := equalityCond(path, e)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, eargs...)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, nil
}

// andClauses normalizes the $and payload, which arrives as []Filter from Go
// callers and as []any after a JSON round-trip.
func andClauses(cond any) ([]docstore.Filter, error) {
	switch t := cond.(type) {
	case []docstore.Filter:
		return t, nil
	case []any:
		clauses := make([]docstore.Filter, 0, len(t))
		for _, e := range t {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: $and elements must be filters", docstore.ErrUnsupportedFilter)
			}
			clauses = append(clauses, m)
		}
		return clauses, nil
	default:
		return nil, fmt.Errorf("%w: $and requires a filter list", docstore.ErrUnsupportedFilter)
	}
}

// listElements normalizes a $in payload.
func listElements(arg any) ([]any, error) {
	switch t := arg.(type) {
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: $in requires a list", docstore.ErrUnsupportedFilter)
	}
}

// operatorDoc reports whether cond is an operator document, a non-empty map
// whose keys all start with "$". A plain map is subdocument equality.
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

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint64, float32, float64:
		return true
	default:
		return false
	}
}

// jsonPath renders a dotted field path as a JSON path with every segment
// quoted.
func jsonPath(field string) string {
	var sb strings.Builder
	sb.WriteString("$")
	for _, seg := range strings.Split(field, ".") {
		fmt.Fprintf(&sb, `."%s"`, seg)
	}
	return sb.String()
}
