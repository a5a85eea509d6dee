// Package duckstore is a DuckDB-backed docstore.Database. Each collection
// maps to one table with a sequence-assigned BIGINT key and a JSON column
// holding the document. Filters are translated to WHERE clauses over
// DuckDB's json functions where the dialect allows; the $text operator has
// no SQL form here and is evaluated as a residual predicate on the fetched
// rows instead.
//
// An empty path opens an in-memory database, which makes the store usable
// as a fast analytical scratch catalog as well as a durable file-backed one.
package duckstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/lumen-lab/beamline-go/docstore"
)

// Database is a DuckDB-backed docstore.Database. It is safe for concurrent
// use.
type Database struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]struct{} // collections with table and sequence created, GUARDED_BY(mu)
}

var _ docstore.Database = (*Database)(nil)

// Open creates or opens a DuckDB database at path. An empty path opens an
// in-memory database that lives until Close.
func Open(path string) (*Database, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Database{db: db, tables: make(map[string]struct{})}, nil
}

// Collection returns a handle for the named collection. The backing table
// and its id sequence are created on first use.
func (d *Database) Collection(name string) docstore.Collection {
	return &Collection{db: d, name: name, table: quoteIdent(name)}
}

// Close closes the underlying database handle.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ensureTable(ctx context.Context, name, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[name]; ok {
		return nil
	}
	seq := seqLiteral(name)
	ddl := []string{
		fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s START 1", seqIdent(name)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id  BIGINT PRIMARY KEY DEFAULT nextval(%s),
			doc JSON NOT NULL
		)`, table, seq),
	}
	for _, stmt := range ddl {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create collection %q: %w", name, err)
		}
	}
	d.tables[name] = struct{}{}
	return nil
}

// Collection is one named document set backed by a DuckDB table.
type Collection struct {
	db    *Database
	name  string
	table string // quoted identifier
}

var _ docstore.Collection = (*Collection)(nil)

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Insert stores the documents and returns their sequence-assigned ids in
// input order. Multi-document inserts are atomic.
func (c *Collection) Insert(ctx context.Context, docs ...docstore.Document) ([]int64, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return nil, err
	}
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf("INSERT INTO %s (doc) VALUES (?) RETURNING id", c.table)
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		payload, err := marshalDocument(doc)
		if err != nil {
			return nil, err
		}
		var id int64
		if err := tx.QueryRowContext(ctx, stmt, payload).Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to insert into %q: %w", c.name, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}
	return ids, nil
}

// Find returns documents matching filter in ascending id order. When the
// filter compiles fully to SQL the window is pushed down too; a residual
// predicate forces the window to apply after in-memory matching.
func (c *Collection) Find(ctx context.Context, filter docstore.Filter, opts docstore.FindOptions) ([]docstore.Document, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return nil, err
	}
	where, args, residual, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}

	var q strings.Builder
	fmt.Fprintf(&q, "SELECT id, doc FROM %s", c.table)
	if where != "" {
		q.WriteString(" WHERE ")
		q.WriteString(where)
	}
	q.WriteString(" ORDER BY id")
	if residual == nil {
		if opts.Limit > 0 {
			fmt.Fprintf(&q, " LIMIT %d", opts.Limit)
		}
		if opts.Skip > 0 {
			fmt.Fprintf(&q, " OFFSET %d", opts.Skip)
		}
	}

	docs, err := c.scan(ctx, q.String(), args)
	if err != nil {
		return nil, err
	}
	if residual == nil {
		return docs, nil
	}

	var out []docstore.Document
	skip := opts.Skip
	for _, doc := range docs {
		if !docstore.Match(doc, residual) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, doc)
		if opts.Limit > 0 && int64(len(out)) == opts.Limit {
			break
		}
	}
	return out, nil
}

// CountDocuments returns the exact number of matching documents.
func (c *Collection) CountDocuments(ctx context.Context, filter docstore.Filter) (int64, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return 0, err
	}
	where, args, residual, err := translateFilter(filter)
	if err != nil {
		return 0, err
	}
	if residual != nil {
		docs, err := c.Find(ctx, filter, docstore.FindOptions{})
		if err != nil {
			return 0, err
		}
		return int64(len(docs)), nil
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table)
	if where != "" {
		q += " WHERE " + where
	}
	var n int64
	if err := c.db.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %q: %w", c.name, err)
	}
	return n, nil
}

// EstimatedDocumentCount returns the table row count.
func (c *Collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	return c.CountDocuments(ctx, nil)
}

// Distinct returns the unique string values of field over matching
// documents, in first-appearance order.
func (c *Collection) Distinct(ctx context.Context, field string, filter docstore.Filter) ([]string, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return nil, err
	}
	where, args, residual, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}
	if residual != nil {
		docs, err := c.Find(ctx, filter, docstore.FindOptions{})
		if err != nil {
			return nil, err
		}
		return distinctStrings(docs, field), nil
	}

	path := jsonPath(field)
	var q strings.Builder
	fmt.Fprintf(&q, "SELECT json_extract_string(doc, ?) AS v FROM %s WHERE json_type(doc, ?) = 'VARCHAR'", c.table)
	qargs := []any{path, path}
	if where != "" {
		q.WriteString(" AND (")
		q.WriteString(where)
		q.WriteString(")")
		qargs = append(qargs, args...)
	}
	q.WriteString(" GROUP BY v ORDER BY MIN(id)")

	rows, err := c.db.db.QueryContext(ctx, q.String(), qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct %q: %w", field, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan distinct value: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read distinct rows: %w", err)
	}
	return out, nil
}

// Aggregate pushes match stages into a WHERE clause and computes group max
// accumulators with SQL aggregates. Match stages after the group apply to
// the group result in memory; at most one group stage is supported.
func (c *Collection) Aggregate(ctx context.Context, pipeline []docstore.Stage) ([]docstore.Document, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return nil, err
	}

	var clauses []docstore.Filter
	var group *docstore.GroupStage
	var post []docstore.Filter
	for _, stage := range pipeline {
		switch {
		case stage.Match != nil && group == nil:
			clauses = append(clauses, stage.Match)
		case stage.Match != nil:
			post = append(post, stage.Match)
		case stage.Group != nil:
			if group != nil {
				return nil, errors.New("aggregate supports a single group stage")
			}
			group = stage.Group
		}
	}
	pre := docstore.Filter{}
	if len(clauses) > 0 {
		pre = docstore.Filter{"$and": clauses}
	}

	var results []docstore.Document
	if group == nil {
		docs, err := c.Find(ctx, pre, docstore.FindOptions{})
		if err != nil {
			return nil, err
		}
		results = docs
	} else {
		doc, err := c.groupMax(ctx, pre, group)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			results = []docstore.Document{doc}
		}
	}

	for _, filter := range post {
		var kept []docstore.Document
		for _, doc := range results {
			if docstore.Match(doc, filter) {
				kept = append(kept, doc)
			}
		}
		results = kept
	}
	return results, nil
}

// groupMax evaluates one constant-key group stage over documents matching
// filter. A nil document means the working set was empty.
func (c *Collection) groupMax(ctx context.Context, filter docstore.Filter, group *docstore.GroupStage) (docstore.Document, error) {
	where, args, residual, err := translateFilter(filter)
	if err != nil {
		return nil, err
	}
	if residual != nil {
		docs, err := c.Find(ctx, filter, docstore.FindOptions{})
		if err != nil {
			return nil, err
		}
		return maxOverDocuments(docs, group), nil
	}

	fields := make([]string, 0, len(group.Max))
	for out := range group.Max {
		fields = append(fields, out)
	}

	var q strings.Builder
	q.WriteString("SELECT COUNT(*)")
	qargs := make([]any, 0, 2*len(fields)+len(args))
	for _, out := range fields {
		path := jsonPath(group.Max[out])
		q.WriteString(", MAX(CASE WHEN json_type(doc, ?) IN ('BIGINT', 'UBIGINT', 'DOUBLE') THEN TRY_CAST(json_extract_string(doc, ?) AS DOUBLE) END)")
		qargs = append(qargs, path, path)
	}
	fmt.Fprintf(&q, " FROM %s", c.table)
	if where != "" {
		q.WriteString(" WHERE ")
		q.WriteString(where)
		qargs = append(qargs, args...)
	}

	var count int64
	maxes := make([]sql.NullFloat64, len(fields))
	dest := make([]any, 0, len(fields)+1)
	dest = append(dest, &count)
	for i := range maxes {
		dest = append(dest, &maxes[i])
	}
	if err := c.db.db.QueryRowContext(ctx, q.String(), qargs...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to aggregate %q: %w", c.name, err)
	}
	if count == 0 {
		return nil, nil
	}

	result := docstore.Document{docstore.IDField: group.Key}
	for i, out := range fields {
		if maxes[i].Valid {
			result[out] = maxes[i].Float64
		}
	}
	return result, nil
}

// scan runs a two-column id, doc query and decodes the rows.
func (c *Collection) scan(ctx context.Context, query string, args []any) ([]docstore.Document, error) {
	rows, err := c.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", c.name, err)
	}
	defer rows.Close()

	var out []docstore.Document
	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var doc docstore.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %d: %w", id, err)
		}
		doc[docstore.IDField] = id
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

// distinctStrings extracts the unique string values of a dotted field path
// in first-appearance order.
func distinctStrings(docs []docstore.Document, field string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, doc := range docs {
		val, ok := fieldValue(doc, field)
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// maxOverDocuments evaluates a group stage over already-fetched documents.
func maxOverDocuments(docs []docstore.Document, group *docstore.GroupStage) docstore.Document {
	if len(docs) == 0 {
		return nil
	}
	result := docstore.Document{docstore.IDField: group.Key}
	for out, src := range group.Max {
		var (
			best  float64
			found bool
		)
		for _, doc := range docs {
			val, ok := fieldValue(doc, src)
			if !ok {
				continue
			}
			f, ok := docstore.AsFloat64(val)
			if !ok {
				continue
			}
			if !found || f > best {
				best = f
				found = true
			}
		}
		if found {
			result[out] = best
		}
	}
	return result
}

// fieldValue resolves a dotted path inside a document.
func fieldValue(doc docstore.Document, path string) (any, bool) {
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

// marshalDocument serializes doc without its store identifier. The payload
// is returned as a string so it binds as VARCHAR and casts to JSON on
// insert.
func marshalDocument(doc docstore.Document) (string, error) {
	if _, ok := doc[docstore.IDField]; ok {
		doc = docstore.CloneDocument(doc)
		delete(doc, docstore.IDField)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(payload), nil
}

// quoteIdent quotes a SQL identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// seqIdent is the quoted identifier of a collection's id sequence.
func seqIdent(name string) string {
	return quoteIdent("seq_" + name)
}

// seqLiteral is the sequence reference passed to nextval, a string literal
// holding the quoted identifier.
func seqLiteral(name string) string {
	return "'" + strings.ReplaceAll(seqIdent(name), "'", "''") + "'"
}
