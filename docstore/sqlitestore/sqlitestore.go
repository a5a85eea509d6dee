// Package sqlitestore is a SQLite-backed docstore.Database. Each collection
// maps to one table with an AUTOINCREMENT integer key and a TEXT column
// holding the document as JSON; filters are translated to WHERE clauses over
// SQLite's json_* functions, so matching, ordering and pagination all run
// inside the database.
//
// The store uses the pure-Go modernc.org/sqlite driver and opens the file in
// WAL mode, which allows concurrent readers while a writer is active.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lumen-lab/beamline-go/docstore"
)

// Database is a SQLite-backed docstore.Database. It is safe for concurrent
// use; SQLite write serialization is handled by the busy timeout configured
// at open time.
type Database struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]struct{} // collections with a created table, GUARDED_BY(mu)
}

var _ docstore.Database = (*Database)(nil)

// Open creates or opens a SQLite database file at path. The file is opened
// in WAL mode with a busy timeout, so short write contention blocks instead
// of failing.
func Open(path string) (*Database, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Database{db: db, tables: make(map[string]struct{})}, nil
}

// Collection returns a handle for the named collection. The backing table is
// created on first use, so a name never seen before reads as empty.
func (d *Database) Collection(name string) docstore.Collection {
	return &Collection{db: d, name: name, table: quoteIdent(name)}
}

// Close closes the underlying database handle.
func (d *Database) Close() error {
	return d.db.Close()
}

// ensureTable creates the collection table once per process. Creation is
// idempotent at the SQL level too, so racing processes on the same file are
// harmless.
func (d *Database) ensureTable(ctx context.Context, name, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[name]; ok {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id  INTEGER PRIMARY KEY AUTOINCREMENT,
		doc TEXT NOT NULL
	)`, table)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	d.tables[name] = struct{}{}
	return nil
}

// Collection is one named document set backed by a SQLite table.
type Collection struct {
	db    *Database
	name  string
	table string // quoted identifier
}

var _ docstore.Collection = (*Collection)(nil)

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Insert stores the documents and returns their assigned row ids in input
// order. Multi-document inserts are atomic.
func (c *Collection) Insert(ctx context.Context, docs ...docstore.Document) ([]int64, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return nil, err
	}
	tx, err := c.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf("INSERT INTO %s (doc) VALUES (?)", c.table)
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		payload, err := marshalDocument(doc)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, stmt, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to insert into %q: %w", c.name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}
	return ids, nil
}

// Find returns documents matching filter in ascending id order.
func (c *Collection) Find(ctx context.Context, filter docstore.Filter, opts docstore.FindOptions) ([]docstore.Document, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return nil, err
	}
	where, args, err := translateFilter(c.table, filter)
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
	if opts.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}
	if opts.Skip > 0 {
		if opts.Limit <= 0 {
			q.WriteString(" LIMIT -1")
		}
		q.WriteString(" OFFSET ?")
		args = append(args, opts.Skip)
	}

	rows, err := c.db.db.QueryContext(ctx, q.String(), args...)
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
		doc, err := unmarshalDocument(raw, id)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

// CountDocuments returns the exact number of matching documents.
func (c *Collection) CountDocuments(ctx context.Context, filter docstore.Filter) (int64, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return 0, err
	}
	where, args, err := translateFilter(c.table, filter)
	if err != nil {
		return 0, err
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

// EstimatedDocumentCount returns the table row count, which for SQLite is as
// cheap as any statistics lookup.
func (c *Collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	return c.CountDocuments(ctx, nil)
}

// Distinct returns the unique string values of field over matching
// documents, in first-appearance order.
func (c *Collection) Distinct(ctx context.Context, field string, filter docstore.Filter) ([]string, error) {
	if err := c.db.ensureTable(ctx, c.name, c.table); err != nil {
		return nil, err
	}
	where, args, err := translateFilter(c.table, filter)
	if err != nil {
		return nil, err
	}
	path := jsonPath(field)

	var q strings.Builder
	fmt.Fprintf(&q, "SELECT json_extract(doc, ?) AS v FROM %s WHERE json_type(doc, ?) = 'text'", c.table)
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
	where, args, err := translateFilter(c.table, filter)
	if err != nil {
		return nil, err
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
		q.WriteString(", MAX(CASE WHEN json_type(doc, ?) IN ('integer', 'real') THEN json_extract(doc, ?) END)")
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

// marshalDocument serializes doc without its store identifier. The payload
// is returned as a string so drivers bind it as TEXT, not BLOB; SQLite's
// json_* functions treat BLOB arguments as JSONB.
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

// unmarshalDocument decodes a stored payload and attaches the row id.
func unmarshalDocument(raw []byte, id int64) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %d: %w", id, err)
	}
	doc[docstore.IDField] = id
	return doc, nil
}

// quoteIdent quotes a SQL identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
