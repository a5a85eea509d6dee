package docstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func seedN(t *testing.T, n int) Collection {
	t.Helper()
	coll := NewMemoryDatabase().Collection("run_start")
	for i := 0; i < n; i++ {
		doc := Document{"uid": fmt.Sprintf("run-%03d", i)}
		if _, err := coll.Insert(context.Background(), doc); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return coll
}

func TestCursorBatchSizeSweep(t *testing.T) {
	const n = 17
	coll := seedN(t, n)
	ctx := context.Background()

	for batch := int64(1); batch <= n; batch++ {
		t.Run(fmt.Sprintf("batch=%d", batch), func(t *testing.T) {
			docs, err := Drain(ctx, NewCursor(coll, Filter{}, CursorOptions{BatchSize: batch}))
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			if len(docs) != n {
				t.Fatalf("got %d documents, want %d", len(docs), n)
			}
			seen := make(map[string]bool, n)
			for i, doc := range docs {
				uid := doc["uid"].(string)
				if seen[uid] {
					t.Fatalf("duplicate yield %q", uid)
				}
				seen[uid] = true
				if want := fmt.Sprintf("run-%03d", i); uid != want {
					t.Fatalf("position %d yielded %q, want %q", i, uid, want)
				}
			}
		})
	}
}

func TestCursorStripsIdentifier(t *testing.T) {
	coll := seedN(t, 3)
	docs, err := Drain(context.Background(), NewCursor(coll, Filter{}, CursorOptions{}))
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	for _, doc := range docs {
		if _, ok := doc[IDField]; ok {
			t.Fatalf("document still carries %s: %v", IDField, doc)
		}
	}
}

func TestCursorLengthMatchesDrain(t *testing.T) {
	coll := seedN(t, 23)
	ctx := context.Background()
	filter := Filter{"uid": Filter{"$gt": "run-004"}}

	count, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}
	docs, err := Drain(ctx, NewCursor(coll, filter, CursorOptions{BatchSize: 4}))
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if int64(len(docs)) != count {
		t.Errorf("drained %d documents, count says %d", len(docs), count)
	}
}

func TestCursorSkipLimit(t *testing.T) {
	coll := seedN(t, 10)
	ctx := context.Background()

	tests := []struct {
		name      string
		opts      CursorOptions
		wantFirst string
		wantCount int
	}{
		{"skip only", CursorOptions{Skip: 3}, "run-003", 7},
		{"limit only", CursorOptions{Limit: 4}, "run-000", 4},
		{"skip and limit", CursorOptions{Skip: 2, Limit: 5}, "run-002", 5},
		{"limit below batch", CursorOptions{BatchSize: 100, Limit: 1}, "run-000", 1},
		{"limit spanning batches", CursorOptions{BatchSize: 2, Limit: 5}, "run-000", 5},
		{"skip past end", CursorOptions{Skip: 50}, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := Drain(ctx, NewCursor(coll, Filter{}, tt.opts))
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			if len(docs) != tt.wantCount {
				t.Fatalf("got %d documents, want %d", len(docs), tt.wantCount)
			}
			if tt.wantCount > 0 && docs[0]["uid"] != tt.wantFirst {
				t.Errorf("first document %v, want uid %q", docs[0], tt.wantFirst)
			}
		})
	}
}

func TestCursorInsertDuringIteration(t *testing.T) {
	coll := seedN(t, 3)
	ctx := context.Background()

	cur := NewCursor(coll, Filter{}, CursorOptions{BatchSize: 2})
	defer cur.Stop()

	first, err := cur.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first["uid"] != "run-000" {
		t.Fatalf("first yield %v", first)
	}

	// New document lands ahead of the cursor position mid-iteration.
	if _, err := coll.Insert(ctx, Document{"uid": "run-new"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	seen := map[string]int{first["uid"].(string): 1}
	for {
		doc, err := cur.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		seen[doc["uid"].(string)]++
	}

	for uid, times := range seen {
		if times != 1 {
			t.Errorf("%q yielded %d times", uid, times)
		}
	}
	for _, uid := range []string{"run-000", "run-001", "run-002"} {
		if seen[uid] != 1 {
			t.Errorf("pre-existing %q not yielded exactly once: %d", uid, seen[uid])
		}
	}
}

func TestCursorStopEarly(t *testing.T) {
	coll := seedN(t, 10)
	ctx := context.Background()

	cur := NewCursor(coll, Filter{}, CursorOptions{BatchSize: 3})
	if _, err := cur.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	cur.Stop()
	if _, err := cur.Next(ctx); !errors.Is(err, ErrIteratorDone) {
		t.Errorf("Next after Stop = %v, want ErrIteratorDone", err)
	}
}

func TestCursorDoesNotMutateFilter(t *testing.T) {
	coll := seedN(t, 7)
	filter := Filter{"uid": Filter{"$gt": "run-001"}}

	if _, err := Drain(context.Background(), NewCursor(coll, filter, CursorOptions{BatchSize: 2})); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(filter) != 1 {
		t.Errorf("cursor mutated the caller's filter: %v", filter)
	}
	if _, ok := filter[IDField]; ok {
		t.Errorf("cursor leaked id condition into caller's filter: %v", filter)
	}
}

func TestMapIterator(t *testing.T) {
	coll := seedN(t, 4)
	uids := Map(NewCursor(coll, Filter{}, CursorOptions{}), func(doc Document) (string, error) {
		return doc["uid"].(string), nil
	})
	out, err := Drain(context.Background(), uids)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(out) != 4 || out[0] != "run-000" || out[3] != "run-003" {
		t.Errorf("mapped iteration wrong: %v", out)
	}
}
