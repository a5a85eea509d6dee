package docstore

import "testing"

func TestMatch(t *testing.T) {
	doc := Document{
		"uid":      "abc123",
		"plan":     "count",
		"duration": 42.5,
		"seq_num":  7,
		"sample": map[string]any{
			"name": "quartz powder",
			"x":    1.5,
			"y":    -2.0,
		},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"equality", Filter{"uid": "abc123"}, true},
		{"equality miss", Filter{"uid": "zzz"}, false},
		{"numeric equality across types", Filter{"seq_num": 7.0}, true},
		{"missing field", Filter{"operator": "alice"}, false},
		{"dotted path", Filter{"sample.name": "quartz powder"}, true},
		{"dotted path miss", Filter{"sample.z": 0}, false},
		{"gt", Filter{"duration": Filter{"$gt": 40}}, true},
		{"gt boundary", Filter{"duration": Filter{"$gt": 42.5}}, false},
		{"gte boundary", Filter{"duration": Filter{"$gte": 42.5}}, true},
		{"lt", Filter{"seq_num": Filter{"$lt": 10}}, true},
		{"lte miss", Filter{"seq_num": Filter{"$lte": 6}}, false},
		{"in", Filter{"uid": Filter{"$in": []any{"abc123", "def456"}}}, true},
		{"in string slice", Filter{"uid": Filter{"$in": []string{"def456", "abc123"}}}, true},
		{"in miss", Filter{"uid": Filter{"$in": []any{"def456"}}}, false},
		{"and", Filter{"$and": []Filter{{"plan": "count"}, {"seq_num": Filter{"$gt": 1}}}}, true},
		{"and one clause fails", Filter{"$and": []Filter{{"plan": "count"}, {"seq_num": Filter{"$gt": 100}}}}, false},
		{"text hit nested", Filter{"$text": map[string]any{"$search": "QUARTZ"}}, true},
		{"text miss", Filter{"$text": map[string]any{"$search": "sapphire"}}, false},
		{"range on nested numeric", Filter{"sample.x": Filter{"$gte": 1.0, "$lte": 2.0}}, true},
		{"unknown operator rejected", Filter{"uid": Filter{"$regex": ".*"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(doc, tt.filter); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestMatchSubdocumentEquality(t *testing.T) {
	doc := Document{"config": map[string]any{"mode": "fly"}}
	if !Match(doc, Filter{"config": map[string]any{"mode": "fly"}}) {
		t.Error("literal subdocument equality should match")
	}
	if Match(doc, Filter{"config": map[string]any{"mode": "step"}}) {
		t.Error("literal subdocument equality should miss on different value")
	}
}

func TestAsInt64(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
		ok   bool
	}{
		{"int", 7, 7, true},
		{"int64", int64(9), 9, true},
		{"float64", 42.0, 42, true},
		{"string", "7", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AsInt64(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("AsInt64(%v) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}
