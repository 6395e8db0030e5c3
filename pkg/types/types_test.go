package types

import "testing"

func TestChangeTypeMerge(t *testing.T) {
	tests := []struct {
		first, later ChangeType
		want         ChangeType
		keep         bool
	}{
		{ChangeInsert, ChangeUpdate, ChangeInsert, true},
		{ChangeInsert, ChangeDelete, "", false},
		{ChangeUpdate, ChangeUpdate, ChangeUpdate, true},
		{ChangeUpdate, ChangeDelete, ChangeDelete, true},
		{ChangeDelete, ChangeInsert, ChangeUpdate, true},
	}
	for _, tt := range tests {
		got, keep := tt.first.Merge(tt.later)
		if got != tt.want || keep != tt.keep {
			t.Errorf("%s+%s = (%s,%v), want (%s,%v)", tt.first, tt.later, got, keep, tt.want, tt.keep)
		}
	}
}

func TestParseChangeType(t *testing.T) {
	if ct, err := ParseChangeType(" Update "); err != nil || ct != ChangeUpdate {
		t.Errorf("ParseChangeType(Update) = %v, %v", ct, err)
	}
	if _, err := ParseChangeType("upsert"); err == nil {
		t.Error("expected error for unknown change type")
	}
}

func TestRecordAccessors(t *testing.T) {
	r := Record{"id": int64(7), "name": []byte("pipe"), "flag": "true", "n": "42"}
	if r.Int("id") != 7 || r.Int("n") != 42 {
		t.Errorf("Int mismatch: %d %d", r.Int("id"), r.Int("n"))
	}
	if r.String("name") != "pipe" || r.String("missing") != "" {
		t.Error("String mismatch")
	}
	if !r.Bool("flag") || r.Bool("missing") {
		t.Error("Bool mismatch")
	}
	c := r.Clone()
	c["id"] = int64(8)
	if r.Int("id") != 7 {
		t.Error("Clone should not alias")
	}
}

func TestBounds(t *testing.T) {
	a := Bounds{0, 0, 10, 10}
	b := Bounds{5, 5, 15, 15}
	c := Bounds{11, 11, 12, 12}
	if !a.Intersects(b) || a.Intersects(c) {
		t.Error("Intersects mismatch")
	}
	if !EmptyBounds().IsEmpty() || EmptyBounds().Intersects(a) {
		t.Error("empty bounds should intersect nothing")
	}
	u := EmptyBounds().Union(a).Union(c)
	if u != (Bounds{0, 0, 12, 12}) {
		t.Errorf("Union = %+v", u)
	}
	if !u.Contains(c) || a.Contains(c) {
		t.Error("Contains mismatch")
	}
}

func TestExcludedSettings(t *testing.T) {
	if !IsExcludedSetting("replication.replica_shard_lwm") {
		t.Error("lwm should be excluded")
	}
	if IsExcludedSetting("core.units") {
		t.Error("core.units should not be excluded")
	}
}
