package sheet

import (
	"reflect"
	"testing"
	"time"

	"github.com/spotsepsis/intake/internal/parser"
	"github.com/spotsepsis/intake/internal/schema"
)

func TestSnapshotRoundTripPreservesCompleteness(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	e.Merge(s, []parser.Candidate{
		valid("age.months", 24), valid("sex", 0), valid("hr.all", 154),
		valid("rr.all", 36), valid("oxy.ra", 95), valid("temp.c", 38.5),
	}, SourceParsed, 1)

	before1 := e.Evaluate(s, schema.StageS1)
	before2 := e.Evaluate(s, schema.StageS2)

	blob, err := s.Snapshot(1, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)).Encode()
	if err != nil {
		t.Fatal(err)
	}
	snap, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatal(err)
	}
	restored := e.Restore(snap)

	after1 := e.Evaluate(restored, schema.StageS1)
	after2 := e.Evaluate(restored, schema.StageS2)
	if !reflect.DeepEqual(before1, after1) || !reflect.DeepEqual(before2, after2) {
		t.Fatalf("completeness changed across round trip:\nS1 %+v vs %+v\nS2 %+v vs %+v", before1, after1, before2, after2)
	}
	if !reflect.DeepEqual(s.Current(), restored.Current()) {
		t.Fatalf("projection changed across round trip")
	}
	if len(restored.Log()) != len(s.Log()) {
		t.Fatalf("log truncated across round trip")
	}
}

func TestRestoreDropsUndeclaredFieldsFromProjection(t *testing.T) {
	e := newTestEngine(t)
	snap := Snapshot{
		Version:   1,
		SessionID: "sess-1",
		Log: []Entry{
			{Field: "hr.all", Value: schema.Num(120), Source: SourceParsed, Turn: 1},
			{Field: "retired.field", Value: schema.Num(7), Source: SourceParsed, Turn: 1},
			{Field: "oxy.ra", Value: schema.Num(30), Source: SourceParsed, Turn: 2}, // below valid range
		},
	}
	s := e.Restore(snap)
	if _, ok := s.CurrentEntry("retired.field"); ok {
		t.Fatalf("undeclared field must not be materialized")
	}
	if _, ok := s.CurrentEntry("oxy.ra"); ok {
		t.Fatalf("invalid stored value must not be materialized")
	}
	if _, ok := s.CurrentEntry("hr.all"); !ok {
		t.Fatalf("valid entry lost on restore")
	}
	if len(s.Log()) != 3 {
		t.Fatalf("restore must keep the full log, got %d", len(s.Log()))
	}
}

func TestDecodeSnapshotRejectsNewerVersion(t *testing.T) {
	if _, err := DecodeSnapshot([]byte(`{"sheet_version": 99, "log": []}`)); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestImportCandidatesTakeLatestPerField(t *testing.T) {
	snap := Snapshot{
		Log: []Entry{
			{Field: "hr.all", Value: schema.Num(110), Turn: 1},
			{Field: "rr.all", Value: schema.Num(36), Turn: 1},
			{Field: "hr.all", Value: schema.Num(124), Turn: 2},
		},
	}
	cs := ImportCandidates(snap)
	if len(cs) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", cs)
	}
	if cs[0].Field != "hr.all" || cs[0].Value.Num != 124 {
		t.Fatalf("expected latest hr.all value, got %+v", cs[0])
	}
	if cs[1].Field != "rr.all" || cs[1].Value.Num != 36 {
		t.Fatalf("unexpected second candidate %+v", cs[1])
	}
	for _, c := range cs {
		if c.Status != parser.StatusValid {
			t.Fatalf("import candidates must enter the normal merge path as valid: %+v", c)
		}
	}
}
