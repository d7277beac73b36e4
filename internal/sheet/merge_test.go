package sheet

import (
	"testing"
	"time"

	"github.com/spotsepsis/intake/internal/parser"
	"github.com/spotsepsis/intake/internal/schema"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	return NewEngine(schema.Sepsis(), func() time.Time { return now })
}

func valid(field string, num float64) parser.Candidate {
	return parser.Candidate{Field: field, Raw: "test", Value: schema.Num(num), Status: parser.StatusValid}
}

func invalid(field string, num float64, reason string) parser.Candidate {
	return parser.Candidate{Field: field, Raw: "test", Value: schema.Num(num), Status: parser.StatusInvalid, Reason: reason}
}

func ambiguous(field, reason string) parser.Candidate {
	return parser.Candidate{Field: field, Raw: "test", Status: parser.StatusAmbiguous, Reason: reason}
}

func TestMergeMostRecentWins(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")

	out := e.Merge(s, []parser.Candidate{valid("hr.all", 110)}, SourceParsed, 1)
	if len(out) != 1 || out[0].Kind != OutcomeMerged {
		t.Fatalf("first merge: %+v", out)
	}
	out = e.Merge(s, []parser.Candidate{valid("hr.all", 124)}, SourceParsed, 2)
	if out[0].Kind != OutcomeReplaced {
		t.Fatalf("second merge: %+v", out)
	}
	cur, ok := s.CurrentEntry("hr.all")
	if !ok || cur.Value.Num != 124 || cur.Turn != 2 {
		t.Fatalf("current entry: %+v", cur)
	}
	if s.Len() != 2 {
		t.Fatalf("log must keep full history, len=%d", s.Len())
	}
}

func TestMergeIdempotentAtFieldLevel(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	e.Merge(s, []parser.Candidate{valid("rr.all", 18)}, SourceParsed, 1)
	out := e.Merge(s, []parser.Candidate{valid("rr.all", 18)}, SourceParsed, 2)
	if out[0].Kind != OutcomeUnchanged {
		t.Fatalf("expected unchanged, got %+v", out[0])
	}
	cur, _ := s.CurrentEntry("rr.all")
	if cur.Value.Num != 18 {
		t.Fatalf("value changed: %+v", cur)
	}
}

func TestMergeInvalidNeverMutatesProjection(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	e.Merge(s, []parser.Candidate{valid("temp.c", 38.5)}, SourceParsed, 1)

	out := e.Merge(s, []parser.Candidate{invalid("temp.c", 200, "temp.c out of range 30-45 °C: 200")}, SourceParsed, 2)
	if out[0].Kind != OutcomeKeptPrior {
		t.Fatalf("expected kept_prior_value, got %+v", out[0])
	}
	cur, _ := s.CurrentEntry("temp.c")
	if cur.Value.Num != 38.5 {
		t.Fatalf("prior value lost: %+v", cur)
	}
	if s.Len() != 1 {
		t.Fatalf("rejected candidate must not reach the log, len=%d", s.Len())
	}
}

func TestMergeInvalidWithoutPriorIsRejected(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	out := e.Merge(s, []parser.Candidate{invalid("hr.all", 900, "out of range")}, SourceParsed, 1)
	if out[0].Kind != OutcomeRejected {
		t.Fatalf("expected rejected, got %+v", out[0])
	}
	if _, ok := s.CurrentEntry("hr.all"); ok {
		t.Fatalf("invalid candidate must not be materialized")
	}
}

func TestMergeAmbiguousPassesThroughUnmerged(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	out := e.Merge(s, []parser.Candidate{
		ambiguous("hr.all", "could also be Respiratory rate"),
		ambiguous("rr.all", "could also be Heart rate"),
	}, SourceParsed, 1)
	for _, o := range out {
		if o.Kind != OutcomeNeedsClarification {
			t.Fatalf("expected needs_clarification, got %+v", o)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("ambiguous candidates must not touch the sheet")
	}
}

func TestMergeLastCandidateInUtteranceOrderWins(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	out := e.Merge(s, []parser.Candidate{valid("hr.all", 110), valid("hr.all", 120)}, SourceParsed, 1)
	if out[0].Kind != OutcomeMerged || out[1].Kind != OutcomeReplaced {
		t.Fatalf("outcomes: %+v", out)
	}
	cur, _ := s.CurrentEntry("hr.all")
	if cur.Value.Num != 120 {
		t.Fatalf("expected later candidate to win, got %v", cur.Value.Num)
	}
}

func TestMergeUnknownFieldRejected(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	out := e.Merge(s, []parser.Candidate{valid("no.such.field", 1)}, SourceImported, 1)
	if out[0].Kind != OutcomeRejected {
		t.Fatalf("expected rejected, got %+v", out[0])
	}
}

func TestMergeRevalidatesManualEntries(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	// A manual entry claiming to be valid still fails domain validation.
	c := parser.Candidate{Field: "oxy.ra", Raw: "30", Value: schema.Num(30), Status: parser.StatusValid}
	out := e.Merge(s, []parser.Candidate{c}, SourceManual, 1)
	if out[0].Kind != OutcomeRejected {
		t.Fatalf("expected rejected, got %+v", out[0])
	}
}

func TestEvaluateCompleteness(t *testing.T) {
	reg, err := schema.NewRegistry([]schema.FieldDefinition{
		{Name: "temperature", Type: schema.TypeFloat, Min: 30, Max: 45, RequiredBy: []schema.Stage{schema.StageS1}},
		{Name: "heart_rate", Type: schema.TypeInt, Min: 40, Max: 250, RequiredBy: []schema.Stage{schema.StageS1}},
		{Name: "resp_rate", Type: schema.TypeInt, Min: 10, Max: 120, RequiredBy: []schema.Stage{schema.StageS1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(reg, nil)
	s := New("sess-1")

	e.Merge(s, []parser.Candidate{valid("temperature", 38.5), valid("heart_rate", 110)}, SourceParsed, 1)
	rep := e.Evaluate(s, schema.StageS1)
	if rep.Runnable {
		t.Fatalf("must not be runnable with a missing field")
	}
	if len(rep.Missing) != 1 || rep.Missing[0] != "resp_rate" {
		t.Fatalf("missing: %+v", rep.Missing)
	}

	e.Merge(s, []parser.Candidate{valid("resp_rate", 18)}, SourceParsed, 2)
	rep = e.Evaluate(s, schema.StageS1)
	if !rep.Runnable || len(rep.Missing) != 0 || len(rep.Invalid) != 0 {
		t.Fatalf("expected runnable, got %+v", rep)
	}
}

func TestEvaluateUnaffectedByRejectedCandidate(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	e.Merge(s, []parser.Candidate{
		valid("age.months", 24), valid("sex", 0), valid("hr.all", 154),
		valid("rr.all", 36), valid("oxy.ra", 95),
	}, SourceParsed, 1)

	before := e.Evaluate(s, schema.StageS1)
	if !before.Runnable {
		t.Fatalf("setup: expected runnable, got %+v", before)
	}
	e.Merge(s, []parser.Candidate{invalid("temp.c", 200, "out of range")}, SourceParsed, 2)
	after := e.Evaluate(s, schema.StageS1)
	if !after.Runnable {
		t.Fatalf("rejected candidate must not affect completeness: %+v", after)
	}
}

func TestEvaluateS2RequiresLabs(t *testing.T) {
	e := newTestEngine(t)
	s := New("sess-1")
	e.Merge(s, []parser.Candidate{
		valid("age.months", 24), valid("sex", 1), valid("hr.all", 154),
		valid("rr.all", 36), valid("oxy.ra", 95),
	}, SourceParsed, 1)

	rep := e.Evaluate(s, schema.StageS2)
	if rep.Runnable {
		t.Fatalf("S2 must not run without labs")
	}
	if len(rep.Missing) != 6 {
		t.Fatalf("expected 6 missing labs, got %+v", rep.Missing)
	}

	e.Merge(s, []parser.Candidate{
		valid("CRP", 4.5), valid("PCT", 0.2), valid("Lactate", 2.1),
		valid("WBC", 15), valid("Neutrophils", 9), valid("Platelets", 220),
	}, SourceParsed, 2)
	rep = e.Evaluate(s, schema.StageS2)
	if !rep.Runnable {
		t.Fatalf("expected S2 runnable, got %+v", rep)
	}
}
