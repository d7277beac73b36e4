package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spotsepsis/intake/internal/inference"
	"github.com/spotsepsis/intake/internal/intakeerr"
	"github.com/spotsepsis/intake/internal/parser"
	"github.com/spotsepsis/intake/internal/schema"
	"github.com/spotsepsis/intake/internal/store"
)

type fakeRunner struct {
	mu          sync.Mutex
	gate        chan struct{} // when set, Run blocks until closed or ctx expires
	result      inference.Result
	err         error
	calls       int
	gotStage    schema.Stage
	gotFeatures map[string]float64
}

func (f *fakeRunner) Run(ctx context.Context, stage schema.Stage, features map[string]float64) (inference.Result, error) {
	f.mu.Lock()
	f.calls++
	f.gotStage = stage
	f.gotFeatures = features
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return inference.Result{}, intakeerr.NewTimeout("inference timed out: " + ctx.Err().Error())
		}
	}
	return f.result, f.err
}

type fakeAssist struct {
	candidates []parser.Candidate
	err        error
}

func (f *fakeAssist) Extract(ctx context.Context, utterance string) ([]parser.Candidate, error) {
	return f.candidates, f.err
}

func (f *fakeAssist) ModelName() string { return "test-model" }

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Clock == nil {
		now := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
		cfg.Clock = func() time.Time { return now }
	}
	return NewManager(schema.Sepsis(), cfg)
}

func fillVitals(t *testing.T, m *Manager, id string) TurnResult {
	t.Helper()
	res, err := m.Turn(context.Background(), id, "2-year-old boy, HR 154, RR 36, SpO2 95%")
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func waitRun(t *testing.T, m *Manager, id string, seq int) store.RunRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := m.GetRun(id, seq)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != RunPending {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %d still pending", seq)
	return store.RunRecord{}
}

func TestTurnRecordsVitalsAndReportsReadiness(t *testing.T) {
	m := newTestManager(t, Config{})
	s, err := m.Create()
	if err != nil {
		t.Fatal(err)
	}

	res := fillVitals(t, m, s.ID)
	if res.Turn != 1 {
		t.Fatalf("turn = %d", res.Turn)
	}
	if !res.S1.Runnable {
		t.Fatalf("S1 must be runnable after full vitals: %+v", res.S1)
	}
	if res.S2.Runnable {
		t.Fatalf("S2 must still wait for labs")
	}
	if !strings.Contains(res.Reply, "Recorded:") {
		t.Fatalf("reply must acknowledge values: %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "Stage 1 screen is ready") {
		t.Fatalf("reply must mention readiness: %q", res.Reply)
	}
}

func TestTurnAsksForClarificationOnAmbiguity(t *testing.T) {
	m := newTestManager(t, Config{})
	s, _ := m.Create()

	res, err := m.Turn(context.Background(), s.ID, "rate 110")
	if err != nil {
		t.Fatal(err)
	}
	view, _ := m.ViewOf(s.ID)
	if len(view.Current) != 0 {
		t.Fatalf("ambiguous turn must not touch the sheet: %+v", view.Current)
	}
	if !strings.Contains(res.Reply, "?") {
		t.Fatalf("reply must ask a question: %q", res.Reply)
	}

	res, err = m.Turn(context.Background(), s.ID, "heart rate 110")
	if err != nil {
		t.Fatal(err)
	}
	view, _ = m.ViewOf(s.ID)
	if entry, ok := view.Current["hr.all"]; !ok || entry.Value.Num != 110 {
		t.Fatalf("clarified value not recorded: %+v", view.Current)
	}
	if res.Turn != 2 {
		t.Fatalf("turn = %d", res.Turn)
	}
}

func TestTurnRejectsEmptyUtterance(t *testing.T) {
	m := newTestManager(t, Config{})
	s, _ := m.Create()
	if _, err := m.Turn(context.Background(), s.ID, "   "); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestStartRunRequiresCompleteStage(t *testing.T) {
	m := newTestManager(t, Config{Runner: &fakeRunner{}})
	s, _ := m.Create()

	_, err := m.StartRun(context.Background(), s.ID, schema.StageS1)
	var ie *intakeerr.Error
	if !errors.As(err, &ie) || ie.Code != intakeerr.CodeNotRunnable {
		t.Fatalf("expected not_runnable, got %v", err)
	}
}

func TestRunAnnouncesResultInTranscript(t *testing.T) {
	risk := 0.42
	fr := &fakeRunner{result: inference.Result{Stage: schema.StageS1, Decision: "amber", Risk: &risk}}
	m := newTestManager(t, Config{Runner: fr})
	s, _ := m.Create()
	fillVitals(t, m, s.ID)

	rec, err := m.StartRun(context.Background(), s.ID, schema.StageS1)
	if err != nil {
		t.Fatal(err)
	}
	done := waitRun(t, m, s.ID, rec.Seq)
	if done.Status != RunDone || done.Result == nil || done.Result.Decision != "amber" {
		t.Fatalf("run record: %+v", done)
	}
	if fr.gotStage != schema.StageS1 || fr.gotFeatures["hr.all"] != 154 {
		t.Fatalf("runner payload: stage=%s features=%+v", fr.gotStage, fr.gotFeatures)
	}

	view, _ := m.ViewOf(s.ID)
	last := view.Transcript[len(view.Transcript)-1]
	if last.Role != RoleAssistant || !strings.Contains(last.Text, "amber") {
		t.Fatalf("result not announced: %+v", last)
	}
}

func TestStaleRunResultIsNeverAnnounced(t *testing.T) {
	gate := make(chan struct{})
	fr := &fakeRunner{gate: gate, result: inference.Result{Stage: schema.StageS1, Decision: "amber"}}
	m := newTestManager(t, Config{Runner: fr})
	s, _ := m.Create()
	fillVitals(t, m, s.ID)

	rec, err := m.StartRun(context.Background(), s.ID, schema.StageS1)
	if err != nil {
		t.Fatal(err)
	}
	// The sheet moves on while the model is still thinking.
	if _, err := m.Turn(context.Background(), s.ID, "HR 160"); err != nil {
		t.Fatal(err)
	}
	close(gate)

	done := waitRun(t, m, s.ID, rec.Seq)
	if done.Status != RunStale {
		t.Fatalf("expected stale run, got %+v", done)
	}
	if done.Result == nil {
		t.Fatalf("stale result must stay pollable")
	}
	view, _ := m.ViewOf(s.ID)
	for _, entry := range view.Transcript {
		if strings.Contains(entry.Text, "screen result") {
			t.Fatalf("stale result leaked into transcript: %+v", entry)
		}
	}
}

func TestRunTimeoutLeavesSheetUntouched(t *testing.T) {
	fr := &fakeRunner{gate: make(chan struct{})} // never closed: forces the timeout
	m := newTestManager(t, Config{Runner: fr, RunTimeout: 30 * time.Millisecond})
	s, _ := m.Create()
	fillVitals(t, m, s.ID)

	before, _ := m.ViewOf(s.ID)
	rec, err := m.StartRun(context.Background(), s.ID, schema.StageS1)
	if err != nil {
		t.Fatal(err)
	}
	failed := waitRun(t, m, s.ID, rec.Seq)
	if failed.Status != RunFailed || failed.Err == "" {
		t.Fatalf("run record: %+v", failed)
	}
	after, _ := m.ViewOf(s.ID)
	if len(after.Current) != len(before.Current) {
		t.Fatalf("failed run must not change the sheet")
	}
	if !after.S1.Runnable {
		t.Fatalf("readiness must survive a failed run")
	}
}

func TestResumeRebuildsSessionFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	m1 := newTestManager(t, Config{Store: st})
	s, _ := m1.Create()
	fillVitals(t, m1, s.ID)

	// A fresh manager simulates a server restart.
	m2 := newTestManager(t, Config{Store: st})
	view, err := m2.ViewOf(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Turn != 1 || !view.S1.Runnable {
		t.Fatalf("resumed session lost state: %+v", view)
	}
	if len(view.Transcript) != 2 {
		t.Fatalf("transcript lost: %+v", view.Transcript)
	}

	if _, err := m2.Get("not-a-session"); err == nil {
		t.Fatal("expected not_found")
	}
}

func TestSetFieldGoesThroughValidation(t *testing.T) {
	m := newTestManager(t, Config{})
	s, _ := m.Create()

	out, err := m.SetField(s.ID, "hr.all", "162")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Accepted() {
		t.Fatalf("outcome: %+v", out)
	}

	out, err = m.SetField(s.ID, "hr.all", "nonsense")
	if err != nil {
		t.Fatal(err)
	}
	if out.Accepted() {
		t.Fatalf("unparseable manual entry must not merge: %+v", out)
	}
	view, _ := m.ViewOf(s.ID)
	if view.Current["hr.all"].Value.Num != 162 {
		t.Fatalf("prior manual value lost: %+v", view.Current["hr.all"])
	}

	if _, err := m.SetField(s.ID, "no.such.field", "1"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestImportCarriesSheetAcrossSessions(t *testing.T) {
	m := newTestManager(t, Config{})
	src, _ := m.Create()
	fillVitals(t, m, src.ID)

	snap, err := m.Snapshot(src.ID)
	if err != nil {
		t.Fatal(err)
	}
	dst, _ := m.Create()
	outcomes, err := m.Import(dst.ID, snap)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range outcomes {
		if !o.Accepted() {
			t.Fatalf("import outcome: %+v", o)
		}
	}
	view, _ := m.ViewOf(dst.ID)
	if !view.S1.Runnable {
		t.Fatalf("imported sheet must restore readiness: %+v", view.S1)
	}
}

func TestAssistTakesPriorityOverParserPerField(t *testing.T) {
	assist := &fakeAssist{candidates: []parser.Candidate{
		{Field: "hr.all", Raw: "HR 150", Value: schema.Num(150), Status: parser.StatusValid},
	}}
	m := newTestManager(t, Config{Assist: assist})
	s, _ := m.Create()

	if _, err := m.Turn(context.Background(), s.ID, "HR 140, RR 36"); err != nil {
		t.Fatal(err)
	}
	view, _ := m.ViewOf(s.ID)
	if view.Current["hr.all"].Value.Num != 150 {
		t.Fatalf("assist value must win for its fields: %+v", view.Current["hr.all"])
	}
	if view.Current["rr.all"].Value.Num != 36 {
		t.Fatalf("parser must fill fields the assist missed: %+v", view.Current["rr.all"])
	}
}

func TestAssistFailureDegradesToParser(t *testing.T) {
	assist := &fakeAssist{err: errors.New("status 503")}
	m := newTestManager(t, Config{Assist: assist})
	s, _ := m.Create()

	if _, err := m.Turn(context.Background(), s.ID, "HR 140"); err != nil {
		t.Fatal(err)
	}
	view, _ := m.ViewOf(s.ID)
	if view.Current["hr.all"].Value.Num != 140 {
		t.Fatalf("parser fallback lost: %+v", view.Current)
	}
}
