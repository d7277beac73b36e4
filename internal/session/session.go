// Package session drives the intake conversation: each caregiver turn
// is parsed, merged into the session's sheet, evaluated for stage
// readiness, and answered with acknowledgements and clarifying
// questions. Inference runs are asynchronous; a result that arrives
// after the sheet has changed is kept for polling but never spoken into
// the transcript.
package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spotsepsis/intake/internal/inference"
	"github.com/spotsepsis/intake/internal/intakeerr"
	"github.com/spotsepsis/intake/internal/llmassist"
	"github.com/spotsepsis/intake/internal/parser"
	"github.com/spotsepsis/intake/internal/report"
	"github.com/spotsepsis/intake/internal/schema"
	"github.com/spotsepsis/intake/internal/sheet"
	"github.com/spotsepsis/intake/internal/store"
)

const (
	RoleCaregiver = "caregiver"
	RoleAssistant = "assistant"

	RunPending = "pending"
	RunDone    = "done"
	RunFailed  = "failed"
	RunStale   = "stale"
)

// Session is one caregiver conversation. Its mutex serializes turns:
// within a session, turn N completes before turn N+1 starts.
type Session struct {
	mu         sync.Mutex
	ID         string
	CreatedAt  time.Time
	Turn       int
	Sheet      *sheet.Sheet
	Transcript []store.TranscriptEntry
	Runs       []store.RunRecord
	nextRunSeq int
}

// TurnResult is what one caregiver turn produced.
type TurnResult struct {
	SessionID string          `json:"session_id"`
	Turn      int             `json:"turn"`
	Reply     string          `json:"reply"`
	Outcomes  []sheet.Outcome `json:"outcomes"`
	S1        sheet.Report    `json:"s1"`
	S2        sheet.Report    `json:"s2"`
}

type Clock func() time.Time

// Manager owns all live sessions and their shared machinery. The
// parser, merge engine, and registry are stateless and shared; per
// session state lives on the Session.
type Manager struct {
	reg    *schema.Registry
	parser *parser.Parser
	engine *sheet.Engine
	runner inference.Runner
	assist llmassist.Extractor
	st     store.Store
	clock  Clock

	runTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

type Config struct {
	Runner     inference.Runner
	Assist     llmassist.Extractor // nil disables the LLM pass
	Store      store.Store
	Clock      Clock
	RunTimeout time.Duration
}

func NewManager(reg *schema.Registry, cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	st := cfg.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	return &Manager{
		reg:        reg,
		parser:     parser.New(reg),
		engine:     sheet.NewEngine(reg, clock),
		runner:     cfg.Runner,
		assist:     cfg.Assist,
		st:         st,
		clock:      clock,
		runTimeout: timeout,
		sessions:   map[string]*Session{},
	}
}

func (m *Manager) Registry() *schema.Registry { return m.reg }
func (m *Manager) Engine() *sheet.Engine      { return m.engine }

// Create starts a new session and persists its empty record.
func (m *Manager) Create() (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		CreatedAt: m.clock().UTC(),
		Sheet:     sheet.New(id),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.persistLocked(s); err != nil {
		return nil, err
	}
	log.Printf("session created id=%s", id)
	return s, nil
}

// Get returns a live session, falling back to the store so a restarted
// server can resume existing sessions transparently.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()
	return m.Resume(id)
}

// Resume loads a session from the store and rebuilds its sheet
// projection from the persisted log.
func (m *Manager) Resume(id string) (*Session, error) {
	rec, ok, err := m.st.Load(id)
	if err != nil {
		return nil, intakeerr.NewInternal("load session: " + err.Error())
	}
	if !ok {
		return nil, intakeerr.NewNotFound("session " + id + " not found")
	}

	s := &Session{
		ID:         rec.ID,
		CreatedAt:  rec.CreatedAt,
		Turn:       rec.Turn,
		Sheet:      m.engine.Restore(rec.Sheet),
		Transcript: rec.Transcript,
		Runs:       rec.Runs,
	}
	for _, r := range rec.Runs {
		if r.Seq >= s.nextRunSeq {
			s.nextRunSeq = r.Seq
		}
	}

	m.mu.Lock()
	// A concurrent Resume may have won; keep the first.
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[id] = s
	m.mu.Unlock()
	log.Printf("session resumed id=%s turn=%d log_entries=%d", id, s.Turn, s.Sheet.Len())
	return s, nil
}

// Turn processes one caregiver utterance end to end.
func (m *Manager) Turn(ctx context.Context, id, utterance string) (TurnResult, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return TurnResult{}, intakeerr.NewValidation("utterance must not be empty")
	}
	s, err := m.Get(id)
	if err != nil {
		return TurnResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Turn++
	now := m.clock().UTC()
	s.Transcript = append(s.Transcript, store.TranscriptEntry{Role: RoleCaregiver, Text: utterance, At: now})

	candidates := m.candidatesFor(ctx, utterance)
	outcomes := m.engine.Merge(s.Sheet, candidates, sheet.SourceParsed, s.Turn)
	s1 := m.engine.Evaluate(s.Sheet, schema.StageS1)
	s2 := m.engine.Evaluate(s.Sheet, schema.StageS2)

	reply := m.composeReply(outcomes, s1, s2)
	s.Transcript = append(s.Transcript, store.TranscriptEntry{Role: RoleAssistant, Text: reply, At: m.clock().UTC()})

	if err := m.persistLocked(s); err != nil {
		return TurnResult{}, err
	}
	log.Printf("session turn id=%s turn=%d candidates=%d accepted=%d", id, s.Turn, len(candidates), countAccepted(outcomes))
	return TurnResult{
		SessionID: id,
		Turn:      s.Turn,
		Reply:     reply,
		Outcomes:  outcomes,
		S1:        s1,
		S2:        s2,
	}, nil
}

// candidatesFor runs the LLM pass when enabled and falls back to the
// deterministic parser. The assist has priority for the fields it
// names; the parser fills everything else, so a model outage degrades
// to parser-only behavior without a visible seam.
func (m *Manager) candidatesFor(ctx context.Context, utterance string) []parser.Candidate {
	parsed := m.parser.Parse(utterance)
	if m.assist == nil {
		return parsed
	}
	assisted, err := m.assist.Extract(ctx, utterance)
	if err != nil || len(assisted) == 0 {
		return parsed
	}
	covered := map[string]bool{}
	for _, c := range assisted {
		covered[c.Field] = true
	}
	out := make([]parser.Candidate, 0, len(assisted)+len(parsed))
	for _, c := range parsed {
		if !covered[c.Field] {
			out = append(out, c)
		}
	}
	return append(out, assisted...)
}

// SetField records one manual correction through the normal merge path.
func (m *Manager) SetField(id, field, raw string) (sheet.Outcome, error) {
	s, err := m.Get(id)
	if err != nil {
		return sheet.Outcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := m.reg.Lookup(field)
	if !ok {
		return sheet.Outcome{}, intakeerr.NewValidation("unknown field " + field)
	}
	c := parser.Candidate{Field: field, Raw: raw, Status: parser.StatusValid}
	v, err := f.Normalize(raw)
	if err != nil {
		c.Status = parser.StatusInvalid
		c.Reason = err.Error()
	} else {
		c.Value = v
	}

	s.Turn++
	outcomes := m.engine.Merge(s.Sheet, []parser.Candidate{c}, sheet.SourceManual, s.Turn)
	if err := m.persistLocked(s); err != nil {
		return sheet.Outcome{}, err
	}
	return outcomes[0], nil
}

// Import merges a pasted sheet snapshot into the session. Every
// imported value passes validation again; entries for unknown fields
// are rejected, not fatal.
func (m *Manager) Import(id string, snap sheet.Snapshot) ([]sheet.Outcome, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Turn++
	outcomes := m.engine.Merge(s.Sheet, sheet.ImportCandidates(snap), sheet.SourceImported, s.Turn)
	if err := m.persistLocked(s); err != nil {
		return nil, err
	}
	log.Printf("session import id=%s entries=%d accepted=%d", id, len(outcomes), countAccepted(outcomes))
	return outcomes, nil
}

// Snapshot exports the session's sheet for pasting into another session.
func (m *Manager) Snapshot(id string) (sheet.Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return sheet.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sheet.Snapshot(s.Turn, m.clock().UTC()), nil
}

// View is a read-only copy of session state for the API layer.
type View struct {
	ID         string                  `json:"id"`
	CreatedAt  time.Time               `json:"created_at"`
	Turn       int                     `json:"turn"`
	Transcript []store.TranscriptEntry `json:"transcript"`
	Runs       []store.RunRecord       `json:"runs"`
	Current    map[string]sheet.Entry  `json:"current"`
	S1         sheet.Report            `json:"s1"`
	S2         sheet.Report            `json:"s2"`
}

func (m *Manager) ViewOf(id string) (View, error) {
	s, err := m.Get(id)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		Turn:       s.Turn,
		Transcript: append([]store.TranscriptEntry(nil), s.Transcript...),
		Runs:       append([]store.RunRecord(nil), s.Runs...),
		Current:    s.Sheet.Current(),
		S1:         m.engine.Evaluate(s.Sheet, schema.StageS1),
		S2:         m.engine.Evaluate(s.Sheet, schema.StageS2),
	}, nil
}

// ReportMarkdown renders the session's sheet summary under the session
// lock so a concurrent turn cannot tear the document.
func (m *Manager) ReportMarkdown(id string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return report.SheetMarkdown(m.reg, s.Sheet,
		m.engine.Evaluate(s.Sheet, schema.StageS1),
		m.engine.Evaluate(s.Sheet, schema.StageS2),
		s.Runs), nil
}

// StartRun launches an asynchronous inference run for a stage. The
// session stays usable while the run is in flight; the result is
// announced in the transcript only if no turn has happened since.
func (m *Manager) StartRun(ctx context.Context, id string, stage schema.Stage) (store.RunRecord, error) {
	if !stage.Valid() {
		return store.RunRecord{}, intakeerr.NewValidation("unknown stage " + string(stage))
	}
	if m.runner == nil {
		return store.RunRecord{}, intakeerr.NewInternal("no inference runner configured")
	}
	s, err := m.Get(id)
	if err != nil {
		return store.RunRecord{}, err
	}

	s.mu.Lock()
	rep := m.engine.Evaluate(s.Sheet, stage)
	if !rep.Runnable {
		s.mu.Unlock()
		return store.RunRecord{}, intakeerr.NewNotRunnable(fmt.Sprintf(
			"stage %s not runnable: missing %s", stage, strings.Join(append(rep.Missing, rep.Invalid...), ", ")))
	}
	features := inference.Features(m.reg, currentValues(s.Sheet), stage)
	s.nextRunSeq++
	rec := store.RunRecord{
		Seq:           s.nextRunSeq,
		Stage:         stage,
		Status:        RunPending,
		TurnAtRequest: s.Turn,
		RequestedAt:   m.clock().UTC(),
	}
	s.Runs = append(s.Runs, rec)
	if err := m.persistLocked(s); err != nil {
		s.mu.Unlock()
		return store.RunRecord{}, err
	}
	s.mu.Unlock()

	go m.executeRun(s, rec.Seq, stage, features)
	log.Printf("session run_started id=%s seq=%d stage=%s", id, rec.Seq, stage)
	return rec, nil
}

func (m *Manager) executeRun(s *Session, seq int, stage schema.Stage, features map[string]float64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.runTimeout)
	defer cancel()

	result, err := m.runner.Run(ctx, stage, features)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := findRun(s.Runs, seq)
	if rec == nil {
		return
	}
	rec.FinishedAt = m.clock().UTC()
	if err != nil {
		rec.Status = RunFailed
		rec.Err = err.Error()
		log.Printf("session run_failed id=%s seq=%d stage=%s err=%q", s.ID, seq, stage, err.Error())
	} else {
		rec.Result = &result
		if s.Turn != rec.TurnAtRequest {
			// The sheet moved on while the model was thinking. The result no
			// longer describes the current sheet, so it is never spoken.
			rec.Status = RunStale
			log.Printf("session run_stale id=%s seq=%d stage=%s turn_at_request=%d turn_now=%d", s.ID, seq, stage, rec.TurnAtRequest, s.Turn)
		} else {
			rec.Status = RunDone
			s.Transcript = append(s.Transcript, store.TranscriptEntry{
				Role: RoleAssistant,
				Text: announceResult(result),
				At:   m.clock().UTC(),
			})
			log.Printf("session run_done id=%s seq=%d stage=%s decision=%s", s.ID, seq, stage, result.Decision)
		}
	}
	if perr := m.persistLocked(s); perr != nil {
		log.Printf("session run_persist_error id=%s seq=%d err=%q", s.ID, seq, perr.Error())
	}
}

// GetRun returns one run record for polling.
func (m *Manager) GetRun(id string, seq int) (store.RunRecord, error) {
	s, err := m.Get(id)
	if err != nil {
		return store.RunRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := findRun(s.Runs, seq)
	if rec == nil {
		return store.RunRecord{}, intakeerr.NewNotFound(fmt.Sprintf("run %d not found", seq))
	}
	return *rec, nil
}

func findRun(runs []store.RunRecord, seq int) *store.RunRecord {
	for i := range runs {
		if runs[i].Seq == seq {
			return &runs[i]
		}
	}
	return nil
}

func currentValues(s *sheet.Sheet) map[string]schema.Value {
	out := map[string]schema.Value{}
	for name, entry := range s.Current() {
		out[name] = entry.Value
	}
	return out
}

func countAccepted(outcomes []sheet.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Accepted() {
			n++
		}
	}
	return n
}

// persistLocked saves the session. Callers hold s.mu.
func (m *Manager) persistLocked(s *Session) error {
	now := m.clock().UTC()
	rec := store.SessionRecord{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  now,
		Turn:       s.Turn,
		Transcript: s.Transcript,
		Runs:       s.Runs,
		Sheet:      s.Sheet.Snapshot(s.Turn, now),
	}
	if err := m.st.Save(rec); err != nil {
		return intakeerr.NewInternal("save session: " + err.Error())
	}
	return nil
}

// composeReply turns merge outcomes and stage readiness into the
// assistant's message for this turn.
func (m *Manager) composeReply(outcomes []sheet.Outcome, s1, s2 sheet.Report) string {
	var recorded, questions, problems []string
	for _, o := range outcomes {
		f, known := m.reg.Lookup(o.Field)
		label := o.Field
		if known && f.Label != "" {
			label = f.Label
		}
		switch o.Kind {
		case sheet.OutcomeMerged:
			recorded = append(recorded, fmt.Sprintf("%s = %s", label, f.Format(o.Candidate.Value)))
		case sheet.OutcomeReplaced:
			recorded = append(recorded, fmt.Sprintf("%s = %s (updated, %s)", label, f.Format(o.Candidate.Value), o.Detail))
		case sheet.OutcomeUnchanged:
			recorded = append(recorded, fmt.Sprintf("%s = %s (already recorded)", label, f.Format(o.Candidate.Value)))
		case sheet.OutcomeNeedsClarification:
			q := o.Detail
			if known && f.Prompt != "" {
				q = fmt.Sprintf("%s (%s)", f.Prompt, o.Detail)
			}
			questions = append(questions, q)
		case sheet.OutcomeKeptPrior, sheet.OutcomeRejected:
			problems = append(problems, fmt.Sprintf("%s: %s", label, o.Detail))
		}
	}

	var sb strings.Builder
	if len(recorded) > 0 {
		sb.WriteString("Recorded: " + strings.Join(recorded, "; ") + ".")
	}
	if len(problems) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString("Could not use: " + strings.Join(problems, "; ") + ".")
	}
	if len(questions) > 0 {
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(strings.Join(questions, " "))
	}
	if sb.Len() == 0 {
		sb.WriteString("I didn't find any measurements in that message. ")
		sb.WriteString("You can share vitals like heart rate, breathing rate, temperature, or oxygen saturation.")
	}

	sb.WriteString(" ")
	sb.WriteString(m.readinessHint(s1, s2))
	return strings.TrimSpace(sb.String())
}

func (m *Manager) readinessHint(s1, s2 sheet.Report) string {
	switch {
	case s2.Runnable:
		return "Stage 1 and Stage 2 screens are both ready to run."
	case s1.Runnable:
		return "The Stage 1 screen is ready to run. " + m.stillNeeded("Stage 2", s2)
	default:
		return m.stillNeeded("Stage 1", s1)
	}
}

func (m *Manager) stillNeeded(stageName string, rep sheet.Report) string {
	names := append(append([]string(nil), rep.Missing...), rep.Invalid...)
	labels := make([]string, 0, len(names))
	for _, n := range names {
		if f, ok := m.reg.Lookup(n); ok && f.Label != "" {
			labels = append(labels, f.Label)
			continue
		}
		labels = append(labels, n)
	}
	sort.Strings(labels)
	return fmt.Sprintf("Still needed for %s: %s.", stageName, strings.Join(labels, ", "))
}

func announceResult(r inference.Result) string {
	msg := fmt.Sprintf("%s screen result: %s", strings.ToUpper(string(r.Stage)), r.Decision)
	if r.Risk != nil {
		msg += fmt.Sprintf(" (risk %.2f)", *r.Risk)
	}
	if r.ModelVersion != "" {
		msg += fmt.Sprintf(" [model %s]", r.ModelVersion)
	}
	return msg
}
