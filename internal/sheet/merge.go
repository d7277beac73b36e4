package sheet

import (
	"fmt"
	"time"

	"github.com/spotsepsis/intake/internal/parser"
	"github.com/spotsepsis/intake/internal/schema"
)

type OutcomeKind string

const (
	OutcomeMerged             OutcomeKind = "merged"
	OutcomeReplaced           OutcomeKind = "replaced"
	OutcomeUnchanged          OutcomeKind = "unchanged"
	OutcomeRejected           OutcomeKind = "rejected_out_of_domain"
	OutcomeKeptPrior          OutcomeKind = "kept_prior_value"
	OutcomeNeedsClarification OutcomeKind = "needs_clarification"
)

// Outcome records what the merge engine did with one candidate.
type Outcome struct {
	Field     string           `json:"field"`
	Kind      OutcomeKind      `json:"kind"`
	Candidate parser.Candidate `json:"candidate"`
	Detail    string           `json:"detail,omitempty"`
}

// Accepted reports whether the outcome changed or confirmed the sheet.
func (o Outcome) Accepted() bool {
	switch o.Kind {
	case OutcomeMerged, OutcomeReplaced, OutcomeUnchanged:
		return true
	}
	return false
}

// Engine applies candidates to sheets against an immutable registry.
// It holds no per-session state.
type Engine struct {
	reg   *schema.Registry
	clock func() time.Time
}

func NewEngine(reg *schema.Registry, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{reg: reg, clock: clock}
}

func (e *Engine) Registry() *schema.Registry { return e.reg }

// Merge applies candidates in order. Valid candidates append to the log
// and update the projection (most-recent-wins). Ambiguous candidates are
// never merged; invalid candidates are rejected and any prior valid value
// is retained. Re-merging the identical value is a projection no-op.
func (e *Engine) Merge(s *Sheet, candidates []parser.Candidate, source Source, turn int) []Outcome {
	outcomes := make([]Outcome, 0, len(candidates))
	for _, c := range candidates {
		outcomes = append(outcomes, e.mergeOne(s, c, source, turn))
	}
	return outcomes
}

func (e *Engine) mergeOne(s *Sheet, c parser.Candidate, source Source, turn int) Outcome {
	// Parser candidates always name declared fields, but manual and
	// imported candidates are external input.
	f, ok := e.reg.Lookup(c.Field)
	if !ok {
		return Outcome{Field: c.Field, Kind: OutcomeRejected, Candidate: c, Detail: "unknown field"}
	}
	prior, hasPrior := s.current[c.Field]

	switch c.Status {
	case parser.StatusAmbiguous:
		return Outcome{Field: c.Field, Kind: OutcomeNeedsClarification, Candidate: c, Detail: c.Reason}
	case parser.StatusInvalid:
		if hasPrior {
			return Outcome{
				Field: c.Field, Kind: OutcomeKeptPrior, Candidate: c,
				Detail: fmt.Sprintf("%s; keeping %s", c.Reason, f.Format(prior.Value)),
			}
		}
		return Outcome{Field: c.Field, Kind: OutcomeRejected, Candidate: c, Detail: c.Reason}
	}

	// Candidates arrive validated by the parser, but manual and imported
	// entries take the same path, so re-check the domain here.
	if err := f.Validate(c.Value); err != nil {
		if hasPrior {
			return Outcome{
				Field: c.Field, Kind: OutcomeKeptPrior, Candidate: c,
				Detail: fmt.Sprintf("%v; keeping %s", err, f.Format(prior.Value)),
			}
		}
		return Outcome{Field: c.Field, Kind: OutcomeRejected, Candidate: c, Detail: err.Error()}
	}

	entry := Entry{
		Field:  c.Field,
		Raw:    c.Raw,
		Value:  c.Value,
		Source: source,
		Turn:   turn,
		At:     e.clock().UTC(),
	}

	if hasPrior && prior.Value.Equal(c.Value) {
		s.append(entry)
		return Outcome{Field: c.Field, Kind: OutcomeUnchanged, Candidate: c}
	}
	if hasPrior {
		s.append(entry)
		return Outcome{
			Field: c.Field, Kind: OutcomeReplaced, Candidate: c,
			Detail: fmt.Sprintf("was %s", f.Format(prior.Value)),
		}
	}
	s.append(entry)
	return Outcome{Field: c.Field, Kind: OutcomeMerged, Candidate: c}
}
