package sheet

import "github.com/spotsepsis/intake/internal/schema"

// Report is the derived completeness summary for one stage. It is
// recomputed on demand and never persisted.
type Report struct {
	Stage    schema.Stage `json:"stage"`
	Missing  []string     `json:"missing"`
	Invalid  []string     `json:"invalid"`
	Runnable bool         `json:"runnable"`
}

// Evaluate checks the sheet against a stage's required fields. Stored
// values are re-validated against the registry rather than trusted: a
// value merged under an older schema must not unlock a run.
func (e *Engine) Evaluate(s *Sheet, stage schema.Stage) Report {
	report := Report{Stage: stage, Missing: []string{}, Invalid: []string{}}
	for _, f := range e.reg.RequiredFor(stage) {
		entry, ok := s.current[f.Name]
		if !ok {
			report.Missing = append(report.Missing, f.Name)
			continue
		}
		if err := f.Validate(entry.Value); err != nil {
			report.Invalid = append(report.Invalid, f.Name)
		}
	}
	report.Runnable = len(report.Missing) == 0 && len(report.Invalid) == 0
	return report
}
