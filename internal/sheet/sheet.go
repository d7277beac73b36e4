// Package sheet owns the per-session Info Sheet: an append-only log of
// extracted values plus a materialized current-value projection, the merge
// engine that applies parser candidates to it, and the completeness
// evaluator that decides stage readiness.
package sheet

import (
	"time"

	"github.com/spotsepsis/intake/internal/schema"
)

type Source string

const (
	SourceParsed   Source = "parsed-text"
	SourceManual   Source = "manual-entry"
	SourceImported Source = "imported"
)

// Entry is one extracted value. Entries are never mutated, only superseded
// by later entries for the same field.
type Entry struct {
	Field  string       `json:"field"`
	Raw    string       `json:"raw,omitempty"`
	Value  schema.Value `json:"value"`
	Source Source       `json:"source"`
	Turn   int          `json:"turn"`
	At     time.Time    `json:"at"`
}

// Sheet is one session's accumulating record. The log preserves the full
// history; current always points at the latest valid entry per field.
type Sheet struct {
	sessionID string
	log       []Entry
	current   map[string]Entry
}

func New(sessionID string) *Sheet {
	return &Sheet{
		sessionID: sessionID,
		current:   map[string]Entry{},
	}
}

func (s *Sheet) SessionID() string { return s.sessionID }

// Log returns the full append-only history in merge order.
func (s *Sheet) Log() []Entry {
	out := make([]Entry, len(s.log))
	copy(out, s.log)
	return out
}

// Current returns the materialized field-to-latest-valid-value mapping.
func (s *Sheet) Current() map[string]Entry {
	out := make(map[string]Entry, len(s.current))
	for k, v := range s.current {
		out[k] = v
	}
	return out
}

func (s *Sheet) CurrentEntry(field string) (Entry, bool) {
	e, ok := s.current[field]
	return e, ok
}

func (s *Sheet) Len() int { return len(s.log) }

func (s *Sheet) append(e Entry) {
	s.log = append(s.log, e)
	s.current[e.Field] = e
}
