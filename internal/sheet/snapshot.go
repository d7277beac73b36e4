package sheet

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spotsepsis/intake/internal/parser"
)

const snapshotVersion = 1

// Snapshot is the serialized form of a sheet: the full value log. The
// projection is never serialized; it is rebuilt on restore so a stale
// persisted readiness can never survive a reconnect.
type Snapshot struct {
	Version   int       `json:"sheet_version"`
	SessionID string    `json:"session_id"`
	SavedAt   time.Time `json:"saved_at"`
	Turn      int       `json:"turn"`
	Log       []Entry   `json:"log"`
}

func (s *Sheet) Snapshot(turn int, at time.Time) Snapshot {
	return Snapshot{
		Version:   snapshotVersion,
		SessionID: s.sessionID,
		SavedAt:   at.UTC(),
		Turn:      turn,
		Log:       s.Log(),
	}
}

func (snap Snapshot) Encode() ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

func DecodeSnapshot(blob []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return Snapshot{}, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	return snap, nil
}

// Restore rebuilds a sheet from a snapshot log. Entries for fields no
// longer declared, or whose values fail current validation, stay in the
// log but are excluded from the projection (schema drift is tolerated,
// never trusted).
func (e *Engine) Restore(snap Snapshot) *Sheet {
	s := New(snap.SessionID)
	for _, entry := range snap.Log {
		f, ok := e.reg.Lookup(entry.Field)
		if !ok {
			log.Printf("sheet restore_unknown_field session=%s field=%s", snap.SessionID, entry.Field)
			s.log = append(s.log, entry)
			continue
		}
		if err := f.Validate(entry.Value); err != nil {
			log.Printf("sheet restore_invalid_entry session=%s field=%s err=%q", snap.SessionID, entry.Field, err.Error())
			s.log = append(s.log, entry)
			continue
		}
		s.append(entry)
	}
	return s
}

// ImportCandidates converts a pasted snapshot into candidates so an
// exported sheet can be merged into a live session through the normal
// merge path (validation included). Only the snapshot's final value per
// field is imported, in log order of first appearance.
func ImportCandidates(snap Snapshot) []parser.Candidate {
	latest := map[string]Entry{}
	var order []string
	for _, entry := range snap.Log {
		if _, seen := latest[entry.Field]; !seen {
			order = append(order, entry.Field)
		}
		latest[entry.Field] = entry
	}
	out := make([]parser.Candidate, 0, len(order))
	for _, field := range order {
		entry := latest[field]
		out = append(out, parser.Candidate{
			Field:  entry.Field,
			Raw:    entry.Raw,
			Value:  entry.Value,
			Status: parser.StatusValid,
		})
	}
	return out
}
