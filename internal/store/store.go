// Package store persists intake sessions. Three backends share one
// contract: SQLite for deployments, a JSON state file for single-node
// setups, and an in-memory map for tests.
package store

import (
	"sync"
	"time"

	"github.com/spotsepsis/intake/internal/inference"
	"github.com/spotsepsis/intake/internal/schema"
	"github.com/spotsepsis/intake/internal/sheet"
)

// TranscriptEntry is one line of the chat transcript.
type TranscriptEntry struct {
	Role string    `json:"role"` // "caregiver" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// RunRecord is one inference run requested during a session.
type RunRecord struct {
	Seq           int               `json:"seq"`
	Stage         schema.Stage      `json:"stage"`
	Status        string            `json:"status"` // pending, done, failed
	TurnAtRequest int               `json:"turn_at_request"`
	Result        *inference.Result `json:"result,omitempty"`
	Err           string            `json:"err,omitempty"`
	RequestedAt   time.Time         `json:"requested_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`
}

// SessionRecord is the durable snapshot of one session.
type SessionRecord struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Turn       int               `json:"turn"`
	Transcript []TranscriptEntry `json:"transcript"`
	Runs       []RunRecord       `json:"runs"`
	Sheet      sheet.Snapshot    `json:"sheet"`
}

// Store is the persistence boundary the session manager depends on.
type Store interface {
	Save(rec SessionRecord) error
	Load(id string) (SessionRecord, bool, error)
	ListIDs() ([]string, error)
	Close() error
}

// MemoryStore keeps records in a map. Used by tests and as the fallback
// when neither a database path nor a state file is configured.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]SessionRecord{}}
}

func (m *MemoryStore) Save(rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *MemoryStore) Load(id string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func (m *MemoryStore) ListIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.recs))
	for id := range m.recs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
