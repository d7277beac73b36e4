package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/spotsepsis/intake/internal/sheet"
)

// SQLiteStore persists sessions with write-through semantics. The sheet
// log is normalized into its own table so entries stay queryable; the
// transcript and run history are stored as JSON blobs on the session row.
type SQLiteStore struct {
	db *sqlx.DB
	mu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	turn        INTEGER NOT NULL DEFAULT 0,
	transcript  TEXT NOT NULL DEFAULT '[]',
	runs        TEXT NOT NULL DEFAULT '[]',
	sheet_saved_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sheet_entries (
	session_id TEXT NOT NULL,
	position   INTEGER NOT NULL,
	field      TEXT NOT NULL,
	raw        TEXT NOT NULL DEFAULT '',
	value_num  REAL NOT NULL DEFAULT 0,
	value_text TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	turn       INTEGER NOT NULL DEFAULT 0,
	at         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, position)
);
`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func marshalJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (s *SQLiteStore) Save(rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO sessions (session_id, created_at, updated_at, turn, transcript, runs, sheet_saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		timeToString(rec.CreatedAt),
		timeToString(rec.UpdatedAt),
		rec.Turn,
		marshalJSON(rec.Transcript),
		marshalJSON(rec.Runs),
		timeToString(rec.Sheet.SavedAt),
	)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sheet_entries WHERE session_id = ?`, rec.ID); err != nil {
		return err
	}
	for i, e := range rec.Sheet.Log {
		_, err := tx.Exec(`INSERT INTO sheet_entries (session_id, position, field, raw, value_num, value_text, source, turn, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, i, e.Field, e.Raw, e.Value.Num, e.Value.Text, string(e.Source), e.Turn, timeToString(e.At),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(id string) (SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec SessionRecord
	var createdAt, updatedAt, transcriptJSON, runsJSON, sheetSavedAt string
	err := s.db.QueryRow(`SELECT session_id, created_at, updated_at, turn, transcript, runs, sheet_saved_at
		FROM sessions WHERE session_id = ?`, id).
		Scan(&rec.ID, &createdAt, &updatedAt, &rec.Turn, &transcriptJSON, &runsJSON, &sheetSavedAt)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	_ = json.Unmarshal([]byte(transcriptJSON), &rec.Transcript)
	_ = json.Unmarshal([]byte(runsJSON), &rec.Runs)

	log, err := s.loadEntries(id)
	if err != nil {
		return SessionRecord{}, false, err
	}
	rec.Sheet = sheet.Snapshot{
		Version:   1,
		SessionID: id,
		Turn:      rec.Turn,
		Log:       log,
	}
	if sheetSavedAt != "" {
		rec.Sheet.SavedAt, _ = time.Parse(time.RFC3339Nano, sheetSavedAt)
	}
	return rec, true, nil
}

func (s *SQLiteStore) loadEntries(id string) ([]sheet.Entry, error) {
	rows, err := s.db.Query(`SELECT field, raw, value_num, value_text, source, turn, at
		FROM sheet_entries WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log []sheet.Entry
	for rows.Next() {
		var e sheet.Entry
		var source, at string
		if err := rows.Scan(&e.Field, &e.Raw, &e.Value.Num, &e.Value.Text, &source, &e.Turn, &at); err != nil {
			return nil, err
		}
		e.Source = sheet.Source(source)
		if at != "" {
			e.At, _ = time.Parse(time.RFC3339Nano, at)
		}
		log = append(log, e)
	}
	return log, rows.Err()
}

func (s *SQLiteStore) ListIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT session_id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
