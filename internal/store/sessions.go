package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is a coarse work period. New memories are tagged with the current
// open session id so recall can reconstruct when something was learned.
type Session struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// StartSession opens a new session and returns it. Any previously open
// session stays open; CurrentSessionID always picks the newest.
func (db *DB) StartSession(title string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		StartedAt: time.Now().UTC(),
	}
	_, err := db.Exec(`
		INSERT INTO sessions (id, title, started_at) VALUES (?, ?, ?)`,
		s.ID, s.Title, formatTime(s.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// EndSession closes a session and records its summary. Returns ErrNotFound
// for an unknown id.
func (db *DB) EndSession(id, summary string) (*Session, error) {
	res, err := db.Exec(`
		UPDATE sessions SET ended_at = ?, summary = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), summary, id)
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return db.GetSession(id)
}

// GetSession fetches one session by id.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, title, started_at, ended_at, summary FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// CurrentSessionID returns the id of the newest open session, or "" when no
// session is open. Memory writes call this to tag new records.
func (db *DB) CurrentSessionID() (string, error) {
	var id string
	err := db.QueryRow(`
		SELECT id FROM sessions WHERE ended_at IS NULL
		ORDER BY started_at DESC, id LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current session: %w", err)
	}
	return id, nil
}

// ListSessions returns the newest sessions first.
func (db *DB) ListSessions(limit int) ([]*Session, error) {
	rows, err := db.Query(`
		SELECT id, title, started_at, ended_at, summary
		FROM sessions ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s         Session
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&s.ID, &s.Title, &startedAt, &endedAt, &s.Summary)
	if err != nil {
		return nil, err
	}
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		s.EndedAt = &t
	}
	return &s, nil
}
