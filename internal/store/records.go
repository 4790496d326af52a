package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned by single-record lookups when the id has no row.
var ErrNotFound = errors.New("record not found")

// Collection names one of the two record stores. Memories and knowledge
// share the same schema; the collection picks the table family.
type Collection struct {
	Name string
}

var (
	Memories  = Collection{Name: "memories"}
	Knowledge = Collection{Name: "knowledge"}
)

func (c Collection) table() string   { return c.Name }
func (c Collection) fts() string     { return c.Name + "_fts" }
func (c Collection) vectors() string { return c.Name + "_vectors" }
func (c Collection) archive() string { return c.Name + "_archive" }

// Record is one stored item in a collection. Decay is derived at query time
// and never persisted, so it is not part of the row.
type Record struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	Category     string     `json:"category"`
	Tags         []string   `json:"tags"`
	Importance   float64    `json:"importance"`
	Source       string     `json:"source,omitempty"`
	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RecordPatch carries partial updates. Nil fields are left untouched.
type RecordPatch struct {
	Content    *string
	Category   *string
	Tags       *[]string
	Importance *float64
	Source     *string
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Content == nil && p.Category == nil && p.Tags == nil &&
		p.Importance == nil && p.Source == nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

const recordColumns = `id, content, category, tags, importance, source,
	access_count, last_accessed, session_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                     Record
		tags                  string
		lastAccessed          sql.NullString
		sessionID             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.Content, &r.Category, &tags, &r.Importance,
		&r.Source, &r.AccessCount, &lastAccessed, &sessionID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Tags = unmarshalTags(tags)
	r.SessionID = sessionID.String
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		t, err := parseTime(lastAccessed.String)
		if err != nil {
			return nil, err
		}
		r.LastAccessed = &t
	}
	return &r, nil
}

// InsertRecord stores a new record and, when an embedding is supplied, its
// vector shadow in the same transaction. The FTS shadow is trigger-maintained.
// Missing id, timestamps, and category are filled in.
func (db *DB) InsertRecord(c Collection, r *Record, embedding []float32, model string) error {
	if strings.TrimSpace(r.Content) == "" {
		return errors.New("content is required")
	}
	if r.ID == "" {
		r.ID = db.NewID()
	}
	if r.Category == "" {
		r.Category = "semantic"
	}
	if r.Importance < 0 || r.Importance > 1 {
		return fmt.Errorf("importance %v out of range [0, 1]", r.Importance)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	var sessionID any
	if r.SessionID != "" {
		sessionID = r.SessionID
	}

	_, err = tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (id, content, category, tags, importance, source,
			access_count, last_accessed, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)`, c.table()),
		r.ID, r.Content, r.Category, marshalTags(r.Tags), r.Importance,
		r.Source, sessionID, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert %s record: %w", c.Name, err)
	}

	if embedding != nil {
		if err := saveVectorTx(tx, c, r.ID, embedding, model); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRecord fetches one record by id. Returns ErrNotFound for a missing id.
func (db *DB) GetRecord(c Collection, id string) (*Record, error) {
	row := db.QueryRow(fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = ?", recordColumns, c.table()), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", c.Name, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s record: %w", c.Name, err)
	}
	return r, nil
}

// GetRecords fetches a batch of ids in one query. Missing ids are simply
// absent from the result map.
func (db *DB) GetRecords(c Collection, ids []string) (map[string]*Record, error) {
	out := make(map[string]*Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.Query(fmt.Sprintf(
		"SELECT %s FROM %s WHERE id IN (%s)", recordColumns, c.table(), placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("get %s records: %w", c.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// UpdateRecord applies a partial update. When the content changes the vector
// shadow is replaced with the supplied embedding, or dropped when embedding is
// nil so a stale vector never outlives its text.
func (db *DB) UpdateRecord(c Collection, id string, p RecordPatch, embedding []float32, model string) (*Record, error) {
	if p.Empty() {
		return db.GetRecord(c, id)
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now().UTC())}
	if p.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *p.Content)
	}
	if p.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *p.Category)
	}
	if p.Tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, marshalTags(*p.Tags))
	}
	if p.Importance != nil {
		if *p.Importance < 0 || *p.Importance > 1 {
			return nil, fmt.Errorf("importance %v out of range [0, 1]", *p.Importance)
		}
		sets = append(sets, "importance = ?")
		args = append(args, *p.Importance)
	}
	if p.Source != nil {
		sets = append(sets, "source = ?")
		args = append(args, *p.Source)
	}
	args = append(args, id)

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = ?", c.table(), strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("update %s record: %w", c.Name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("%s %s: %w", c.Name, id, ErrNotFound)
	}

	if p.Content != nil {
		if embedding != nil {
			if err := saveVectorTx(tx, c, id, embedding, model); err != nil {
				return nil, err
			}
		} else {
			if _, err := tx.Exec(fmt.Sprintf(
				"DELETE FROM %s WHERE record_id = ?", c.vectors()), id); err != nil {
				return nil, fmt.Errorf("drop stale vector: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return db.GetRecord(c, id)
}

// DeleteRecord removes a record. The FTS trigger and the vector cascade keep
// the shadows consistent. Returns false when the id had no row.
func (db *DB) DeleteRecord(c Collection, id string) (bool, error) {
	res, err := db.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", c.table()), id)
	if err != nil {
		return false, fmt.Errorf("delete %s record: %w", c.Name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchRecord bumps access_count and last_accessed, feeding the decay model.
func (db *DB) TouchRecord(c Collection, id string) error {
	_, err := db.Exec(fmt.Sprintf(`
		UPDATE %s SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?`, c.table()),
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("touch %s record: %w", c.Name, err)
	}
	return nil
}

// BumpImportance raises importance by delta, clamped to 1.0, and touches the
// record. Returns the updated record.
func (db *DB) BumpImportance(c Collection, id string, delta float64) (*Record, error) {
	res, err := db.Exec(fmt.Sprintf(`
		UPDATE %s SET importance = MIN(1.0, importance + ?),
			access_count = access_count + 1,
			last_accessed = ?, updated_at = ?
		WHERE id = ?`, c.table()),
		delta, formatTime(time.Now().UTC()), formatTime(time.Now().UTC()), id)
	if err != nil {
		return nil, fmt.Errorf("reinforce %s record: %w", c.Name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("%s %s: %w", c.Name, id, ErrNotFound)
	}
	return db.GetRecord(c, id)
}

// ListRecent returns the newest records, optionally filtered by category.
// Recall falls back to this when both search paths come up empty.
func (db *DB) ListRecent(c Collection, category string, limit int) ([]*Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", recordColumns, c.table())
	var args []any
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent %s: %w", c.Name, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// KeywordHit is one FTS5 match. Score is raw bm25 output: lower (more
// negative) means a better match.
type KeywordHit struct {
	ID    string
	Score float64
}

// sanitizeMatchQuery reduces free text to a safe FTS5 MATCH expression:
// tokens are stripped to letters, digits, and underscores, lowercased, and
// individually quoted. Returns "" when nothing survives.
func sanitizeMatchQuery(query string) string {
	var (
		quoted []string
		b      strings.Builder
	)
	flush := func() {
		if b.Len() > 0 {
			quoted = append(quoted, `"`+b.String()+`"`)
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(query) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return strings.Join(quoted, " ")
}

// SearchKeyword runs an FTS5 query over the collection and returns raw bm25
// hits. A query that sanitizes to nothing returns no hits rather than an
// error, so punctuation-only input degrades instead of failing.
func (db *DB) SearchKeyword(c Collection, query, category string, limit int) ([]KeywordHit, error) {
	match := sanitizeMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	sqlQuery := fmt.Sprintf(`
		SELECT r.id, bm25(%[2]s) AS score
		FROM %[2]s
		JOIN %[1]s r ON r.rowid = %[2]s.rowid
		WHERE %[2]s MATCH ?`, c.table(), c.fts())
	args := []any{match}
	if category != "" {
		sqlQuery += " AND r.category = ?"
		args = append(args, category)
	}
	sqlQuery += " ORDER BY score LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search %s: %w", c.Name, err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// CountRecords returns the live row count for a collection.
func (db *DB) CountRecords(c Collection) (int, error) {
	var n int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table())).Scan(&n)
	return n, err
}

// CountByCategory returns live row counts keyed by category.
func (db *DB) CountByCategory(c Collection) (map[string]int, error) {
	rows, err := db.Query(fmt.Sprintf(
		"SELECT category, COUNT(*) FROM %s GROUP BY category", c.table()))
	if err != nil {
		return nil, fmt.Errorf("count by category %s: %w", c.Name, err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[cat] = n
	}
	return out, rows.Err()
}
