package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArchiveReason values recorded on tombstones.
const (
	ReasonConsolidated = "consolidated"
	ReasonManual       = "manual"
	ReasonLowValue     = "low_value"
)

// ArchivedRecord is a tombstone row: the full record body at archive time
// plus provenance. Archived rows are excluded from all search paths.
type ArchivedRecord struct {
	Record
	ArchivedAt         time.Time `json:"archived_at"`
	ArchiveReason      string    `json:"archive_reason"`
	MergedIntoID       string    `json:"merged_into_id,omitempty"`
	ConsolidationRunID string    `json:"consolidation_run_id,omitempty"`
}

// ArchiveRecord moves a live record into the collection's archive table in
// one transaction: the tombstone is written with provenance, then the primary
// row is deleted, which drops the FTS and vector shadows with it. Returns
// false when the id had no live row.
func (db *DB) ArchiveRecord(c Collection, id, reason, mergedIntoID, runID string) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (id, content, category, tags, importance, source,
			access_count, last_accessed, session_id, created_at, updated_at,
			archived_at, archive_reason, merged_into_id, consolidation_run_id)
		SELECT id, content, category, tags, importance, source,
			access_count, last_accessed, session_id, created_at, updated_at,
			?, ?, ?, ?
		FROM %s WHERE id = ?`, c.archive(), c.table()),
		formatTime(time.Now().UTC()), reason,
		nullable(mergedIntoID), nullable(runID), id)
	if err != nil {
		return false, fmt.Errorf("archive %s record: %w", c.Name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if _, err := tx.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE id = ?", c.table()), id); err != nil {
		return false, fmt.Errorf("remove archived row: %w", err)
	}

	return true, tx.Commit()
}

// GetArchivedRecord fetches one tombstone by id. Returns ErrNotFound when
// the id was never archived.
func (db *DB) GetArchivedRecord(c Collection, id string) (*ArchivedRecord, error) {
	row := db.QueryRow(fmt.Sprintf(`
		SELECT %s, archived_at, archive_reason, merged_into_id, consolidation_run_id
		FROM %s WHERE id = ?`, recordColumns, c.archive()), id)

	var (
		a                    ArchivedRecord
		tags                 string
		lastAccessed         sql.NullString
		sessionID            sql.NullString
		createdAt, updatedAt string
		archivedAt           string
		mergedInto           sql.NullString
		runID                sql.NullString
	)
	err := row.Scan(&a.ID, &a.Content, &a.Category, &tags, &a.Importance,
		&a.Source, &a.AccessCount, &lastAccessed, &sessionID, &createdAt,
		&updatedAt, &archivedAt, &a.ArchiveReason, &mergedInto, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s archive %s: %w", c.Name, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get archived %s record: %w", c.Name, err)
	}

	a.Tags = unmarshalTags(tags)
	a.SessionID = sessionID.String
	a.MergedIntoID = mergedInto.String
	a.ConsolidationRunID = runID.String
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if a.ArchivedAt, err = parseTime(archivedAt); err != nil {
		return nil, err
	}
	if lastAccessed.Valid {
		t, err := parseTime(lastAccessed.String)
		if err != nil {
			return nil, err
		}
		a.LastAccessed = &t
	}
	return &a, nil
}

// CountArchived returns the tombstone count for a collection.
func (db *DB) CountArchived(c Collection) (int, error) {
	var n int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", c.archive())).Scan(&n)
	return n, err
}

// ConsolidationEntry is one audit line: a merge or archive action, the ids it
// consumed, and what it produced.
type ConsolidationEntry struct {
	ID             string    `json:"id"`
	Collection     string    `json:"collection"`
	Action         string    `json:"action"`
	SourceIDs      []string  `json:"source_ids"`
	ResultID       string    `json:"result_id,omitempty"`
	ContentPreview string    `json:"content_preview,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LogConsolidation appends one audit entry. The id is generated when empty.
func (db *DB) LogConsolidation(e *ConsolidationEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	sourceIDs, _ := json.Marshal(e.SourceIDs)

	_, err := db.Exec(`
		INSERT INTO consolidation_log
			(id, collection, action, source_ids, result_id, content_preview, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Collection, e.Action, string(sourceIDs),
		nullable(e.ResultID), e.ContentPreview, e.Reason, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("log consolidation: %w", err)
	}
	return nil
}

// ListConsolidationLog returns the newest audit entries first.
func (db *DB) ListConsolidationLog(limit int) ([]ConsolidationEntry, error) {
	rows, err := db.Query(`
		SELECT id, collection, action, source_ids, result_id,
			content_preview, reason, created_at
		FROM consolidation_log
		ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list consolidation log: %w", err)
	}
	defer rows.Close()

	var out []ConsolidationEntry
	for rows.Next() {
		var (
			e         ConsolidationEntry
			sourceIDs string
			resultID  *string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Collection, &e.Action, &sourceIDs,
			&resultID, &e.ContentPreview, &e.Reason, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sourceIDs), &e.SourceIDs); err != nil {
			e.SourceIDs = nil
		}
		if resultID != nil {
			e.ResultID = *resultID
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountConsolidationLog returns audit entry counts keyed by action.
func (db *DB) CountConsolidationLog() (map[string]int, error) {
	rows, err := db.Query("SELECT action, COUNT(*) FROM consolidation_log GROUP BY action")
	if err != nil {
		return nil, fmt.Errorf("count consolidation log: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
