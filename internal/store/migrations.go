package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// recordTableSQL builds the primary row table for a collection. Memories and
// knowledge share one shape; knowledge carries a free-form category and a
// source field, which the shared shape absorbs.
func recordTableSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE %[1]s (
    id            TEXT PRIMARY KEY,
    content       TEXT NOT NULL,
    category      TEXT NOT NULL DEFAULT 'semantic',
    tags          TEXT NOT NULL DEFAULT '[]',
    importance    REAL NOT NULL DEFAULT 0.5,
    source        TEXT NOT NULL DEFAULT '',
    access_count  INTEGER NOT NULL DEFAULT 0,
    last_accessed TEXT,
    session_id    TEXT,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE INDEX idx_%[1]s_category ON %[1]s(category);
CREATE INDEX idx_%[1]s_created  ON %[1]s(created_at DESC);
`, table)
}

// ftsTableSQL builds the FTS5 shadow plus the triggers that keep it in
// lockstep with the primary table.
func ftsTableSQL(table string) string {
	return fmt.Sprintf(`
CREATE VIRTUAL TABLE %[1]s_fts USING fts5(
    content, tags,
    content=%[1]s,
    content_rowid=rowid
);

CREATE TRIGGER %[1]s_ai AFTER INSERT ON %[1]s BEGIN
    INSERT INTO %[1]s_fts(rowid, content, tags)
    VALUES (new.rowid, new.content, new.tags);
END;

CREATE TRIGGER %[1]s_ad AFTER DELETE ON %[1]s BEGIN
    INSERT INTO %[1]s_fts(%[1]s_fts, rowid, content, tags)
    VALUES ('delete', old.rowid, old.content, old.tags);
END;

CREATE TRIGGER %[1]s_au AFTER UPDATE OF content, tags ON %[1]s BEGIN
    INSERT INTO %[1]s_fts(%[1]s_fts, rowid, content, tags)
    VALUES ('delete', old.rowid, old.content, old.tags);
    INSERT INTO %[1]s_fts(rowid, content, tags)
    VALUES (new.rowid, new.content, new.tags);
END;
`, table)
}

// vectorTableSQL builds the embedding shadow. The cascade keeps the shadow
// from outliving its primary row.
func vectorTableSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE %[1]s_vectors (
    record_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (record_id) REFERENCES %[1]s(id) ON DELETE CASCADE
);
`, table)
}

// archiveTableSQL builds the tombstone table. Archived rows carry the full
// record body plus archive provenance; they are never indexed for search.
func archiveTableSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE %[1]s_archive (
    id                   TEXT PRIMARY KEY,
    content              TEXT NOT NULL,
    category             TEXT NOT NULL,
    tags                 TEXT NOT NULL,
    importance           REAL NOT NULL,
    source               TEXT NOT NULL DEFAULT '',
    access_count         INTEGER NOT NULL,
    last_accessed        TEXT,
    session_id           TEXT,
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL,
    archived_at          TEXT NOT NULL,
    archive_reason       TEXT NOT NULL,
    merged_into_id       TEXT,
    consolidation_run_id TEXT
);

CREATE INDEX idx_%[1]s_archive_run ON %[1]s_archive(consolidation_run_id);
`, table)
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories + knowledge: primary record tables",
		SQL:         recordTableSQL("memories") + recordTableSQL("knowledge"),
	},
	{
		Version:     2,
		Description: "fts5 keyword shadows with sync triggers",
		SQL:         ftsTableSQL("memories") + ftsTableSQL("knowledge"),
	},
	{
		Version:     3,
		Description: "embedding vector shadows",
		SQL:         vectorTableSQL("memories") + vectorTableSQL("knowledge"),
	},
	{
		Version:     4,
		Description: "archive tombstones + consolidation log",
		SQL: archiveTableSQL("memories") + archiveTableSQL("knowledge") + `
CREATE TABLE consolidation_log (
    id              TEXT PRIMARY KEY,
    collection      TEXT NOT NULL,
    action          TEXT NOT NULL CHECK (action IN ('merge', 'archive')),
    source_ids      TEXT NOT NULL,
    result_id       TEXT,
    content_preview TEXT NOT NULL DEFAULT '',
    reason          TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);

CREATE INDEX idx_consolidation_log_created ON consolidation_log(created_at DESC);
`,
	},
	{
		Version:     5,
		Description: "knowledge graph: entities + relationships",
		SQL: `
CREATE TABLE graph_entities (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    aliases     TEXT NOT NULL DEFAULT '[]',
    memory_ids  TEXT NOT NULL DEFAULT '[]',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_entities_name_type ON graph_entities(name, entity_type);

CREATE TABLE graph_relationships (
    id               TEXT PRIMARY KEY,
    source_entity_id TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    rel_type         TEXT NOT NULL,
    weight           REAL NOT NULL DEFAULT 1.0,
    evidence_ids     TEXT NOT NULL DEFAULT '[]',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    FOREIGN KEY (source_entity_id) REFERENCES graph_entities(id) ON DELETE CASCADE,
    FOREIGN KEY (target_entity_id) REFERENCES graph_entities(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX idx_relationships_triple
    ON graph_relationships(source_entity_id, target_entity_id, rel_type);
`,
	},
	{
		Version:     6,
		Description: "sessions: session tracking",
		SQL: `
CREATE TABLE sessions (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    ended_at   TEXT,
    summary    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_sessions_started ON sessions(started_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
