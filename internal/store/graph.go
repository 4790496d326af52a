package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entity is a node in the knowledge graph. MemoryIDs are back-references to
// memory records that mention the entity; deep recall follows them.
type Entity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	EntityType  string    `json:"entity_type"`
	Description string    `json:"description,omitempty"`
	Aliases     []string  `json:"aliases"`
	MemoryIDs   []string  `json:"memory_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Relationship is a typed, weighted edge between two entities. EvidenceIDs
// point at memory records supporting the edge.
type Relationship struct {
	ID             string    `json:"id"`
	SourceEntityID string    `json:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id"`
	RelType        string    `json:"rel_type"`
	Weight         float64   `json:"weight"`
	EvidenceIDs    []string  `json:"evidence_ids"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func marshalIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func unmarshalIDs(s string) []string {
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil || ids == nil {
		return []string{}
	}
	return ids
}

// unionIDs merges two id lists preserving first-seen order of a, then b.
func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string{}, a...), b...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// UpsertEntity creates an entity or merges into the existing (name, type)
// row: aliases and memory ids are unioned, the description is replaced only
// when the new one is non-empty. Returns the stored entity.
func (db *DB) UpsertEntity(e *Entity) (*Entity, error) {
	if strings.TrimSpace(e.Name) == "" {
		return nil, errors.New("entity name is required")
	}
	if e.EntityType == "" {
		e.EntityType = "concept"
	}

	existing, err := db.getEntityByNameType(e.Name, e.EntityType)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	if existing != nil {
		desc := existing.Description
		if e.Description != "" {
			desc = e.Description
		}
		aliases := unionIDs(existing.Aliases, e.Aliases)
		memoryIDs := unionIDs(existing.MemoryIDs, e.MemoryIDs)

		_, err := db.Exec(`
			UPDATE graph_entities
			SET description = ?, aliases = ?, memory_ids = ?, updated_at = ?
			WHERE id = ?`,
			desc, marshalIDs(aliases), marshalIDs(memoryIDs), formatTime(now), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update entity: %w", err)
		}
		return db.GetEntity(existing.ID)
	}

	if e.ID == "" {
		e.ID = db.NewID()
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err = db.Exec(`
		INSERT INTO graph_entities
			(id, name, entity_type, description, aliases, memory_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.EntityType, e.Description,
		marshalIDs(e.Aliases), marshalIDs(e.MemoryIDs),
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return db.GetEntity(e.ID)
}

func (db *DB) getEntityByNameType(name, entityType string) (*Entity, error) {
	row := db.QueryRow(`
		SELECT id, name, entity_type, description, aliases, memory_ids, created_at, updated_at
		FROM graph_entities WHERE name = ? AND entity_type = ?`, name, entityType)
	return scanEntity(row)
}

// GetEntity fetches one entity by id. Returns ErrNotFound for a missing id.
func (db *DB) GetEntity(id string) (*Entity, error) {
	row := db.QueryRow(`
		SELECT id, name, entity_type, description, aliases, memory_ids, created_at, updated_at
		FROM graph_entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", id, err)
	}
	return e, nil
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e                    Entity
		aliases, memoryIDs   string
		createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &e.Name, &e.EntityType, &e.Description,
		&aliases, &memoryIDs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Aliases = unmarshalIDs(aliases)
	e.MemoryIDs = unmarshalIDs(memoryIDs)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// SearchEntities finds entities whose name or aliases contain the query,
// case-insensitive. Results are ordered by name for stable output.
func (db *DB) SearchEntities(query string, limit int) ([]*Entity, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := db.Query(`
		SELECT id, name, entity_type, description, aliases, memory_ids, created_at, updated_at
		FROM graph_entities
		WHERE LOWER(name) LIKE ? OR LOWER(aliases) LIKE ?
		ORDER BY name, entity_type LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LinkEntityMemories appends memory ids to an entity's back-references.
func (db *DB) LinkEntityMemories(entityID string, memoryIDs []string) error {
	e, err := db.GetEntity(entityID)
	if err != nil {
		return err
	}
	merged := unionIDs(e.MemoryIDs, memoryIDs)
	_, err = db.Exec(`
		UPDATE graph_entities SET memory_ids = ?, updated_at = ? WHERE id = ?`,
		marshalIDs(merged), formatTime(time.Now().UTC()), entityID)
	if err != nil {
		return fmt.Errorf("link entity memories: %w", err)
	}
	return nil
}

// UpsertRelationship creates an edge or merges into the existing
// (source, target, type) triple: the weight takes the higher value and the
// evidence lists are unioned. Both endpoints must exist.
func (db *DB) UpsertRelationship(r *Relationship) (*Relationship, error) {
	if r.SourceEntityID == "" || r.TargetEntityID == "" || r.RelType == "" {
		return nil, errors.New("source, target, and rel_type are required")
	}
	if r.Weight == 0 {
		r.Weight = 1.0
	}
	for _, id := range []string{r.SourceEntityID, r.TargetEntityID} {
		if _, err := db.GetEntity(id); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	existing, err := db.getRelationshipByTriple(r.SourceEntityID, r.TargetEntityID, r.RelType)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		weight := existing.Weight
		if r.Weight > weight {
			weight = r.Weight
		}
		evidence := unionIDs(existing.EvidenceIDs, r.EvidenceIDs)
		_, err := db.Exec(`
			UPDATE graph_relationships
			SET weight = ?, evidence_ids = ?, updated_at = ?
			WHERE id = ?`,
			weight, marshalIDs(evidence), formatTime(now), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update relationship: %w", err)
		}
		return db.getRelationshipByTriple(r.SourceEntityID, r.TargetEntityID, r.RelType)
	}

	if r.ID == "" {
		r.ID = db.NewID()
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err = db.Exec(`
		INSERT INTO graph_relationships
			(id, source_entity_id, target_entity_id, rel_type, weight, evidence_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceEntityID, r.TargetEntityID, r.RelType, r.Weight,
		marshalIDs(r.EvidenceIDs), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert relationship: %w", err)
	}
	return db.getRelationshipByTriple(r.SourceEntityID, r.TargetEntityID, r.RelType)
}

func (db *DB) getRelationshipByTriple(source, target, relType string) (*Relationship, error) {
	row := db.QueryRow(`
		SELECT id, source_entity_id, target_entity_id, rel_type, weight,
			evidence_ids, created_at, updated_at
		FROM graph_relationships
		WHERE source_entity_id = ? AND target_entity_id = ? AND rel_type = ?`,
		source, target, relType)
	return scanRelationship(row)
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var (
		r                    Relationship
		evidence             string
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.RelType,
		&r.Weight, &evidence, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.EvidenceIDs = unmarshalIDs(evidence)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// EntityRelationships lists all edges touching an entity, both directions,
// heaviest first.
func (db *DB) EntityRelationships(entityID string) ([]*Relationship, error) {
	rows, err := db.Query(`
		SELECT id, source_entity_id, target_entity_id, rel_type, weight,
			evidence_ids, created_at, updated_at
		FROM graph_relationships
		WHERE source_entity_id = ? OR target_entity_id = ?`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity relationships: %w", err)
	}
	defer rows.Close()

	var out []*Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountEntities returns totals for the graph tables.
func (db *DB) CountEntities() (entities, relationships int, err error) {
	if err = db.QueryRow("SELECT COUNT(*) FROM graph_entities").Scan(&entities); err != nil {
		return 0, 0, err
	}
	if err = db.QueryRow("SELECT COUNT(*) FROM graph_relationships").Scan(&relationships); err != nil {
		return 0, 0, err
	}
	return entities, relationships, nil
}
