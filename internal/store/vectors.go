package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// encodeEmbedding packs a float32 slice into a little-endian BLOB,
// 4 bytes per dimension.
func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding unpacks a BLOB produced by encodeEmbedding.
func decodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func saveVectorTx(tx *sql.Tx, c Collection, id string, vec []float32, model string) error {
	_, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (record_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			embedding = excluded.embedding,
			model = excluded.model,
			dimensions = excluded.dimensions,
			created_at = excluded.created_at`, c.vectors()),
		id, encodeEmbedding(vec), model, len(vec), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

// SaveVector upserts the embedding for a record outside a record write, e.g.
// when backfilling vectors for rows stored while the embedder was down.
func (db *DB) SaveVector(c Collection, id string, vec []float32, model string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin save vector: %w", err)
	}
	defer tx.Rollback()
	if err := saveVectorTx(tx, c, id, vec, model); err != nil {
		return err
	}
	return tx.Commit()
}

// GetVector returns the stored embedding for a record, or nil when the record
// has none.
func (db *DB) GetVector(c Collection, id string) ([]float32, error) {
	var blob []byte
	err := db.QueryRow(fmt.Sprintf(
		"SELECT embedding FROM %s WHERE record_id = ?", c.vectors()), id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	return decodeEmbedding(blob), nil
}

// StoredVector pairs a record id with its decoded embedding.
type StoredVector struct {
	ID        string
	Embedding []float32
}

// AllVectors loads every embedding in a collection, optionally restricted by
// the primary row's category and a minimum created_at on the primary row.
func (db *DB) AllVectors(c Collection, category string, since time.Time) ([]StoredVector, error) {
	query := fmt.Sprintf(`
		SELECT v.record_id, v.embedding
		FROM %s v JOIN %s r ON r.id = v.record_id`, c.vectors(), c.table())
	var (
		conds []string
		args  []any
	)
	if category != "" {
		conds = append(conds, "r.category = ?")
		args = append(args, category)
	}
	if !since.IsZero() {
		conds = append(conds, "r.created_at >= ?")
		args = append(args, formatTime(since))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY v.record_id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load vectors %s: %w", c.Name, err)
	}
	defer rows.Close()

	var out []StoredVector
	for rows.Next() {
		var sv StoredVector
		var blob []byte
		if err := rows.Scan(&sv.ID, &blob); err != nil {
			return nil, err
		}
		sv.Embedding = decodeEmbedding(blob)
		out = append(out, sv)
	}
	return out, rows.Err()
}

// VectorHit is one nearest-neighbor result. Distance is cosine distance:
// lower is better, 0 is identical.
type VectorHit struct {
	ID       string
	Distance float64
}

// SearchVector scans every stored embedding and returns the closest records
// by cosine distance. Brute force holds up at this scale; the store carries
// thousands of rows, not millions.
func (db *DB) SearchVector(c Collection, query []float32, category string, limit int) ([]VectorHit, error) {
	stored, err := db.AllVectors(c, category, time.Time{})
	if err != nil {
		return nil, err
	}

	hits := make([]VectorHit, 0, len(stored))
	for _, sv := range stored {
		sim := CosineSimilarity(query, sv.Embedding)
		hits = append(hits, VectorHit{ID: sv.ID, Distance: 1 - sim})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// MissingVectors returns ids of records that have no embedding yet.
func (db *DB) MissingVectors(c Collection, limit int) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`
		SELECT r.id FROM %s r
		LEFT JOIN %s v ON v.record_id = r.id
		WHERE v.record_id IS NULL
		ORDER BY r.created_at LIMIT ?`, c.table(), c.vectors()), limit)
	if err != nil {
		return nil, fmt.Errorf("missing vectors %s: %w", c.Name, err)
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

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
