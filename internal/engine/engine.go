package engine

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/hollisfrank/mnemo/internal/config"
	"github.com/hollisfrank/mnemo/internal/store"
)

// Engine orchestrates retrieval, decay, and consolidation over the record
// store. All write paths treat embedding as best-effort: a dead embedder
// degrades search to keyword-only, it never fails the operation.
type Engine struct {
	DB       *store.DB
	Embedder Embedder
	Cfg      config.Config
	Log      *log.Logger
}

// New creates an Engine. A nil logger gets a default stderr logger.
func New(db *store.DB, cfg config.Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		DB:  db,
		Cfg: cfg,
		Log: logger.With("component", "engine"),
	}
}

// SetEmbedder configures the embedding provider.
func (e *Engine) SetEmbedder(emb Embedder) {
	e.Embedder = emb
}

// tryEmbed embeds text, returning nil when no embedder is configured or the
// embedder fails. Failures are logged at Warn and otherwise swallowed.
func (e *Engine) tryEmbed(ctx context.Context, text string) []float32 {
	if e.Embedder == nil {
		return nil
	}
	vec, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		e.Log.Warn("embedding failed, degrading to keyword-only", "err", err)
		return nil
	}
	return vec
}

func (e *Engine) embedderModel() string {
	if e.Embedder == nil {
		return ""
	}
	return e.Embedder.Model()
}

// EmbedMissing backfills vectors for records stored while the embedder was
// unavailable. Returns the number of records embedded.
func (e *Engine) EmbedMissing(ctx context.Context, c store.Collection, limit int) (int, error) {
	if e.Embedder == nil {
		return 0, nil
	}
	ids, err := e.DB.MissingVectors(c, limit)
	if err != nil {
		return 0, err
	}

	embedded := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		rec, err := e.DB.GetRecord(c, id)
		if err != nil {
			return embedded, err
		}
		vec, err := e.Embedder.Embed(ctx, rec.Content)
		if err != nil {
			e.Log.Warn("backfill embed failed", "id", id, "err", err)
			continue
		}
		if err := e.DB.SaveVector(c, id, vec, e.Embedder.Model()); err != nil {
			return embedded, err
		}
		embedded++
	}
	return embedded, nil
}

// CollectionStats summarizes one collection.
type CollectionStats struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	Archived   int            `json:"archived"`
}

// Stats is the store-wide overview.
type Stats struct {
	Memories      CollectionStats `json:"memories"`
	Knowledge     CollectionStats `json:"knowledge"`
	Entities      int             `json:"entities"`
	Relationships int             `json:"relationships"`
	EmbedderModel string          `json:"embedder_model,omitempty"`
}

// GetStats reports record counts across both collections and the graph.
func (e *Engine) GetStats() (*Stats, error) {
	stats := &Stats{EmbedderModel: e.embedderModel()}

	for _, cs := range []struct {
		col store.Collection
		out *CollectionStats
	}{
		{store.Memories, &stats.Memories},
		{store.Knowledge, &stats.Knowledge},
	} {
		total, err := e.DB.CountRecords(cs.col)
		if err != nil {
			return nil, err
		}
		byCat, err := e.DB.CountByCategory(cs.col)
		if err != nil {
			return nil, err
		}
		archived, err := e.DB.CountArchived(cs.col)
		if err != nil {
			return nil, err
		}
		cs.out.Total = total
		cs.out.ByCategory = byCat
		cs.out.Archived = archived
	}

	entities, relationships, err := e.DB.CountEntities()
	if err != nil {
		return nil, err
	}
	stats.Entities = entities
	stats.Relationships = relationships
	return stats, nil
}
