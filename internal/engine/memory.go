package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/hollisfrank/mnemo/internal/store"
)

// RememberInput is the payload for storing a new record. Importance is a
// pointer so an explicit 0 survives; nil takes the 0.5 default.
type RememberInput struct {
	Content    string   `json:"content"`
	Category   string   `json:"category,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Importance *float64 `json:"importance,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// importanceOrDefault resolves the optional importance field. Range checks
// happen in the store.
func importanceOrDefault(p *float64) float64 {
	if p == nil {
		return 0.5
	}
	return *p
}

// RecallOpts narrows a recall.
type RecallOpts struct {
	Category string
	Tags     []string
	Limit    int
}

// RecallResult is one scored hit. Relevance is the fused search score,
// Decay the retention score at query time, and Score their product, which
// orders the output. Origin is "search" for ranked hits and "recent" for the
// empty-query recency fallback.
type RecallResult struct {
	Record    *store.Record `json:"record"`
	Relevance float64       `json:"relevance"`
	Decay     float64       `json:"decay"`
	Score     float64       `json:"score"`
	Origin    string        `json:"origin"`
}

// Remember stores a new memory. The record is tagged with the current open
// session, and embedded when the embedder is healthy; an embed failure still
// stores the record, searchable by keyword only.
func (e *Engine) Remember(ctx context.Context, in RememberInput) (*store.Record, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, errors.New("content is required")
	}

	sessionID, err := e.DB.CurrentSessionID()
	if err != nil {
		return nil, err
	}

	rec := &store.Record{
		Content:    in.Content,
		Category:   in.Category,
		Tags:       in.Tags,
		Importance: importanceOrDefault(in.Importance),
		Source:     in.Source,
		SessionID:  sessionID,
	}
	vec := e.tryEmbed(ctx, in.Content)
	if err := e.DB.InsertRecord(store.Memories, rec, vec, e.embedderModel()); err != nil {
		return nil, err
	}
	return rec, nil
}

// Recall runs hybrid retrieval over memories, decays the hits, and bumps
// access stats on everything returned.
func (e *Engine) Recall(ctx context.Context, query string, opts RecallOpts) ([]RecallResult, error) {
	return e.searchCollection(ctx, store.Memories, query, e.tryEmbed(ctx, query), opts, true)
}

// Forget permanently deletes a memory. Returns false when the id is unknown.
// Consolidation never calls this; it archives instead.
func (e *Engine) Forget(ctx context.Context, id string) (bool, error) {
	return e.DB.DeleteRecord(store.Memories, id)
}

// Reinforce bumps a memory's importance and resets its decay clock.
func (e *Engine) Reinforce(ctx context.Context, id string, boost float64) (*store.Record, error) {
	if boost <= 0 {
		boost = 0.1
	}
	return e.DB.BumpImportance(store.Memories, id, boost)
}

// UpdateMemory applies a partial update. A content change re-embeds; if the
// embedder is down the stale vector is dropped rather than kept wrong.
func (e *Engine) UpdateMemory(ctx context.Context, id string, patch store.RecordPatch) (*store.Record, error) {
	return e.updateRecord(ctx, store.Memories, id, patch)
}

// StoreKnowledge stores a record in the knowledge collection. Knowledge
// carries an open category vocabulary and a source attribution.
func (e *Engine) StoreKnowledge(ctx context.Context, in RememberInput) (*store.Record, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, errors.New("content is required")
	}
	if in.Category == "" {
		in.Category = "general"
	}

	rec := &store.Record{
		Content:    in.Content,
		Category:   in.Category,
		Tags:       in.Tags,
		Importance: importanceOrDefault(in.Importance),
		Source:     in.Source,
	}
	vec := e.tryEmbed(ctx, in.Content)
	if err := e.DB.InsertRecord(store.Knowledge, rec, vec, e.embedderModel()); err != nil {
		return nil, err
	}
	return rec, nil
}

// SearchKnowledge runs hybrid retrieval over the knowledge collection.
// Knowledge does not decay; ordering is pure fused relevance.
func (e *Engine) SearchKnowledge(ctx context.Context, query string, opts RecallOpts) ([]RecallResult, error) {
	return e.searchCollection(ctx, store.Knowledge, query, e.tryEmbed(ctx, query), opts, false)
}

// ModifyKnowledge applies a partial update to a knowledge record.
func (e *Engine) ModifyKnowledge(ctx context.Context, id string, patch store.RecordPatch) (*store.Record, error) {
	return e.updateRecord(ctx, store.Knowledge, id, patch)
}

func (e *Engine) updateRecord(ctx context.Context, c store.Collection, id string, patch store.RecordPatch) (*store.Record, error) {
	var vec []float32
	if patch.Content != nil {
		vec = e.tryEmbed(ctx, *patch.Content)
	}
	return e.DB.UpdateRecord(c, id, patch, vec, e.embedderModel())
}

// searchCollection runs one hybrid search. qvec is the already-embedded
// query (nil when the embedder is down); deep recall shares one embedding
// across both collections.
func (e *Engine) searchCollection(ctx context.Context, c store.Collection, query string, qvec []float32, opts RecallOpts, applyDecay bool) ([]RecallResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = e.Cfg.Search.DefaultLimit
	}
	candidates := e.Cfg.Search.Candidates
	if candidates < limit {
		candidates = limit
	}

	var vecHits []store.VectorHit
	if qvec != nil && !isZeroVector(qvec) {
		var err error
		vecHits, err = e.DB.SearchVector(c, qvec, opts.Category, candidates)
		if err != nil {
			return nil, err
		}
	}

	kwHits, err := e.DB.SearchKeyword(c, query, opts.Category, candidates)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	// Nothing matched on either channel: surface the newest records so an
	// empty or unsearchable query still returns something useful.
	if len(vecHits) == 0 && len(kwHits) == 0 {
		recent, err := e.DB.ListRecent(c, opts.Category, limit)
		if err != nil {
			return nil, err
		}
		var results []RecallResult
		for _, rec := range recent {
			if !hasAllTags(rec, opts.Tags) {
				continue
			}
			res := RecallResult{Record: rec, Decay: 1, Origin: "recent"}
			if applyDecay {
				res.Decay = Decay(e.Cfg.Decay, rec, now)
			}
			res.Score = res.Decay
			results = append(results, res)
		}
		e.touchResults(c, results)
		return results, nil
	}

	ranked := HybridRank(vecHits, kwHits, e.Cfg.Search.VectorWeight, e.Cfg.Search.KeywordWeight)

	ids := make([]string, len(ranked))
	for i, h := range ranked {
		ids[i] = h.ID
	}
	records, err := e.DB.GetRecords(c, ids)
	if err != nil {
		return nil, err
	}

	var results []RecallResult
	for _, h := range ranked {
		rec, ok := records[h.ID]
		if !ok || !hasAllTags(rec, opts.Tags) {
			continue
		}
		res := RecallResult{
			Record:    rec,
			Relevance: h.Score,
			Decay:     1,
			Origin:    "search",
		}
		if applyDecay {
			res.Decay = Decay(e.Cfg.Decay, rec, now)
		}
		res.Score = res.Relevance * res.Decay
		results = append(results, res)
	}

	// Decay can reorder the fused ranking; the id tie-break keeps equal
	// scores stable.
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	e.touchResults(c, results)
	return results, nil
}

func (e *Engine) touchResults(c store.Collection, results []RecallResult) {
	for _, res := range results {
		if err := e.DB.TouchRecord(c, res.Record.ID); err != nil {
			e.Log.Warn("touch record failed", "id", res.Record.ID, "err", err)
		}
	}
}

// isZeroVector reports an embedding with no signal, e.g. a punctuation-only
// query under the hashing embedder. Cosine distance against it is
// meaningless, so the caller skips the vector channel.
func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func hasAllTags(rec *store.Record, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(rec.Tags))
	for _, t := range rec.Tags {
		have[t] = true
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

func sortResults(results []RecallResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.ID < results[j].Record.ID
	})
}
