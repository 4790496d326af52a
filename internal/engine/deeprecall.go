package engine

import (
	"context"

	"github.com/hollisfrank/mnemo/internal/store"
)

// LinkedMemory is a memory reached through an entity back-reference rather
// than direct search. LinkedFrom is always "graph_entity"; EntityName names
// the entity whose back-reference surfaced it.
type LinkedMemory struct {
	Record     *store.Record `json:"record"`
	LinkedFrom string        `json:"linked_from"`
	EntityName string        `json:"entity_name"`
}

// EntityConnection is one relationship edge touching a matched entity, with
// both endpoint names resolved.
type EntityConnection struct {
	SourceName string  `json:"source_name"`
	TargetName string  `json:"target_name"`
	RelType    string  `json:"rel_type"`
	Weight     float64 `json:"weight"`
}

// DeepRecallResult aggregates every retrieval surface for one query.
type DeepRecallResult struct {
	Query          string             `json:"query"`
	Memories       []RecallResult     `json:"memories"`
	Knowledge      []RecallResult     `json:"knowledge"`
	Entities       []*store.Entity    `json:"entities"`
	Relationships  []EntityConnection `json:"relationships"`
	LinkedMemories []LinkedMemory     `json:"linked_memories"`
	TotalResults   int                `json:"total_results"`
}

// DeepRecall searches memories, knowledge, and the entity graph in one pass,
// collects the relationship edges among the matched entities, then follows
// entity back-references to memories the direct search missed. The query is
// embedded once and the vector shared across both collections. Sections fail
// independently: a broken section is logged at Warn and comes back empty
// while the rest of the answer still returns.
func (e *Engine) DeepRecall(ctx context.Context, query string, limit int) (*DeepRecallResult, error) {
	if limit <= 0 {
		limit = e.Cfg.Search.DefaultLimit
	}
	out := &DeepRecallResult{Query: query}
	qvec := e.tryEmbed(ctx, query)

	memories, err := e.searchCollection(ctx, store.Memories, query, qvec, RecallOpts{Limit: limit}, true)
	if err != nil {
		e.Log.Warn("deep recall: memories section failed", "err", err)
	} else {
		out.Memories = memories
	}

	knowledge, err := e.searchCollection(ctx, store.Knowledge, query, qvec, RecallOpts{Limit: limit}, false)
	if err != nil {
		e.Log.Warn("deep recall: knowledge section failed", "err", err)
	} else {
		out.Knowledge = knowledge
	}

	entities, err := e.DB.SearchEntities(query, limit)
	if err != nil {
		e.Log.Warn("deep recall: entity section failed", "err", err)
	} else {
		out.Entities = entities
	}

	out.Relationships = e.entityConnections(out.Entities)

	seen := make(map[string]bool, len(out.Memories))
	for _, m := range out.Memories {
		seen[m.Record.ID] = true
	}
	for _, entity := range out.Entities {
		for _, id := range entity.MemoryIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			rec, err := e.DB.GetRecord(store.Memories, id)
			if err != nil {
				// Back-references can dangle after a merge archives the
				// source; skip quietly.
				continue
			}
			out.LinkedMemories = append(out.LinkedMemories, LinkedMemory{
				Record:     rec,
				LinkedFrom: "graph_entity",
				EntityName: entity.Name,
			})
		}
	}

	out.TotalResults = len(out.Memories) + len(out.Knowledge) +
		len(out.Entities) + len(out.Relationships) + len(out.LinkedMemories)
	return out, nil
}

// entityConnections gathers the relationship edges touching the matched
// entities, deduplicated by edge id. Endpoints outside the match set are
// resolved by lookup; an edge whose endpoint vanished is skipped.
func (e *Engine) entityConnections(entities []*store.Entity) []EntityConnection {
	names := make(map[string]string, len(entities))
	for _, entity := range entities {
		names[entity.ID] = entity.Name
	}

	seen := map[string]bool{}
	var out []EntityConnection
	for _, entity := range entities {
		rels, err := e.DB.EntityRelationships(entity.ID)
		if err != nil {
			e.Log.Warn("deep recall: relationship section failed", "entity", entity.ID, "err", err)
			continue
		}
		for _, rel := range rels {
			if seen[rel.ID] {
				continue
			}
			seen[rel.ID] = true
			src, ok := e.entityName(names, rel.SourceEntityID)
			if !ok {
				continue
			}
			dst, ok := e.entityName(names, rel.TargetEntityID)
			if !ok {
				continue
			}
			out = append(out, EntityConnection{
				SourceName: src,
				TargetName: dst,
				RelType:    rel.RelType,
				Weight:     rel.Weight,
			})
		}
	}
	return out
}

func (e *Engine) entityName(cache map[string]string, id string) (string, bool) {
	if name, ok := cache[id]; ok {
		return name, true
	}
	entity, err := e.DB.GetEntity(id)
	if err != nil {
		return "", false
	}
	cache[id] = entity.Name
	return entity.Name, true
}
