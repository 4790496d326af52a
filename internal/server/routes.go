package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hollisfrank/mnemo/internal/engine"
	"github.com/hollisfrank/mnemo/internal/store"
)

// patchRequest decodes PATCH bodies; absent fields stay nil and untouched.
type patchRequest struct {
	Content    *string   `json:"content"`
	Category   *string   `json:"category"`
	Tags       *[]string `json:"tags"`
	Importance *float64  `json:"importance"`
	Source     *string   `json:"source"`
}

func (p patchRequest) toPatch() store.RecordPatch {
	return store.RecordPatch{
		Content:    p.Content,
		Category:   p.Category,
		Tags:       p.Tags,
		Importance: p.Importance,
		Source:     p.Source,
	}
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var in engine.RememberInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	rec, err := s.eng.Remember(r.Context(), in)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func recallOpts(r *http.Request) engine.RecallOpts {
	opts := engine.RecallOpts{
		Category: r.URL.Query().Get("category"),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				opts.Tags = append(opts.Tags, t)
			}
		}
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		opts.Limit = limit
	}
	return opts
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	results, err := s.eng.Recall(r.Context(), r.URL.Query().Get("q"), recallOpts(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.eng.Forget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !deleted {
		respondJSON(w, http.StatusNotFound, map[string]any{"deleted": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Boost float64 `json:"boost"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBadRequest(w, "invalid json")
			return
		}
	}
	rec, err := s.eng.Reinforce(r.Context(), chi.URLParam(r, "id"), req.Boost)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	rec, err := s.eng.UpdateMemory(r.Context(), chi.URLParam(r, "id"), req.toPatch())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStoreKnowledge(w http.ResponseWriter, r *http.Request) {
	var in engine.RememberInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	rec, err := s.eng.StoreKnowledge(r.Context(), in)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	results, err := s.eng.SearchKnowledge(r.Context(), r.URL.Query().Get("q"), recallOpts(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleModifyKnowledge(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	rec, err := s.eng.ModifyKnowledge(r.Context(), chi.URLParam(r, "id"), req.toPatch())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func clusterOpts(r *http.Request) engine.ClusterOpts {
	opts := engine.ClusterOpts{
		Category: r.URL.Query().Get("category"),
	}
	if t, err := strconv.ParseFloat(r.URL.Query().Get("threshold"), 64); err == nil {
		opts.Threshold = t
	}
	if days, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && days > 0 {
		opts.Since = time.Now().UTC().AddDate(0, 0, -days)
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		opts.Limit = limit
	}
	return opts
}

func (s *Server) handleFindClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.eng.FindClusters(r.Context(), clusterOpts(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

func (s *Server) handleFindDuplicates(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.eng.FindDuplicates(r.Context(), clusterOpts(r))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"duplicates": pairs,
		"count":      len(pairs),
	})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs        []string  `json:"ids"`
		Content    string    `json:"content"`
		Category   *string   `json:"category"`
		Tags       *[]string `json:"tags"`
		Importance *float64  `json:"importance"`
		Reason     string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	result, err := s.eng.MergeMemories(r.Context(), engine.MergeInput{
		IDs:        req.IDs,
		Content:    req.Content,
		Category:   req.Category,
		Tags:       req.Tags,
		Importance: req.Importance,
		Reason:     req.Reason,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []string `json:"ids"`
		Reason string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	result, err := s.eng.ArchiveMemories(r.Context(), req.IDs, req.Reason)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsolidationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.GetConsolidationStats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleConsolidationLog(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	entries, err := s.db.ListConsolidationLog(limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleDeepRecall(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		respondBadRequest(w, "q is required")
		return
	}
	limit := 0
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = n
	}
	result, err := s.eng.DeepRecall(r.Context(), query, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleAddEntity(w http.ResponseWriter, r *http.Request) {
	var e store.Entity
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	entity, err := s.db.UpsertEntity(&e)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entity)
}

func (s *Server) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	entities, err := s.db.SearchEntities(r.URL.Query().Get("q"), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"entities": entities,
		"count":    len(entities),
	})
}

func (s *Server) handleEntityRelationships(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.db.GetEntity(id); err != nil {
		s.respondError(w, err)
		return
	}
	rels, err := s.db.EntityRelationships(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"relationships": rels,
		"count":         len(rels),
	})
}

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	var rel store.Relationship
	if err := json.NewDecoder(r.Body).Decode(&rel); err != nil {
		respondBadRequest(w, "invalid json")
		return
	}
	stored, err := s.db.UpsertRelationship(&rel)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBadRequest(w, "invalid json")
			return
		}
	}
	sess, err := s.db.StartSession(req.Title)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	sessions, err := s.db.ListSessions(limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.db.CurrentSessionID()
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBadRequest(w, "invalid json")
			return
		}
	}
	sess, err := s.db.EndSession(chi.URLParam(r, "id"), req.Summary)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
