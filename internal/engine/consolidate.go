package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hollisfrank/mnemo/internal/store"
)

// ClusterOpts narrows a cluster or duplicate scan.
type ClusterOpts struct {
	Threshold float64   // 0 uses the configured default
	Category  string
	Since     time.Time // only consider records created at or after
	Limit     int       // max clusters/pairs returned, 0 means all
}

// Cluster is a connected group of mutually similar memories. Members are
// ordered by id; AvgSimilarity averages over the in-cluster pairs that
// cleared the threshold.
type Cluster struct {
	Members       []*store.Record `json:"members"`
	AvgSimilarity float64         `json:"avg_similarity"`
}

// DuplicatePair is two memories whose embeddings are close enough to be the
// same statement twice.
type DuplicatePair struct {
	A          *store.Record `json:"a"`
	B          *store.Record `json:"b"`
	Similarity float64       `json:"similarity"`
}

// similarityEdges computes the pairwise cosine similarity of every embedded
// record in scope and returns the edges at or above the threshold. O(n²) on
// purpose: the scan runs offline over thousands of rows at most.
func (e *Engine) similarityEdges(c store.Collection, opts ClusterOpts, threshold float64) ([]store.StoredVector, [][2]int, []float64, error) {
	vectors, err := e.DB.AllVectors(c, opts.Category, opts.Since)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		edges [][2]int
		sims  []float64
	)
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := store.CosineSimilarity(vectors[i].Embedding, vectors[j].Embedding)
			if sim >= threshold {
				edges = append(edges, [2]int{i, j})
				sims = append(sims, sim)
			}
		}
	}
	return vectors, edges, sims, nil
}

// FindClusters groups similar memories by connected components over the
// similarity graph. Components need at least two members; oversized
// components are truncated to the configured cap, keeping the lowest ids.
// Clusters come back largest first, similarity breaking ties.
func (e *Engine) FindClusters(ctx context.Context, opts ClusterOpts) ([]Cluster, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = e.Cfg.Consolidation.ClusterThreshold
	}

	vectors, edges, sims, err := e.similarityEdges(store.Memories, opts, threshold)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}

	adj := make(map[int][]int)
	simByEdge := make(map[[2]int]float64, len(edges))
	for k, edge := range edges {
		adj[edge[0]] = append(adj[edge[0]], edge[1])
		adj[edge[1]] = append(adj[edge[1]], edge[0])
		simByEdge[edge] = sims[k]
	}

	visited := make([]bool, len(vectors))
	var clusters []Cluster
	for start := range vectors {
		if visited[start] || len(adj[start]) == 0 {
			continue
		}

		// BFS the component
		var component []int
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			component = append(component, node)
			for _, next := range adj[node] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		if len(component) < 2 {
			continue
		}

		sort.Slice(component, func(i, j int) bool {
			return vectors[component[i]].ID < vectors[component[j]].ID
		})
		if len(component) > e.Cfg.Consolidation.MaxClusterSize {
			component = component[:e.Cfg.Consolidation.MaxClusterSize]
		}

		inCluster := make(map[int]bool, len(component))
		for _, idx := range component {
			inCluster[idx] = true
		}
		var simSum float64
		var simCount int
		for k, edge := range edges {
			if inCluster[edge[0]] && inCluster[edge[1]] {
				simSum += sims[k]
				simCount++
			}
		}

		ids := make([]string, len(component))
		for i, idx := range component {
			ids[i] = vectors[idx].ID
		}
		members, err := e.loadOrdered(store.Memories, ids)
		if err != nil {
			return nil, err
		}

		cluster := Cluster{Members: members}
		if simCount > 0 {
			cluster.AvgSimilarity = simSum / float64(simCount)
		}
		clusters = append(clusters, cluster)
	}

	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].Members) != len(clusters[j].Members) {
			return len(clusters[i].Members) > len(clusters[j].Members)
		}
		if clusters[i].AvgSimilarity != clusters[j].AvgSimilarity {
			return clusters[i].AvgSimilarity > clusters[j].AvgSimilarity
		}
		return clusters[i].Members[0].ID < clusters[j].Members[0].ID
	})
	if opts.Limit > 0 && len(clusters) > opts.Limit {
		clusters = clusters[:opts.Limit]
	}
	return clusters, nil
}

// FindDuplicates returns memory pairs above the duplicate threshold, most
// similar first. The threshold sits well above the cluster threshold: a
// duplicate is the same statement twice, not merely related content.
func (e *Engine) FindDuplicates(ctx context.Context, opts ClusterOpts) ([]DuplicatePair, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = e.Cfg.Consolidation.DuplicateThreshold
	}

	vectors, edges, sims, err := e.similarityEdges(store.Memories, opts, threshold)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}

	var ids []string
	for _, edge := range edges {
		ids = append(ids, vectors[edge[0]].ID, vectors[edge[1]].ID)
	}
	records, err := e.DB.GetRecords(store.Memories, ids)
	if err != nil {
		return nil, err
	}

	pairs := make([]DuplicatePair, 0, len(edges))
	for k, edge := range edges {
		a, b := records[vectors[edge[0]].ID], records[vectors[edge[1]].ID]
		if a == nil || b == nil {
			continue
		}
		if b.ID < a.ID {
			a, b = b, a
		}
		pairs = append(pairs, DuplicatePair{A: a, B: b, Similarity: sims[k]})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Similarity != pairs[j].Similarity {
			return pairs[i].Similarity > pairs[j].Similarity
		}
		return pairs[i].A.ID < pairs[j].A.ID
	})
	if opts.Limit > 0 && len(pairs) > opts.Limit {
		pairs = pairs[:opts.Limit]
	}
	return pairs, nil
}

// MergeInput describes a merge. Content is the caller-supplied merged text;
// nil overrides fall back to union tags, max importance, and majority-vote
// category over the sources. Reason is a human-readable note for the audit
// log; empty gets a default naming the source count.
type MergeInput struct {
	IDs        []string
	Content    string
	Category   *string
	Tags       *[]string
	Importance *float64
	Reason     string
}

// MergeResult reports a completed merge.
type MergeResult struct {
	Merged      *store.Record `json:"merged"`
	ArchivedIDs []string      `json:"archived_ids"`
	RunID       string        `json:"run_id"`
}

// MergeMemories replaces two or more memories with a single merged record.
// Every source id must exist; otherwise nothing is touched and the error
// names the missing ids. Sources are archived with reason "consolidated",
// a back-pointer to the merged record, and a shared run id, and the merge is
// written to the audit log as one entry.
func (e *Engine) MergeMemories(ctx context.Context, in MergeInput) (*MergeResult, error) {
	if len(in.IDs) < 2 {
		return nil, errors.New("merge requires at least two ids")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, errors.New("merged content is required")
	}

	records, err := e.DB.GetRecords(store.Memories, in.IDs)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range in.IDs {
		if records[id] == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("merge sources not found: %s: %w",
			strings.Join(missing, ", "), store.ErrNotFound)
	}

	sources := make([]*store.Record, 0, len(in.IDs))
	for _, id := range in.IDs {
		sources = append(sources, records[id])
	}

	sessionID, err := e.DB.CurrentSessionID()
	if err != nil {
		return nil, err
	}

	merged := &store.Record{
		Content:    in.Content,
		Category:   mergeCategory(sources, in.Category),
		Tags:       mergeTags(sources, in.Tags),
		Importance: mergeImportance(sources, in.Importance),
		SessionID:  sessionID,
	}
	vec := e.tryEmbed(ctx, in.Content)
	if err := e.DB.InsertRecord(store.Memories, merged, vec, e.embedderModel()); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	archived := make([]string, 0, len(in.IDs))
	for _, id := range in.IDs {
		ok, err := e.DB.ArchiveRecord(store.Memories, id, store.ReasonConsolidated, merged.ID, runID)
		if err != nil {
			return nil, fmt.Errorf("archive merge source %s: %w", id, err)
		}
		if ok {
			archived = append(archived, id)
		}
	}

	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = fmt.Sprintf("merged %d similar memories", len(in.IDs))
	}
	if err := e.DB.LogConsolidation(&store.ConsolidationEntry{
		Collection:     store.Memories.Name,
		Action:         "merge",
		SourceIDs:      archived,
		ResultID:       merged.ID,
		ContentPreview: preview(merged.Content, 120),
		Reason:         reason,
	}); err != nil {
		return nil, err
	}

	return &MergeResult{Merged: merged, ArchivedIDs: archived, RunID: runID}, nil
}

// ArchiveResult reports a batch archive. NotFound lists ids that had no live
// row; they do not fail the batch.
type ArchiveResult struct {
	ArchivedIDs []string `json:"archived_ids"`
	NotFound    []string `json:"not_found,omitempty"`
	RunID       string   `json:"run_id"`
}

// ArchiveMemories moves records to the archive with the given reason. Each id
// is processed independently; unknown ids are reported, not fatal.
func (e *Engine) ArchiveMemories(ctx context.Context, ids []string, reason string) (*ArchiveResult, error) {
	if len(ids) == 0 {
		return nil, errors.New("archive requires at least one id")
	}
	if reason == "" {
		reason = store.ReasonManual
	}

	res := &ArchiveResult{RunID: uuid.NewString()}
	for _, id := range ids {
		ok, err := e.DB.ArchiveRecord(store.Memories, id, reason, "", res.RunID)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", id, err)
		}
		if ok {
			res.ArchivedIDs = append(res.ArchivedIDs, id)
		} else {
			res.NotFound = append(res.NotFound, id)
		}
	}

	if len(res.ArchivedIDs) > 0 {
		if err := e.DB.LogConsolidation(&store.ConsolidationEntry{
			Collection: store.Memories.Name,
			Action:     "archive",
			SourceIDs:  res.ArchivedIDs,
			Reason:     reason,
		}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ConsolidationStats summarizes consolidation activity.
type ConsolidationStats struct {
	LiveMemories int        `json:"live_memories"`
	Archived     int        `json:"archived"`
	Merges       int        `json:"merges"`
	Archives     int        `json:"archives"`
	LastRun      *time.Time `json:"last_run,omitempty"`
}

// GetConsolidationStats reports live and archived counts plus audit totals.
func (e *Engine) GetConsolidationStats(ctx context.Context) (*ConsolidationStats, error) {
	live, err := e.DB.CountRecords(store.Memories)
	if err != nil {
		return nil, err
	}
	archived, err := e.DB.CountArchived(store.Memories)
	if err != nil {
		return nil, err
	}
	actions, err := e.DB.CountConsolidationLog()
	if err != nil {
		return nil, err
	}

	stats := &ConsolidationStats{
		LiveMemories: live,
		Archived:     archived,
		Merges:       actions["merge"],
		Archives:     actions["archive"],
	}

	entries, err := e.DB.ListConsolidationLog(1)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		t := entries[0].CreatedAt
		stats.LastRun = &t
	}
	return stats, nil
}

func (e *Engine) loadOrdered(c store.Collection, ids []string) ([]*store.Record, error) {
	records, err := e.DB.GetRecords(c, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Record, 0, len(ids))
	for _, id := range ids {
		if rec := records[id]; rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// mergeTags unions source tags in first-seen order unless overridden.
func mergeTags(sources []*store.Record, override *[]string) []string {
	if override != nil {
		return *override
	}
	seen := map[string]bool{}
	var tags []string
	for _, r := range sources {
		for _, t := range r.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// mergeImportance takes the max source importance unless overridden.
func mergeImportance(sources []*store.Record, override *float64) float64 {
	if override != nil {
		return *override
	}
	max := 0.0
	for _, r := range sources {
		if r.Importance > max {
			max = r.Importance
		}
	}
	return max
}

// mergeCategory majority-votes the source categories unless overridden.
// Ties keep the first-seen category, so source order decides.
func mergeCategory(sources []*store.Record, override *string) string {
	if override != nil {
		return *override
	}
	counts := map[string]int{}
	for _, r := range sources {
		counts[r.Category]++
	}
	best, bestN := "", 0
	for _, r := range sources {
		if n := counts[r.Category]; n > bestN {
			best, bestN = r.Category, n
		}
	}
	return best
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
