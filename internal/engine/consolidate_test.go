package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hollisfrank/mnemo/internal/store"
)

// seedMemory inserts a memory with an explicit embedding so similarity
// scores in these tests are exact.
func seedMemory(t *testing.T, e *Engine, rec *store.Record, vec []float32) *store.Record {
	t.Helper()
	if err := e.DB.InsertRecord(store.Memories, rec, vec, "test"); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	return rec
}

func TestFindClustersGroupsSimilar(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "likes dark roast"}, []float32{1, 0, 0})
	b := seedMemory(t, e, &store.Record{Content: "prefers dark coffee"}, []float32{0.95, 0.05, 0})
	seedMemory(t, e, &store.Record{Content: "deploy runs on fridays"}, []float32{0, 0, 1})

	clusters, err := e.FindClusters(ctx, ClusterOpts{Threshold: 0.9})
	if err != nil {
		t.Fatalf("FindClusters: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters, want 1", len(clusters))
	}
	c := clusters[0]
	if len(c.Members) != 2 {
		t.Fatalf("got %d members, want 2", len(c.Members))
	}
	if c.Members[0].ID != a.ID || c.Members[1].ID != b.ID {
		t.Error("members should be ordered by id")
	}
	if c.AvgSimilarity < 0.9 || c.AvgSimilarity > 1 {
		t.Errorf("AvgSimilarity = %v", c.AvgSimilarity)
	}
}

func TestFindClustersTransitive(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	// a~b and b~c clear the threshold, a~c does not; connected components
	// still put all three in one cluster.
	seedMemory(t, e, &store.Record{Content: "a"}, []float32{1, 0})
	seedMemory(t, e, &store.Record{Content: "b"}, []float32{0.7071, 0.7071})
	seedMemory(t, e, &store.Record{Content: "c"}, []float32{0, 1})

	clusters, err := e.FindClusters(ctx, ClusterOpts{Threshold: 0.7})
	if err != nil {
		t.Fatalf("FindClusters: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters, want 1", len(clusters))
	}
	if len(clusters[0].Members) != 3 {
		t.Errorf("got %d members, want 3 via transitivity", len(clusters[0].Members))
	}
}

func TestFindClustersNoEdges(t *testing.T) {
	e := testEngine(t)

	seedMemory(t, e, &store.Record{Content: "a"}, []float32{1, 0})
	seedMemory(t, e, &store.Record{Content: "b"}, []float32{0, 1})

	clusters, err := e.FindClusters(context.Background(), ClusterOpts{Threshold: 0.9})
	if err != nil {
		t.Fatalf("FindClusters: %v", err)
	}
	if len(clusters) != 0 {
		t.Errorf("got %d clusters, want 0", len(clusters))
	}
}

func TestFindClustersCapsSize(t *testing.T) {
	e := testEngine(t)

	// 12 identical vectors form one component; the cap keeps the 10 lowest ids.
	var first *store.Record
	for i := 0; i < 12; i++ {
		rec := seedMemory(t, e, &store.Record{Content: fmt.Sprintf("copy %d", i)}, []float32{1, 0})
		if i == 0 {
			first = rec
		}
	}

	clusters, err := e.FindClusters(context.Background(), ClusterOpts{Threshold: 0.99})
	if err != nil {
		t.Fatalf("FindClusters: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters, want 1", len(clusters))
	}
	members := clusters[0].Members
	if len(members) != e.Cfg.Consolidation.MaxClusterSize {
		t.Fatalf("got %d members, want cap %d", len(members), e.Cfg.Consolidation.MaxClusterSize)
	}
	if members[0].ID != first.ID {
		t.Error("truncation should keep the lowest ids")
	}
}

func TestFindClustersOrderedBySize(t *testing.T) {
	e := testEngine(t)

	// The identical pair is inserted first, so an id-ordered result would
	// put it first; the member-count sort must put the triple ahead anyway.
	seedMemory(t, e, &store.Record{Content: "pair one"}, []float32{0, 0, 1})
	seedMemory(t, e, &store.Record{Content: "pair two"}, []float32{0, 0, 1})
	seedMemory(t, e, &store.Record{Content: "triple one"}, []float32{1, 0, 0})
	seedMemory(t, e, &store.Record{Content: "triple two"}, []float32{1, 0, 0})
	seedMemory(t, e, &store.Record{Content: "triple three"}, []float32{0.9, 0.1, 0})

	clusters, err := e.FindClusters(context.Background(), ClusterOpts{Threshold: 0.9})
	if err != nil {
		t.Fatalf("FindClusters: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(clusters))
	}
	if len(clusters[0].Members) != 3 || len(clusters[1].Members) != 2 {
		t.Errorf("sizes = %d/%d, want largest first",
			len(clusters[0].Members), len(clusters[1].Members))
	}
}

func TestFindClustersSizeTieBreaksBySimilarity(t *testing.T) {
	e := testEngine(t)

	// Two clusters of two; the looser pair comes first by insertion order
	// but the tighter pair must sort first.
	seedMemory(t, e, &store.Record{Content: "loose one"}, []float32{0, 1, 0})
	seedMemory(t, e, &store.Record{Content: "loose two"}, []float32{0, 0.95, 0.05})
	seedMemory(t, e, &store.Record{Content: "tight one"}, []float32{1, 0, 0})
	seedMemory(t, e, &store.Record{Content: "tight two"}, []float32{1, 0, 0})

	clusters, err := e.FindClusters(context.Background(), ClusterOpts{Threshold: 0.9})
	if err != nil {
		t.Fatalf("FindClusters: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(clusters))
	}
	if clusters[0].AvgSimilarity <= clusters[1].AvgSimilarity {
		t.Errorf("similarity order = %v then %v, want descending",
			clusters[0].AvgSimilarity, clusters[1].AvgSimilarity)
	}
	if clusters[0].Members[0].Content != "tight one" {
		t.Errorf("top cluster starts with %q, want the tight pair", clusters[0].Members[0].Content)
	}
}

func TestFindClustersLimit(t *testing.T) {
	e := testEngine(t)

	seedMemory(t, e, &store.Record{Content: "a1"}, []float32{1, 0, 0})
	seedMemory(t, e, &store.Record{Content: "a2"}, []float32{1, 0, 0})
	seedMemory(t, e, &store.Record{Content: "b1"}, []float32{0, 1, 0})
	seedMemory(t, e, &store.Record{Content: "b2"}, []float32{0, 0.95, 0.05})

	clusters, err := e.FindClusters(context.Background(), ClusterOpts{Threshold: 0.9, Limit: 1})
	if err != nil {
		t.Fatalf("FindClusters: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters, want the limit of 1", len(clusters))
	}
	// Truncation happens after sorting, so the best cluster survives
	if clusters[0].Members[0].Content != "a1" {
		t.Errorf("kept cluster starts with %q, want the identical pair", clusters[0].Members[0].Content)
	}
}

func TestFindDuplicates(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "meeting is at noon"}, []float32{1, 0, 0})
	b := seedMemory(t, e, &store.Record{Content: "the meeting is at noon"}, []float32{1, 0, 0})
	seedMemory(t, e, &store.Record{Content: "related but distinct"}, []float32{0.8, 0.6, 0})

	pairs, err := e.FindDuplicates(ctx, ClusterOpts{})
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1 above the duplicate threshold", len(pairs))
	}
	p := pairs[0]
	if p.A.ID != a.ID || p.B.ID != b.ID {
		t.Error("pair should be ordered by id")
	}
	if p.Similarity < e.Cfg.Consolidation.DuplicateThreshold {
		t.Errorf("Similarity = %v", p.Similarity)
	}
}

func TestFindDuplicatesLimit(t *testing.T) {
	e := testEngine(t)

	// Three identical vectors give three pairs; the limit keeps two.
	seedMemory(t, e, &store.Record{Content: "same one"}, []float32{1, 0})
	seedMemory(t, e, &store.Record{Content: "same two"}, []float32{1, 0})
	seedMemory(t, e, &store.Record{Content: "same three"}, []float32{1, 0})

	pairs, err := e.FindDuplicates(context.Background(), ClusterOpts{Limit: 2})
	if err != nil {
		t.Fatalf("FindDuplicates: %v", err)
	}
	if len(pairs) != 2 {
		t.Errorf("got %d pairs, want the limit of 2", len(pairs))
	}
}

func TestMergeMemories(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{
		Content: "likes espresso", Category: "preference",
		Tags: []string{"coffee"}, Importance: 0.4,
	}, []float32{1, 0})
	b := seedMemory(t, e, &store.Record{
		Content: "drinks espresso daily", Category: "preference",
		Tags: []string{"coffee", "routine"}, Importance: 0.8,
	}, []float32{1, 0})
	c := seedMemory(t, e, &store.Record{
		Content: "espresso machine on desk", Category: "episodic",
		Tags: []string{"office"}, Importance: 0.6,
	}, []float32{1, 0})

	res, err := e.MergeMemories(ctx, MergeInput{
		IDs:     []string{a.ID, b.ID, c.ID},
		Content: "drinks espresso daily at the office machine",
	})
	if err != nil {
		t.Fatalf("MergeMemories: %v", err)
	}

	merged := res.Merged
	if merged.Category != "preference" {
		t.Errorf("Category = %q, want majority preference", merged.Category)
	}
	if merged.Importance != 0.8 {
		t.Errorf("Importance = %v, want max 0.8", merged.Importance)
	}
	if len(merged.Tags) != 3 {
		t.Errorf("Tags = %v, want union of 3", merged.Tags)
	}
	if len(res.ArchivedIDs) != 3 {
		t.Errorf("ArchivedIDs = %v", res.ArchivedIDs)
	}
	if res.RunID == "" {
		t.Error("expected run id")
	}

	// Sources are archived, not live
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if _, err := e.DB.GetRecord(store.Memories, id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("source %s should be archived", id)
		}
		tomb, err := e.DB.GetArchivedRecord(store.Memories, id)
		if err != nil {
			t.Fatalf("GetArchivedRecord: %v", err)
		}
		if tomb.ArchiveReason != store.ReasonConsolidated {
			t.Errorf("ArchiveReason = %q", tomb.ArchiveReason)
		}
		if tomb.MergedIntoID != merged.ID {
			t.Errorf("MergedIntoID = %q, want %q", tomb.MergedIntoID, merged.ID)
		}
		if tomb.ConsolidationRunID != res.RunID {
			t.Error("sources should share the run id")
		}
	}

	// One audit entry for the whole merge
	entries, _ := e.DB.ListConsolidationLog(10)
	if len(entries) != 1 {
		t.Fatalf("got %d log entries, want 1", len(entries))
	}
	if entries[0].Action != "merge" || entries[0].ResultID != merged.ID {
		t.Errorf("log entry = %+v", entries[0])
	}
	if len(entries[0].SourceIDs) != 3 {
		t.Errorf("SourceIDs = %v", entries[0].SourceIDs)
	}
}

func TestMergeMemoriesOverrides(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "a", Category: "x", Importance: 0.9}, nil)
	b := seedMemory(t, e, &store.Record{Content: "b", Category: "y", Importance: 0.9}, nil)

	cat := "override"
	tags := []string{"only"}
	imp := 0.3
	res, err := e.MergeMemories(ctx, MergeInput{
		IDs: []string{a.ID, b.ID}, Content: "merged",
		Category: &cat, Tags: &tags, Importance: &imp,
	})
	if err != nil {
		t.Fatalf("MergeMemories: %v", err)
	}
	if res.Merged.Category != "override" || res.Merged.Importance != 0.3 {
		t.Errorf("merged = %+v", res.Merged)
	}
	if len(res.Merged.Tags) != 1 || res.Merged.Tags[0] != "only" {
		t.Errorf("Tags = %v", res.Merged.Tags)
	}
}

func TestMergeMemoriesReason(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "a"}, nil)
	b := seedMemory(t, e, &store.Record{Content: "b"}, nil)
	if _, err := e.MergeMemories(ctx, MergeInput{
		IDs: []string{a.ID, b.ID}, Content: "ab",
	}); err != nil {
		t.Fatalf("MergeMemories: %v", err)
	}

	c := seedMemory(t, e, &store.Record{Content: "c"}, nil)
	d := seedMemory(t, e, &store.Record{Content: "d"}, nil)
	if _, err := e.MergeMemories(ctx, MergeInput{
		IDs: []string{c.ID, d.ID}, Content: "cd",
		Reason: "weekly dedup sweep",
	}); err != nil {
		t.Fatalf("MergeMemories: %v", err)
	}

	entries, err := e.DB.ListConsolidationLog(10)
	if err != nil {
		t.Fatalf("ListConsolidationLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	// Newest first
	if entries[0].Reason != "weekly dedup sweep" {
		t.Errorf("Reason = %q, want the caller's note", entries[0].Reason)
	}
	if entries[1].Reason != "merged 2 similar memories" {
		t.Errorf("default Reason = %q", entries[1].Reason)
	}
}

func TestMergeMemoriesCategoryTieFirstSeen(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "a", Category: "workflow"}, nil)
	b := seedMemory(t, e, &store.Record{Content: "b", Category: "preference"}, nil)

	res, err := e.MergeMemories(ctx, MergeInput{IDs: []string{a.ID, b.ID}, Content: "ab"})
	if err != nil {
		t.Fatalf("MergeMemories: %v", err)
	}
	// A one-one tie keeps the first source's category, not the
	// alphabetically smaller one
	if res.Merged.Category != "workflow" {
		t.Errorf("Category = %q, want workflow", res.Merged.Category)
	}
}

func TestMergeMemoriesTagsCurrentSession(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "a"}, nil)
	b := seedMemory(t, e, &store.Record{Content: "b"}, nil)

	sess, err := e.DB.StartSession("cleanup")
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.MergeMemories(ctx, MergeInput{IDs: []string{a.ID, b.ID}, Content: "ab"})
	if err != nil {
		t.Fatalf("MergeMemories: %v", err)
	}
	if res.Merged.SessionID != sess.ID {
		t.Errorf("SessionID = %q, want %q", res.Merged.SessionID, sess.ID)
	}
}

func TestMergeMemoriesMissingSource(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "survivor"}, nil)

	_, err := e.MergeMemories(ctx, MergeInput{
		IDs:     []string{a.ID, "ghost"},
		Content: "should not happen",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// Nothing was touched
	if _, err := e.DB.GetRecord(store.Memories, a.ID); err != nil {
		t.Error("existing source must remain live after a failed merge")
	}
	if n, _ := e.DB.CountArchived(store.Memories); n != 0 {
		t.Errorf("archived = %d, want 0", n)
	}
}

func TestMergeMemoriesValidation(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.MergeMemories(ctx, MergeInput{IDs: []string{"one"}, Content: "x"}); err == nil {
		t.Error("expected error for fewer than two ids")
	}
	if _, err := e.MergeMemories(ctx, MergeInput{IDs: []string{"a", "b"}, Content: " "}); err == nil {
		t.Error("expected error for blank content")
	}
}

func TestArchiveMemoriesPartial(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "stale"}, nil)

	res, err := e.ArchiveMemories(ctx, []string{a.ID, "ghost"}, store.ReasonLowValue)
	if err != nil {
		t.Fatalf("ArchiveMemories: %v", err)
	}
	if len(res.ArchivedIDs) != 1 || res.ArchivedIDs[0] != a.ID {
		t.Errorf("ArchivedIDs = %v", res.ArchivedIDs)
	}
	if len(res.NotFound) != 1 || res.NotFound[0] != "ghost" {
		t.Errorf("NotFound = %v", res.NotFound)
	}

	tomb, err := e.DB.GetArchivedRecord(store.Memories, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tomb.ArchiveReason != store.ReasonLowValue {
		t.Errorf("ArchiveReason = %q", tomb.ArchiveReason)
	}

	entries, _ := e.DB.ListConsolidationLog(10)
	if len(entries) != 1 || entries[0].Action != "archive" {
		t.Errorf("log = %+v", entries)
	}
}

func TestGetConsolidationStats(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	a := seedMemory(t, e, &store.Record{Content: "first duplicate"}, nil)
	b := seedMemory(t, e, &store.Record{Content: "second duplicate"}, nil)
	c := seedMemory(t, e, &store.Record{Content: "old note"}, nil)

	if _, err := e.MergeMemories(ctx, MergeInput{IDs: []string{a.ID, b.ID}, Content: "the duplicate"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ArchiveMemories(ctx, []string{c.ID}, ""); err != nil {
		t.Fatal(err)
	}

	stats, err := e.GetConsolidationStats(ctx)
	if err != nil {
		t.Fatalf("GetConsolidationStats: %v", err)
	}
	if stats.LiveMemories != 1 {
		t.Errorf("LiveMemories = %d, want 1 (the merged record)", stats.LiveMemories)
	}
	if stats.Archived != 3 {
		t.Errorf("Archived = %d, want 3", stats.Archived)
	}
	if stats.Merges != 1 || stats.Archives != 1 {
		t.Errorf("actions = %d/%d, want 1/1", stats.Merges, stats.Archives)
	}
	if stats.LastRun == nil {
		t.Error("LastRun should be set")
	}
}
