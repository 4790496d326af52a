package engine

import (
	"context"
	"testing"

	"github.com/hollisfrank/mnemo/internal/store"
)

func TestDeepRecallAggregatesSections(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	mem, _ := e.Remember(ctx, RememberInput{Content: "redis cache keeps expiring early"})
	e.StoreKnowledge(ctx, RememberInput{Content: "redis ttl is set per key"})

	// Stored without a vector and sharing no query token, so only the entity
	// back-reference can reach it.
	linked := &store.Record{Content: "tuned maxmemory policy last week"}
	if err := e.DB.InsertRecord(store.Memories, linked, nil, ""); err != nil {
		t.Fatal(err)
	}
	_, err := e.DB.UpsertEntity(&store.Entity{
		Name:       "Redis",
		EntityType: "tool",
		MemoryIDs:  []string{linked.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.DeepRecall(ctx, "redis", 10)
	if err != nil {
		t.Fatalf("DeepRecall: %v", err)
	}

	if len(res.Memories) == 0 || res.Memories[0].Record.ID != mem.ID {
		t.Error("memories section should surface the direct hit")
	}
	if len(res.Knowledge) != 1 {
		t.Errorf("knowledge section = %d results, want 1", len(res.Knowledge))
	}
	if len(res.Entities) != 1 || res.Entities[0].Name != "Redis" {
		t.Errorf("entities = %+v", res.Entities)
	}
	if len(res.LinkedMemories) != 1 {
		t.Fatalf("linked memories = %d, want 1", len(res.LinkedMemories))
	}
	if res.LinkedMemories[0].Record.ID != linked.ID {
		t.Errorf("linked = %+v", res.LinkedMemories[0])
	}
	if res.LinkedMemories[0].LinkedFrom != "graph_entity" {
		t.Errorf("LinkedFrom = %q, want graph_entity", res.LinkedMemories[0].LinkedFrom)
	}
	if res.LinkedMemories[0].EntityName != "Redis" {
		t.Errorf("EntityName = %q, want Redis", res.LinkedMemories[0].EntityName)
	}

	want := len(res.Memories) + len(res.Knowledge) + len(res.Entities) +
		len(res.Relationships) + len(res.LinkedMemories)
	if res.TotalResults != want {
		t.Errorf("TotalResults = %d, want %d", res.TotalResults, want)
	}
}

func TestDeepRecallDedupesLinked(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	mem, _ := e.Remember(ctx, RememberInput{Content: "grafana dashboard for latency"})
	e.DB.UpsertEntity(&store.Entity{
		Name: "grafana", EntityType: "tool", MemoryIDs: []string{mem.ID},
	})

	res, err := e.DeepRecall(ctx, "grafana", 10)
	if err != nil {
		t.Fatalf("DeepRecall: %v", err)
	}
	if len(res.LinkedMemories) != 0 {
		t.Error("memories already in the direct section must not repeat as linked")
	}
}

func TestDeepRecallRelationships(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	pg, err := e.DB.UpsertEntity(&store.Entity{Name: "postgres", EntityType: "database"})
	if err != nil {
		t.Fatal(err)
	}
	exporter, err := e.DB.UpsertEntity(&store.Entity{Name: "postgres-exporter", EntityType: "tool"})
	if err != nil {
		t.Fatal(err)
	}
	grafana, err := e.DB.UpsertEntity(&store.Entity{Name: "grafana", EntityType: "tool"})
	if err != nil {
		t.Fatal(err)
	}

	// One edge between the two matched entities, one reaching outside the
	// match set.
	if _, err := e.DB.UpsertRelationship(&store.Relationship{
		SourceEntityID: exporter.ID, TargetEntityID: pg.ID, RelType: "monitors", Weight: 0.9,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.DB.UpsertRelationship(&store.Relationship{
		SourceEntityID: grafana.ID, TargetEntityID: exporter.ID, RelType: "reads_from", Weight: 0.5,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.DeepRecall(ctx, "postgres", 10)
	if err != nil {
		t.Fatalf("DeepRecall: %v", err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("entities = %d, want postgres and postgres-exporter", len(res.Entities))
	}
	// The in-set edge is reachable from both endpoints but must appear once
	if len(res.Relationships) != 2 {
		t.Fatalf("relationships = %+v, want 2 deduped edges", res.Relationships)
	}
	byType := map[string]EntityConnection{}
	for _, conn := range res.Relationships {
		byType[conn.RelType] = conn
	}
	monitors, ok := byType["monitors"]
	if !ok || monitors.SourceName != "postgres-exporter" || monitors.TargetName != "postgres" {
		t.Errorf("monitors edge = %+v", monitors)
	}
	reads, ok := byType["reads_from"]
	if !ok || reads.SourceName != "grafana" {
		t.Errorf("out-of-set endpoint should resolve by lookup, got %+v", reads)
	}
}

func TestDeepRecallEmbedsQueryOnce(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.Remember(ctx, RememberInput{Content: "nginx rate limiting config"})
	e.StoreKnowledge(ctx, RememberInput{Content: "nginx uses the leaky bucket algorithm"})

	inner := &countingEmbedder{HashingEmbedder: *NewHashingEmbedder(64)}
	e.SetEmbedder(inner)
	inner.calls = 0

	if _, err := e.DeepRecall(ctx, "nginx", 10); err != nil {
		t.Fatalf("DeepRecall: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("query embedded %d times, want once across all sections", inner.calls)
	}
}

func TestDeepRecallSkipsDanglingBackrefs(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	e.DB.UpsertEntity(&store.Entity{
		Name: "kafka", EntityType: "tool", MemoryIDs: []string{"archived-long-ago"},
	})

	res, err := e.DeepRecall(ctx, "kafka", 10)
	if err != nil {
		t.Fatalf("DeepRecall: %v", err)
	}
	if len(res.LinkedMemories) != 0 {
		t.Errorf("linked = %+v, want dangling id skipped", res.LinkedMemories)
	}
	if len(res.Entities) != 1 {
		t.Errorf("entities = %d, want 1", len(res.Entities))
	}
}
