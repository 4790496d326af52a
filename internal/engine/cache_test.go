package engine

import (
	"context"
	"testing"
	"time"
)

// countingEmbedder counts how many Embed calls reach the inner backend.
type countingEmbedder struct {
	HashingEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.HashingEmbedder.Embed(ctx, text)
}

func TestCachedEmbedderHitsCache(t *testing.T) {
	inner := &countingEmbedder{HashingEmbedder: *NewHashingEmbedder(64)}
	cached, err := NewCachedEmbedder(inner, 16)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	defer cached.Close()
	ctx := context.Background()

	first, err := cached.Embed(ctx, "repeated query")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	// ristretto admits asynchronously, so poll until the entry lands and a
	// repeat embed stops reaching the inner embedder.
	deadline := time.Now().Add(2 * time.Second)
	hit := false
	for time.Now().Before(deadline) {
		before := inner.calls
		again, err := cached.Embed(ctx, "repeated query")
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		if len(again) != len(first) {
			t.Fatal("cached vector length mismatch")
		}
		if inner.calls == before {
			hit = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !hit {
		t.Error("repeated embeds never hit the cache")
	}
}

func TestCachedEmbedderPassesThroughMetadata(t *testing.T) {
	cached, err := NewCachedEmbedder(NewHashingEmbedder(64), 16)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	defer cached.Close()

	if cached.Model() != "hashing" || cached.Dimensions() != 64 {
		t.Errorf("wrapper = %q/%d, want inner metadata", cached.Model(), cached.Dimensions())
	}
}

func TestCachedEmbedderNeverCachesErrors(t *testing.T) {
	cached, err := NewCachedEmbedder(failingEmbedder{}, 16)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	defer cached.Close()

	for i := 0; i < 2; i++ {
		if _, err := cached.Embed(context.Background(), "x"); err == nil {
			t.Fatal("expected inner error to pass through")
		}
	}
}

func TestCachedEmbedderDefaultSize(t *testing.T) {
	cached, err := NewCachedEmbedder(NewHashingEmbedder(32), 0)
	if err != nil {
		t.Fatalf("NewCachedEmbedder: %v", err)
	}
	cached.Close()
}
