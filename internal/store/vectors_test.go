package store

import (
	"math"
	"testing"
	"time"
)

func TestEncodeDecodeEmbedding(t *testing.T) {
	original := []float32{1.0, -0.5, 0.333, float32(math.Pi), 0.0}
	blob := encodeEmbedding(original)
	if len(blob) != len(original)*4 {
		t.Fatalf("blob length = %d, want %d", len(blob), len(original)*4)
	}
	decoded := decodeEmbedding(blob)

	if len(decoded) != len(original) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("index %d: got %f, want %f", i, decoded[i], original[i])
		}
	}
}

func TestSaveAndGetVector(t *testing.T) {
	db := testDB(t)

	rec := seedRecord(t, db, Memories, &Record{Content: "vector holder"}, nil)

	embedding := []float32{0.1, 0.2, 0.3}
	if err := db.SaveVector(Memories, rec.ID, embedding, "test-model"); err != nil {
		t.Fatalf("SaveVector: %v", err)
	}

	got, err := db.GetVector(Memories, rec.ID)
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if len(got) != 3 || got[1] != 0.2 {
		t.Errorf("vector = %v, want %v", got, embedding)
	}

	// Upsert replaces
	if err := db.SaveVector(Memories, rec.ID, []float32{1, 0, 0}, "test-model-2"); err != nil {
		t.Fatalf("SaveVector upsert: %v", err)
	}
	got, _ = db.GetVector(Memories, rec.ID)
	if got[0] != 1 {
		t.Errorf("vector after upsert = %v", got)
	}
}

func TestGetVectorMissing(t *testing.T) {
	db := testDB(t)

	vec, err := db.GetVector(Memories, "nope")
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if vec != nil {
		t.Errorf("vector = %v, want nil", vec)
	}
}

func TestSaveVectorRequiresRecord(t *testing.T) {
	db := testDB(t)

	// FK enforcement: no shadow row without a primary row
	if err := db.SaveVector(Memories, "orphan", []float32{1}, "m"); err == nil {
		t.Error("expected foreign key violation for orphan vector")
	}
}

func TestSearchVectorOrdering(t *testing.T) {
	db := testDB(t)

	exact := seedRecord(t, db, Memories, &Record{Content: "exact"}, []float32{1, 0, 0})
	close_ := seedRecord(t, db, Memories, &Record{Content: "close"}, []float32{0.9, 0.1, 0})
	far := seedRecord(t, db, Memories, &Record{Content: "far"}, []float32{0, 0, 1})

	hits, err := db.SearchVector(Memories, []float32{1, 0, 0}, "", 10)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	if hits[0].ID != exact.ID || hits[1].ID != close_.ID || hits[2].ID != far.ID {
		t.Errorf("order = %v %v %v", hits[0].ID, hits[1].ID, hits[2].ID)
	}
	if hits[0].Distance > 1e-6 {
		t.Errorf("exact match distance = %v, want ~0", hits[0].Distance)
	}
	if hits[2].Distance < hits[1].Distance {
		t.Error("distances must be non-decreasing")
	}
}

func TestSearchVectorLimit(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 5; i++ {
		seedRecord(t, db, Memories, &Record{Content: "filler"}, []float32{1, float32(i) / 10})
	}

	hits, err := db.SearchVector(Memories, []float32{1, 0}, "", 2)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
}

func TestAllVectorsCategoryFilter(t *testing.T) {
	db := testDB(t)

	seedRecord(t, db, Memories, &Record{Content: "a", Category: "preference"}, []float32{1, 0})
	seedRecord(t, db, Memories, &Record{Content: "b", Category: "episodic"}, []float32{0, 1})

	vectors, err := db.AllVectors(Memories, "preference", time.Time{})
	if err != nil {
		t.Fatalf("AllVectors: %v", err)
	}
	if len(vectors) != 1 {
		t.Errorf("got %d vectors, want 1", len(vectors))
	}
}

func TestMissingVectors(t *testing.T) {
	db := testDB(t)

	embedded := seedRecord(t, db, Memories, &Record{Content: "has vector"}, []float32{1})
	bare := seedRecord(t, db, Memories, &Record{Content: "no vector"}, nil)

	ids, err := db.MissingVectors(Memories, 10)
	if err != nil {
		t.Fatalf("MissingVectors: %v", err)
	}
	if len(ids) != 1 || ids[0] != bare.ID {
		t.Errorf("missing = %v, want [%s]", ids, bare.ID)
	}
	_ = embedded
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched length", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
