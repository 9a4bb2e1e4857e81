package memory

import (
	"context"
	"testing"

	"github.com/theapemachine/mnemo/pkg/errors"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSemanticSearchBySimilarity(t *testing.T) {
	Convey("Given concepts with pinned vectors", t, func() {
		embedder := NewMockEmbedder()
		store := NewMockSemanticStore(embedder)
		ctx := context.Background()

		put := func(concept string, vector []float32, confidence float64) *SemanticMemory {
			mem, err := store.Store(ctx, &SemanticMemory{
				UserID:      "u1",
				Concept:     concept,
				Description: concept + " things",
				Vector:      vector,
				Metadata:    SemanticMetadata{Category: "Fact", Confidence: confidence},
			})
			So(err, ShouldBeNil)
			return mem
		}

		put("Python", []float32{1, 0, 0, 0}, 0.9)
		put("Snakes", []float32{0.9, 0.1, 0, 0}, 0.5)
		put("Cooking", []float32{0, 0, 1, 0}, 0.8)

		Convey("When searching near the Python vector", func() {
			results, err := store.SearchBySimilarity(ctx, "u1", []float32{1, 0, 0, 0}, 0.8, 10)
			So(err, ShouldBeNil)

			Convey("Then no result scores below the threshold", func() {
				So(len(results), ShouldEqual, 2)
				for _, hit := range results {
					So(hit.Score, ShouldBeGreaterThanOrEqualTo, 0.8)
				}
			})

			Convey("And scores are monotonically non-increasing", func() {
				for i := 1; i < len(results); i++ {
					So(results[i].Score, ShouldBeLessThanOrEqualTo, results[i-1].Score)
				}
				So(results[0].Memory.Concept, ShouldEqual, "Python")
			})
		})

		Convey("Another user sees nothing", func() {
			results, err := store.SearchBySimilarity(ctx, "u2", []float32{1, 0, 0, 0}, 0.5, 10)
			So(err, ShouldBeNil)
			So(len(results), ShouldEqual, 0)
		})
	})
}

func TestSemanticMergeOrCreate(t *testing.T) {
	Convey("Given an existing Python concept", t, func() {
		embedder := NewMockEmbedder()
		store := NewMockSemanticStore(embedder)
		ctx := context.Background()

		existing, err := store.Store(ctx, &SemanticMemory{
			UserID:      "u1",
			Concept:     "Python",
			Description: "prefers Python for scripting",
			Metadata:    SemanticMetadata{Category: "Programming", Confidence: 0.8},
		})
		So(err, ShouldBeNil)

		Convey("When extraction proposes the same concept at lower confidence", func() {
			result, merged, err := store.MergeOrCreate(ctx, &SemanticMemory{
				UserID:      "u1",
				Concept:     "Python",
				Description: "prefers Python for scripting",
				Metadata: SemanticMetadata{
					Category: "Programming", Confidence: 0.75,
					Extraction: &ExtractionMetadata{SourceMemoryIDs: []string{"e9"}},
				},
			}, 0.92)

			Convey("Then it merges instead of duplicating", func() {
				So(err, ShouldBeNil)
				So(merged, ShouldBeTrue)
				So(result.ID, ShouldEqual, existing.ID)

				count, _ := store.Count(ctx, "u1")
				So(count, ShouldEqual, 1)
				So(result.Metadata.Confidence, ShouldEqual, 0.8)
				So(result.Metadata.AccessCount, ShouldEqual, 1)
				So(result.Metadata.Extraction.SourceMemoryIDs, ShouldContain, "e9")
			})
		})

		Convey("When the candidate is a different category", func() {
			_, merged, err := store.MergeOrCreate(ctx, &SemanticMemory{
				UserID:      "u1",
				Concept:     "Python",
				Description: "prefers Python for scripting",
				Metadata:    SemanticMetadata{Category: "Fact", Confidence: 0.7},
			}, 0.92)

			Convey("Then a new concept is created", func() {
				So(err, ShouldBeNil)
				So(merged, ShouldBeFalse)

				count, _ := store.Count(ctx, "u1")
				So(count, ShouldEqual, 2)
			})
		})
	})
}

func TestSemanticLinkRelated(t *testing.T) {
	Convey("Given two concepts", t, func() {
		embedder := NewMockEmbedder()
		store := NewMockSemanticStore(embedder)
		ctx := context.Background()

		a, _ := store.Store(ctx, &SemanticMemory{
			UserID: "u1", Concept: "Python", Description: "a language",
			Metadata: SemanticMetadata{Category: "Programming", Confidence: 0.9},
		})
		b, _ := store.Store(ctx, &SemanticMemory{
			UserID: "u1", Concept: "Django", Description: "a framework",
			Metadata: SemanticMetadata{Category: "Programming", Confidence: 0.9},
		})

		Convey("A symmetric link writes both directions and is idempotent", func() {
			So(store.LinkRelated(ctx, a.ID, b.ID, RelationRelated), ShouldBeNil)
			So(store.LinkRelated(ctx, a.ID, b.ID, RelationRelated), ShouldBeNil)

			gotA, _ := store.Get(ctx, a.ID)
			gotB, _ := store.Get(ctx, b.ID)
			So(gotA.Relationships.Related, ShouldResemble, []string{b.ID})
			So(gotB.Relationships.Related, ShouldResemble, []string{a.ID})
		})

		Convey("A directed link writes the inverse field", func() {
			So(store.LinkRelated(ctx, a.ID, b.ID, RelationParent), ShouldBeNil)

			gotA, _ := store.Get(ctx, a.ID)
			gotB, _ := store.Get(ctx, b.ID)
			So(gotA.Relationships.Children, ShouldResemble, []string{b.ID})
			So(gotB.Relationships.Parent, ShouldEqual, a.ID)
		})

		Convey("Self-links are rejected", func() {
			err := store.LinkRelated(ctx, a.ID, a.ID, RelationSimilar)
			So(errors.IsValidation(err), ShouldBeTrue)
		})
	})
}

func TestSemanticTouchAndClear(t *testing.T) {
	Convey("Given a stored concept", t, func() {
		embedder := NewMockEmbedder()
		store := NewMockSemanticStore(embedder)
		ctx := context.Background()

		mem, _ := store.Store(ctx, &SemanticMemory{
			UserID: "u1", Concept: "Go", Description: "a language",
			Metadata: SemanticMetadata{Category: "Programming", Confidence: 0.9},
		})

		Convey("Touch bumps access tracking", func() {
			So(store.Touch(ctx, mem.ID), ShouldBeNil)

			got, _ := store.Get(ctx, mem.ID)
			So(got.Metadata.AccessCount, ShouldEqual, 1)
			So(got.Metadata.LastAccessed.IsZero(), ShouldBeFalse)
		})

		Convey("ClearUser empties the store for that user", func() {
			ok, err := store.ClearUser(ctx, "u1")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			count, _ := store.Count(ctx, "u1")
			So(count, ShouldEqual, 0)
		})
	})
}
