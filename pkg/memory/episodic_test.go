package memory

import (
	"context"
	"testing"
	"time"

	"github.com/theapemachine/mnemo/pkg/errors"

	. "github.com/smartystreets/goconvey/convey"
)

func storeEpisode(t *testing.T, store EpisodicStore, userID, sessionID, content string, importance float64) *EpisodicMemory {
	t.Helper()

	mem, err := store.Store(context.Background(), &EpisodicMemory{
		UserID:    userID,
		SessionID: sessionID,
		Content:   content,
		Metadata:  EpisodicMetadata{Source: "user", Importance: importance},
	})
	if err != nil {
		t.Fatalf("store episode: %v", err)
	}
	return mem
}

func TestEpisodicChain(t *testing.T) {
	Convey("Given a sequence of episodes in one session", t, func() {
		store := NewMockEpisodicStore()
		ctx := context.Background()

		first := storeEpisode(t, store, "u1", "s1", "first", 0.5)
		second := storeEpisode(t, store, "u1", "s1", "second", 0.5)
		third := storeEpisode(t, store, "u1", "s1", "third", 0.5)

		Convey("Then the chain is linked in insertion order with no cycles", func() {
			a, _ := store.Get(ctx, first.ID)
			b, _ := store.Get(ctx, second.ID)
			c, _ := store.Get(ctx, third.ID)

			So(a.Relationships.Previous, ShouldBeEmpty)
			So(a.Relationships.Next, ShouldEqual, b.ID)
			So(b.Relationships.Previous, ShouldEqual, a.ID)
			So(b.Relationships.Next, ShouldEqual, c.ID)
			So(c.Relationships.Previous, ShouldEqual, b.ID)
			So(c.Relationships.Next, ShouldBeEmpty)

			seen := map[string]bool{}
			for id := a.ID; id != ""; {
				So(seen[id], ShouldBeFalse)
				seen[id] = true
				node, err := store.Get(ctx, id)
				So(err, ShouldBeNil)
				id = node.Relationships.Next
			}
			So(len(seen), ShouldEqual, 3)
		})

		Convey("And a second session starts its own chain", func() {
			other := storeEpisode(t, store, "u1", "s2", "elsewhere", 0.5)
			So(other.Relationships.Previous, ShouldBeEmpty)
		})
	})
}

func TestEpisodicStoreGetRoundTrip(t *testing.T) {
	Convey("Given a stored episode", t, func() {
		store := NewMockEpisodicStore()

		stored, err := store.Store(context.Background(), &EpisodicMemory{
			UserID:    "u1",
			SessionID: "s1",
			Content:   "I like Python",
			Context:   map[string]string{"topic": "languages"},
			Metadata: EpisodicMetadata{
				Source:     "user",
				Importance: 0.6,
				Tags:       []string{"python", "preference"},
			},
		})
		So(err, ShouldBeNil)

		Convey("When fetching it by id", func() {
			got, err := store.Get(context.Background(), stored.ID)

			Convey("Then content and metadata are identical", func() {
				So(err, ShouldBeNil)
				So(got.Content, ShouldEqual, "I like Python")
				So(got.Metadata.Importance, ShouldEqual, 0.6)
				So(got.Metadata.Tags, ShouldResemble, []string{"python", "preference"})
				So(got.Context["topic"], ShouldEqual, "languages")
			})
		})

		Convey("When fetching an unknown id", func() {
			_, err := store.Get(context.Background(), "missing")
			So(errors.IsNotFound(err), ShouldBeTrue)
		})
	})
}

func TestEpisodicDeleteRelinksChain(t *testing.T) {
	Convey("Given a three-node chain", t, func() {
		store := NewMockEpisodicStore()
		ctx := context.Background()

		first := storeEpisode(t, store, "u1", "s1", "first", 0.5)
		middle := storeEpisode(t, store, "u1", "s1", "middle", 0.5)
		last := storeEpisode(t, store, "u1", "s1", "last", 0.5)

		Convey("When deleting the middle node", func() {
			ok, err := store.Delete(ctx, middle.ID)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			Convey("Then the neighbors are re-linked", func() {
				a, _ := store.Get(ctx, first.ID)
				c, _ := store.Get(ctx, last.ID)

				So(a.Relationships.Next, ShouldEqual, last.ID)
				So(c.Relationships.Previous, ShouldEqual, first.ID)
			})
		})
	})
}

func TestEpisodicChainClampsBackdatedWrites(t *testing.T) {
	Convey("Given a session with an existing tail", t, func() {
		store := NewMockEpisodicStore()
		ctx := context.Background()

		first := storeEpisode(t, store, "u1", "s1", "first", 0.5)

		Convey("When a write claims a timestamp before the tail", func() {
			backdated, err := store.Store(ctx, &EpisodicMemory{
				UserID:    "u1",
				SessionID: "s1",
				Content:   "late arrival",
				Timestamp: first.Timestamp.Add(-time.Hour),
				Metadata:  EpisodicMetadata{Source: "user", Importance: 0.5},
			})
			So(err, ShouldBeNil)

			Convey("Then it is clamped past the tail and chain order holds", func() {
				So(backdated.Timestamp.After(first.Timestamp), ShouldBeTrue)

				head, _ := store.Get(ctx, first.ID)
				So(head.Relationships.Next, ShouldEqual, backdated.ID)

				results, err := store.Search(ctx, EpisodicQuery{UserID: "u1", SessionID: "s1"})
				So(err, ShouldBeNil)
				So(results[0].ID, ShouldEqual, backdated.ID)
			})
		})
	})
}

func TestEpisodicValidationAndUpdate(t *testing.T) {
	Convey("Given an episodic store", t, func() {
		store := NewMockEpisodicStore()
		ctx := context.Background()

		Convey("A blank userId is rejected", func() {
			_, err := store.Store(ctx, &EpisodicMemory{
				SessionID: "s1", Content: "x",
			})
			So(errors.IsValidation(err), ShouldBeTrue)
		})

		Convey("An unknown context key is rejected", func() {
			_, err := store.Store(ctx, &EpisodicMemory{
				UserID: "u1", SessionID: "s1", Content: "x",
				Context: map[string]string{"mood": "great"},
			})
			So(errors.IsValidation(err), ShouldBeTrue)
		})

		Convey("A sealed episode only accepts relationship changes", func() {
			sealed := storeEpisode(t, store, "u1", "s1", "old", 0.5)
			storeEpisode(t, store, "u1", "s1", "newer", 0.5)

			newContent := "rewritten"
			_, err := store.Update(ctx, sealed.ID, EpisodicUpdate{Content: &newContent})
			So(errors.IsValidation(err), ShouldBeTrue)

			updated, err := store.Update(ctx, sealed.ID, EpisodicUpdate{Related: []string{"other"}})
			So(err, ShouldBeNil)
			So(updated.Relationships.Related, ShouldResemble, []string{"other"})
		})
	})
}

func TestEpisodicSearchAndStats(t *testing.T) {
	Convey("Given episodes across sessions and importance levels", t, func() {
		store := NewMockEpisodicStore()
		ctx := context.Background()

		storeEpisode(t, store, "u1", "s1", "I like Python", 0.6)
		time.Sleep(time.Millisecond)
		storeEpisode(t, store, "u1", "s1", "I like Rust", 0.6)
		storeEpisode(t, store, "u1", "s2", "Unrelated", 0.2)
		storeEpisode(t, store, "u2", "s1", "Other user", 0.9)

		Convey("Stats counts only the requested user", func() {
			stats, err := store.Stats(ctx, "u1")
			So(err, ShouldBeNil)
			So(stats.Count, ShouldEqual, 3)
			So(stats.Newest.Before(stats.Oldest), ShouldBeFalse)
		})

		Convey("Search filters by session and orders newest first", func() {
			results, err := store.Search(ctx, EpisodicQuery{UserID: "u1", SessionID: "s1"})
			So(err, ShouldBeNil)
			So(len(results), ShouldEqual, 2)
			So(results[0].Content, ShouldEqual, "I like Rust")
		})

		Convey("Search filters by importance range", func() {
			min := 0.5
			results, err := store.Search(ctx, EpisodicQuery{UserID: "u1", MinImportance: &min})
			So(err, ShouldBeNil)
			So(len(results), ShouldEqual, 2)
		})

		Convey("ClearSession removes one session only", func() {
			ok, err := store.ClearSession(ctx, "u1", "s1")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			stats, _ := store.Stats(ctx, "u1")
			So(stats.Count, ShouldEqual, 1)
		})

		Convey("ClearUser removes everything for the user", func() {
			ok, err := store.ClearUser(ctx, "u1")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			stats, _ := store.Stats(ctx, "u1")
			So(stats.Count, ShouldEqual, 0)
		})
	})
}
