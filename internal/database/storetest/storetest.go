// Package storetest holds the behaviour every database.GroupWriter backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/m-mizutani/gt"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func emb(imageID string, vec ...float32) database.StoredEmbedding {
	return database.StoredEmbedding{
		ImageID:   imageID,
		Embedding: vec,
		CreatedAt: base,
	}
}

func createGroup(t *testing.T, store database.GroupWriter, groupID string, at time.Time, first database.StoredEmbedding) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx database.GroupTx) error {
		first.CreatedAt = at
		return tx.CreateGroup(ctx, database.StoredGroup{GroupID: groupID, CreatedAt: at, UpdatedAt: at}, first)
	})
	gt.NoError(t, err).Required()
}

func appendMember(t *testing.T, store database.GroupWriter, groupID string, e database.StoredEmbedding) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx database.GroupTx) error {
		return tx.AppendMember(ctx, groupID, e)
	})
	gt.NoError(t, err).Required()
}

// Run exercises a backend. newStore must return an empty store; Run closes it.
func Run(t *testing.T, newStore func(t *testing.T) database.GroupWriter) {
	t.Helper()

	open := func(t *testing.T) database.GroupWriter {
		store := newStore(t)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	t.Run("empty store", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		groups, err := store.ListGroups(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, groups).Length(0)

		summaries, err := store.ListSummaries(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, summaries).Length(0)

		stats, err := store.Stats(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, stats).Equal(database.Stats{})

		gt.NoError(t, store.Ping(ctx))
	})

	t.Run("CreateGroup stores group with first member", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		first := emb("img-1", 0.1, 0.2, 0.3)
		first.Metadata = json.RawMessage(`{"camera":"x100"}`)
		createGroup(t, store, "group-1", base, first)

		groups, err := store.ListGroups(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, groups).Length(1).Required()
		gt.Value(t, groups[0].GroupID).Equal("group-1")
		gt.Array(t, groups[0].Vectors).Length(1).Required()
		gt.Value(t, groups[0].Vectors[0]).Equal([]float32{0.1, 0.2, 0.3})

		ok, err := store.HasEmbedding(ctx, "img-1")
		gt.NoError(t, err).Required()
		gt.Bool(t, ok).True()

		ok, err = store.HasEmbedding(ctx, "img-unknown")
		gt.NoError(t, err).Required()
		gt.Bool(t, ok).False()

		detail, err := store.GetGroup(ctx, "group-1")
		gt.NoError(t, err).Required()
		gt.Value(t, detail).NotNil().Required()
		gt.Value(t, detail.GroupID).Equal("group-1")
		gt.Bool(t, detail.CreatedAt.Equal(base)).True()
		gt.Array(t, detail.Members).Length(1).Required()
		gt.Value(t, detail.Members[0].ImageID).Equal("img-1")
		gt.Value(t, detail.Members[0].GroupID).Equal("group-1")

		var meta map[string]string
		gt.NoError(t, json.Unmarshal(detail.Members[0].Metadata, &meta)).Required()
		gt.Value(t, meta["camera"]).Equal("x100")
	})

	t.Run("AppendMember keeps insertion order and bumps update time", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		createGroup(t, store, "group-1", base, emb("img-1", 1, 0))
		second := emb("img-2", 0.9, 0.1)
		second.CreatedAt = base.Add(time.Minute)
		appendMember(t, store, "group-1", second)
		third := emb("img-3", 0.8, 0.2)
		third.CreatedAt = base.Add(2 * time.Minute)
		appendMember(t, store, "group-1", third)

		groups, err := store.ListGroups(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, groups).Length(1).Required()
		gt.Value(t, groups[0].Vectors).Equal([][]float32{{1, 0}, {0.9, 0.1}, {0.8, 0.2}})

		summaries, err := store.ListSummaries(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, summaries).Length(1).Required()
		gt.Value(t, summaries[0].Count).Equal(3)
		gt.Bool(t, summaries[0].UpdatedAt.Equal(base.Add(2*time.Minute))).True()

		detail, err := store.GetGroup(ctx, "group-1")
		gt.NoError(t, err).Required()
		gt.Array(t, detail.Members).Length(3).Required()
		gt.Value(t, detail.Members[0].ImageID).Equal("img-1")
		gt.Value(t, detail.Members[2].ImageID).Equal("img-3")
	})

	t.Run("groups are listed by creation time then ID", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		createGroup(t, store, "group-c", base.Add(time.Hour), emb("img-c", 0, 1))
		createGroup(t, store, "group-b", base, emb("img-b", 1, 1))
		createGroup(t, store, "group-a", base, emb("img-a", 1, 0))

		groups, err := store.ListGroups(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, groups).Length(3).Required()
		gt.Value(t, groups[0].GroupID).Equal("group-a")
		gt.Value(t, groups[1].GroupID).Equal("group-b")
		gt.Value(t, groups[2].GroupID).Equal("group-c")

		summaries, err := store.ListSummaries(ctx)
		gt.NoError(t, err).Required()
		gt.Array(t, summaries).Length(3).Required()
		gt.Value(t, summaries[0].GroupID).Equal("group-a")
		gt.Value(t, summaries[2].GroupID).Equal("group-c")

		var streamed []string
		err = store.ListEmbeddings(ctx, func(e database.StoredEmbedding) error {
			streamed = append(streamed, e.ImageID)
			return nil
		})
		gt.NoError(t, err).Required()
		gt.Value(t, streamed).Equal([]string{"img-a", "img-b", "img-c"})
	})

	t.Run("GetGroup returns nil for unknown group", func(t *testing.T) {
		store := open(t)

		detail, err := store.GetGroup(context.Background(), "missing")
		gt.NoError(t, err).Required()
		gt.Value(t, detail).Nil()
	})

	t.Run("duplicate image ID is rejected", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		createGroup(t, store, "group-1", base, emb("img-1", 1, 0))

		err := store.Atomically(ctx, func(ctx context.Context, tx database.GroupTx) error {
			return tx.AppendMember(ctx, "group-1", emb("img-1", 1, 0))
		})
		gt.Bool(t, errors.Is(err, apperr.ErrDuplicateSourceID)).True()

		err = store.Atomically(ctx, func(ctx context.Context, tx database.GroupTx) error {
			g := database.StoredGroup{GroupID: "group-2", CreatedAt: base, UpdatedAt: base}
			return tx.CreateGroup(ctx, g, emb("img-1", 0, 1))
		})
		gt.Bool(t, errors.Is(err, apperr.ErrDuplicateSourceID)).True()

		stats, err := store.Stats(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, stats.Groups).Equal(1)
		gt.Value(t, stats.Embeddings).Equal(1)
	})

	t.Run("metadata is returned verbatim", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		raw := `{"z": 1,  "a": {"nested": [1, 2]}}`
		first := emb("img-1", 1, 0)
		first.Metadata = json.RawMessage(raw)
		createGroup(t, store, "group-1", base, first)

		detail, err := store.GetGroup(ctx, "group-1")
		gt.NoError(t, err).Required()
		gt.Value(t, detail).NotNil().Required()
		gt.Array(t, detail.Members).Length(1).Required()
		gt.Value(t, string(detail.Members[0].Metadata)).Equal(raw)

		var streamed []string
		err = store.ListEmbeddings(ctx, func(e database.StoredEmbedding) error {
			streamed = append(streamed, string(e.Metadata))
			return nil
		})
		gt.NoError(t, err).Required()
		gt.Array(t, streamed).Length(1).Required()
		gt.Value(t, streamed[0]).Equal(raw)
	})

	t.Run("image IDs compare byte for byte", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		createGroup(t, store, "group-1", base, emb("img1", 1, 0))
		for _, id := range []string{"IMG1", "img1 ", "Img1"} {
			appendMember(t, store, "group-1", emb(id, 1, 0))
		}

		for _, id := range []string{"img1", "IMG1", "img1 ", "Img1"} {
			ok, err := store.HasEmbedding(ctx, id)
			gt.NoError(t, err).Required()
			gt.Bool(t, ok).True()
		}
		ok, err := store.HasEmbedding(ctx, "iMG1")
		gt.NoError(t, err).Required()
		gt.Bool(t, ok).False()

		detail, err := store.GetGroup(ctx, "group-1")
		gt.NoError(t, err).Required()
		gt.Value(t, detail).NotNil().Required()
		gt.Array(t, detail.Members).Length(4).Required()
		gt.Value(t, detail.Members[2].ImageID).Equal("img1 ")

		missing, err := store.GetGroup(ctx, "GROUP-1")
		gt.NoError(t, err).Required()
		gt.Value(t, missing).Nil()
	})

	t.Run("failed section is rolled back", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		createGroup(t, store, "group-1", base, emb("img-1", 1, 0))

		boom := errors.New("boom")
		err := store.Atomically(ctx, func(ctx context.Context, tx database.GroupTx) error {
			g := database.StoredGroup{GroupID: "group-2", CreatedAt: base, UpdatedAt: base}
			if err := tx.CreateGroup(ctx, g, emb("img-2", 0, 1)); err != nil {
				return err
			}
			if err := tx.AppendMember(ctx, "group-1", emb("img-3", 1, 0.1)); err != nil {
				return err
			}
			return boom
		})
		gt.Bool(t, errors.Is(err, boom)).True()

		stats, err := store.Stats(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, stats.Groups).Equal(1)
		gt.Value(t, stats.Embeddings).Equal(1)

		for _, id := range []string{"img-2", "img-3"} {
			ok, err := store.HasEmbedding(ctx, id)
			gt.NoError(t, err).Required()
			gt.Bool(t, ok).False()
		}
	})

	t.Run("section sees its own writes", func(t *testing.T) {
		store := open(t)

		err := store.Atomically(context.Background(), func(ctx context.Context, tx database.GroupTx) error {
			g := database.StoredGroup{GroupID: "group-1", CreatedAt: base, UpdatedAt: base}
			if err := tx.CreateGroup(ctx, g, emb("img-1", 1, 0)); err != nil {
				return err
			}
			ok, err := tx.HasEmbedding(ctx, "img-1")
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("own write not visible")
			}
			groups, err := tx.ListGroups(ctx)
			if err != nil {
				return err
			}
			if len(groups) != 1 {
				return fmt.Errorf("expected 1 group inside section, got %d", len(groups))
			}
			return nil
		})
		gt.NoError(t, err)
	})

	t.Run("Stats reports vector length", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		createGroup(t, store, "group-1", base, emb("img-1", 1, 0, 0, 0))
		appendMember(t, store, "group-1", emb("img-2", 0, 1, 0, 0))
		createGroup(t, store, "group-2", base.Add(time.Second), emb("img-3", 0, 0, 1, 0))

		stats, err := store.Stats(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, stats).Equal(database.Stats{Groups: 2, Embeddings: 3, Dim: 4})
	})

	t.Run("ListEmbeddings stops on callback error", func(t *testing.T) {
		store := open(t)

		createGroup(t, store, "group-1", base, emb("img-1", 1, 0))
		appendMember(t, store, "group-1", emb("img-2", 0, 1))

		stop := errors.New("stop")
		calls := 0
		err := store.ListEmbeddings(context.Background(), func(database.StoredEmbedding) error {
			calls++
			return stop
		})
		gt.Bool(t, errors.Is(err, stop)).True()
		gt.Value(t, calls).Equal(1)
	})

	t.Run("sections do not interleave", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()

		// Each section creates a group only if none exists yet.
		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- store.Atomically(ctx, func(ctx context.Context, tx database.GroupTx) error {
					groups, err := tx.ListGroups(ctx)
					if err != nil {
						return err
					}
					if len(groups) > 0 {
						return tx.AppendMember(ctx, groups[0].GroupID, emb(fmt.Sprintf("img-%d", i), 1, 0))
					}
					g := database.StoredGroup{GroupID: "only", CreatedAt: base, UpdatedAt: base}
					return tx.CreateGroup(ctx, g, emb(fmt.Sprintf("img-%d", i), 1, 0))
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			gt.NoError(t, err)
		}

		stats, err := store.Stats(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, stats.Groups).Equal(1)
		gt.Value(t, stats.Embeddings).Equal(workers)
	})

	t.Run("closed store is unavailable", func(t *testing.T) {
		store := newStore(t)
		gt.NoError(t, store.Close()).Required()

		_, err := store.ListGroups(context.Background())
		gt.Bool(t, errors.Is(err, apperr.ErrStoreUnavailable)).True()
	})
}
