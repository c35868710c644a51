package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/face-grouper/internal/apperr"
	"github.com/kozaktomas/face-grouper/internal/database"
	"github.com/kozaktomas/face-grouper/internal/database/memory"
	"github.com/kozaktomas/face-grouper/internal/database/storetest"
	"github.com/m-mizutani/gt"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) database.GroupWriter {
		return memory.New()
	})
}

func TestMemoryStore_InjectedErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("list error surfaces as store unavailable", func(t *testing.T) {
		store := memory.New()
		store.ListGroupsError = errors.New("disk on fire")

		_, err := store.ListGroups(ctx)
		gt.Bool(t, errors.Is(err, apperr.ErrStoreUnavailable)).True()
		gt.String(t, err.Error()).Contains("disk on fire")
	})

	t.Run("write error aborts the section", func(t *testing.T) {
		store := memory.New()
		store.WriteError = errors.New("read-only")

		err := store.Atomically(ctx, func(ctx context.Context, tx database.GroupTx) error {
			return tx.CreateGroup(ctx, database.StoredGroup{GroupID: "g"},
				database.StoredEmbedding{ImageID: "img", Embedding: []float32{1}})
		})
		gt.Bool(t, errors.Is(err, apperr.ErrStoreUnavailable)).True()

		stats, err := store.Stats(ctx)
		gt.NoError(t, err).Required()
		gt.Value(t, stats.Groups).Equal(0)
	})

	t.Run("canceled context is rejected", func(t *testing.T) {
		store := memory.New()
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := store.Atomically(cctx, func(context.Context, database.GroupTx) error {
			called = true
			return nil
		})
		gt.Bool(t, errors.Is(err, apperr.ErrStoreUnavailable)).True()
		gt.Bool(t, called).False()
	})
}

func TestMemoryStore_StoredVectorsAreCopied(t *testing.T) {
	store := memory.New()
	vec := []float32{1, 2}

	err := store.Atomically(context.Background(), func(ctx context.Context, tx database.GroupTx) error {
		return tx.CreateGroup(ctx, database.StoredGroup{GroupID: "g"},
			database.StoredEmbedding{ImageID: "img", Embedding: vec})
	})
	gt.NoError(t, err).Required()

	vec[0] = 99
	groups, err := store.ListGroups(context.Background())
	gt.NoError(t, err).Required()
	gt.Value(t, groups[0].Vectors[0]).Equal([]float32{1, 2})
}
