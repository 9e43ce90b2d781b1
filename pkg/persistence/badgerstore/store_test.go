package badgerstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basket/decisiontrace/pkg/persistence/badgerstore"
	"github.com/basket/decisiontrace/pkg/xray"
	"github.com/basket/decisiontrace/pkg/xray/storagetest"
)

func openTestStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	store, err := badgerstore.Open(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) xray.Storage {
		return openTestStore(t)
	})
}

func TestStore_SyncsWrites(t *testing.T) {
	require.True(t, badgerstore.Options(t.TempDir()).SyncWrites)

	store := openTestStore(t)
	defer store.Close()
	require.True(t, store.SyncWrites())
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := badgerstore.Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveTrace(ctx, storagetest.SampleTrace("durable", storagetest.Base, xray.StatusFailed, 3)))
	require.NoError(t, store.Close())

	reopened, err := badgerstore.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetTrace(ctx, "durable")
	require.NoError(t, err)
	require.Equal(t, xray.StatusFailed, got.Status)
	require.Len(t, got.Steps, 3)
	require.NotNil(t, got.Steps[2].Error)
	require.Equal(t, "upstream timeout", *got.Steps[2].Error)
}

func TestStore_RecorderEndToEnd(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()
	rec := xray.New(store)
	ctx := context.Background()

	var traceID string
	err := rec.Run(ctx, "filter", nil, func(ctx context.Context, tr *xray.TraceHandle) error {
		traceID = tr.ID()
		return tr.Step(ctx, "apply_filters", func(_ context.Context, s *xray.StepHandle) error {
			s.AddEvaluation("B01", xray.Document{"rating": 4.5}, []xray.FilterResult{
				{Name: "min_rating", Passed: true, Detail: "4.5 >= 4.0"},
			}, true, "")
			return nil
		})
	})
	require.NoError(t, err)

	got, err := store.GetTrace(ctx, traceID)
	require.NoError(t, err)
	require.Equal(t, xray.StatusCompleted, got.Status)
	evals, ok := got.Steps[0].Metadata[xray.MetaEvaluations].([]any)
	require.True(t, ok)
	require.Len(t, evals, 1)
}
