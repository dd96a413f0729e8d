package merge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/merge"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
)

func newMergerFixture(t *testing.T) (*storage.Store, *merge.PageMerger) {
	t.Helper()
	st := storage.NewStore("page-1", zap.NewNop())
	clock := time.Unix(1000, 0)
	st.SetNowFunc(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	strategy := merge.NewStrategy(merge.LastOneWins{}, nil, zap.NewNop())
	merger := merge.NewPageMerger(st, strategy, zap.NewNop())
	t.Cleanup(merger.Stop)
	return st, merger
}

func headCount(t *testing.T, st *storage.Store) int {
	t.Helper()
	heads, err := st.GetHeadCommits(context.Background())
	require.NoError(t, err)
	return len(heads)
}

func TestPageMerger_ResolvesConflictingHeads(t *testing.T) {
	st, merger := newMergerFixture(t)
	ctx := context.Background()

	root, err := st.AddCommitFromLocal(ctx, nil, []byte("root"))
	require.NoError(t, err)
	a, err := st.AddCommitFromLocal(ctx, []model.CommitID{root.ID}, []byte("a"))
	require.NoError(t, err)
	b, err := st.AddCommitFromLocal(ctx, []model.CommitID{root.ID}, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, 2, headCount(t, st))

	merger.Start(ctx)

	assert.Eventually(t, func() bool {
		return headCount(t, st) == 1
	}, 5*time.Second, 10*time.Millisecond)

	heads, err := st.GetHeadCommits(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.CommitID{a.ID, b.ID}, heads[0].Parents)
	// b was committed later, so last-one-wins keeps its payload.
	assert.Equal(t, []byte("b"), heads[0].Payload)
}

func TestPageMerger_MergesConflictsArrivingLater(t *testing.T) {
	st, merger := newMergerFixture(t)
	ctx := context.Background()

	merger.Start(ctx)

	root, err := st.AddCommitFromLocal(ctx, nil, []byte("root"))
	require.NoError(t, err)
	_, err = st.AddCommitFromLocal(ctx, []model.CommitID{root.ID}, []byte("a"))
	require.NoError(t, err)
	_, err = st.AddCommitFromLocal(ctx, []model.CommitID{root.ID}, []byte("b"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return headCount(t, st) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPageMerger_ReducesManyHeadsToOne(t *testing.T) {
	st, merger := newMergerFixture(t)
	ctx := context.Background()

	root, err := st.AddCommitFromLocal(ctx, nil, []byte("root"))
	require.NoError(t, err)
	for _, payload := range []string{"a", "b", "c"} {
		_, err = st.AddCommitFromLocal(ctx, []model.CommitID{root.ID}, []byte(payload))
		require.NoError(t, err)
	}
	require.Equal(t, 3, headCount(t, st))

	merger.Start(ctx)

	assert.Eventually(t, func() bool {
		return headCount(t, st) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPageMerger_StartTwicePanics(t *testing.T) {
	_, merger := newMergerFixture(t)
	merger.Start(context.Background())
	assert.Panics(t, func() { merger.Start(context.Background()) })
}

func TestPageMerger_StopIsIdempotent(t *testing.T) {
	_, merger := newMergerFixture(t)
	merger.Start(context.Background())
	merger.Stop()
	merger.Stop()
}
