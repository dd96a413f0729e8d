package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/cloud"
	"github.com/tidemark/ledger/internal/encryption"
	"github.com/tidemark/ledger/internal/storage"
	ledgersync "github.com/tidemark/ledger/internal/sync"
)

func newTestLedgerSync(t *testing.T) (*ledgersync.LedgerSync, *cloud.InMemoryProvider) {
	t.Helper()
	provider := cloud.NewInMemoryProvider(zap.NewNop())
	ls := ledgersync.NewLedgerSync(
		ledgersync.Params{
			AppID:                  "app",
			DownloadBackoffInitial: time.Millisecond,
			DownloadBackoffMax:     10 * time.Millisecond,
			UploadBackoffInitial:   time.Millisecond,
			UploadBackoffMax:       10 * time.Millisecond,
		},
		provider,
		encryption.Passthrough{},
		nil,
		zap.NewNop(),
	)
	return ls, provider
}

func TestLedgerSync_CreatePageSync(t *testing.T) {
	ls, _ := newTestLedgerSync(t)
	defer ls.Close()

	ps := ls.CreatePageSync(storage.NewStore("page-1", zap.NewNop()), nil)
	require.NotNil(t, ps)
	assert.Equal(t, "page-1", ps.PageID())
	assert.Equal(t, 1, ls.ActivePageCount())

	ps.Close()
	assert.Equal(t, 0, ls.ActivePageCount())
}

func TestLedgerSync_DuplicatePagePanics(t *testing.T) {
	ls, _ := newTestLedgerSync(t)
	defer ls.Close()

	ps := ls.CreatePageSync(storage.NewStore("page-1", zap.NewNop()), nil)
	defer ps.Close()

	assert.Panics(t, func() {
		ls.CreatePageSync(storage.NewStore("page-1", zap.NewNop()), nil)
	})
}

func TestLedgerSync_NilStoragePanics(t *testing.T) {
	ls, _ := newTestLedgerSync(t)
	defer ls.Close()
	assert.Panics(t, func() { ls.CreatePageSync(nil, nil) })
}

func TestLedgerSync_EnableUploadIsSticky(t *testing.T) {
	ls, _ := newTestLedgerSync(t)
	defer ls.Close()

	before := ls.CreatePageSync(storage.NewStore("before", zap.NewNop()), nil)
	defer before.Close()
	assert.False(t, before.UploadEnabled())

	ls.EnableUpload()
	assert.True(t, before.UploadEnabled())

	// Pages created after the switch inherit it.
	after := ls.CreatePageSync(storage.NewStore("after", zap.NewNop()), nil)
	defer after.Close()
	assert.True(t, after.UploadEnabled())
}

func TestLedgerSync_CloseWithActivePagesPanics(t *testing.T) {
	ls, _ := newTestLedgerSync(t)

	ps := ls.CreatePageSync(storage.NewStore("page-1", zap.NewNop()), nil)
	assert.Panics(t, ls.Close)

	ps.Close()
	ls.Close()
}

func TestLedgerSync_CreateAfterClosePanics(t *testing.T) {
	ls, _ := newTestLedgerSync(t)
	ls.Close()
	assert.Panics(t, func() {
		ls.CreatePageSync(storage.NewStore("page-1", zap.NewNop()), nil)
	})
}

func TestLedgerSync_AggregatedState(t *testing.T) {
	ls, provider := newTestLedgerSync(t)
	defer ls.Close()

	base := &recordingStateWatcher{}
	ls.SetWatcher(base)

	st := storage.NewStore("page-1", zap.NewNop())
	provider.Page("app", "page-1")
	ps := ls.CreatePageSync(st, nil)
	defer ps.Close()
	ps.Start(context.Background())

	_, err := st.AddCommitFromLocal(context.Background(), nil, []byte("x"))
	require.NoError(t, err)

	// With upload disabled, the held-back commit surfaces through the
	// aggregate as pending.
	assert.Eventually(t, func() bool {
		states := base.all()
		for _, s := range states {
			if s.Upload.String() == "pending" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}
