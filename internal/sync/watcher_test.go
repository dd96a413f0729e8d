package sync_test

import (
	stdsync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/sync"
)

type recordingStateWatcher struct {
	mu     stdsync.Mutex
	states []model.SyncState
}

func (w *recordingStateWatcher) Notify(state model.SyncState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, state)
}

func (w *recordingStateWatcher) all() []model.SyncState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.SyncState(nil), w.states...)
}

func (w *recordingStateWatcher) last() model.SyncState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.states) == 0 {
		return model.SyncState{}
	}
	return w.states[len(w.states)-1]
}

func TestAggregator_CombinesByPriority(t *testing.T) {
	agg := sync.NewAggregator()
	base := &recordingStateWatcher{}
	agg.SetBaseWatcher(base)

	a := agg.GetNewStateWatcher()
	b := agg.GetNewStateWatcher()

	a.Notify(model.SyncState{Download: model.DownloadInProgress, Upload: model.UploadIdle})
	b.Notify(model.SyncState{Download: model.DownloadIdle, Upload: model.UploadError})

	// Each dimension independently takes the highest-priority child state.
	assert.Equal(t, model.SyncState{
		Download: model.DownloadInProgress,
		Upload:   model.UploadError,
	}, agg.State())
	assert.Equal(t, agg.State(), base.last())
}

func TestAggregator_ErrorDominates(t *testing.T) {
	agg := sync.NewAggregator()
	a := agg.GetNewStateWatcher()
	b := agg.GetNewStateWatcher()

	a.Notify(model.SyncState{Download: model.DownloadError})
	b.Notify(model.SyncState{Download: model.DownloadInProgress})

	assert.Equal(t, model.DownloadError, agg.State().Download)
}

func TestAggregator_BaseWatcherReceivesCurrentState(t *testing.T) {
	agg := sync.NewAggregator()
	child := agg.GetNewStateWatcher()
	child.Notify(model.SyncState{Download: model.DownloadInProgress})

	// A watcher attached later must not start from a stale default.
	base := &recordingStateWatcher{}
	agg.SetBaseWatcher(base)

	states := base.all()
	require.Len(t, states, 1)
	assert.Equal(t, model.DownloadInProgress, states[0].Download)
}

func TestAggregator_ChildCloseRecomputes(t *testing.T) {
	agg := sync.NewAggregator()
	base := &recordingStateWatcher{}
	agg.SetBaseWatcher(base)

	a := agg.GetNewStateWatcher()
	b := agg.GetNewStateWatcher()
	a.Notify(model.SyncState{Upload: model.UploadError})
	b.Notify(model.SyncState{Upload: model.UploadInProgress})

	a.Close()
	assert.Equal(t, model.UploadInProgress, agg.State().Upload)
	assert.Equal(t, model.UploadInProgress, base.last().Upload)

	// Closing twice is safe, and a closed child no longer contributes.
	a.Close()
	a.Notify(model.SyncState{Upload: model.UploadError})
	assert.Equal(t, model.UploadInProgress, agg.State().Upload)
}

func TestAggregator_CloseWithoutChangeStaysQuiet(t *testing.T) {
	agg := sync.NewAggregator()
	base := &recordingStateWatcher{}
	agg.SetBaseWatcher(base)
	before := len(base.all())

	// An idle child leaving does not change the aggregate.
	c := agg.GetNewStateWatcher()
	c.Close()

	assert.Len(t, base.all(), before)
}
