package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/cloud"
	"github.com/tidemark/ledger/internal/encryption"
	"github.com/tidemark/ledger/internal/metrics"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
	"github.com/tidemark/ledger/internal/util/dispatch"
)

// PageSync orchestrates continuous upload and download of one page's
// commits against one remote page-cloud connection. The cloud connection is
// opened lazily on Start; connection failures surface through the normal
// retry path rather than failing construction.
type PageSync struct {
	appID      string
	storage    storage.PageStorage
	encryption encryption.Service
	provider   cloud.Provider

	downloadBackoff *backoff.ExponentialBackOff
	uploadBackoff   *backoff.ExponentialBackOff
	watcher         SyncStateWatcher
	runner          *dispatch.Runner
	errCallback     func(error)
	metrics         *metrics.Metrics
	logger          *zap.Logger

	mu            stdsync.Mutex
	state         model.SyncState
	backlogDone   bool
	uploadEnabled bool
	started       bool
	closed        bool
	download      *pageDownload
	upload        *pageUpload
	removeStorage func()

	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	onDeleteMu   stdsync.Mutex
	onDelete     func()
	onDeleteOnce stdsync.Once
}

// NewPageSync wires a page sync. The storage handle must not be nil. The
// two backoff instances govern download and upload retries independently so
// a stuck upload cannot stall download recovery. watcher and errCallback
// may be nil; runner, when set, serializes watcher notifications.
func NewPageSync(
	appID string,
	st storage.PageStorage,
	enc encryption.Service,
	provider cloud.Provider,
	downloadBackoff, uploadBackoff *backoff.ExponentialBackOff,
	watcher SyncStateWatcher,
	runner *dispatch.Runner,
	errCallback func(error),
	m *metrics.Metrics,
	logger *zap.Logger,
) *PageSync {
	if st == nil {
		panic("sync: PageSync requires a storage handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageSync{
		appID:           appID,
		storage:         st,
		encryption:      enc,
		provider:        provider,
		downloadBackoff: downloadBackoff,
		uploadBackoff:   uploadBackoff,
		watcher:         watcher,
		runner:          runner,
		errCallback:     errCallback,
		metrics:         m,
		logger:          logger.With(zap.String("page_id", st.PageID())),
	}
}

// PageID returns the id of the synchronized page.
func (s *PageSync) PageID() string {
	return s.storage.PageID()
}

// SetOnDelete registers a callback invoked exactly once when the page sync
// shuts down. The engine must not be used after it fires.
func (s *PageSync) SetOnDelete(f func()) {
	s.onDeleteMu.Lock()
	defer s.onDeleteMu.Unlock()
	s.onDelete = f
}

// Start begins syncing. Calling Start twice is a caller bug.
func (s *PageSync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic("sync: PageSync started twice")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectAndRun(runCtx)
	}()
}

// connectAndRun opens the page-cloud connection, retrying with the download
// backoff, then launches the two sync halves.
func (s *PageSync) connectAndRun(ctx context.Context) {
	var pc cloud.PageCloud
	for {
		var err error
		pc, err = s.provider.GetPageCloud(ctx, s.appID, s.PageID())
		if err == nil {
			break
		}
		s.setDownloadState(model.DownloadError)
		delay := s.downloadBackoff.NextBackOff()
		if delay == backoff.Stop {
			delay = s.downloadBackoff.MaxInterval
		}
		s.logger.Warn("Failed to connect to the page cloud, retrying",
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	s.downloadBackoff.Reset()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.download = newPageDownload(s.storage, s.encryption, pc, s, s.downloadBackoff, s.metrics, s.logger)
	s.upload = newPageUpload(s.storage, s.encryption, pc, s, s.uploadBackoff, s.metrics, s.logger)
	if s.uploadEnabled {
		s.upload.enable()
	}
	s.removeStorage = s.storage.AddCommitWatcher(s.upload)
	download, upload := s.download, s.upload
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		download.run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		upload.run(ctx)
	}()
}

// EnableUpload switches on upload of local commits. Sticky and idempotent.
func (s *PageSync) EnableUpload() {
	s.mu.Lock()
	s.uploadEnabled = true
	upload := s.upload
	s.mu.Unlock()
	if upload != nil {
		upload.enable()
	}
}

// UploadEnabled reports whether upload has been switched on.
func (s *PageSync) UploadEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadEnabled
}

// PollRemote asks the download half to check the cloud for new commits
// without waiting for a watcher notification. Device mesh notices use it as
// a hint that a peer just uploaded something. Safe to call at any time; a
// poll before the connection is up is dropped, the backlog fetch covers it.
func (s *PageSync) PollRemote() {
	s.mu.Lock()
	download := s.download
	s.mu.Unlock()
	if download != nil {
		download.poll()
	}
}

// State returns the current sync state of the page.
func (s *PageSync) State() model.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close stops syncing, waits for the sync halves to unwind, and fires the
// on-delete callback exactly once.
func (s *PageSync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	removeStorage := s.removeStorage
	s.removeStorage = nil
	s.mu.Unlock()

	if removeStorage != nil {
		removeStorage()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.fireOnDelete()
}

func (s *PageSync) fireOnDelete() {
	s.onDeleteOnce.Do(func() {
		s.onDeleteMu.Lock()
		f := s.onDelete
		s.onDeleteMu.Unlock()
		if f != nil {
			f()
		}
	})
}

// setDownloadState implements downloadDelegate.
func (s *PageSync) setDownloadState(state model.DownloadState) {
	s.mu.Lock()
	if s.state.Download == state {
		s.mu.Unlock()
		return
	}
	s.state.Download = state
	snapshot := s.state
	s.mu.Unlock()
	s.notify(snapshot)
}

// setUploadState implements uploadDelegate.
func (s *PageSync) setUploadState(state model.UploadState) {
	s.mu.Lock()
	if s.state.Upload == state {
		s.mu.Unlock()
		return
	}
	s.state.Upload = state
	snapshot := s.state
	s.mu.Unlock()
	s.notify(snapshot)
}

// notify delivers a state change to the watcher, serialized on the runner
// when one is present so observers see transitions in order.
func (s *PageSync) notify(state model.SyncState) {
	if s.watcher == nil {
		return
	}
	if s.runner == nil {
		s.watcher.Notify(state)
		return
	}
	if err := s.runner.Post(func() { s.watcher.Notify(state) }); err != nil {
		s.logger.Debug("Dropped state notification", zap.Error(err))
	}
}

// backlogDownloaded implements downloadDelegate. Upload is held back until
// this fires; nudge it now.
func (s *PageSync) backlogDownloaded() {
	s.mu.Lock()
	s.backlogDone = true
	upload := s.upload
	s.mu.Unlock()
	if upload != nil {
		upload.nudge()
	}
}

// downloadInBacklog implements uploadDelegate.
func (s *PageSync) downloadInBacklog() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.backlogDone
}

// downloadBroken implements downloadDelegate.
func (s *PageSync) downloadBroken(err error) {
	s.reportError(err)
}

// uploadBroken implements uploadDelegate.
func (s *PageSync) uploadBroken(err error) {
	s.reportError(err)
}

func (s *PageSync) reportError(err error) {
	if s.errCallback == nil {
		return
	}
	if s.runner == nil {
		s.errCallback(err)
		return
	}
	if postErr := s.runner.Post(func() { s.errCallback(err) }); postErr != nil {
		s.errCallback(err)
	}
}
