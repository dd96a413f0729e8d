package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/cloud"
	"github.com/tidemark/ledger/internal/encryption"
	"github.com/tidemark/ledger/internal/errors"
	"github.com/tidemark/ledger/internal/metrics"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
)

// downloadPhase is the internal download state machine. The externally
// visible DownloadState is a projection of it.
type downloadPhase int

const (
	phaseNotStarted downloadPhase = iota
	phaseBacklog
	phaseTemporaryError
	phaseSettingWatcher
	phaseIdle
	phaseInProgress
	phasePermanentError
)

// downloadDelegate is how the download half reports back to its page sync.
type downloadDelegate interface {
	setDownloadState(state model.DownloadState)
	backlogDownloaded()
	downloadBroken(err error)
}

// pageDownload drives continuous download of one page's remote commits:
// first the full backlog through position-token pagination, then a remote
// watch stream. All transitions happen on the run goroutine; cloud watcher
// callbacks only buffer work for it.
type pageDownload struct {
	storage    storage.PageStorage
	encryption encryption.Service
	pageCloud  cloud.PageCloud
	delegate   downloadDelegate
	backoff    *backoff.ExponentialBackOff
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu              stdsync.Mutex
	phase           downloadPhase
	pending         []cloud.Commit
	pendingPosition []byte

	notifyCh      chan struct{}
	pollCh        chan struct{}
	watchErrCh    chan error
	removeWatcher func()
}

func newPageDownload(
	st storage.PageStorage,
	enc encryption.Service,
	pc cloud.PageCloud,
	delegate downloadDelegate,
	bo *backoff.ExponentialBackOff,
	m *metrics.Metrics,
	logger *zap.Logger,
) *pageDownload {
	return &pageDownload{
		storage:    st,
		encryption: enc,
		pageCloud:  pc,
		delegate:   delegate,
		backoff:    bo,
		metrics:    m,
		logger:     logger,
		phase:      phaseNotStarted,
		notifyCh:   make(chan struct{}, 1),
		pollCh:     make(chan struct{}, 1),
		watchErrCh: make(chan error, 1),
	}
}

// run is the download loop. It returns when ctx is cancelled or the page
// hits a permanent error.
func (d *pageDownload) run(ctx context.Context) {
	defer d.unbindWatcher()

	const (
		stateBacklog = iota
		stateSetWatcher
		stateWatch
	)
	state := stateBacklog

	for ctx.Err() == nil {
		switch state {
		case stateBacklog:
			d.setPhase(phaseBacklog)
			err := d.fetchBacklog(ctx)
			switch {
			case err == nil:
				d.delegate.backlogDownloaded()
				state = stateSetWatcher
			case d.retryable(err):
				if !d.waitBackoff(ctx, err) {
					return
				}
			default:
				d.permanent(err)
				return
			}

		case stateSetWatcher:
			err := d.setRemoteWatcher(ctx)
			switch {
			case err == nil:
				state = stateWatch
			case d.retryable(err):
				if !d.waitBackoff(ctx, err) {
					return
				}
			default:
				d.permanent(err)
				return
			}

		case stateWatch:
			d.setPhase(phaseIdle)
			select {
			case <-ctx.Done():
				return
			case <-d.notifyCh:
				commits, position := d.takePending()
				if len(commits) == 0 {
					continue
				}
				d.setPhase(phaseInProgress)
				err := d.applyBatch(ctx, commits, position)
				switch {
				case err == nil:
					// Loop; anything queued while the batch ran is
					// picked up on the next pass.
				case d.retryable(err):
					// The checkpoint did not move, so re-fetching from
					// it replays the failed batch.
					d.unbindWatcher()
					if !d.waitBackoff(ctx, err) {
						return
					}
					state = stateBacklog
				default:
					d.permanent(err)
					return
				}
			case <-d.pollCh:
				d.setPhase(phaseInProgress)
				err := d.fetchOnce(ctx)
				switch {
				case err == nil:
				case d.retryable(err):
					d.unbindWatcher()
					if !d.waitBackoff(ctx, err) {
						return
					}
					state = stateBacklog
				default:
					d.permanent(err)
					return
				}
			case err := <-d.watchErrCh:
				d.unbindWatcher()
				if d.retryable(err) {
					d.logger.Warn("Remote commit watcher broke, re-establishing",
						zap.String("page_id", d.storage.PageID()),
						zap.Error(err))
					if !d.waitBackoff(ctx, err) {
						return
					}
					state = stateSetWatcher
					continue
				}
				d.permanent(err)
				return
			}
		}
	}
}

// fetchBacklog pages through remote commits from the last checkpoint until
// the cloud reports an empty batch.
func (d *pageDownload) fetchBacklog(ctx context.Context) error {
	token, err := d.loadToken(ctx)
	if err != nil {
		return err
	}
	if len(token) == 0 {
		d.logger.Debug("Starting sync for the first time, retrieving all remote commits",
			zap.String("page_id", d.storage.PageID()))
	}
	for {
		commits, next, err := d.pageCloud.GetCommits(ctx, token)
		if err != nil {
			return err
		}
		d.backoff.Reset()
		if len(commits) == 0 {
			d.logger.Debug("Backlog download finished",
				zap.String("page_id", d.storage.PageID()))
			return nil
		}
		if err := d.applyBatch(ctx, commits, next); err != nil {
			return err
		}
		token = next
	}
}

// fetchOnce pulls a single batch from the checkpoint, for callers that have
// an out-of-band hint of new remote commits. The remote watcher stays bound;
// storage dedup makes an overlap with a watcher delivery harmless.
func (d *pageDownload) fetchOnce(ctx context.Context) error {
	token, err := d.loadToken(ctx)
	if err != nil {
		return err
	}
	commits, next, err := d.pageCloud.GetCommits(ctx, token)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}
	return d.applyBatch(ctx, commits, next)
}

// poll asks the watch loop to check the cloud without waiting for a watcher
// notification. Safe from any goroutine.
func (d *pageDownload) poll() {
	select {
	case d.pollCh <- struct{}{}:
	default:
	}
}

// setRemoteWatcher subscribes to change notifications from the checkpoint
// onward.
func (d *pageDownload) setRemoteWatcher(ctx context.Context) error {
	d.setPhase(phaseSettingWatcher)
	token, err := d.loadToken(ctx)
	if err != nil {
		return err
	}
	remove, err := d.pageCloud.SetWatcher(ctx, token, d)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.removeWatcher = remove
	d.mu.Unlock()
	return nil
}

// applyBatch runs exactly one BatchDownload and reports its outcome.
func (d *pageDownload) applyBatch(ctx context.Context, commits []cloud.Commit, position []byte) error {
	var result error
	batch := NewBatchDownload(d.storage, d.encryption, commits, position,
		nil,
		func(err error) { result = err },
		d.metrics, d.logger)
	batch.Start(ctx)
	return result
}

// loadToken reads the checkpointed position token. A missing key means no
// checkpoint yet; sync starts from scratch with an empty token.
func (d *pageDownload) loadToken(ctx context.Context) ([]byte, error) {
	token, err := d.storage.GetSyncMetadata(ctx, model.PositionTokenKey)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to read the sync checkpoint", err)
	}
	return token, nil
}

// retryable decides whether a download error is worth a backoff retry.
// Decryption and storage-write failures retry because the checkpoint has
// not moved; corrupted payloads and internal errors are sticky.
func (d *pageDownload) retryable(err error) bool {
	if errors.IsTransient(err) {
		return true
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeDecryptionFailed, errors.ErrCodeStorageFailed:
		return true
	default:
		return false
	}
}

// waitBackoff reports the temporary-error state and sleeps for the next
// backoff delay. Returns false when ctx ended during the wait.
func (d *pageDownload) waitBackoff(ctx context.Context, cause error) bool {
	d.setPhase(phaseTemporaryError)
	if d.metrics != nil {
		d.metrics.DownloadRetriesTotal.Inc()
	}
	delay := d.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = d.backoff.MaxInterval
	}
	d.logger.Warn("Download hit a transient error, retrying",
		zap.String("page_id", d.storage.PageID()),
		zap.Duration("delay", delay),
		zap.Error(cause))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (d *pageDownload) permanent(err error) {
	d.logger.Error("Download stopped",
		zap.String("page_id", d.storage.PageID()),
		zap.Error(err))
	d.unbindWatcher()
	d.setPhase(phasePermanentError)
	d.delegate.downloadBroken(err)
}

func (d *pageDownload) unbindWatcher() {
	d.mu.Lock()
	remove := d.removeWatcher
	d.removeWatcher = nil
	d.mu.Unlock()
	if remove != nil {
		remove()
	}
}

func (d *pageDownload) setPhase(p downloadPhase) {
	d.mu.Lock()
	if d.phase == p {
		d.mu.Unlock()
		return
	}
	d.phase = p
	d.mu.Unlock()
	d.delegate.setDownloadState(externalDownloadState(p))
}

func (d *pageDownload) takePending() ([]cloud.Commit, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	commits := d.pending
	position := d.pendingPosition
	d.pending = nil
	d.pendingPosition = nil
	return commits, position
}

// OnNewCommits implements cloud.Watcher. Notifications arriving while a
// batch is in flight are buffered, keeping at most one BatchDownload
// running per page.
func (d *pageDownload) OnNewCommits(commits []cloud.Commit, position []byte) {
	d.mu.Lock()
	d.pending = append(d.pending, commits...)
	d.pendingPosition = position
	d.mu.Unlock()
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// OnError implements cloud.Watcher.
func (d *pageDownload) OnError(err error) {
	select {
	case d.watchErrCh <- err:
	default:
	}
}

func externalDownloadState(p downloadPhase) model.DownloadState {
	switch p {
	case phaseBacklog, phaseInProgress:
		return model.DownloadInProgress
	case phaseSettingWatcher:
		return model.DownloadWaitRemoteDownload
	case phaseTemporaryError, phasePermanentError:
		return model.DownloadError
	default:
		return model.DownloadIdle
	}
}
