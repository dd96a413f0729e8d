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

type uploadPhase int

const (
	uploadStopped uploadPhase = iota
	uploadIdle
	uploadPending
	uploadWaitRemoteDownload
	uploadInProgress
	uploadTemporaryError
	uploadPermanentError
)

// uploadDelegate is how the upload half reports back to its page sync.
type uploadDelegate interface {
	setUploadState(state model.UploadState)
	downloadInBacklog() bool
	uploadBroken(err error)
}

// pageUpload streams local-only commits to the cloud. It stays dormant
// until enabled and holds off while the initial backlog download is still
// running, so commits about to arrive from the remote are not uploaded
// back at it.
type pageUpload struct {
	storage    storage.PageStorage
	encryption encryption.Service
	pageCloud  cloud.PageCloud
	delegate   uploadDelegate
	backoff    *backoff.ExponentialBackOff
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      stdsync.Mutex
	phase   uploadPhase
	enabled bool

	nudgeCh chan struct{}
}

func newPageUpload(
	st storage.PageStorage,
	enc encryption.Service,
	pc cloud.PageCloud,
	delegate uploadDelegate,
	bo *backoff.ExponentialBackOff,
	m *metrics.Metrics,
	logger *zap.Logger,
) *pageUpload {
	return &pageUpload{
		storage:    st,
		encryption: enc,
		pageCloud:  pc,
		delegate:   delegate,
		backoff:    bo,
		metrics:    m,
		logger:     logger,
		phase:      uploadStopped,
		nudgeCh:    make(chan struct{}, 1),
	}
}

// enable switches the upload on. Sticky; idempotent.
func (u *pageUpload) enable() {
	u.mu.Lock()
	already := u.enabled
	u.enabled = true
	u.mu.Unlock()
	if !already {
		u.nudge()
	}
}

func (u *pageUpload) isEnabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.enabled
}

// nudge asks the run loop to re-evaluate. Safe from any goroutine.
func (u *pageUpload) nudge() {
	select {
	case u.nudgeCh <- struct{}{}:
	default:
	}
}

// OnNewCommits implements storage.CommitWatcher; registered by the page
// sync for local commits.
func (u *pageUpload) OnNewCommits(_ []model.Commit, source model.ChangeSource) {
	if source != model.ChangeSourceLocal {
		return
	}
	u.nudge()
}

// run is the upload loop. Each nudge re-examines the unsynced commit set.
func (u *pageUpload) run(ctx context.Context) {
	u.nudge()
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.nudgeCh:
		}

		if !u.isEnabled() {
			u.reportDisabledState(ctx)
			continue
		}
		if u.delegate.downloadInBacklog() {
			// Re-nudged by the page sync once the backlog is done.
			u.setPhase(uploadWaitRemoteDownload)
			continue
		}
		if !u.uploadUnsynced(ctx) {
			return
		}
	}
}

// uploadUnsynced drains the unsynced commit set. Returns false when the
// loop must exit (context ended or permanent error).
func (u *pageUpload) uploadUnsynced(ctx context.Context) bool {
	for ctx.Err() == nil {
		commits, err := u.storage.GetUnsyncedCommits(ctx)
		if err != nil {
			u.permanent(errors.StorageFailed("failed to list unsynced commits", err))
			return false
		}
		if len(commits) == 0 {
			u.setPhase(uploadIdle)
			return true
		}

		u.setPhase(uploadInProgress)
		batch, err := u.encryptBatch(ctx, commits)
		if err != nil {
			u.permanent(err)
			return false
		}

		if err := u.pageCloud.AddCommits(ctx, batch); err != nil {
			if errors.IsTransient(err) {
				if !u.waitBackoff(ctx, err) {
					return false
				}
				continue
			}
			u.permanent(err)
			return false
		}
		u.backoff.Reset()

		for _, commit := range commits {
			if err := u.storage.MarkCommitSynced(ctx, commit.ID); err != nil {
				u.permanent(errors.StorageFailed("failed to mark commit synced", err))
				return false
			}
		}
		if u.metrics != nil {
			u.metrics.CommitsUploadedTotal.Add(float64(len(batch)))
			u.metrics.UploadBatchesTotal.WithLabelValues("ok").Inc()
		}
		u.logger.Debug("Uploaded local commits",
			zap.String("page_id", u.storage.PageID()),
			zap.Int("count", len(batch)))
	}
	return ctx.Err() == nil
}

func (u *pageUpload) encryptBatch(ctx context.Context, commits []model.Commit) ([]cloud.Commit, error) {
	batch := make([]cloud.Commit, 0, len(commits))
	for _, commit := range commits {
		plaintext, err := model.MarshalCommit(commit)
		if err != nil {
			return nil, errors.InternalError("failed to serialize commit for upload", err)
		}
		ciphertext, err := u.encryption.EncryptCommit(ctx, plaintext)
		if err != nil {
			return nil, errors.EncryptionFailed(err)
		}
		batch = append(batch, cloud.Commit{ID: commit.ID, Data: ciphertext})
	}
	return batch, nil
}

// reportDisabledState distinguishes "nothing to do" from "local commits
// held back because upload is off".
func (u *pageUpload) reportDisabledState(ctx context.Context) {
	commits, err := u.storage.GetUnsyncedCommits(ctx)
	if err == nil && len(commits) > 0 {
		u.setPhase(uploadPending)
		return
	}
	u.setPhase(uploadStopped)
}

func (u *pageUpload) waitBackoff(ctx context.Context, cause error) bool {
	u.setPhase(uploadTemporaryError)
	if u.metrics != nil {
		u.metrics.UploadRetriesTotal.Inc()
	}
	delay := u.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = u.backoff.MaxInterval
	}
	u.logger.Warn("Upload hit a transient error, retrying",
		zap.String("page_id", u.storage.PageID()),
		zap.Duration("delay", delay),
		zap.Error(cause))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (u *pageUpload) permanent(err error) {
	u.logger.Error("Upload stopped",
		zap.String("page_id", u.storage.PageID()),
		zap.Error(err))
	if u.metrics != nil {
		u.metrics.UploadBatchesTotal.WithLabelValues("error").Inc()
	}
	u.setPhase(uploadPermanentError)
	u.delegate.uploadBroken(err)
}

func (u *pageUpload) setPhase(p uploadPhase) {
	u.mu.Lock()
	if u.phase == p {
		u.mu.Unlock()
		return
	}
	u.phase = p
	u.mu.Unlock()
	u.delegate.setUploadState(externalUploadState(p))
}

func externalUploadState(p uploadPhase) model.UploadState {
	switch p {
	case uploadPending:
		return model.UploadPending
	case uploadWaitRemoteDownload:
		return model.UploadWaitRemoteDownload
	case uploadInProgress:
		return model.UploadInProgress
	case uploadTemporaryError, uploadPermanentError:
		return model.UploadError
	default:
		return model.UploadIdle
	}
}
