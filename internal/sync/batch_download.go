package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark/ledger/internal/cloud"
	"github.com/tidemark/ledger/internal/encryption"
	"github.com/tidemark/ledger/internal/errors"
	"github.com/tidemark/ledger/internal/metrics"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
)

// BatchDownload applies one batch of remote commits to local storage.
//
// The batch moves through two phases: every commit is decrypted
// concurrently, and only if all decrypts succeed is the whole batch handed
// to storage and the position token checkpointed. A failure in either phase
// leaves the checkpoint untouched, so the caller can retry the batch from
// the previous token; storage deduplicates by commit id, which makes the
// retry idempotent.
//
// A BatchDownload runs exactly once. There is no cancellation once started:
// stopping between apply and checkpoint would be the one thing this type
// exists to prevent.
type BatchDownload struct {
	storage    storage.PageStorage
	encryption encryption.Service
	commits    []cloud.Commit
	position   []byte
	onDone     func()
	onError    func(error)
	metrics    *metrics.Metrics
	logger     *zap.Logger
	started    bool
}

// NewBatchDownload creates a batch download. The storage handle must not be
// nil; passing nil is a caller bug.
func NewBatchDownload(
	st storage.PageStorage,
	enc encryption.Service,
	commits []cloud.Commit,
	position []byte,
	onDone func(),
	onError func(error),
	m *metrics.Metrics,
	logger *zap.Logger,
) *BatchDownload {
	if st == nil {
		panic("sync: BatchDownload requires a storage handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchDownload{
		storage:    st,
		encryption: enc,
		commits:    commits,
		position:   position,
		onDone:     onDone,
		onError:    onError,
		metrics:    m,
		logger:     logger,
	}
}

// Start runs the batch to completion, invoking exactly one of the
// completion callbacks before returning. Calling Start twice is a caller
// bug.
func (d *BatchDownload) Start(ctx context.Context) {
	if d.started {
		panic("sync: BatchDownload started twice")
	}
	d.started = true
	start := time.Now()

	decrypted, err := d.decryptAll(ctx)
	if err != nil {
		d.fail(start, err)
		return
	}

	// Storage errors already carry a code that decides whether the batch is
	// retried or sticks; wrapping them again would bury it.
	if err := d.storage.AddCommitsFromSync(ctx, decrypted); err != nil {
		if !errors.IsSyncError(err) {
			err = errors.StorageFailed("failed to persist remote commits", err)
		}
		d.fail(start, err)
		return
	}

	// The checkpoint must only move after the batch is durably applied.
	if len(d.position) > 0 {
		if err := d.storage.SetSyncMetadata(ctx, model.PositionTokenKey, d.position); err != nil {
			if !errors.IsSyncError(err) {
				err = errors.StorageFailed("failed to checkpoint position token", err)
			}
			d.fail(start, err)
			return
		}
	}

	if d.metrics != nil {
		d.metrics.CommitsDownloadedTotal.Add(float64(len(d.commits)))
		d.metrics.BatchDownloadsTotal.WithLabelValues("ok").Inc()
		d.metrics.BatchDownloadDuration.Observe(time.Since(start).Seconds())
	}
	if d.onDone != nil {
		d.onDone()
	}
}

// decryptAll fans the decrypt calls out concurrently and joins on all of
// them, failing the batch on the first error.
func (d *BatchDownload) decryptAll(ctx context.Context) ([]model.CommitIDAndBytes, error) {
	decrypted := make([]model.CommitIDAndBytes, len(d.commits))
	g, gctx := errgroup.WithContext(ctx)
	for i, commit := range d.commits {
		i, commit := i, commit
		g.Go(func() error {
			plaintext, err := d.encryption.DecryptCommit(gctx, commit.Data)
			if err != nil {
				return errors.DecryptionFailed(err)
			}
			decrypted[i] = model.CommitIDAndBytes{ID: commit.ID, Bytes: plaintext}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return decrypted, nil
}

func (d *BatchDownload) fail(start time.Time, err error) {
	d.logger.Warn("Batch download failed",
		zap.String("page_id", d.storage.PageID()),
		zap.Int("commits", len(d.commits)),
		zap.Error(err))
	if d.metrics != nil {
		d.metrics.BatchDownloadsTotal.WithLabelValues("error").Inc()
		d.metrics.BatchDownloadDuration.Observe(time.Since(start).Seconds())
	}
	if d.onError != nil {
		d.onError(err)
	}
}
