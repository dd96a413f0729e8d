// Package storage defines the commit-graph storage boundary consumed by the
// sync engine, plus an in-memory reference implementation.
//
// The durable engine behind PageStorage is an external collaborator; the
// sync engine only relies on the contract spelled out here. Writes are
// atomic from the caller's perspective and commits are deduplicated by id,
// which is what makes batch retries after a failed checkpoint safe.
package storage

import (
	"context"

	"github.com/tidemark/ledger/internal/model"
)

// CommitWatcher observes commits as they land in storage.
type CommitWatcher interface {
	// OnNewCommits is called after the commits are durably applied. The
	// source tells the watcher whether the commits were produced locally or
	// arrived through sync.
	OnNewCommits(commits []model.Commit, source model.ChangeSource)
}

// PageStorage is the commit read/write/watch interface of one page.
type PageStorage interface {
	// PageID returns the id of the page this storage holds.
	PageID() string

	// GetCommit returns the commit with the given id, or an error carrying
	// ErrCodeCommitNotFound.
	GetCommit(ctx context.Context, id model.CommitID) (model.Commit, error)

	// GetHeadCommits returns the current heads of the page's commit DAG,
	// ordered by (generation desc, id asc).
	GetHeadCommits(ctx context.Context) ([]model.Commit, error)

	// AddCommitFromLocal creates a new commit on top of the given parents
	// and applies it as a local change.
	AddCommitFromLocal(ctx context.Context, parents []model.CommitID, payload []byte) (model.Commit, error)

	// AddCommitsFromSync applies a batch of commits that arrived through
	// sync. The batch is applied atomically; commits already present are
	// skipped.
	AddCommitsFromSync(ctx context.Context, commits []model.CommitIDAndBytes) error

	// GetUnsyncedCommits returns local commits not yet uploaded, ordered by
	// generation ascending so parents upload before children.
	GetUnsyncedCommits(ctx context.Context) ([]model.Commit, error)

	// MarkCommitSynced records that the commit has been uploaded.
	MarkCommitSynced(ctx context.Context, id model.CommitID) error

	// GetSyncMetadata reads an opaque sync-metadata value. A missing key is
	// reported with ErrCodeMetadataNotFound, not invented as empty.
	GetSyncMetadata(ctx context.Context, key string) ([]byte, error)

	// SetSyncMetadata durably writes an opaque sync-metadata value.
	SetSyncMetadata(ctx context.Context, key string, value []byte) error

	// AddCommitWatcher registers a watcher for new commits and returns a
	// function that removes it.
	AddCommitWatcher(w CommitWatcher) (remove func())
}
