// Package cloud defines the provider boundary the sync engine talks to.
// Position tokens and commit payloads are provider-defined opaque bytes and
// are round-tripped without interpretation.
package cloud

import (
	"context"

	"github.com/tidemark/ledger/internal/model"
)

// Commit is a commit as the cloud sees it: an id plus encrypted bytes.
type Commit struct {
	ID   model.CommitID
	Data []byte
}

// Provider hands out per-page cloud connections.
type Provider interface {
	GetPageCloud(ctx context.Context, appID, pageID string) (PageCloud, error)
}

// Watcher receives push notifications from a page cloud. Callbacks may be
// invoked from any goroutine.
type Watcher interface {
	// OnNewCommits delivers commits uploaded by other devices, along with
	// the position token to checkpoint after applying them.
	OnNewCommits(commits []Commit, position []byte)

	// OnError reports that the watch stream broke. The watcher is
	// unregistered; transient errors are re-established by the caller.
	OnError(err error)
}

// PageCloud is the remote store for one page's commits.
type PageCloud interface {
	// GetCommits returns the next batch of commits after the given position
	// token, plus the token marking the end of the batch. An empty batch
	// means the caller is caught up.
	GetCommits(ctx context.Context, position []byte) ([]Commit, []byte, error)

	// AddCommits uploads a batch of commits.
	AddCommits(ctx context.Context, commits []Commit) error

	// SetWatcher registers a watcher for commits arriving after the given
	// position token and returns a function that unregisters it.
	SetWatcher(ctx context.Context, position []byte, w Watcher) (remove func(), err error)
}
