package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/errors"
	"github.com/tidemark/ledger/internal/model"
)

// Store is an in-memory PageStorage. It is the reference implementation
// used in tests and by embedders without a durable engine.
type Store struct {
	pageID string
	logger *zap.Logger

	mu          sync.Mutex
	commits     map[model.CommitID]model.Commit
	heads       map[model.CommitID]struct{}
	unsynced    map[model.CommitID]struct{}
	metadata    map[string][]byte
	watchers    map[int]CommitWatcher
	nextWatcher int
	now         func() time.Time
}

// NewStore creates an empty in-memory page storage.
func NewStore(pageID string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pageID:   pageID,
		logger:   logger,
		commits:  make(map[model.CommitID]model.Commit),
		heads:    make(map[model.CommitID]struct{}),
		unsynced: make(map[model.CommitID]struct{}),
		metadata: make(map[string][]byte),
		watchers: make(map[int]CommitWatcher),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock used to timestamp local commits.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PageID implements PageStorage.
func (s *Store) PageID() string {
	return s.pageID
}

// GetCommit implements PageStorage.
func (s *Store) GetCommit(_ context.Context, id model.CommitID) (model.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[id]
	if !ok {
		return model.Commit{}, errors.CommitNotFound(string(id))
	}
	return c, nil
}

// GetHeadCommits implements PageStorage.
func (s *Store) GetHeadCommits(_ context.Context) ([]model.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heads := make([]model.Commit, 0, len(s.heads))
	for id := range s.heads {
		heads = append(heads, s.commits[id])
	}
	sort.Slice(heads, func(i, j int) bool {
		return model.CompareByGeneration(heads[i], heads[j])
	})
	return heads, nil
}

// AddCommitFromLocal implements PageStorage.
func (s *Store) AddCommitFromLocal(_ context.Context, parents []model.CommitID, payload []byte) (model.Commit, error) {
	s.mu.Lock()

	var generation uint64
	for _, p := range parents {
		parent, ok := s.commits[p]
		if !ok {
			s.mu.Unlock()
			return model.Commit{}, errors.CommitNotFound(string(p))
		}
		if parent.Generation+1 > generation {
			generation = parent.Generation + 1
		}
	}

	commit := model.Commit{
		Parents:    append([]model.CommitID(nil), parents...),
		Generation: generation,
		Timestamp:  s.now().UnixNano(),
		Payload:    payload,
	}
	data, err := model.MarshalCommit(commit)
	if err != nil {
		s.mu.Unlock()
		return model.Commit{}, errors.StorageFailed("failed to serialize commit", err)
	}
	commit.ID = model.DeriveCommitID(data)

	if _, ok := s.commits[commit.ID]; ok {
		// Identical commit already exists; nothing to apply.
		existing := s.commits[commit.ID]
		s.mu.Unlock()
		return existing, nil
	}

	s.applyLocked(commit)
	s.unsynced[commit.ID] = struct{}{}
	watchers := s.watcherListLocked()
	s.mu.Unlock()

	s.logger.Debug("Local commit applied",
		zap.String("page_id", s.pageID),
		zap.String("commit_id", string(commit.ID)),
		zap.Uint64("generation", commit.Generation))

	notifyWatchers(watchers, []model.Commit{commit}, model.ChangeSourceLocal)
	return commit, nil
}

// AddCommitsFromSync implements PageStorage. The batch is staged and
// validated in full before any of it becomes visible.
func (s *Store) AddCommitsFromSync(_ context.Context, commits []model.CommitIDAndBytes) error {
	s.mu.Lock()

	staged := make([]model.Commit, 0, len(commits))
	stagedByID := make(map[model.CommitID]model.Commit, len(commits))
	for _, pair := range commits {
		if _, ok := s.commits[pair.ID]; ok {
			// Deduplicated by id; already applied by an earlier batch.
			continue
		}
		if _, ok := stagedByID[pair.ID]; ok {
			continue
		}
		commit, err := model.UnmarshalCommit(pair.ID, pair.Bytes)
		if err != nil {
			s.mu.Unlock()
			return errors.CorruptedCommit(string(pair.ID), err)
		}
		staged = append(staged, commit)
		stagedByID[commit.ID] = commit
	}

	// Parents must resolve within storage or the batch itself.
	for _, commit := range staged {
		for _, p := range commit.Parents {
			if _, ok := s.commits[p]; ok {
				continue
			}
			if _, ok := stagedByID[p]; ok {
				continue
			}
			s.mu.Unlock()
			return errors.CorruptedCommit(string(commit.ID),
				errors.CommitNotFound(string(p)))
		}
	}

	// Apply in generation order so parent head bookkeeping is correct.
	sort.Slice(staged, func(i, j int) bool {
		if staged[i].Generation != staged[j].Generation {
			return staged[i].Generation < staged[j].Generation
		}
		return staged[i].ID < staged[j].ID
	})
	for _, commit := range staged {
		s.applyLocked(commit)
	}
	watchers := s.watcherListLocked()
	s.mu.Unlock()

	if len(staged) == 0 {
		return nil
	}
	s.logger.Debug("Sync commits applied",
		zap.String("page_id", s.pageID),
		zap.Int("count", len(staged)))

	notifyWatchers(watchers, staged, model.ChangeSourceCloud)
	return nil
}

// GetUnsyncedCommits implements PageStorage.
func (s *Store) GetUnsyncedCommits(_ context.Context) ([]model.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Commit, 0, len(s.unsynced))
	for id := range s.unsynced {
		out = append(out, s.commits[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkCommitSynced implements PageStorage.
func (s *Store) MarkCommitSynced(_ context.Context, id model.CommitID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commits[id]; !ok {
		return errors.CommitNotFound(string(id))
	}
	delete(s.unsynced, id)
	return nil
}

// GetSyncMetadata implements PageStorage.
func (s *Store) GetSyncMetadata(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.metadata[key]
	if !ok {
		return nil, errors.MetadataNotFound(key)
	}
	return append([]byte(nil), value...), nil
}

// SetSyncMetadata implements PageStorage.
func (s *Store) SetSyncMetadata(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = append([]byte(nil), value...)
	return nil
}

// AddCommitWatcher implements PageStorage.
func (s *Store) AddCommitWatcher(w CommitWatcher) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = w
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

// applyLocked inserts a commit and updates the head set.
func (s *Store) applyLocked(commit model.Commit) {
	s.commits[commit.ID] = commit
	s.heads[commit.ID] = struct{}{}
	for _, p := range commit.Parents {
		delete(s.heads, p)
	}
}

func (s *Store) watcherListLocked() []CommitWatcher {
	out := make([]CommitWatcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w)
	}
	return out
}

func notifyWatchers(watchers []CommitWatcher, commits []model.Commit, source model.ChangeSource) {
	for _, w := range watchers {
		w.OnNewCommits(commits, source)
	}
}
