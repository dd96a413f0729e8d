package merge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	ledgererrors "github.com/tidemark/ledger/internal/errors"
	"github.com/tidemark/ledger/internal/metrics"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
)

// MergeStatus reports how a merge attempt ended.
type MergeStatus int

const (
	// MergeOK means the heads were reconciled: either a merge commit was
	// created, or the walk proved one history contains the other and no
	// commit was needed.
	MergeOK MergeStatus = iota
	// MergeDeferred means the resolver declined to merge now.
	MergeDeferred
	// MergeCancelled means Cancel was called or the context expired
	// before the merge completed.
	MergeCancelled
	// MergeAborted means the walk, the resolver, or storage failed.
	MergeAborted
)

func (s MergeStatus) String() string {
	switch s {
	case MergeOK:
		return "ok"
	case MergeDeferred:
		return "deferred"
	case MergeCancelled:
		return "cancelled"
	case MergeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MergeResult is delivered to the merge callback exactly once per merge.
type MergeResult struct {
	Status     MergeStatus
	Comparison model.CommitComparison
	// Commit is the merge commit, set only when one was created.
	Commit *model.Commit
	Err    error
}

// MergeCallback observes the completion of a merge started with Merge.
type MergeCallback func(MergeResult)

// Strategy drives conflict resolution for one page. At most one merge is
// in flight at a time; starting a second one is a caller error.
type Strategy struct {
	resolver Resolver
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	merging bool
	cancel  context.CancelFunc
	onError func(error)
}

// NewStrategy builds a Strategy around the given resolver.
func NewStrategy(resolver Resolver, m *metrics.Metrics, logger *zap.Logger) *Strategy {
	if resolver == nil {
		panic("merge: nil resolver")
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Strategy{resolver: resolver, metrics: m, logger: logger}
}

// SetOnError registers a callback fired when the resolver itself fails,
// as opposed to declining or deferring. The merge still completes with
// MergeAborted.
func (s *Strategy) SetOnError(f func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = f
}

// Merge reconciles two head commits of st in the background and invokes
// cb exactly once with the outcome. It panics if a merge is already in
// flight.
func (s *Strategy) Merge(ctx context.Context, st storage.PageStorage, left, right model.Commit, cb MergeCallback) {
	if st == nil {
		panic("merge: nil storage")
	}
	if cb == nil {
		cb = func(MergeResult) {}
	}

	s.mu.Lock()
	if s.merging {
		s.mu.Unlock()
		panic("merge: merge already in progress")
	}
	s.merging = true
	mctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.runMerge(mctx, st, left, right, cb)
}

// Cancel asks a merge in flight to stop. The registered callback still
// fires, with MergeCancelled, once the merge unwinds. Cancelling when no
// merge is running is a no-op.
func (s *Strategy) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Merging reports whether a merge is currently in flight.
func (s *Strategy) Merging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.merging
}

func (s *Strategy) runMerge(ctx context.Context, st storage.PageStorage, left, right model.Commit, cb MergeCallback) {
	start := time.Now()

	res := s.merge(ctx, st, left, right)

	s.metrics.MergesTotal.WithLabelValues(res.Status.String()).Inc()
	s.metrics.MergeDuration.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	s.merging = false
	s.cancel = nil
	s.mu.Unlock()

	cb(res)
}

func (s *Strategy) merge(ctx context.Context, st storage.PageStorage, left, right model.Commit) MergeResult {
	ancRes, err := FindCommonAncestors(ctx, st, left, right)
	if err != nil {
		if ctx.Err() != nil {
			return MergeResult{Status: MergeCancelled, Err: ctx.Err()}
		}
		s.logger.Warn("ancestor walk failed",
			zap.String("left", string(left.ID)),
			zap.String("right", string(right.ID)),
			zap.Error(err))
		return MergeResult{Status: MergeAborted, Err: err}
	}
	s.metrics.AncestorWalkSteps.Observe(float64(ancRes.Steps))

	if ancRes.Comparison != model.Unordered {
		// One head already contains the other; nothing to create.
		return MergeResult{Status: MergeOK, Comparison: ancRes.Comparison}
	}

	resolution, err := s.resolver.Resolve(ctx, left, right, ancRes.Ancestors)
	if err != nil {
		if ctx.Err() != nil {
			return MergeResult{Status: MergeCancelled, Err: ctx.Err()}
		}
		werr := ledgererrors.ResolverDisconnected(err)
		s.mu.Lock()
		onError := s.onError
		s.mu.Unlock()
		if onError != nil {
			onError(werr)
		}
		return MergeResult{Status: MergeAborted, Comparison: model.Unordered, Err: werr}
	}
	if resolution.Deferred {
		return MergeResult{Status: MergeDeferred, Comparison: model.Unordered}
	}

	parents := []model.CommitID{left.ID, right.ID}
	if parents[1] < parents[0] {
		parents[0], parents[1] = parents[1], parents[0]
	}
	commit, err := st.AddCommitFromLocal(ctx, parents, resolution.Payload)
	if err != nil {
		if ctx.Err() != nil {
			return MergeResult{Status: MergeCancelled, Err: ctx.Err()}
		}
		return MergeResult{
			Status:     MergeAborted,
			Comparison: model.Unordered,
			Err:        ledgererrors.StorageFailed("adding merge commit", err),
		}
	}

	s.logger.Debug("merge commit created",
		zap.String("commit_id", string(commit.ID)),
		zap.Int("ancestors", len(ancRes.Ancestors)))
	return MergeResult{Status: MergeOK, Comparison: model.Unordered, Commit: &commit}
}
