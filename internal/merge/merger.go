package merge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
)

// PageMerger watches a page's storage and starts a merge whenever the
// page holds more than one head. Merges run one at a time; with more
// than two heads it merges pairwise until a single head remains.
type PageMerger struct {
	st       storage.PageStorage
	strategy *Strategy
	logger   *zap.Logger

	nudgeCh chan struct{}

	mu            sync.Mutex
	started       bool
	removeWatcher func()
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewPageMerger builds a merger for one page.
func NewPageMerger(st storage.PageStorage, strategy *Strategy, logger *zap.Logger) *PageMerger {
	if st == nil {
		panic("merge: nil storage")
	}
	if strategy == nil {
		panic("merge: nil strategy")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageMerger{
		st:       st,
		strategy: strategy,
		logger:   logger.With(zap.String("page_id", st.PageID())),
		nudgeCh:  make(chan struct{}, 1),
	}
}

// Start begins watching for conflicting heads. It panics if called twice.
func (p *PageMerger) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		panic("merge: PageMerger started twice")
	}
	p.started = true
	mctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.removeWatcher = p.st.AddCommitWatcher(p)
	p.wg.Add(1)
	p.mu.Unlock()

	p.nudge()
	go p.run(mctx)
}

// Stop cancels any merge in flight and stops watching the page.
func (p *PageMerger) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	remove := p.removeWatcher
	p.cancel = nil
	p.removeWatcher = nil
	p.mu.Unlock()

	if remove != nil {
		remove()
	}
	if cancel != nil {
		p.strategy.Cancel()
		cancel()
		p.wg.Wait()
	}
}

// OnNewCommits implements storage.CommitWatcher.
func (p *PageMerger) OnNewCommits(_ []model.Commit, _ model.ChangeSource) {
	p.nudge()
}

func (p *PageMerger) nudge() {
	select {
	case p.nudgeCh <- struct{}{}:
	default:
	}
}

func (p *PageMerger) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.nudgeCh:
		}
		p.mergeIfNeeded(ctx)
	}
}

func (p *PageMerger) mergeIfNeeded(ctx context.Context) {
	if p.strategy.Merging() {
		return
	}
	heads, err := p.st.GetHeadCommits(ctx)
	if err != nil {
		p.logger.Warn("Failed to read heads", zap.Error(err))
		return
	}
	if len(heads) < 2 {
		return
	}

	p.logger.Info("Conflicting heads detected", zap.Int("heads", len(heads)))
	p.strategy.Merge(ctx, p.st, heads[0], heads[1], func(res MergeResult) {
		if res.Err != nil {
			p.logger.Warn("Merge did not complete",
				zap.String("status", res.Status.String()),
				zap.Error(res.Err))
			return
		}
		// The merge commit also lands through the commit watcher, but a
		// subset outcome creates no commit and would leave any remaining
		// heads stuck without this nudge.
		if res.Status == MergeOK {
			p.nudge()
		}
	})
}
