package cloud

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/errors"
)

// InMemoryProvider is a Provider backed by process memory. It serves as the
// loopback backend of the daemon and as the cloud fake in tests. Position
// tokens are decimal offsets into the per-page commit log, which tests may
// rely on; the sync engine itself must not.
type InMemoryProvider struct {
	logger *zap.Logger

	mu    sync.Mutex
	pages map[string]*InMemoryPageCloud
}

// NewInMemoryProvider creates an empty in-memory cloud.
func NewInMemoryProvider(logger *zap.Logger) *InMemoryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryProvider{
		logger: logger,
		pages:  make(map[string]*InMemoryPageCloud),
	}
}

// GetPageCloud implements Provider.
func (p *InMemoryProvider) GetPageCloud(_ context.Context, appID, pageID string) (PageCloud, error) {
	return p.Page(appID, pageID), nil
}

// Page returns the page cloud for direct manipulation by tests and the
// daemon wiring.
func (p *InMemoryProvider) Page(appID, pageID string) *InMemoryPageCloud {
	key := appID + "/" + pageID
	p.mu.Lock()
	defer p.mu.Unlock()
	page, ok := p.pages[key]
	if !ok {
		page = &InMemoryPageCloud{
			logger:     p.logger.With(zap.String("page_id", pageID)),
			known:      make(map[string]struct{}),
			watchers:   make(map[int]Watcher),
			batchLimit: 100,
		}
		p.pages[key] = page
	}
	return page
}

// InMemoryPageCloud holds one page's commit log.
type InMemoryPageCloud struct {
	logger *zap.Logger

	mu         sync.Mutex
	commits    []Commit
	known      map[string]struct{}
	watchers   map[int]Watcher
	nextID     int
	batchLimit int

	failGetCommits error
	failAddCommits error
	failSetWatcher error
}

// SetBatchLimit caps the number of commits returned per GetCommits call so
// tests can force pagination.
func (c *InMemoryPageCloud) SetBatchLimit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchLimit = n
}

// FailNextGetCommits makes the next GetCommits call return err.
func (c *InMemoryPageCloud) FailNextGetCommits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failGetCommits = err
}

// FailNextAddCommits makes the next AddCommits call return err.
func (c *InMemoryPageCloud) FailNextAddCommits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAddCommits = err
}

// FailNextSetWatcher makes the next SetWatcher call return err.
func (c *InMemoryPageCloud) FailNextSetWatcher(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSetWatcher = err
}

// Commits returns a copy of the stored commit log.
func (c *InMemoryPageCloud) Commits() []Commit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Commit(nil), c.commits...)
}

// BreakWatchers delivers err to every registered watcher and drops them,
// simulating a lost watch stream.
func (c *InMemoryPageCloud) BreakWatchers(err error) {
	c.mu.Lock()
	watchers := make([]Watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.watchers = make(map[int]Watcher)
	c.mu.Unlock()

	for _, w := range watchers {
		w.OnError(err)
	}
}

// GetCommits implements PageCloud.
func (c *InMemoryPageCloud) GetCommits(_ context.Context, position []byte) ([]Commit, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failGetCommits; err != nil {
		c.failGetCommits = nil
		return nil, nil, err
	}
	offset, err := parsePosition(position)
	if err != nil {
		return nil, nil, err
	}
	if offset > len(c.commits) {
		return nil, nil, errors.InvalidArgument("position token out of range")
	}
	end := offset + c.batchLimit
	if end > len(c.commits) {
		end = len(c.commits)
	}
	batch := append([]Commit(nil), c.commits[offset:end]...)
	return batch, formatPosition(end), nil
}

// AddCommits implements PageCloud. New commits are pushed to watchers
// asynchronously, the way a real provider's notification stream behaves.
func (c *InMemoryPageCloud) AddCommits(_ context.Context, commits []Commit) error {
	c.mu.Lock()
	if err := c.failAddCommits; err != nil {
		c.failAddCommits = nil
		c.mu.Unlock()
		return err
	}
	added := make([]Commit, 0, len(commits))
	for _, commit := range commits {
		if _, ok := c.known[string(commit.ID)]; ok {
			continue
		}
		c.known[string(commit.ID)] = struct{}{}
		c.commits = append(c.commits, commit)
		added = append(added, commit)
	}
	position := formatPosition(len(c.commits))
	watchers := make([]Watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	if len(added) == 0 {
		return nil
	}
	for _, w := range watchers {
		go w.OnNewCommits(append([]Commit(nil), added...), position)
	}
	return nil
}

// SetWatcher implements PageCloud. Commits already stored past the given
// position are delivered to the new watcher immediately.
func (c *InMemoryPageCloud) SetWatcher(_ context.Context, position []byte, w Watcher) (func(), error) {
	c.mu.Lock()
	if err := c.failSetWatcher; err != nil {
		c.failSetWatcher = nil
		c.mu.Unlock()
		return nil, err
	}
	offset, err := parsePosition(position)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextID
	c.nextID++
	c.watchers[id] = w

	var backlog []Commit
	var backlogPosition []byte
	if offset < len(c.commits) {
		backlog = append([]Commit(nil), c.commits[offset:]...)
		backlogPosition = formatPosition(len(c.commits))
	}
	c.mu.Unlock()

	if len(backlog) > 0 {
		go w.OnNewCommits(backlog, backlogPosition)
	}
	remove := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
	return remove, nil
}

func parsePosition(position []byte) (int, error) {
	if len(position) == 0 {
		return 0, nil
	}
	offset, err := strconv.Atoi(string(position))
	if err != nil || offset < 0 {
		return 0, errors.InvalidArgument("malformed position token")
	}
	return offset, nil
}

func formatPosition(offset int) []byte {
	return []byte(strconv.Itoa(offset))
}
