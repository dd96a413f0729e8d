package sync

import (
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tidemark/ledger/internal/cloud"
	"github.com/tidemark/ledger/internal/encryption"
	"github.com/tidemark/ledger/internal/metrics"
	"github.com/tidemark/ledger/internal/storage"
	"github.com/tidemark/ledger/internal/util/dispatch"
)

// Params holds ledger sync tunables.
type Params struct {
	AppID                  string
	DownloadBackoffInitial time.Duration
	DownloadBackoffMax     time.Duration
	UploadBackoffInitial   time.Duration
	UploadBackoffMax       time.Duration
}

func (p *Params) setDefaults() {
	if p.DownloadBackoffInitial == 0 {
		p.DownloadBackoffInitial = 100 * time.Millisecond
	}
	if p.DownloadBackoffMax == 0 {
		p.DownloadBackoffMax = time.Minute
	}
	if p.UploadBackoffInitial == 0 {
		p.UploadBackoffInitial = 100 * time.Millisecond
	}
	if p.UploadBackoffMax == 0 {
		p.UploadBackoffMax = time.Minute
	}
}

// LedgerSync is the per-ledger factory and registry of active page syncs.
// All page syncs share one cloud provider, one aggregated state watcher and
// one notification dispatcher.
type LedgerSync struct {
	params     Params
	provider   cloud.Provider
	encryption encryption.Service
	aggregator *Aggregator
	runner     *dispatch.Runner
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu            stdsync.Mutex
	pages         map[string]*PageSync
	uploadEnabled bool
	closed        bool
}

// NewLedgerSync creates a ledger sync.
func NewLedgerSync(
	params Params,
	provider cloud.Provider,
	enc encryption.Service,
	m *metrics.Metrics,
	logger *zap.Logger,
) *LedgerSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	params.setDefaults()
	return &LedgerSync{
		params:     params,
		provider:   provider,
		encryption: enc,
		aggregator: NewAggregator(),
		runner: dispatch.NewRunner(&dispatch.Config{
			Name:   "ledger-sync/" + params.AppID,
			Logger: logger,
		}),
		metrics: m,
		logger:  logger,
	}
}

// SetWatcher sets the watcher receiving the aggregated sync state of all
// pages. The current aggregate is re-emitted to it immediately.
func (l *LedgerSync) SetWatcher(w SyncStateWatcher) {
	l.aggregator.SetBaseWatcher(w)
}

// CreatePageSync builds and registers a page sync for the given storage.
// The storage handle must not be nil. The returned page sync is not yet
// started; the caller owns starting it. If upload is already enabled
// globally the new instance starts with upload enabled.
func (l *LedgerSync) CreatePageSync(st storage.PageStorage, errCallback func(error)) *PageSync {
	if st == nil {
		panic("sync: CreatePageSync requires a storage handle")
	}
	pageID := st.PageID()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		panic("sync: CreatePageSync on a closed LedgerSync")
	}
	if l.pages == nil {
		l.pages = make(map[string]*PageSync)
	}
	if _, ok := l.pages[pageID]; ok {
		l.mu.Unlock()
		panic("sync: page sync already registered for page " + pageID)
	}
	uploadEnabled := l.uploadEnabled
	l.mu.Unlock()

	child := l.aggregator.GetNewStateWatcher()
	ps := NewPageSync(
		l.params.AppID,
		st,
		l.encryption,
		l.provider,
		newBackoff(l.params.DownloadBackoffInitial, l.params.DownloadBackoffMax),
		newBackoff(l.params.UploadBackoffInitial, l.params.UploadBackoffMax),
		child,
		l.runner,
		errCallback,
		l.metrics,
		l.logger,
	)
	ps.SetOnDelete(func() {
		l.deregister(pageID)
		child.Close()
	})
	if uploadEnabled {
		ps.EnableUpload()
	}

	l.mu.Lock()
	l.pages[pageID] = ps
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.ActivePageSyncs.Inc()
	}
	l.logger.Info("Page sync created", zap.String("page_id", pageID))
	return ps
}

// EnableUpload switches on upload for every current and future page sync.
// Sticky and idempotent.
func (l *LedgerSync) EnableUpload() {
	l.mu.Lock()
	l.uploadEnabled = true
	pages := make([]*PageSync, 0, len(l.pages))
	for _, ps := range l.pages {
		pages = append(pages, ps)
	}
	l.mu.Unlock()
	for _, ps := range pages {
		ps.EnableUpload()
	}
}

// ActivePageCount returns the number of registered page syncs.
func (l *LedgerSync) ActivePageCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages)
}

// Close shuts the ledger sync down. Closing while page syncs are still
// registered is a lifecycle bug in the embedding code.
func (l *LedgerSync) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if len(l.pages) != 0 {
		l.mu.Unlock()
		panic("sync: LedgerSync closed with active page syncs")
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.runner.Stop(5 * time.Second); err != nil {
		l.logger.Warn("Dispatcher did not stop cleanly", zap.Error(err))
	}
}

func (l *LedgerSync) deregister(pageID string) {
	l.mu.Lock()
	_, ok := l.pages[pageID]
	delete(l.pages, pageID)
	l.mu.Unlock()
	if ok && l.metrics != nil {
		l.metrics.ActivePageSyncs.Dec()
	}
}

// newBackoff builds one independently-seeded exponential backoff instance.
func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
