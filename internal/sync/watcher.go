package sync

import (
	stdsync "sync"

	"github.com/tidemark/ledger/internal/model"
)

// SyncStateWatcher is notified whenever a sync state changes.
type SyncStateWatcher interface {
	Notify(state model.SyncState)
}

// Aggregator merges the states of any number of per-page sync watchers into
// one combined state and forwards it to a single base watcher. The combined
// state of each dimension is the highest-priority state reported by any
// child: error > in progress > wait remote download > pending > idle.
type Aggregator struct {
	mu       stdsync.Mutex
	base     SyncStateWatcher
	children map[*ChildWatcher]model.SyncState
	state    model.SyncState
}

// NewAggregator creates an aggregator with no base watcher.
func NewAggregator() *Aggregator {
	return &Aggregator{
		children: make(map[*ChildWatcher]model.SyncState),
	}
}

// SetBaseWatcher replaces the watcher receiving combined states. The
// current combined state is re-emitted to the new watcher immediately so it
// never observes a stale default.
func (a *Aggregator) SetBaseWatcher(w SyncStateWatcher) {
	a.mu.Lock()
	a.base = w
	state := a.state
	a.mu.Unlock()
	if w != nil {
		w.Notify(state)
	}
}

// GetNewStateWatcher returns a child watcher bound to a fresh state slot,
// initially fully idle.
func (a *Aggregator) GetNewStateWatcher() *ChildWatcher {
	c := &ChildWatcher{agg: a}
	a.mu.Lock()
	a.children[c] = model.SyncState{}
	a.mu.Unlock()
	return c
}

// State returns the last combined state.
func (a *Aggregator) State() model.SyncState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ChildWatcher is one page sync's slot in the aggregator.
type ChildWatcher struct {
	agg  *Aggregator
	once stdsync.Once
}

// Notify implements SyncStateWatcher.
func (c *ChildWatcher) Notify(state model.SyncState) {
	a := c.agg
	a.mu.Lock()
	if _, ok := a.children[c]; !ok {
		a.mu.Unlock()
		return
	}
	a.children[c] = state
	base, combined := a.recomputeLocked()
	a.mu.Unlock()
	if base != nil {
		base.Notify(combined)
	}
}

// Close removes the child's slot and recomputes the aggregate as if the
// child were idle.
func (c *ChildWatcher) Close() {
	c.once.Do(func() {
		a := c.agg
		a.mu.Lock()
		delete(a.children, c)
		previous := a.state
		base, combined := a.recomputeLocked()
		a.mu.Unlock()
		if base != nil && combined != previous {
			base.Notify(combined)
		}
	})
}

// recomputeLocked recalculates the combined state and returns the base
// watcher to notify, if any.
func (a *Aggregator) recomputeLocked() (SyncStateWatcher, model.SyncState) {
	var combined model.SyncState
	for _, state := range a.children {
		if state.Download > combined.Download {
			combined.Download = state.Download
		}
		if state.Upload > combined.Upload {
			combined.Upload = state.Upload
		}
	}
	a.state = combined
	return a.base, combined
}
