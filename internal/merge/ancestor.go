package merge

import (
	"container/heap"
	"context"

	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
)

// AncestorResult is the outcome of a common-ancestor query.
type AncestorResult struct {
	Comparison model.CommitComparison
	// Ancestors holds the lowest common ancestors when the commits are
	// Unordered, ordered by (generation desc, id asc). Empty otherwise.
	Ancestors []model.Commit
	// Steps counts frontier expansions, for observability.
	Steps int
}

type walkFlag uint8

const (
	fromLeft walkFlag = 1 << iota
	fromRight
	// dominated marks commits below an already-found common ancestor;
	// they are walked only to paint their lineage, never reported.
	dominated

	fromBoth = fromLeft | fromRight
)

type walkEntry struct {
	commit  model.Commit
	flags   walkFlag
	inQueue bool
}

// walkFrontier is a max-heap ordered newest-first, so the walk always
// expands the highest-generation commit next.
type walkFrontier []*walkEntry

func (f walkFrontier) Len() int { return len(f) }
func (f walkFrontier) Less(i, j int) bool {
	return model.CompareByGeneration(f[i].commit, f[j].commit)
}
func (f walkFrontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }
func (f *walkFrontier) Push(x any)   { *f = append(*f, x.(*walkEntry)) }
func (f *walkFrontier) Pop() any {
	old := *f
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*f = old[:n-1]
	return e
}

// FindCommonAncestors walks backward from two commits along parent edges
// and classifies their relationship. When the histories diverge it returns
// every lowest common ancestor: commits reachable from both sides that are
// not dominated by a higher-generation member of the result.
//
// The walk suspends on each storage lookup and observes ctx there, so a
// merge in progress can be cancelled mid-walk.
func FindCommonAncestors(ctx context.Context, st storage.PageStorage, left, right model.Commit) (AncestorResult, error) {
	if left.ID == right.ID {
		return AncestorResult{Comparison: model.Equivalent}, nil
	}

	entries := map[model.CommitID]*walkEntry{
		left.ID:  {commit: left, flags: fromLeft, inQueue: true},
		right.ID: {commit: right, flags: fromRight, inQueue: true},
	}
	frontier := walkFrontier{entries[left.ID], entries[right.ID]}
	heap.Init(&frontier)

	// interesting counts queued entries that could still contribute a new
	// ancestor; the walk stops early once none remain.
	interesting := 2
	steps := 0
	var ancestors []model.Commit

	for frontier.Len() > 0 && interesting > 0 {
		e := heap.Pop(&frontier).(*walkEntry)
		e.inQueue = false
		if e.flags&dominated == 0 {
			interesting--
		}
		steps++

		propagate := e.flags
		if e.flags&dominated == 0 && e.flags&fromBoth == fromBoth {
			// Reachable from both sides and not below a known ancestor:
			// this is a lowest common ancestor. If it is one of the heads
			// themselves, one history contains the other.
			if e.commit.ID == left.ID {
				return AncestorResult{Comparison: model.LeftSubsetOfRight, Steps: steps}, nil
			}
			if e.commit.ID == right.ID {
				return AncestorResult{Comparison: model.RightSubsetOfLeft, Steps: steps}, nil
			}
			ancestors = append(ancestors, e.commit)
			e.flags |= dominated
			propagate |= dominated
		}

		for _, parentID := range e.commit.Parents {
			if err := ctx.Err(); err != nil {
				return AncestorResult{}, err
			}
			pe, ok := entries[parentID]
			if !ok {
				parent, err := st.GetCommit(ctx, parentID)
				if err != nil {
					return AncestorResult{}, err
				}
				pe = &walkEntry{commit: parent, flags: propagate, inQueue: true}
				entries[parentID] = pe
				heap.Push(&frontier, pe)
				if pe.flags&dominated == 0 {
					interesting++
				}
				continue
			}
			merged := pe.flags | propagate
			if merged == pe.flags {
				continue
			}
			if pe.inQueue {
				if pe.flags&dominated == 0 && merged&dominated != 0 {
					interesting--
				}
				pe.flags = merged
				continue
			}
			// Already expanded with weaker flags; walk it again so the
			// new reachability propagates down its lineage.
			pe.flags = merged
			pe.inQueue = true
			heap.Push(&frontier, pe)
			if pe.flags&dominated == 0 {
				interesting++
			}
		}
	}

	// Ancestors were appended in pop order, which is already newest-first
	// with ties broken by id.
	return AncestorResult{
		Comparison: model.Unordered,
		Ancestors:  ancestors,
		Steps:      steps,
	}, nil
}
