package merge_test

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/ledger/internal/errors"
	"github.com/tidemark/ledger/internal/merge"
	"github.com/tidemark/ledger/internal/model"
	"github.com/tidemark/ledger/internal/storage"
)

// dagStorage is a PageStorage fake over a hand-built commit graph, so
// tests control ids and shapes directly.
type dagStorage struct {
	commits map[model.CommitID]model.Commit
	added   []model.Commit
}

func newDagStorage(commits ...model.Commit) *dagStorage {
	d := &dagStorage{commits: make(map[model.CommitID]model.Commit)}
	for _, c := range commits {
		d.commits[c.ID] = c
	}
	return d
}

func (d *dagStorage) PageID() string { return "page-1" }

func (d *dagStorage) GetCommit(_ context.Context, id model.CommitID) (model.Commit, error) {
	c, ok := d.commits[id]
	if !ok {
		return model.Commit{}, errors.CommitNotFound(string(id))
	}
	return c, nil
}

func (d *dagStorage) GetHeadCommits(_ context.Context) ([]model.Commit, error) {
	hasChild := make(map[model.CommitID]bool)
	for _, c := range d.commits {
		for _, p := range c.Parents {
			hasChild[p] = true
		}
	}
	var heads []model.Commit
	for id, c := range d.commits {
		if !hasChild[id] {
			heads = append(heads, c)
		}
	}
	sort.Slice(heads, func(i, j int) bool {
		return model.CompareByGeneration(heads[i], heads[j])
	})
	return heads, nil
}

func (d *dagStorage) AddCommitFromLocal(_ context.Context, parents []model.CommitID, payload []byte) (model.Commit, error) {
	var generation uint64
	for _, p := range parents {
		parent, ok := d.commits[p]
		if !ok {
			return model.Commit{}, errors.CommitNotFound(string(p))
		}
		if parent.Generation+1 > generation {
			generation = parent.Generation + 1
		}
	}
	commit := model.Commit{
		ID:         model.CommitID(fmt.Sprintf("local-%d", len(d.added))),
		Parents:    append([]model.CommitID(nil), parents...),
		Generation: generation,
		Timestamp:  int64(len(d.commits)),
		Payload:    payload,
	}
	d.commits[commit.ID] = commit
	d.added = append(d.added, commit)
	return commit, nil
}

func (d *dagStorage) AddCommitsFromSync(context.Context, []model.CommitIDAndBytes) error {
	return nil
}

func (d *dagStorage) GetUnsyncedCommits(context.Context) ([]model.Commit, error) {
	return nil, nil
}

func (d *dagStorage) MarkCommitSynced(context.Context, model.CommitID) error {
	return nil
}

func (d *dagStorage) GetSyncMetadata(_ context.Context, key string) ([]byte, error) {
	return nil, errors.MetadataNotFound(key)
}

func (d *dagStorage) SetSyncMetadata(context.Context, string, []byte) error {
	return nil
}

func (d *dagStorage) AddCommitWatcher(storage.CommitWatcher) func() {
	return func() {}
}

func commitNode(id string, generation uint64, parents ...string) model.Commit {
	c := model.Commit{ID: model.CommitID(id), Generation: generation}
	for _, p := range parents {
		c.Parents = append(c.Parents, model.CommitID(p))
	}
	return c
}

func ancestorIDs(res merge.AncestorResult) []string {
	out := make([]string, 0, len(res.Ancestors))
	for _, c := range res.Ancestors {
		out = append(out, string(c.ID))
	}
	return out
}

func TestFindCommonAncestors_Equivalent(t *testing.T) {
	a := commitNode("a", 0)
	st := newDagStorage(a)

	res, err := merge.FindCommonAncestors(context.Background(), st, a, a)
	require.NoError(t, err)
	assert.Equal(t, model.Equivalent, res.Comparison)
	assert.Empty(t, res.Ancestors)
}

func TestFindCommonAncestors_Subset(t *testing.T) {
	root := commitNode("root", 0)
	mid := commitNode("mid", 1, "root")
	tip := commitNode("tip", 2, "mid")
	st := newDagStorage(root, mid, tip)

	res, err := merge.FindCommonAncestors(context.Background(), st, root, tip)
	require.NoError(t, err)
	assert.Equal(t, model.LeftSubsetOfRight, res.Comparison)
	assert.Empty(t, res.Ancestors)

	res, err = merge.FindCommonAncestors(context.Background(), st, tip, root)
	require.NoError(t, err)
	assert.Equal(t, model.RightSubsetOfLeft, res.Comparison)
}

func TestFindCommonAncestors_SimpleFork(t *testing.T) {
	root := commitNode("root", 0)
	left := commitNode("left", 1, "root")
	right := commitNode("right", 1, "root")
	st := newDagStorage(root, left, right)

	res, err := merge.FindCommonAncestors(context.Background(), st, left, right)
	require.NoError(t, err)
	assert.Equal(t, model.Unordered, res.Comparison)
	assert.Equal(t, []string{"root"}, ancestorIDs(res))
}

func TestFindCommonAncestors_DiamondExcludesDominatedRoot(t *testing.T) {
	// root -> a, b; both heads descend from both a and b. The lowest
	// common ancestors are a and b; root is below them and must not be
	// reported.
	root := commitNode("root", 0)
	a := commitNode("a", 1, "root")
	b := commitNode("b", 1, "root")
	left := commitNode("left", 2, "a", "b")
	right := commitNode("right", 2, "a", "b")
	st := newDagStorage(root, a, b, left, right)

	res, err := merge.FindCommonAncestors(context.Background(), st, left, right)
	require.NoError(t, err)
	assert.Equal(t, model.Unordered, res.Comparison)
	assert.Equal(t, []string{"a", "b"}, ancestorIDs(res))
}

func TestFindCommonAncestors_UnevenDepth(t *testing.T) {
	root := commitNode("root", 0)
	a := commitNode("a", 1, "root")
	b := commitNode("b", 2, "a")
	c := commitNode("c", 3, "b")
	other := commitNode("other", 1, "root")
	st := newDagStorage(root, a, b, c, other)

	res, err := merge.FindCommonAncestors(context.Background(), st, c, other)
	require.NoError(t, err)
	assert.Equal(t, model.Unordered, res.Comparison)
	assert.Equal(t, []string{"root"}, ancestorIDs(res))
}

func TestFindCommonAncestors_MissingParentSurfaces(t *testing.T) {
	// left's parent is not in storage.
	left := commitNode("left", 1, "ghost")
	right := commitNode("right", 1, "also-ghost")
	st := newDagStorage(left, right)

	_, err := merge.FindCommonAncestors(context.Background(), st, left, right)
	assert.Equal(t, errors.ErrCodeCommitNotFound, errors.GetCode(err))
}

func TestFindCommonAncestors_Cancellation(t *testing.T) {
	root := commitNode("root", 0)
	left := commitNode("left", 1, "root")
	right := commitNode("right", 1, "root")
	st := newDagStorage(root, left, right)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := merge.FindCommonAncestors(ctx, st, left, right)
	assert.ErrorIs(t, err, context.Canceled)
}
