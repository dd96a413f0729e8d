package merge

import (
	"context"
	"fmt"

	"github.com/tidemark/ledger/internal/model"
)

// PolicyLastOneWins names the built-in automatic resolver.
const PolicyLastOneWins = "last_one_wins"

// NewResolver returns the resolver a policy name selects.
func NewResolver(policy string) (Resolver, error) {
	switch policy {
	case PolicyLastOneWins:
		return LastOneWins{}, nil
	default:
		return nil, fmt.Errorf("unknown merge policy %q", policy)
	}
}

// Resolution is a resolver's answer for a pair of conflicting commits.
type Resolution struct {
	// Payload becomes the content of the merge commit.
	Payload []byte
	// Deferred indicates the resolver declined to merge now, typically
	// because a user decision is pending.
	Deferred bool
}

// Resolver produces merge content for two divergent commits. Ancestors
// carries the lowest common ancestors of the pair, newest first; it is
// empty when the histories share no recorded base.
type Resolver interface {
	Resolve(ctx context.Context, left, right model.Commit, ancestors []model.Commit) (Resolution, error)
}

// LastOneWins resolves conflicts by keeping the payload of the commit
// with the later timestamp. Ties break toward the larger commit id so
// every device picks the same winner.
type LastOneWins struct{}

func (LastOneWins) Resolve(_ context.Context, left, right model.Commit, _ []model.Commit) (Resolution, error) {
	winner := left
	if right.Timestamp > left.Timestamp ||
		(right.Timestamp == left.Timestamp && right.ID > left.ID) {
		winner = right
	}
	return Resolution{Payload: winner.Payload}, nil
}
