package feed

import (
	"context"

	"github.com/sandwichfarm/chorus/internal/mutation"
)

// Follows is the set of authors the local user follows, layered like the
// counters: confirmed state plus a pending override per author.
type Follows struct {
	agg       *Aggregator
	following map[string]bool
	pending   map[string]bool
}

func newFollows(a *Aggregator) *Follows {
	return &Follows{
		agg:       a,
		following: make(map[string]bool),
		pending:   make(map[string]bool),
	}
}

// Replace installs the confirmed follow set
func (f *Follows) Replace(authorIDs []string) {
	f.following = make(map[string]bool, len(authorIDs))
	for _, id := range authorIDs {
		f.following[id] = true
	}
	f.agg.version++
}

// IsFollowing returns the displayed follow state of an author
func (f *Follows) IsFollowing(authorID string) bool {
	if v, ok := f.pending[authorID]; ok {
		return v
	}
	return f.following[authorID]
}

// Count returns how many authors are displayed as followed
func (f *Follows) Count() int {
	n := 0
	for id := range f.following {
		if f.IsFollowing(id) {
			n++
		}
	}
	for id, v := range f.pending {
		if v && !f.following[id] {
			n++
		}
	}
	return n
}

// Toggle follows or unfollows an author optimistically
func (f *Follows) Toggle(authorID string) error {
	follow := !f.IsFollowing(authorID)
	key := mutation.Key{EntityID: authorID, Action: ActionFollow}

	return f.agg.coord.Perform(mutation.Mutation{
		Key: key,
		Apply: func() {
			f.pending[authorID] = follow
			f.agg.version++
		},
		Revert: func() {
			delete(f.pending, authorID)
			f.agg.version++
		},
		Commit: func() {
			delete(f.pending, authorID)
			if follow {
				f.following[authorID] = true
			} else {
				delete(f.following, authorID)
			}
			f.agg.version++
		},
		Call: func(ctx context.Context) error {
			return f.agg.backend.SetFollow(ctx, authorID, follow)
		},
	})
}
