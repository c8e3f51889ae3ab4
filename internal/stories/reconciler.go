// Package stories keeps the set of active ephemeral stories. All methods must
// be called on the loop.
package stories

import (
	"context"
	"sort"
	"time"

	"github.com/sandwichfarm/chorus/internal/events"
	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// Item is an active story
type Item struct {
	ID        string
	AuthorID  string
	MediaRef  string
	MediaType string
	CreatedAt time.Time
	ExpiresAt time.Time
	IsPublic  bool
	Viewed    bool
}

// Active reports whether the item may be shown at now
func (it Item) Active(now time.Time) bool {
	return it.IsPublic && it.ExpiresAt.After(now)
}

// Source loads the authoritative set of active stories
type Source interface {
	ActiveStories(ctx context.Context) ([]Item, error)
}

// Reconciler is the single writer of the story set
type Reconciler struct {
	userID   string
	source   Source
	dispatch loop.Dispatcher
	logger   *ops.Logger
	now      func() time.Time

	items   []Item
	viewed  map[string]bool
	version uint64
}

// NewReconciler creates an empty set. now defaults to time.Now.
func NewReconciler(userID string, source Source, dispatch loop.Dispatcher, now func() time.Time, logger *ops.Logger) *Reconciler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = ops.Discard()
	}
	return &Reconciler{
		userID:   userID,
		source:   source,
		dispatch: dispatch,
		logger:   logger.WithComponent("stories"),
		now:      now,
		viewed:   make(map[string]bool),
	}
}

func fromRow(row events.StoryRow) Item {
	return Item{
		ID:        row.ID,
		AuthorID:  row.UserID,
		MediaRef:  row.MediaURL,
		MediaType: row.MediaType,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
		IsPublic:  row.IsPublic,
	}
}

// Handle applies a story or story-view event
func (r *Reconciler) Handle(ev events.ChangeEvent) {
	switch ev.Topic {
	case events.TopicStories:
		row, ok := ev.Row().(events.StoryRow)
		if !ok {
			return
		}
		switch ev.Operation {
		case events.OpInsert:
			r.insert(fromRow(row))
		case events.OpUpdate:
			r.update(fromRow(row))
		case events.OpDelete:
			r.remove(row.ID)
		}
	case events.TopicStoryViews:
		row, ok := ev.New.(events.StoryViewRow)
		if ev.Operation == events.OpInsert && ok && row.ViewerID == r.userID {
			r.MarkViewed(row.StoryID)
		}
	}
}

// HandleGap reloads the set after a stream reconnect
func (r *Reconciler) HandleGap(topic events.Topic) {
	if topic == events.TopicStories || topic == events.TopicStoryViews {
		r.Refetch("gap:" + string(topic))
	}
}

func (r *Reconciler) insert(it Item) {
	if !it.Active(r.now()) {
		return
	}
	if i := r.find(it.ID); i >= 0 {
		it.Viewed = r.items[i].Viewed
		r.items[i] = it
	} else {
		it.Viewed = r.viewed[it.ID]
		r.items = append(r.items, it)
	}
	r.sort()
}

func (r *Reconciler) update(it Item) {
	i := r.find(it.ID)
	if !it.Active(r.now()) {
		if i >= 0 {
			r.removeAt(i)
		}
		return
	}
	if i < 0 {
		// a story made public later is admitted like an insert
		r.insert(it)
		return
	}
	it.Viewed = r.items[i].Viewed
	r.items[i] = it
	r.sort()
}

func (r *Reconciler) remove(id string) {
	if i := r.find(id); i >= 0 {
		r.removeAt(i)
	}
}

func (r *Reconciler) removeAt(i int) {
	r.items = append(r.items[:i], r.items[i+1:]...)
	r.version++
}

// MarkViewed flags a story as viewed by the local user
func (r *Reconciler) MarkViewed(id string) {
	r.viewed[id] = true
	if i := r.find(id); i >= 0 && !r.items[i].Viewed {
		r.items[i].Viewed = true
		r.sort()
	}
}

// Prune removes items that expired without an event
func (r *Reconciler) Prune() int {
	now := r.now()
	kept := r.items[:0]
	removed := 0
	for _, it := range r.items {
		if it.Active(now) {
			kept = append(kept, it)
		} else {
			removed++
		}
	}
	r.items = kept
	if removed > 0 {
		r.version++
	}
	return removed
}

// Replace installs an authoritative set, keeping local view flags
func (r *Reconciler) Replace(items []Item) {
	now := r.now()
	r.items = r.items[:0]
	for _, it := range items {
		if !it.Active(now) {
			continue
		}
		if r.viewed[it.ID] {
			it.Viewed = true
		}
		if it.Viewed {
			r.viewed[it.ID] = true
		}
		r.items = append(r.items, it)
	}
	r.sort()
}

// Refetch reloads the set from the source
func (r *Reconciler) Refetch(reason string) {
	if r.source == nil {
		return
	}
	start := time.Now()
	var items []Item
	r.dispatch.Go(func(ctx context.Context) error {
		var err error
		items, err = r.source.ActiveStories(ctx)
		return err
	}, func(err error) {
		r.logger.LogResync("stories", reason, time.Since(start), err)
		if err == nil {
			r.Replace(items)
		}
	})
}

func (r *Reconciler) find(id string) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) sort() {
	sort.SliceStable(r.items, func(i, j int) bool {
		a, b := r.items[i], r.items[j]
		if a.Viewed != b.Viewed {
			return !a.Viewed
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	r.version++
}

// Items returns the ordered set
func (r *Reconciler) Items() []Item {
	return append([]Item(nil), r.items...)
}

// Len returns the number of active items
func (r *Reconciler) Len() int {
	return len(r.items)
}

// Version increases on every change
func (r *Reconciler) Version() uint64 {
	return r.version
}

// Rail returns one item per author, the most recent by createdAt, in set order
func (r *Reconciler) Rail() []Item {
	latest := make(map[string]Item)
	for _, it := range r.items {
		if cur, ok := latest[it.AuthorID]; !ok || it.CreatedAt.After(cur.CreatedAt) {
			latest[it.AuthorID] = it
		}
	}

	out := make([]Item, 0, len(latest))
	for _, it := range r.items {
		if best, ok := latest[it.AuthorID]; ok && best.ID == it.ID {
			out = append(out, it)
		}
	}
	return out
}
