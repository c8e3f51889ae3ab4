// Package feed aggregates engagement counters for feed posts from a snapshot,
// remote change events and pending local mutations. All methods must be
// called on the loop.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandwichfarm/chorus/internal/events"
	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/mutation"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// Mutation actions owned by the feed
const (
	ActionLike     = "like"
	ActionValidate = "validate"
	ActionFollow   = "follow"
)

var (
	// ErrUnknownItem is returned for intents on posts not in the feed
	ErrUnknownItem = errors.New("post not in feed")
	// ErrAlreadyValidated is returned when validating twice; validations cannot be undone locally
	ErrAlreadyValidated = errors.New("post already validated")
)

// Counters are the engagement totals of a post
type Counters struct {
	Likes       int
	Validations int
	Duets       int
	Comments    int
}

// Item is a feed post as displayed
type Item struct {
	ID          string
	AuthorID    string
	CreatedAt   time.Time
	Counters    Counters
	IsLiked     bool
	IsValidated bool
}

// NeedsValidation reports whether the local user can still validate the post
func (it Item) NeedsValidation() bool {
	return !it.IsValidated
}

// Page is one page of the feed
type Page struct {
	Items []Item
	Next  string
}

// Backend serves feed snapshots and mutations
type Backend interface {
	FeedPage(ctx context.Context, cursor string, limit int) (Page, error)
	FeedItem(ctx context.Context, id string) (Item, error)
	SetLike(ctx context.Context, postID string, liked bool) error
	SubmitValidation(ctx context.Context, postID string) error
	SetFollow(ctx context.Context, authorID string, following bool) error
}

// Options configures an Aggregator
type Options struct {
	UserID           string
	PageSize         int
	RetryValidations bool
}

// delta is a pending optimistic change for one (post, action)
type delta struct {
	count int
	flag  bool
}

// Aggregator is the single writer of feed counters
type Aggregator struct {
	opts     Options
	backend  Backend
	dispatch loop.Dispatcher
	coord    *mutation.Coordinator
	logger   *ops.Logger

	order   []string
	base    map[string]*Item
	pending map[mutation.Key]delta
	applied map[string]bool
	duets   map[string]string
	next    string
	loading bool
	version uint64

	follows *Follows
}

// NewAggregator creates an empty feed
func NewAggregator(backend Backend, dispatch loop.Dispatcher, coord *mutation.Coordinator, opts Options, logger *ops.Logger) *Aggregator {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if logger == nil {
		logger = ops.Discard()
	}

	a := &Aggregator{
		opts:     opts,
		backend:  backend,
		dispatch: dispatch,
		coord:    coord,
		logger:   logger.WithComponent("feed"),
		base:     make(map[string]*Item),
		pending:  make(map[mutation.Key]delta),
		applied:  make(map[string]bool),
		duets:    make(map[string]string),
	}
	a.follows = newFollows(a)
	return a
}

// Follows returns the follow set
func (a *Aggregator) Follows() *Follows {
	return a.follows
}

// Reset replaces the feed with a first page. Pending layers of posts that
// are no longer present are discarded.
func (a *Aggregator) Reset(items []Item) {
	a.order = a.order[:0]
	a.base = make(map[string]*Item, len(items))
	a.applied = make(map[string]bool)
	a.duets = make(map[string]string)
	a.add(items)

	for key := range a.pending {
		if _, ok := a.base[key.EntityID]; !ok {
			delete(a.pending, key)
		}
	}
	a.version++
}

// Append adds a further page; posts already present are kept as they are
func (a *Aggregator) Append(items []Item) {
	a.add(items)
	a.version++
}

func (a *Aggregator) add(items []Item) {
	for i := range items {
		it := items[i]
		if _, ok := a.base[it.ID]; ok {
			continue
		}
		clampCounters(&it.Counters)
		a.base[it.ID] = &it
		a.order = append(a.order, it.ID)
	}
}

// Contains reports whether the post is in the feed
func (a *Aggregator) Contains(id string) bool {
	_, ok := a.base[id]
	return ok
}

// Item returns the displayed state of a post
func (a *Aggregator) Item(id string) (Item, bool) {
	b, ok := a.base[id]
	if !ok {
		return Item{}, false
	}
	return a.display(b), true
}

// Items returns the displayed feed in order
func (a *Aggregator) Items() []Item {
	out := make([]Item, 0, len(a.order))
	for _, id := range a.order {
		if b, ok := a.base[id]; ok {
			out = append(out, a.display(b))
		}
	}
	return out
}

// Version increases on every change
func (a *Aggregator) Version() uint64 {
	return a.version
}

func (a *Aggregator) display(b *Item) Item {
	it := *b
	// a pending layer only counts while the confirmed flag still differs;
	// a snapshot that already holds the change absorbs it
	if d, ok := a.pending[mutation.Key{EntityID: b.ID, Action: ActionLike}]; ok && it.IsLiked != d.flag {
		it.Counters.Likes += d.count
		it.IsLiked = d.flag
	}
	if d, ok := a.pending[mutation.Key{EntityID: b.ID, Action: ActionValidate}]; ok && it.IsValidated != d.flag {
		it.Counters.Validations += d.count
		it.IsValidated = d.flag
	}
	clampCounters(&it.Counters)
	return it
}

func clampCounters(c *Counters) {
	c.Likes = max(c.Likes, 0)
	c.Validations = max(c.Validations, 0)
	c.Duets = max(c.Duets, 0)
	c.Comments = max(c.Comments, 0)
}

// ToggleLike likes or unlikes a post optimistically
func (a *Aggregator) ToggleLike(id string) error {
	cur, ok := a.Item(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownItem)
	}

	liked := !cur.IsLiked
	d := delta{count: 1, flag: liked}
	if !liked {
		d.count = -1
	}

	key := mutation.Key{EntityID: id, Action: ActionLike}
	return a.coord.Perform(mutation.Mutation{
		Key:    key,
		Apply:  func() { a.setPending(key, d) },
		Revert: func() { a.clearPending(key) },
		Commit: func() {
			a.clearPending(key)
			if b, ok := a.base[id]; ok && b.IsLiked != d.flag {
				b.Counters.Likes = max(b.Counters.Likes+d.count, 0)
				b.IsLiked = d.flag
			}
		},
		Exists: func() bool { return a.Contains(id) },
		Call: func(ctx context.Context) error {
			return a.backend.SetLike(ctx, id, liked)
		},
		Refetch:    func() { a.RefetchItem(id) },
		EchoInsert: liked,
	})
}

// SubmitValidation validates a post optimistically
func (a *Aggregator) SubmitValidation(id string) error {
	cur, ok := a.Item(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownItem)
	}
	if cur.IsValidated {
		return fmt.Errorf("%s: %w", id, ErrAlreadyValidated)
	}

	d := delta{count: 1, flag: true}
	key := mutation.Key{EntityID: id, Action: ActionValidate}
	return a.coord.Perform(mutation.Mutation{
		Key:    key,
		Apply:  func() { a.setPending(key, d) },
		Revert: func() { a.clearPending(key) },
		Commit: func() {
			a.clearPending(key)
			if b, ok := a.base[id]; ok && !b.IsValidated {
				b.Counters.Validations++
				b.IsValidated = true
			}
		},
		Exists: func() bool { return a.Contains(id) },
		Call: func(ctx context.Context) error {
			return a.backend.SubmitValidation(ctx, id)
		},
		Refetch:    func() { a.RefetchItem(id) },
		NoRetry:    !a.opts.RetryValidations,
		EchoInsert: true,
	})
}

func (a *Aggregator) setPending(key mutation.Key, d delta) {
	a.pending[key] = d
	a.version++
}

func (a *Aggregator) clearPending(key mutation.Key) {
	delete(a.pending, key)
	a.version++
}

// Handle applies a remote engagement event
func (a *Aggregator) Handle(ev events.ChangeEvent) {
	row := ev.Row()
	if row == nil {
		return
	}

	mark := string(ev.Topic) + "|" + string(ev.Operation) + "|" + row.RowID()
	if a.applied[mark] {
		return
	}
	// a deleted row never comes back; its insert can only be a late replay
	if ev.Operation == events.OpInsert && a.applied[string(ev.Topic)+"|"+string(events.OpDelete)+"|"+row.RowID()] {
		return
	}

	var changed bool
	switch r := row.(type) {
	case events.LikeRow:
		changed = a.applyLike(ev.Operation, r)
	case events.ValidationRow:
		changed = a.applyValidation(ev.Operation, r)
	case events.CommentRow:
		changed = a.applyComment(ev.Operation, r)
	case events.PostRow:
		changed = a.applyPost(ev.Operation, r)
	default:
		return
	}

	if changed {
		a.applied[mark] = true
		a.version++
	}
}

func (a *Aggregator) applyLike(op events.Operation, r events.LikeRow) bool {
	b, ok := a.base[r.PostID]
	if !ok || op == events.OpUpdate {
		return false
	}
	insert := op == events.OpInsert

	if r.UserID != a.opts.UserID {
		b.Counters.Likes = bump(b.Counters.Likes, insert)
		return true
	}

	if a.coord.ConsumeEcho(mutation.Key{EntityID: r.PostID, Action: ActionLike}, insert) {
		return true
	}
	// own like from another device, or a late echo of an earlier toggle:
	// only a flag change moves the count, and Commit skips a flag already set
	if b.IsLiked != insert {
		b.IsLiked = insert
		b.Counters.Likes = bump(b.Counters.Likes, insert)
	}
	return true
}

func (a *Aggregator) applyValidation(op events.Operation, r events.ValidationRow) bool {
	b, ok := a.base[r.PostID]
	if !ok || op == events.OpUpdate {
		return false
	}

	if op == events.OpDelete {
		// a delete of our own validation is a moderation reversal
		if r.UserID == a.opts.UserID {
			b.IsValidated = false
		}
		b.Counters.Validations = bump(b.Counters.Validations, false)
		return true
	}

	if r.UserID != a.opts.UserID {
		b.Counters.Validations++
		return true
	}

	if a.coord.ConsumeEcho(mutation.Key{EntityID: r.PostID, Action: ActionValidate}, true) {
		return true
	}
	if !b.IsValidated {
		b.IsValidated = true
		b.Counters.Validations++
	}
	return true
}

func (a *Aggregator) applyComment(op events.Operation, r events.CommentRow) bool {
	b, ok := a.base[r.PostID]
	if !ok || op == events.OpUpdate {
		return false
	}
	b.Counters.Comments = bump(b.Counters.Comments, op == events.OpInsert)
	return true
}

func (a *Aggregator) applyPost(op events.Operation, r events.PostRow) bool {
	switch op {
	case events.OpInsert:
		if r.PostType != events.PostTypeDuet || r.ParentID == "" {
			return false
		}
		parent, ok := a.base[r.ParentID]
		if !ok {
			return false
		}
		a.duets[r.ID] = r.ParentID
		parent.Counters.Duets++
		return true

	case events.OpDelete:
		changed := false

		parentID := r.ParentID
		if parentID == "" || r.PostType != events.PostTypeDuet {
			parentID = a.duets[r.ID]
		}
		if parent, ok := a.base[parentID]; ok && parentID != "" {
			parent.Counters.Duets = bump(parent.Counters.Duets, false)
			delete(a.duets, r.ID)
			changed = true
		}

		if _, ok := a.base[r.ID]; ok {
			a.removeItem(r.ID)
			changed = true
		}
		return changed
	}
	return false
}

func (a *Aggregator) removeItem(id string) {
	delete(a.base, id)
	for i, o := range a.order {
		if o == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	delete(a.pending, mutation.Key{EntityID: id, Action: ActionLike})
	delete(a.pending, mutation.Key{EntityID: id, Action: ActionValidate})
}

func bump(v int, up bool) int {
	if up {
		return v + 1
	}
	return max(v-1, 0)
}

// RefetchItem reloads one post after a conflict, keeping pending layers
func (a *Aggregator) RefetchItem(id string) {
	start := time.Now()
	var it Item
	a.dispatch.Go(func(ctx context.Context) error {
		var err error
		it, err = a.backend.FeedItem(ctx, id)
		return err
	}, func(err error) {
		a.logger.LogResync("feed_item", id, time.Since(start), err)
		if err != nil {
			return
		}
		b, ok := a.base[id]
		if !ok {
			return
		}
		it.ID = id
		clampCounters(&it.Counters)
		*b = it
		a.version++
	})
}

// LoadFirstPage fetches the first page and resets the feed
func (a *Aggregator) LoadFirstPage(reason string) {
	a.load("", reason, true)
}

// LoadMore fetches the next page, if any
func (a *Aggregator) LoadMore() {
	if a.next == "" || a.loading {
		return
	}
	a.load(a.next, "pagination", false)
}

// HasMore reports whether another page is available
func (a *Aggregator) HasMore() bool {
	return a.next != ""
}

func (a *Aggregator) load(cursor, reason string, reset bool) {
	if a.loading && !reset {
		return
	}
	a.loading = true

	start := time.Now()
	var page Page
	a.dispatch.Go(func(ctx context.Context) error {
		var err error
		page, err = a.backend.FeedPage(ctx, cursor, a.opts.PageSize)
		return err
	}, func(err error) {
		a.loading = false
		a.logger.LogResync("feed", reason, time.Since(start), err)
		if err != nil {
			return
		}
		if reset {
			a.Reset(page.Items)
		} else {
			a.Append(page.Items)
		}
		a.next = page.Next
	})
}

// HandleGap reloads the first page after a stream reconnect
func (a *Aggregator) HandleGap(topic events.Topic) {
	switch topic {
	case events.TopicLikes, events.TopicValidations, events.TopicPosts, events.TopicComments:
		a.LoadFirstPage("gap:" + string(topic))
	}
}
