package stories

import (
	"context"
	"testing"
	"time"

	"github.com/sandwichfarm/chorus/internal/events"
	"github.com/sandwichfarm/chorus/internal/loop"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	items []Item
}

func (f *fakeSource) ActiveStories(ctx context.Context) ([]Item, error) {
	return f.items, nil
}

func setupReconciler(t *testing.T) (*Reconciler, *time.Time, *loop.Manual, *fakeSource) {
	t.Helper()
	now := base
	m := loop.NewManual()
	src := &fakeSource{}
	r := NewReconciler("me", src, m, func() time.Time { return now }, nil)
	return r, &now, m, src
}

func story(op events.Operation, id, author string, created, expires time.Duration, public bool) events.ChangeEvent {
	row := events.StoryRow{
		ID:        id,
		UserID:    author,
		MediaURL:  "https://cdn/" + id,
		MediaType: "image",
		CreatedAt: base.Add(created),
		ExpiresAt: base.Add(expires),
		IsPublic:  public,
	}
	ev := events.ChangeEvent{Topic: events.TopicStories, Operation: op}
	if op == events.OpDelete {
		ev.Old = row
	} else {
		ev.New = row
	}
	return ev
}

func view(storyID, viewer string) events.ChangeEvent {
	return events.ChangeEvent{
		Topic:     events.TopicStoryViews,
		Operation: events.OpInsert,
		New:       events.StoryViewRow{StoryID: storyID, ViewerID: viewer},
	}
}

func order(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInsertAdmission(t *testing.T) {
	tests := []struct {
		name  string
		event events.ChangeEvent
		want  int
	}{
		{"public and live", story(events.OpInsert, "s1", "a", -time.Hour, time.Hour, true), 1},
		{"private", story(events.OpInsert, "s1", "a", -time.Hour, time.Hour, false), 0},
		{"already expired", story(events.OpInsert, "s1", "a", -2*time.Hour, -time.Hour, true), 0},
		{"expires exactly now", story(events.OpInsert, "s1", "a", -time.Hour, 0, true), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _, _ := setupReconciler(t)
			r.Handle(tt.event)
			if r.Len() != tt.want {
				t.Errorf("expected %d items, got %d", tt.want, r.Len())
			}
		})
	}
}

func TestExpiredUpdateRemovesStory(t *testing.T) {
	r, _, _, _ := setupReconciler(t)
	r.Handle(story(events.OpInsert, "s1", "a", -time.Hour, time.Hour, true))

	r.Handle(story(events.OpUpdate, "s1", "a", -time.Hour, -time.Minute, true))

	if r.Len() != 0 {
		t.Errorf("expired story should be removed, got %v", order(r.Items()))
	}
}

func TestUpdate(t *testing.T) {
	r, _, _, _ := setupReconciler(t)
	r.Handle(story(events.OpInsert, "s1", "a", -time.Hour, time.Hour, true))
	r.Handle(story(events.OpInsert, "s2", "b", -30*time.Minute, time.Hour, true))

	r.Handle(story(events.OpUpdate, "s1", "a", -time.Hour, 3*time.Hour, true))
	if it := r.Items()[1]; !it.ExpiresAt.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("expected patched expiry, got %v", it.ExpiresAt)
	}

	r.Handle(story(events.OpUpdate, "s2", "b", -30*time.Minute, time.Hour, false))
	if got := order(r.Items()); !equal(got, []string{"s1"}) {
		t.Errorf("private story should be removed, got %v", got)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	r, _, _, _ := setupReconciler(t)
	r.Handle(story(events.OpInsert, "s1", "a", -time.Hour, time.Hour, true))
	r.Handle(story(events.OpInsert, "s2", "a", -time.Minute, time.Hour, true))

	del := story(events.OpDelete, "s1", "a", -time.Hour, time.Hour, true)
	r.Handle(del)
	r.Handle(del)

	if got := order(r.Items()); !equal(got, []string{"s2"}) {
		t.Errorf("expected [s2], got %v", got)
	}
}

func TestOrderingViewedLast(t *testing.T) {
	r, _, _, _ := setupReconciler(t)
	r.Handle(story(events.OpInsert, "old", "a", -3*time.Hour, time.Hour, true))
	r.Handle(story(events.OpInsert, "mid", "b", -2*time.Hour, time.Hour, true))
	r.Handle(story(events.OpInsert, "new", "c", -time.Hour, time.Hour, true))

	if got := order(r.Items()); !equal(got, []string{"new", "mid", "old"}) {
		t.Fatalf("expected createdAt descending, got %v", got)
	}

	r.Handle(view("new", "someone-else"))
	if r.Items()[0].Viewed {
		t.Fatal("view by another user must not mark viewed")
	}

	r.Handle(view("new", "me"))
	if got := order(r.Items()); !equal(got, []string{"mid", "old", "new"}) {
		t.Errorf("expected viewed item last, got %v", got)
	}

	// re-delivered insert keeps the local viewed flag
	r.Handle(story(events.OpInsert, "new", "c", -time.Hour, time.Hour, true))
	if got := order(r.Items()); !equal(got, []string{"mid", "old", "new"}) {
		t.Errorf("viewed flag lost on re-insert, got %v", got)
	}
}

func TestPrune(t *testing.T) {
	r, now, _, _ := setupReconciler(t)
	r.Handle(story(events.OpInsert, "short", "a", -time.Hour, 10*time.Minute, true))
	r.Handle(story(events.OpInsert, "long", "b", -time.Hour, time.Hour, true))

	*now = base.Add(15 * time.Minute)
	if removed := r.Prune(); removed != 1 {
		t.Errorf("expected 1 pruned, got %d", removed)
	}
	if got := order(r.Items()); !equal(got, []string{"long"}) {
		t.Errorf("expected [long], got %v", got)
	}
}

func TestRail(t *testing.T) {
	r, _, _, _ := setupReconciler(t)
	r.Handle(story(events.OpInsert, "a1", "alice", -3*time.Hour, time.Hour, true))
	r.Handle(story(events.OpInsert, "a2", "alice", -time.Hour, time.Hour, true))
	r.Handle(story(events.OpInsert, "b1", "bob", -2*time.Hour, time.Hour, true))

	rail := r.Rail()
	if got := order(rail); !equal(got, []string{"a2", "b1"}) {
		t.Errorf("expected one entry per author, got %v", got)
	}
	if r.Len() != 3 {
		t.Error("rail must not modify the set")
	}
}

func TestRefetchReplaces(t *testing.T) {
	r, _, m, src := setupReconciler(t)
	r.Handle(story(events.OpInsert, "s1", "a", -time.Hour, time.Hour, true))
	r.MarkViewed("s1")

	src.items = []Item{
		{ID: "s1", AuthorID: "a", CreatedAt: base.Add(-time.Hour), ExpiresAt: base.Add(time.Hour), IsPublic: true},
		{ID: "s3", AuthorID: "c", CreatedAt: base.Add(-2 * time.Hour), ExpiresAt: base.Add(time.Hour), IsPublic: true},
		{ID: "gone", AuthorID: "d", CreatedAt: base.Add(-2 * time.Hour), ExpiresAt: base.Add(-time.Hour), IsPublic: true},
	}
	r.HandleGap(events.TopicStories)
	m.RunAll()

	if got := order(r.Items()); !equal(got, []string{"s3", "s1"}) {
		t.Errorf("expected [s3 s1], got %v", got)
	}
}
