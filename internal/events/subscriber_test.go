package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sandwichfarm/chorus/internal/loop"
)

type openCall struct {
	topic  Topic
	filter Filter
	since  time.Time
}

type fakeChannel struct {
	mu     sync.Mutex
	calls  []openCall
	failN  int
	opened chan chan RawEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{opened: make(chan chan RawEvent, 8)}
}

func (f *fakeChannel) Open(ctx context.Context, topic Topic, filter Filter, since time.Time) (<-chan RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, openCall{topic, filter, since})
	if f.failN > 0 {
		f.failN--
		return nil, errors.New("relay unreachable")
	}

	ch := make(chan RawEvent, 16)
	f.opened <- ch
	return ch, nil
}

func (f *fakeChannel) next(t *testing.T) chan RawEvent {
	t.Helper()
	select {
	case ch := <-f.opened:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not opened")
		return nil
	}
}

type memJournal struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (j *memJournal) Seen(ctx context.Context, id string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seen[id], nil
}

func (j *memJournal) Record(ctx context.Context, id string, raw RawEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seen[id] = true
	return nil
}

func setupSubscriber(t *testing.T, journal Journal) (*Subscriber, *fakeChannel, *loop.Loop) {
	t.Helper()

	l := loop.New(context.Background(), 64, nil)
	t.Cleanup(l.Stop)

	ch := newFakeChannel()
	s, err := NewSubscriber(ch, l, journal, nil, Options{
		DedupeCacheSize: 16,
		ReconnectMin:    time.Millisecond,
		ReconnectMax:    5 * time.Millisecond,
		Now:             func() time.Time { return time.Unix(1_699_999_000, 0) },
	}, nil)
	if err != nil {
		t.Fatalf("NewSubscriber() error = %v", err)
	}
	t.Cleanup(s.Close)

	return s, ch, l
}

func likeEvent(id, op string) RawEvent {
	return RawEvent{
		ID:        id,
		Topic:     TopicLikes,
		Operation: op,
		New:       []byte(`{"id":"` + id + `","post_id":"p1","user_id":"u2"}`),
		Old:       []byte(`{"id":"` + id + `","post_id":"p1","user_id":"u2"}`),
		CreatedAt: time.Unix(1_700_000_000, 0),
	}
}

func receive(t *testing.T, got <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-got:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
		return ChangeEvent{}
	}
}

func TestSubscriberDeliversInOrder(t *testing.T) {
	s, ch, _ := setupSubscriber(t, nil)

	got := make(chan ChangeEvent, 16)
	if _, err := s.Subscribe(context.Background(), TopicLikes, Filter{}, func(ev ChangeEvent) { got <- ev }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	stream := ch.next(t)
	stream <- likeEvent("a", "insert")
	stream <- RawEvent{Topic: TopicLikes, Operation: "insert", New: []byte(`{"id":"bad"}`)}
	stream <- likeEvent("b", "insert")
	stream <- likeEvent("a", "insert")
	stream <- likeEvent("c", "delete")

	want := []string{"a", "b", "c"}
	for _, id := range want {
		ev := receive(t, got)
		if ev.Row().RowID() != id {
			t.Fatalf("expected %s, got %s", id, ev.Row().RowID())
		}
	}

	select {
	case ev := <-got:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	stats := s.Stats()
	if stats.Received != 5 || stats.Delivered != 3 || stats.Malformed != 1 || stats.Duplicate != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSubscriberUnsubscribeStopsDelivery(t *testing.T) {
	s, ch, l := setupSubscriber(t, nil)

	var mu sync.Mutex
	delivered := 0
	h, err := s.Subscribe(context.Background(), TopicLikes, Filter{}, func(ev ChangeEvent) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	stream := ch.next(t)

	// block the loop so the event is queued, then unsubscribe before it runs
	release := make(chan struct{})
	l.Post(func() { <-release })
	stream <- likeEvent("a", "insert")
	time.Sleep(20 * time.Millisecond)
	s.Unsubscribe(h)
	close(release)

	_ = l.Sync(func() {})

	mu.Lock()
	defer mu.Unlock()
	if s.Active() != 0 {
		t.Errorf("expected no active subscriptions, got %d", s.Active())
	}
	if delivered != 0 {
		t.Errorf("queued event delivered after unsubscribe (%d)", delivered)
	}
	if s.Stats().Received != 1 {
		t.Errorf("expected the event to be received, got %d", s.Stats().Received)
	}
}

func TestSubscriberReconnectsAndReportsGap(t *testing.T) {
	s, ch, _ := setupSubscriber(t, nil)

	gaps := make(chan Topic, 4)
	s.OnGap(func(topic Topic) { gaps <- topic })

	got := make(chan ChangeEvent, 16)
	if _, err := s.Subscribe(context.Background(), TopicLikes, Filter{Column: "post_id", Value: "p1"}, func(ev ChangeEvent) { got <- ev }); err != nil {
		t.Fatal(err)
	}

	first := ch.next(t)
	first <- likeEvent("a", "insert")
	receive(t, got)

	ch.mu.Lock()
	ch.failN = 2
	ch.mu.Unlock()
	close(first)

	second := ch.next(t)

	select {
	case topic := <-gaps:
		if topic != TopicLikes {
			t.Errorf("unexpected gap topic %s", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gap was not reported")
	}

	// replay of an already delivered event is suppressed
	second <- likeEvent("a", "insert")
	second <- likeEvent("b", "insert")
	if ev := receive(t, got); ev.Row().RowID() != "b" {
		t.Errorf("expected b after reconnect, got %s", ev.Row().RowID())
	}

	ch.mu.Lock()
	calls := append([]openCall(nil), ch.calls...)
	ch.mu.Unlock()

	if len(calls) != 4 {
		t.Fatalf("expected 4 open attempts, got %d", len(calls))
	}
	if !calls[3].since.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("expected reconnect from cursor, got %v", calls[3].since)
	}
	if calls[3].filter.String() != "post_id=p1" {
		t.Errorf("filter lost on reconnect: %s", calls[3].filter)
	}
	if s.Stats().Reconnects != 1 {
		t.Errorf("expected 1 reconnect, got %d", s.Stats().Reconnects)
	}
}

func TestEventCacheJournal(t *testing.T) {
	journal := &memJournal{seen: map[string]bool{"likes?*|old": true}}
	cache, err := NewEventCache(2, journal)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if seen, _ := cache.SeenOrAdd(ctx, "likes?*|old", RawEvent{}); !seen {
		t.Error("journaled event should be seen")
	}
	if seen, _ := cache.SeenOrAdd(ctx, "likes?*|new", RawEvent{}); seen {
		t.Error("new event reported seen")
	}
	if !journal.seen["likes?*|new"] {
		t.Error("new event was not journaled")
	}

	// evicted from the LRU but still recognized through the journal
	_, _ = cache.SeenOrAdd(ctx, "x", RawEvent{})
	_, _ = cache.SeenOrAdd(ctx, "y", RawEvent{})
	if seen, _ := cache.SeenOrAdd(ctx, "likes?*|new", RawEvent{}); !seen {
		t.Error("evicted event should be recognized by the journal")
	}
}

func TestIdentity(t *testing.T) {
	raw := RawEvent{Topic: TopicLikes, Operation: "INSERT", New: []byte(`{"id":"l1"}`)}

	a := Identity("likes?*", raw, "l1")
	b := Identity("likes?*", raw, "l1")
	if a != b {
		t.Errorf("identity not stable: %s vs %s", a, b)
	}

	raw.Operation = "delete"
	if Identity("likes?*", raw, "l1") == a {
		t.Error("operation should change identity")
	}

	raw.ID = "evt"
	if got := Identity("likes?*", raw, "l1"); got != "likes?*|evt" {
		t.Errorf("expected transport id identity, got %s", got)
	}
}

func TestSubscriberLimit(t *testing.T) {
	l := loop.New(context.Background(), 16, nil)
	t.Cleanup(l.Stop)

	s, err := NewSubscriber(newFakeChannel(), l, nil, nil, Options{MaxSubscriptions: 2}, nil)
	if err != nil {
		t.Fatalf("NewSubscriber() error = %v", err)
	}
	t.Cleanup(s.Close)

	noop := func(ChangeEvent) {}
	first, err := s.Subscribe(context.Background(), TopicLikes, Filter{}, noop)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := s.Subscribe(context.Background(), TopicStories, Filter{}, noop); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if _, err := s.Subscribe(context.Background(), TopicPosts, Filter{}, noop); !errors.Is(err, ErrTooManySubscriptions) {
		t.Fatalf("expected ErrTooManySubscriptions, got %v", err)
	}

	s.Unsubscribe(first)
	if _, err := s.Subscribe(context.Background(), TopicPosts, Filter{}, noop); err != nil {
		t.Errorf("Subscribe() after Unsubscribe error = %v", err)
	}
	if got := s.Active(); got != 2 {
		t.Errorf("Active() = %d, want 2", got)
	}
}
