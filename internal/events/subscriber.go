package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// Channel opens a push stream of raw change events for one topic. The
// returned channel is closed when the stream ends.
type Channel interface {
	Open(ctx context.Context, topic Topic, filter Filter, since time.Time) (<-chan RawEvent, error)
}

// CursorStore persists the newest event time seen per subscription
type CursorStore interface {
	Cursor(ctx context.Context, key string) (time.Time, error)
	SetCursor(ctx context.Context, key string, at time.Time) error
}

// Listener receives validated events on the loop
type Listener func(ChangeEvent)

// GapListener is told, on the loop, that a stream reconnected and events may
// have been missed
type GapListener func(topic Topic)

// ErrTooManySubscriptions is returned when the subscription limit is reached
var ErrTooManySubscriptions = errors.New("too many subscriptions")

// Handle identifies a subscription
type Handle struct {
	ID     string
	Topic  Topic
	Filter Filter
}

// Options configures a Subscriber
type Options struct {
	DedupeCacheSize int
	// MaxSubscriptions caps live subscriptions; 0 means no limit
	MaxSubscriptions int
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	ResumeFromCursor bool
	Now              func() time.Time
}

// Stats counts events by outcome
type Stats struct {
	Received   int64
	Delivered  int64
	Malformed  int64
	Duplicate  int64
	Reconnects int64
}

type subscription struct {
	handle    Handle
	namespace string
	listener  Listener
	cancel    context.CancelFunc
	active    atomic.Bool
}

// Subscriber manages topic subscriptions over a Channel
type Subscriber struct {
	channel  Channel
	dispatch loop.Dispatcher
	cache    *EventCache
	cursors  CursorStore
	opts     Options
	logger   *ops.Logger

	mu      sync.Mutex
	subs    map[string]*subscription
	opening int
	gaps    []GapListener

	received   atomic.Int64
	delivered  atomic.Int64
	malformed  atomic.Int64
	duplicate  atomic.Int64
	reconnects atomic.Int64
}

// NewSubscriber creates a subscriber. journal and cursors may be nil.
func NewSubscriber(channel Channel, dispatch loop.Dispatcher, journal Journal, cursors CursorStore, opts Options, logger *ops.Logger) (*Subscriber, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if logger == nil {
		logger = ops.Discard()
	}

	cache, err := NewEventCache(opts.DedupeCacheSize, journal)
	if err != nil {
		return nil, fmt.Errorf("failed to create event cache: %w", err)
	}

	return &Subscriber{
		channel:  channel,
		dispatch: dispatch,
		cache:    cache,
		cursors:  cursors,
		opts:     opts,
		logger:   logger.WithComponent("subscriber"),
		subs:     make(map[string]*subscription),
	}, nil
}

// OnGap registers a listener for stream reconnects
func (s *Subscriber) OnGap(fn GapListener) {
	s.mu.Lock()
	s.gaps = append(s.gaps, fn)
	s.mu.Unlock()
}

// Subscribe opens a stream for topic and delivers its events to listener
func (s *Subscriber) Subscribe(ctx context.Context, topic Topic, filter Filter, listener Listener) (Handle, error) {
	if !topic.Valid() {
		return Handle{}, fmt.Errorf("unknown topic %q", topic)
	}
	if listener == nil {
		return Handle{}, errors.New("listener is required")
	}

	s.mu.Lock()
	if s.opts.MaxSubscriptions > 0 && len(s.subs)+s.opening >= s.opts.MaxSubscriptions {
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("%s: %w (limit %d)", topic, ErrTooManySubscriptions, s.opts.MaxSubscriptions)
	}
	s.opening++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.opening--
		s.mu.Unlock()
	}()

	namespace := string(topic) + "?" + filter.String()
	since := s.opts.Now()
	if s.opts.ResumeFromCursor && s.cursors != nil {
		cursor, err := s.cursors.Cursor(ctx, namespace)
		if err != nil {
			s.logger.Warn("failed to load cursor", "namespace", namespace, "error", err)
		} else if !cursor.IsZero() {
			since = cursor
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	stream, err := s.channel.Open(subCtx, topic, filter, since)
	if err != nil {
		cancel()
		return Handle{}, fmt.Errorf("failed to open %s stream: %w", topic, err)
	}

	sub := &subscription{
		handle:    Handle{ID: uuid.NewString(), Topic: topic, Filter: filter},
		namespace: namespace,
		listener:  listener,
		cancel:    cancel,
	}
	sub.active.Store(true)

	s.mu.Lock()
	s.subs[sub.handle.ID] = sub
	s.mu.Unlock()

	go s.pump(subCtx, sub, stream, since)

	s.logger.Debug("subscribed", "topic", topic, "filter", filter.String())
	return sub.handle, nil
}

// Unsubscribe stops a subscription. Events already queued for it are not delivered.
func (s *Subscriber) Unsubscribe(h Handle) {
	s.mu.Lock()
	sub, ok := s.subs[h.ID]
	delete(s.subs, h.ID)
	s.mu.Unlock()

	if !ok {
		return
	}
	sub.active.Store(false)
	sub.cancel()
}

// Close stops every subscription
func (s *Subscriber) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
		sub.cancel()
	}
}

// Active returns the number of live subscriptions
func (s *Subscriber) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Stats returns event counters
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Delivered:  s.delivered.Load(),
		Malformed:  s.malformed.Load(),
		Duplicate:  s.duplicate.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

func (s *Subscriber) pump(ctx context.Context, sub *subscription, stream <-chan RawEvent, since time.Time) {
	cursor := since

	for {
		cursor = s.drain(ctx, sub, stream, cursor)
		if ctx.Err() != nil {
			return
		}

		s.reconnects.Add(1)
		s.logger.Warn("stream ended, reconnecting", "topic", sub.handle.Topic, "since", cursor)

		next, err := s.reopen(ctx, sub, cursor)
		if err != nil {
			return
		}
		stream = next

		s.dispatch.Post(func() {
			if !sub.active.Load() {
				return
			}
			s.mu.Lock()
			gaps := append([]GapListener(nil), s.gaps...)
			s.mu.Unlock()
			for _, fn := range gaps {
				fn(sub.handle.Topic)
			}
		})
	}
}

// drain reads stream until it closes or ctx ends and returns the advanced cursor
func (s *Subscriber) drain(ctx context.Context, sub *subscription, stream <-chan RawEvent, cursor time.Time) time.Time {
	for {
		select {
		case <-ctx.Done():
			return cursor
		case raw, ok := <-stream:
			if !ok {
				return cursor
			}
			if at := s.process(ctx, sub, raw); at.After(cursor) {
				cursor = at
			}
		}
	}
}

func (s *Subscriber) reopen(ctx context.Context, sub *subscription, since time.Time) (<-chan RawEvent, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectMin
	b.MaxInterval = s.opts.ReconnectMax
	b.MaxElapsedTime = 0

	var stream <-chan RawEvent
	err := backoff.RetryNotify(func() error {
		ch, err := s.channel.Open(ctx, sub.handle.Topic, sub.handle.Filter, since)
		if err != nil {
			return err
		}
		stream = ch
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		s.logger.Warn("reconnect failed", "topic", sub.handle.Topic, "retry_in", wait, "error", err)
	})

	return stream, err
}

// process validates and dedupes one event off the loop and posts its delivery.
// It returns the event time for the cursor.
func (s *Subscriber) process(ctx context.Context, sub *subscription, raw RawEvent) time.Time {
	s.received.Add(1)

	if raw.Topic == "" {
		raw.Topic = sub.handle.Topic
	}
	if raw.Topic != sub.handle.Topic {
		s.malformed.Add(1)
		s.logger.LogEventDropped(string(raw.Topic), raw.Operation, fmt.Errorf("%w: event for another topic", ErrMalformed))
		return time.Time{}
	}

	ev, err := Decode(raw)
	if err != nil {
		s.malformed.Add(1)
		s.logger.LogEventDropped(string(raw.Topic), raw.Operation, err)
		return time.Time{}
	}

	id := Identity(sub.namespace, raw, ev.Row().RowID())
	seen, err := s.cache.SeenOrAdd(ctx, id, raw)
	if err != nil {
		s.logger.Warn("journal unavailable", "error", err)
	}
	if seen {
		s.duplicate.Add(1)
		return raw.CreatedAt
	}

	ev.ReceivedAt = s.opts.Now()
	if ev.ID == "" {
		ev.ID = id
	}

	if s.cursors != nil && !raw.CreatedAt.IsZero() {
		if err := s.cursors.SetCursor(ctx, sub.namespace, raw.CreatedAt); err != nil {
			s.logger.Warn("failed to persist cursor", "namespace", sub.namespace, "error", err)
		}
	}

	s.dispatch.Post(func() {
		if !sub.active.Load() {
			return
		}
		s.delivered.Add(1)
		sub.listener(ev)
	})

	return raw.CreatedAt
}
