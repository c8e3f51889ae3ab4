// Package session wires the sync core for one signed-in user: it owns the
// loop, the subscriptions, the periodic reconciliation timers and the
// collections, and exposes intents and projections safe to call from any
// goroutine.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandwichfarm/chorus/internal/config"
	"github.com/sandwichfarm/chorus/internal/conversations"
	"github.com/sandwichfarm/chorus/internal/events"
	"github.com/sandwichfarm/chorus/internal/feed"
	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/media"
	"github.com/sandwichfarm/chorus/internal/mutation"
	"github.com/sandwichfarm/chorus/internal/ops"
	"github.com/sandwichfarm/chorus/internal/profiles"
	"github.com/sandwichfarm/chorus/internal/stories"
)

const journalPruneInterval = time.Hour

// Backend is the snapshot and mutation API the collections need
type Backend interface {
	conversations.Backend
	feed.Backend
	stories.Source
	Follows(ctx context.Context) ([]string, error)
}

// Journal persists delivered events and can forget old ones
type Journal interface {
	events.Journal
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Deps are the external collaborators. Journal and Cursors may be nil.
type Deps struct {
	Channel  events.Channel
	Backend  Backend
	Profiles profiles.Fetcher
	Journal  Journal
	Cursors  events.CursorStore
}

// Session is the running core for one user
type Session struct {
	cfg     *config.Config
	userID  string
	logger  *ops.Logger
	backend Backend
	journal Journal
	now     func() time.Time

	loop       *loop.Loop
	subscriber *events.Subscriber
	profiles   *profiles.Cache
	arbiter    *media.Arbiter
	coord      *mutation.Coordinator
	convs      *conversations.Synchronizer
	stories    *stories.Reconciler
	feed       *feed.Aggregator

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	handles []events.Handle

	mu        sync.Mutex
	started   bool
	stopped   bool
	lastBadge conversations.BadgeReport
}

// New builds a session; nothing runs until Start
func New(ctx context.Context, cfg *config.Config, deps Deps, logger *ops.Logger) (*Session, error) {
	if deps.Channel == nil || deps.Backend == nil || deps.Profiles == nil {
		return nil, fmt.Errorf("channel, backend and profile fetcher are required")
	}
	if logger == nil {
		logger = ops.Discard()
	}

	userID, err := cfg.Identity.UserID()
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:     cfg,
		userID:  userID,
		logger:  logger.WithComponent("session"),
		backend: deps.Backend,
		journal: deps.Journal,
		now:     time.Now,
		ctx:     sessionCtx,
		cancel:  cancel,
	}

	s.loop = loop.New(sessionCtx, cfg.Sync.QueueSize, logger)

	var journal events.Journal
	if deps.Journal != nil {
		journal = deps.Journal
	}
	s.subscriber, err = events.NewSubscriber(deps.Channel, s.loop, journal, deps.Cursors, events.Options{
		DedupeCacheSize:  cfg.Sync.DedupeCacheSize,
		MaxSubscriptions: cfg.Relays.Policy.MaxConcurrentSubs,
		ReconnectMin:     time.Duration(cfg.Relays.Policy.ReconnectMinMs) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.Relays.Policy.ReconnectMaxMs) * time.Millisecond,
		ResumeFromCursor: deps.Cursors != nil,
	}, logger)
	if err != nil {
		s.loop.Stop()
		cancel()
		return nil, err
	}

	s.coord = mutation.NewCoordinator(s.loop, mutation.Options{
		MaxRetries:     cfg.Mutations.MaxRetries,
		InitialBackoff: cfg.Mutations.InitialBackoff(),
		MaxBackoff:     cfg.Mutations.MaxBackoff(),
		EchoWindow:     cfg.Mutations.EchoWindow(),
	}, logger)

	s.profiles = profiles.NewCache(deps.Profiles, s.loop, logger)
	s.arbiter = media.NewArbiter(s.loop, time.Duration(cfg.Media.LoadTimeoutMs)*time.Millisecond, logger)

	s.convs = conversations.NewSynchronizer(deps.Backend, s.loop, s.coord, s.profiles, conversations.Options{
		UserID:          userID,
		RefetchDebounce: time.Duration(cfg.Sync.MembershipDebounceMs) * time.Millisecond,
	}, logger)
	s.stories = stories.NewReconciler(userID, deps.Backend, s.loop, nil, logger)
	s.feed = feed.NewAggregator(deps.Backend, s.loop, s.coord, feed.Options{
		UserID:           userID,
		PageSize:         cfg.Sync.FeedPageSize,
		RetryValidations: cfg.Mutations.RetryValidations,
	}, logger)

	s.subscriber.OnGap(s.handleGap)

	return s, nil
}

// UserID returns the local user's id
func (s *Session) UserID() string {
	return s.userID
}

// Start subscribes to the configured topics, loads the initial snapshots
// and starts the timers
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.mu.Unlock()

	// subscribe before loading snapshots so no change falls between the two
	for _, name := range s.cfg.Sync.Topics {
		topic := events.Topic(name)
		h, err := s.subscriber.Subscribe(s.ctx, topic, s.filterFor(topic), s.listenerFor(topic))
		if err != nil {
			s.subscriber.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		s.handles = append(s.handles, h)
	}

	s.loop.Post(func() {
		s.convs.Refetch("startup")
		s.stories.Refetch("startup")
		s.feed.LoadFirstPage("startup")
		s.loadFollows()
	})

	s.every(time.Duration(s.cfg.Sync.BadgeReconcileSeconds)*time.Second, s.reconcileBadge)
	s.every(time.Duration(s.cfg.Sync.StoryPruneSeconds)*time.Second, s.pruneStories)
	s.every(s.cfg.Mutations.EchoWindow(), s.expireEchoes)
	if s.journal != nil && s.cfg.Storage.JournalKeepDays > 0 {
		s.every(journalPruneInterval, s.pruneJournal)
	}

	s.logger.Info("session started", "user_id", s.userID, "topics", len(s.handles))
	return nil
}

// Stop releases media, unsubscribes, stops the timers and the loop.
// In-flight server calls finish against the cancelled context.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	_ = s.loop.Sync(s.arbiter.Stop)

	for _, h := range s.handles {
		s.subscriber.Unsubscribe(h)
	}
	s.subscriber.Close()

	s.cancel()
	s.wg.Wait()
	s.loop.Stop()

	s.logger.Info("session stopped")
}

// OnSettled registers a listener for mutation outcomes, called on the loop.
// Register before Start or from the loop.
func (s *Session) OnSettled(fn func(mutation.Settlement)) {
	s.coord.OnSettled(fn)
}

func (s *Session) filterFor(topic events.Topic) events.Filter {
	switch topic {
	case events.TopicMessageReads:
		return events.Filter{Column: "user_id", Value: s.userID}
	case events.TopicStoryViews:
		return events.Filter{Column: "viewer_id", Value: s.userID}
	default:
		return events.Filter{}
	}
}

func (s *Session) listenerFor(topic events.Topic) events.Listener {
	switch topic {
	case events.TopicMessages, events.TopicMessageReads, events.TopicConversationMembers:
		return s.convs.Handle
	case events.TopicStories, events.TopicStoryViews:
		return s.stories.Handle
	default:
		return s.feed.Handle
	}
}

// handleGap runs on the loop; each owner ignores topics it does not hold
func (s *Session) handleGap(topic events.Topic) {
	s.logger.Info("stream gap, resyncing", "topic", topic)
	s.convs.HandleGap(topic)
	s.stories.HandleGap(topic)
	s.feed.HandleGap(topic)
}

// every posts fn onto the loop at interval until the session stops
func (s *Session) every(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.loop.Post(fn)
			}
		}
	}()
}

func (s *Session) reconcileBadge() {
	s.convs.ReconcileBadge(func(r conversations.BadgeReport) {
		s.mu.Lock()
		s.lastBadge = r
		s.mu.Unlock()
	})
}

func (s *Session) pruneStories() {
	if n := s.stories.Prune(); n > 0 {
		s.logger.Debug("pruned expired stories", "count", n)
	}
}

func (s *Session) expireEchoes() {
	s.coord.ExpireEchoes()
}

func (s *Session) pruneJournal() {
	cutoff := s.now().AddDate(0, 0, -s.cfg.Storage.JournalKeepDays)
	start := time.Now()
	var removed int

	s.loop.Go(func(ctx context.Context) error {
		var err error
		removed, err = s.journal.Prune(ctx, cutoff)
		return err
	}, func(err error) {
		s.logger.LogStorageOperation("journal_prune", time.Since(start), err)
		if err == nil && removed > 0 {
			s.logger.Info("pruned journal", "removed", removed)
		}
	})
}

func (s *Session) loadFollows() {
	var ids []string
	s.loop.Go(func(ctx context.Context) error {
		var err error
		ids, err = s.backend.Follows(ctx)
		return err
	}, func(err error) {
		if err != nil {
			s.logger.Warn("failed to load follows", "error", err)
			return
		}
		s.feed.Follows().Replace(ids)
	})
}
