package session

import (
	"github.com/sandwichfarm/chorus/internal/conversations"
	"github.com/sandwichfarm/chorus/internal/events"
	"github.com/sandwichfarm/chorus/internal/feed"
	"github.com/sandwichfarm/chorus/internal/media"
	"github.com/sandwichfarm/chorus/internal/mutation"
	"github.com/sandwichfarm/chorus/internal/stories"
)

// Intents hop onto the loop and return once the optimistic state is applied.
// Server outcomes arrive through OnSettled.

// ToggleLike likes or unlikes a feed post
func (s *Session) ToggleLike(postID string) error {
	var err error
	if syncErr := s.loop.Sync(func() { err = s.feed.ToggleLike(postID) }); syncErr != nil {
		return syncErr
	}
	return err
}

// SubmitValidation validates a feed post; there is no local undo
func (s *Session) SubmitValidation(postID string) error {
	var err error
	if syncErr := s.loop.Sync(func() { err = s.feed.SubmitValidation(postID) }); syncErr != nil {
		return syncErr
	}
	return err
}

// ToggleFollow follows or unfollows an author
func (s *Session) ToggleFollow(authorID string) error {
	var err error
	if syncErr := s.loop.Sync(func() { err = s.feed.Follows().Toggle(authorID) }); syncErr != nil {
		return syncErr
	}
	return err
}

// SendMessage sends content to a conversation and returns the client message id
func (s *Session) SendMessage(conversationID, content string) (string, error) {
	var (
		clientID string
		err      error
	)
	if syncErr := s.loop.Sync(func() { clientID, err = s.convs.SendMessage(conversationID, content) }); syncErr != nil {
		return "", syncErr
	}
	return clientID, err
}

// PlayMedia acquires the media slot for itemID, releasing whatever else plays
func (s *Session) PlayMedia(itemID string, kind media.Kind, factory media.Factory) (media.Handle, error) {
	var h media.Handle
	if err := s.loop.Sync(func() { h = s.arbiter.Acquire(itemID, kind, factory) }); err != nil {
		return media.Handle{}, err
	}
	return h, nil
}

// ReleaseMedia releases one acquisition; other acquisitions are unaffected
func (s *Session) ReleaseMedia(h media.Handle) error {
	return s.loop.Sync(h.Release)
}

// StopMedia stops whatever plays
func (s *Session) StopMedia() error {
	return s.loop.Sync(s.arbiter.Stop)
}

// Blur is called when the screen loses focus; playback is released
func (s *Session) Blur() error {
	return s.loop.Sync(s.arbiter.Blur)
}

// ViewStory marks a story viewed locally
func (s *Session) ViewStory(storyID string) error {
	return s.loop.Sync(func() { s.stories.MarkViewed(storyID) })
}

// LoadMoreFeed requests the next feed page
func (s *Session) LoadMoreFeed() error {
	return s.loop.Sync(s.feed.LoadMore)
}

// Refresh reloads every collection from the backend
func (s *Session) Refresh() error {
	return s.loop.Sync(func() {
		s.convs.Refetch("refresh")
		s.stories.Refetch("refresh")
		s.feed.LoadFirstPage("refresh")
	})
}

// Conversations returns the ordered conversation list
func (s *Session) Conversations() ([]conversations.Conversation, error) {
	var list []conversations.Conversation
	err := s.loop.Sync(func() { list = s.convs.List() })
	return list, err
}

// Badge returns the unread total
func (s *Session) Badge() (int, error) {
	var n int
	err := s.loop.Sync(func() { n = s.convs.Badge() })
	return n, err
}

// LastBadgeReport returns the outcome of the latest badge reconciliation
func (s *Session) LastBadgeReport() conversations.BadgeReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBadge
}

// Stories returns the ordered story set
func (s *Session) Stories() ([]stories.Item, error) {
	var items []stories.Item
	err := s.loop.Sync(func() { items = s.stories.Items() })
	return items, err
}

// StoryRail returns one story per author
func (s *Session) StoryRail() ([]stories.Item, error) {
	var items []stories.Item
	err := s.loop.Sync(func() { items = s.stories.Rail() })
	return items, err
}

// Feed returns feed items with displayed counters
func (s *Session) Feed() ([]feed.Item, error) {
	var items []feed.Item
	err := s.loop.Sync(func() { items = s.feed.Items() })
	return items, err
}

// IsFollowing reports the displayed follow state of an author
func (s *Session) IsFollowing(authorID string) (bool, error) {
	var following bool
	err := s.loop.Sync(func() { following = s.feed.Follows().IsFollowing(authorID) })
	return following, err
}

// ActiveMedia returns the current playback session, if any
func (s *Session) ActiveMedia() (media.Session, bool, error) {
	var (
		active media.Session
		ok     bool
	)
	err := s.loop.Sync(func() { active, ok = s.arbiter.Active() })
	return active, ok, err
}

// MediaFailed reports whether the last acquisition of itemID failed
func (s *Session) MediaFailed(itemID string) (bool, error) {
	var failed bool
	err := s.loop.Sync(func() { failed = s.arbiter.Err(itemID) != nil })
	return failed, err
}

// Summary is a point-in-time overview of the session
type Summary struct {
	Conversations int
	Badge         int
	Stories       int
	FeedItems     int
	Following     int
	Pending       int
	Profiles      int
	Media         string
	Events        events.Stats

	ConversationRefetches int
	ProfileFetches        int
	LastRefetchError      error
}

// Summary collects counts from every collection
func (s *Session) Summary() (Summary, error) {
	var sum Summary
	err := s.loop.Sync(func() {
		sum = Summary{
			Conversations: len(s.convs.List()),
			Badge:         s.convs.Badge(),
			Stories:       s.stories.Len(),
			FeedItems:     len(s.feed.Items()),
			Following:     s.feed.Follows().Count(),
			Pending:       len(s.coord.Pending()),
			Profiles:      s.profiles.Size(),
			Media:         media.StateIdle.String(),

			ConversationRefetches: s.convs.Refetches(),
			ProfileFetches:        s.profiles.Fetches(),
			LastRefetchError:      s.convs.LastRefetchError(),
		}
		if active, ok := s.arbiter.Active(); ok {
			sum.Media = active.ItemID + ":" + active.State.String()
		}
	})
	sum.Events = s.subscriber.Stats()
	return sum, err
}

// LastSettlement returns the latest outcome for an entity and action
func (s *Session) LastSettlement(entityID, action string) (mutation.Settlement, bool, error) {
	var (
		st mutation.Settlement
		ok bool
	)
	err := s.loop.Sync(func() { st, ok = s.coord.LastSettlement(mutation.Key{EntityID: entityID, Action: action}) })
	return st, ok, err
}
